package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
)

const remoteBobURL = "https://remote.example/users/bob"

// inboxFixture wires an inbox for alice@local.example plus the signing
// identity of a remote sender bob
type inboxFixture struct {
	inbox     *Inbox
	resolver  *fakeResolver
	transport *fakeTransport
	bobKey    *rsa.PrivateKey
	bobKeyID  string
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	st := store.NewStore(t.TempDir())
	conf := testConf("local.example")
	engine := blocking.NewEngine(st, 120)
	resolver := newFakeResolver()
	tr := newFakeTransport()

	if err := st.SaveAccount(testAccount(t, "alice", "local.example")); err != nil {
		t.Fatal(err)
	}

	bobKeys := util.GeneratePemKeypair()
	privateKey, err := ParsePrivateKey(bobKeys.Private)
	if err != nil {
		t.Fatal(err)
	}
	keyID := KeyID("remote.example", "bob")

	bob := remoteActor("bob", "remote.example")
	bob.PublicKey = &domain.PublicKey{ID: keyID, Owner: bob.ID, PublicKeyPem: bobKeys.Public}
	resolver.addActor("bob", "remote.example", bob)

	deliverer := NewDeliverer(conf, st, engine, tr, resolver, NewPool(context.Background()))
	deliverer.RetryEvery = time.Millisecond

	return &inboxFixture{
		inbox:     NewInbox(conf, st, engine, testCaches(t), resolver, deliverer),
		resolver:  resolver,
		transport: tr,
		bobKey:    privateKey,
		bobKeyID:  keyID,
	}
}

// remoteCreate builds a signed-deliverable Create from bob
func remoteCreate(conversation string, tags ...domain.Tag) []byte {
	post := domain.Post{
		ID:           remoteBobURL + "/statuses/1",
		Type:         "Note",
		AttributedTo: remoteBobURL,
		Content:      "<p>greetings from afar</p>",
		Conversation: conversation,
		To:           []string{domain.PublicAudience},
		Tag:          tags,
	}
	activity := domain.Activity{
		ID:    post.ID + "/activity",
		Type:  "Create",
		Actor: remoteBobURL,
		To:    []string{domain.PublicAudience},
	}
	activity.SetObject(&post)
	body, _ := json.Marshal(activity)
	return body
}

func (f *inboxFixture) handleSigned(t *testing.T, body []byte) int {
	t.Helper()
	req := signedTestRequest(t, f.bobKey, f.bobKeyID, body)
	return f.inbox.Handle(context.Background(), req, "alice", body)
}

func TestInboxUnknownAccount(t *testing.T) {
	f := newInboxFixture(t)
	body := remoteCreate("")
	req := signedTestRequest(t, f.bobKey, f.bobKeyID, body)

	if status := f.inbox.Handle(context.Background(), req, "nobody", body); status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", status)
	}
}

func TestInboxMissingSignature(t *testing.T) {
	f := newInboxFixture(t)
	body := remoteCreate("")
	req, err := http.NewRequest("POST", "https://local.example/users/alice/inbox", nil)
	if err != nil {
		t.Fatal(err)
	}

	if status := f.inbox.Handle(context.Background(), req, "alice", body); status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", status)
	}
}

func TestInboxMalformedBody(t *testing.T) {
	f := newInboxFixture(t)
	if status := f.handleSigned(t, []byte("{broken")); status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", status)
	}
}

func TestInboxMissingRequiredFields(t *testing.T) {
	f := newInboxFixture(t)
	body, _ := json.Marshal(domain.Activity{
		ID:    remoteBobURL + "/statuses/1/activity",
		Type:  "Create",
		Actor: remoteBobURL,
		// Create without recipients or object
	})
	if status := f.handleSigned(t, body); status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", status)
	}
}

func TestInboxBlockedActorRejectedBeforeResolution(t *testing.T) {
	f := newInboxFixture(t)
	if err := f.inbox.Blocking.AddBlock("alice", "local.example", "bob@remote.example"); err != nil {
		t.Fatal(err)
	}

	if status := f.handleSigned(t, remoteCreate("")); status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", status)
	}
	if _, getCalls := f.resolver.lookups(); getCalls != 0 {
		t.Errorf("Blocked actor was still resolved %d times", getCalls)
	}
}

func TestInboxBadSignature(t *testing.T) {
	f := newInboxFixture(t)

	// Signed with a key unrelated to the one bob's actor advertises
	otherKey, err := ParsePrivateKey(util.GeneratePemKeypair().Private)
	if err != nil {
		t.Fatal(err)
	}
	body := remoteCreate("")
	req := signedTestRequest(t, otherKey, f.bobKeyID, body)

	if status := f.inbox.Handle(context.Background(), req, "alice", body); status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", status)
	}
}

func TestInboxActorWithoutKey(t *testing.T) {
	f := newInboxFixture(t)

	keyless := remoteActor("carol", "remote.example")
	f.resolver.addActor("carol", "remote.example", keyless)

	post := domain.Post{
		ID:      keyless.ID + "/statuses/1",
		Type:    "Note",
		Content: "<p>hi</p>",
		To:      []string{domain.PublicAudience},
	}
	activity := domain.Activity{
		ID:    post.ID + "/activity",
		Type:  "Create",
		Actor: keyless.ID,
		To:    []string{domain.PublicAudience},
	}
	activity.SetObject(&post)
	body, _ := json.Marshal(activity)

	if status := f.handleSigned(t, body); status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", status)
	}
}

func TestInboxUnresolvableActor(t *testing.T) {
	f := newInboxFixture(t)

	activity := domain.Activity{
		ID:    "https://gone.example/users/x/statuses/1/activity",
		Type:  "Like",
		Actor: "https://gone.example/users/x",
	}
	body, _ := json.Marshal(activity)

	if status := f.handleSigned(t, body); status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", status)
	}
}

func TestInboxAcceptsSignedActivity(t *testing.T) {
	f := newInboxFixture(t)

	if status := f.handleSigned(t, remoteCreate("")); status != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", status)
	}

	err, index := f.inbox.Store.BoxIndex("alice", "local.example", store.BoxInbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 1 {
		t.Fatalf("Inbox holds %d entries, want 1", len(index))
	}
	err, stored := f.inbox.Store.LoadPost("alice", "local.example", store.BoxInbox, index[0])
	if err != nil || stored == nil {
		t.Fatalf("Failed to load stored activity: %v", err)
	}
	if stored.Actor != remoteBobURL {
		t.Errorf("Stored actor = %q", stored.Actor)
	}
}

func TestInboxBlockedHashtag(t *testing.T) {
	f := newInboxFixture(t)
	if err := f.inbox.Blocking.AddBlock("alice", "local.example", "#spam"); err != nil {
		t.Fatal(err)
	}

	body := remoteCreate("", domain.Tag{Type: "Hashtag", Name: "#spam"})
	if status := f.handleSigned(t, body); status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", status)
	}
	if err, index := f.inbox.Store.BoxIndex("alice", "local.example", store.BoxInbox); err == nil && len(index) != 0 {
		t.Error("Rejected activity was still stored")
	}
}

// bobFollow builds a Follow of alice from bob
func bobFollow() []byte {
	follow := domain.Activity{
		ID:     "https://remote.example/follows/1",
		Type:   "Follow",
		Actor:  remoteBobURL,
		To:     []string{"https://local.example/users/alice"},
		Object: json.RawMessage(`"https://local.example/users/alice"`),
	}
	body, _ := json.Marshal(&follow)
	return body
}

func TestInboxFollowRecordsFollowerAndSendsAccept(t *testing.T) {
	f := newInboxFixture(t)

	if status := f.handleSigned(t, bobFollow()); status != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", status)
	}
	f.inbox.Deliverer.Pool.Wait()

	err, followers := f.inbox.Store.ReadAccountList("alice", "local.example", "followers.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(followers) != 1 || followers[0] != "bob@remote.example" {
		t.Fatalf("Followers = %v, want [bob@remote.example]", followers)
	}

	inboxURL := remoteBobURL + "/inbox"
	if got := f.transport.postsTo(inboxURL); got != 1 {
		t.Fatalf("Accept deliveries to bob = %d, want 1", got)
	}
	var accept domain.Activity
	if err := json.Unmarshal(f.transport.lastPostTo(inboxURL), &accept); err != nil {
		t.Fatal(err)
	}
	if accept.Type != "Accept" || accept.Actor != "https://local.example/users/alice" {
		t.Errorf("Accept = %s from %s", accept.Type, accept.Actor)
	}
	nested, err := accept.DecodeNestedActivity()
	if err != nil || nested.Type != "Follow" || nested.ID != "https://remote.example/follows/1" {
		t.Errorf("Accept object = %+v (%v)", nested, err)
	}
}

func TestInboxUndoFollowRemovesFollower(t *testing.T) {
	f := newInboxFixture(t)

	if status := f.handleSigned(t, bobFollow()); status != http.StatusAccepted {
		t.Fatalf("Follow status = %d, want 202", status)
	}
	f.inbox.Deliverer.Pool.Wait()

	undo := domain.Activity{
		ID:    "https://remote.example/follows/1/undo",
		Type:  "Undo",
		Actor: remoteBobURL,
		To:    []string{"https://local.example/users/alice"},
	}
	undo.SetObject(&domain.Activity{ID: "https://remote.example/follows/1", Type: "Follow", Actor: remoteBobURL})
	body, _ := json.Marshal(&undo)

	if status := f.handleSigned(t, body); status != http.StatusAccepted {
		t.Fatalf("Undo status = %d, want 202", status)
	}

	err, followers := f.inbox.Store.ReadAccountList("alice", "local.example", "followers.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(followers) != 0 {
		t.Errorf("Followers after undo = %v, want none", followers)
	}
}

func TestInboxAcceptFollowRecordsFollowing(t *testing.T) {
	f := newInboxFixture(t)

	accept := domain.Activity{
		ID:    "https://remote.example/accepts/1",
		Type:  "Accept",
		Actor: remoteBobURL,
		To:    []string{"https://local.example/users/alice"},
	}
	accept.SetObject(&domain.Activity{
		ID:    "https://local.example/activities/follow-1",
		Type:  "Follow",
		Actor: "https://local.example/users/alice",
	})
	body, _ := json.Marshal(&accept)

	if status := f.handleSigned(t, body); status != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", status)
	}

	err, following := f.inbox.Store.ReadAccountList("alice", "local.example", "following.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(following) != 1 || following[0] != "bob@remote.example" {
		t.Errorf("Following = %v, want [bob@remote.example]", following)
	}
}

func TestInboxMutedConversationFlagsArrival(t *testing.T) {
	f := newInboxFixture(t)
	conversation := "tag:remote.example,2026-09-01:objectId=4:objectType=Conversation"

	if err := f.inbox.Store.MuteConversation("alice", "local.example", conversation); err != nil {
		t.Fatal(err)
	}

	if status := f.handleSigned(t, remoteCreate(conversation)); status != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", status)
	}

	err, index := f.inbox.Store.BoxIndex("alice", "local.example", store.BoxInbox)
	if err != nil || len(index) != 1 {
		t.Fatalf("Inbox index = %v (%v)", index, err)
	}
	if !f.inbox.Store.HasMuteFlag("alice", "local.example", store.BoxInbox, index[0]) {
		t.Error("Arrival in a muted conversation was not flagged")
	}

	err, entries := f.inbox.Store.ReadConversation("alice", "local.example", conversation)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != remoteBobURL+"/statuses/1" {
		t.Errorf("Conversation index = %v", entries)
	}
}
