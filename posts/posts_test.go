package posts

import (
	"strings"
	"testing"

	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(t.TempDir())
}

func writeAutoCW(t *testing.T, st *store.Store, lines []string) {
	t.Helper()
	for _, line := range lines {
		if err := st.AddToAccountList("alice", "local.example", AutoCWFileName, line); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExtractMentions(t *testing.T) {
	tags := ExtractMentions("hi @bob@remote.example and @carol, not @bob@remote.example again", "local.example")
	if len(tags) != 2 {
		t.Fatalf("Expected 2 mentions, got %+v", tags)
	}

	if tags[0].Type != "Mention" || tags[0].Name != "@bob@remote.example" {
		t.Errorf("First mention wrong: %+v", tags[0])
	}
	if tags[0].Href != "https://remote.example/users/bob" {
		t.Errorf("Mention href = %q", tags[0].Href)
	}

	// Bare nickname resolves to the local domain
	if tags[1].Name != "@carol@local.example" {
		t.Errorf("Bare mention wrong: %+v", tags[1])
	}
	if tags[1].Href != "https://local.example/users/carol" {
		t.Errorf("Bare mention href = %q", tags[1].Href)
	}
}

func TestExtractHashtags(t *testing.T) {
	tags := ExtractHashtags("talking about #GoLang and #fediverse, #golang again", "local.example")
	if len(tags) != 2 {
		t.Fatalf("Expected 2 hashtags, got %+v", tags)
	}
	if tags[0].Name != "#golang" || tags[0].Href != "https://local.example/tags/golang" {
		t.Errorf("First hashtag wrong: %+v", tags[0])
	}
	if tags[1].Name != "#fediverse" {
		t.Errorf("Second hashtag wrong: %+v", tags[1])
	}
}

func TestApplyAutoCWAccumulates(t *testing.T) {
	st := testStore(t)
	writeAutoCW(t, st, []string{
		"politics -> pol",
		"election -> pol",
		"food -> eating",
		"broken line without arrow",
	})

	// Single match
	if got := ApplyAutoCW(st, "alice", "local.example", "Politics again", ""); got != "pol" {
		t.Errorf("Single match = %q", got)
	}

	// Two lines match with distinct warnings: comma accumulation in
	// file order
	if got := ApplyAutoCW(st, "alice", "local.example", "politics and food", ""); got != "pol, eating" {
		t.Errorf("Accumulated = %q", got)
	}

	// Two lines with the same warning text do not duplicate it
	if got := ApplyAutoCW(st, "alice", "local.example", "politics and the election", ""); got != "pol" {
		t.Errorf("Deduplicated = %q", got)
	}

	// An existing CW is kept in front
	if got := ApplyAutoCW(st, "alice", "local.example", "food talk", "custom"); got != "custom, eating" {
		t.Errorf("Existing CW = %q", got)
	}

	// No match leaves the CW untouched
	if got := ApplyAutoCW(st, "alice", "local.example", "nothing to see", ""); got != "" {
		t.Errorf("No match = %q", got)
	}
}

func TestBuildAddressingPublicFoldsMentions(t *testing.T) {
	mentions := ExtractMentions("hi @bob@remote.example", "local.example")

	to, cc := BuildAddressing(AudiencePublic, "alice", "local.example", mentions)
	if len(to) != 1 || to[0] != domain.PublicAudience {
		t.Errorf("to = %v", to)
	}
	// Followers collection plus the mentioned actor
	if len(cc) != 2 {
		t.Fatalf("cc = %v", cc)
	}
	if cc[0] != "https://local.example/users/alice/followers" {
		t.Errorf("cc[0] = %q", cc[0])
	}
	if cc[1] != "https://remote.example/users/bob" {
		t.Errorf("cc[1] = %q", cc[1])
	}
}

func TestBuildAddressingFollowers(t *testing.T) {
	mentions := ExtractMentions("hi @bob@remote.example", "local.example")

	to, cc := BuildAddressing(AudienceFollowers, "alice", "local.example", mentions)
	if len(to) != 1 || to[0] != "https://local.example/users/alice/followers" {
		t.Errorf("to = %v", to)
	}
	if len(cc) != 1 || cc[0] != "https://remote.example/users/bob" {
		t.Errorf("cc = %v", cc)
	}
}

func TestBuildAddressingDM(t *testing.T) {
	mentions := ExtractMentions("psst @bob@remote.example", "local.example")

	to, cc := BuildAddressing(AudienceDM, "alice", "local.example", mentions)
	if len(to) != 1 || to[0] != "https://remote.example/users/bob" {
		t.Errorf("to = %v", to)
	}
	if len(cc) != 0 {
		t.Errorf("DM must not cc anyone, got %v", cc)
	}
}

func TestBuildPost(t *testing.T) {
	st := testStore(t)

	post, err := BuildPost(st, PostOptions{
		Nickname: "alice",
		Domain:   "local.example",
		Content:  "hello #world from @bob@remote.example",
		Audience: AudiencePublic,
	})
	if err != nil {
		t.Fatalf("BuildPost failed: %v", err)
	}

	if post.Type != "Note" {
		t.Errorf("Default type = %q", post.Type)
	}
	if post.AttributedTo != "https://local.example/users/alice" {
		t.Errorf("AttributedTo = %q", post.AttributedTo)
	}
	if !strings.HasPrefix(post.Conversation, "tag:local.example,") {
		t.Errorf("Conversation = %q", post.Conversation)
	}
	if !strings.Contains(post.Conversation, ":objectType=Conversation") {
		t.Errorf("Conversation = %q", post.Conversation)
	}
	if post.ContentMap["en"] != post.Content {
		t.Errorf("ContentMap = %v", post.ContentMap)
	}
	if len(post.Tag) != 2 {
		t.Errorf("Tags = %+v", post.Tag)
	}
	if post.Sensitive {
		t.Error("No CW, must not be sensitive")
	}
}

func TestBuildPostRejectsDangerousMarkup(t *testing.T) {
	st := testStore(t)

	_, err := BuildPost(st, PostOptions{
		Nickname: "alice",
		Domain:   "local.example",
		Content:  `<script>alert(1)</script>`,
		Audience: AudiencePublic,
	})
	if err == nil {
		t.Error("Expected rejection of dangerous markup")
	}
}

func TestBuildPostRejectsUnknownType(t *testing.T) {
	st := testStore(t)

	_, err := BuildPost(st, PostOptions{
		Nickname: "alice",
		Domain:   "local.example",
		PostType: "Video",
		Content:  "hi",
		Audience: AudiencePublic,
	})
	if err == nil {
		t.Error("Expected rejection of unsupported type")
	}
}

func TestBuildPostInheritsParentCW(t *testing.T) {
	st := testStore(t)

	parent := &domain.Post{
		ID:           "https://remote.example/users/bob/statuses/1",
		Summary:      "politics",
		Conversation: "tag:remote.example,2026-01-01:objectId=x:objectType=Conversation",
	}

	post, err := BuildPost(st, PostOptions{
		Nickname:   "alice",
		Domain:     "local.example",
		Content:    "replying without my own warning",
		Audience:   AudiencePublic,
		InReplyTo:  parent.ID,
		ParentPost: parent,
	})
	if err != nil {
		t.Fatalf("BuildPost failed: %v", err)
	}

	if post.Summary != "politics" || !post.Sensitive {
		t.Errorf("Expected inherited CW, got summary %q sensitive %v", post.Summary, post.Sensitive)
	}
	if post.Conversation != parent.Conversation {
		t.Errorf("Expected inherited conversation, got %q", post.Conversation)
	}
	if post.InReplyTo != parent.ID {
		t.Errorf("InReplyTo = %q", post.InReplyTo)
	}
}

func TestAssignIDsAndWrapInCreate(t *testing.T) {
	st := testStore(t)

	post, err := BuildPost(st, PostOptions{
		Nickname: "alice",
		Domain:   "local.example",
		Content:  "hello world",
		Audience: AudiencePublic,
	})
	if err != nil {
		t.Fatal(err)
	}

	AssignIDs(post, 42)
	if post.ID != "https://local.example/users/alice/statuses/42" {
		t.Errorf("ID = %q", post.ID)
	}
	if post.Replies == nil || post.Replies.ID != post.ID+"/replies" {
		t.Errorf("Replies stub = %+v", post.Replies)
	}

	// Re-assigning never changes an existing id
	AssignIDs(post, 99)
	if !strings.HasSuffix(post.ID, "/42") {
		t.Errorf("ID reassigned: %q", post.ID)
	}

	activity, err := WrapInCreate(post, "https://local.example/users/alice")
	if err != nil {
		t.Fatal(err)
	}
	if activity.ID != post.ID+"/activity" {
		t.Errorf("Activity id = %q", activity.ID)
	}
	if activity.Type != "Create" || activity.Published != post.Published {
		t.Errorf("Envelope mismatch: %+v", activity)
	}
	if len(activity.To) != len(post.To) || activity.To[0] != post.To[0] {
		t.Errorf("to not mirrored: %v vs %v", activity.To, post.To)
	}
	if len(activity.Cc) != len(post.Cc) {
		t.Errorf("cc not mirrored: %v vs %v", activity.Cc, post.Cc)
	}

	inner, err := activity.DecodePost()
	if err != nil {
		t.Fatal(err)
	}
	if inner.ID != post.ID || inner.Content != post.Content {
		t.Errorf("Inner object mismatch: %+v", inner)
	}
}

func TestIndexHashtagsPublicOnly(t *testing.T) {
	st := testStore(t)

	public := &domain.Post{
		ID:  "https://local.example/users/alice/statuses/1",
		To:  []string{domain.PublicAudience},
		Tag: []domain.Tag{{Type: "Hashtag", Name: "#golang"}},
	}
	IndexHashtags(st, public)

	err, ids := st.ReadHashtagIndex("golang")
	if err != nil || len(ids) != 1 {
		t.Errorf("Expected 1 indexed id, got %v (err %v)", ids, err)
	}

	private := &domain.Post{
		ID:  "https://local.example/users/alice/statuses/2",
		To:  []string{"https://local.example/users/alice/followers"},
		Tag: []domain.Tag{{Type: "Hashtag", Name: "#golang"}},
	}
	IndexHashtags(st, private)

	err, ids = st.ReadHashtagIndex("golang")
	if err != nil || len(ids) != 1 {
		t.Errorf("Non-public post must not be indexed, got %v", ids)
	}
}
