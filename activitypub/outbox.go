package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/posts"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
	"github.com/google/uuid"
)

// Outbox accepts client-to-server activities: wrap, validate, persist,
// run side effects, then hand the fanout to the delivery pipeline as
// background work
type Outbox struct {
	Conf      *util.AppConfig
	Store     *store.Store
	Blocking  *blocking.Engine
	Caches    *cache.Caches
	Deliverer *Deliverer
}

func NewOutbox(conf *util.AppConfig, st *store.Store, engine *blocking.Engine,
	caches *cache.Caches, deliverer *Deliverer) *Outbox {
	return &Outbox{
		Conf:      conf,
		Store:     st,
		Blocking:  engine,
		Caches:    caches,
		Deliverer: deliverer,
	}
}

// objectTypes are the bare object types a client may POST without an
// activity wrapper
var objectTypes = map[string]bool{
	"Note":     true,
	"Article":  true,
	"Question": true,
	"Event":    true,
}

// Accept takes a raw c2s POST body, returning whether the activity was
// accepted. Delivery success is never reported synchronously; the caller
// only learns about acceptance.
func (o *Outbox) Accept(acc *domain.Account, body []byte) (bool, error) {
	var activity domain.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return false, fmt.Errorf("failed to parse activity: %w", err)
	}

	// A bare object becomes the object of an implicit Create
	if objectTypes[activity.Type] {
		wrapped, err := o.wrapBareObject(acc, body)
		if err != nil {
			return false, err
		}
		activity = *wrapped
	}

	if activity.Actor == "" {
		activity.Actor = util.LocalActorURI(acc.Domain, acc.Nickname)
	}
	if activity.ID == "" {
		activity.ID = fmt.Sprintf("https://%s/activities/%s", acc.Domain, uuid.New().String())
	}
	if activity.Published == "" {
		activity.Published = time.Now().UTC().Format(time.RFC3339)
	}

	if !activity.HasRequiredFields() {
		return false, fmt.Errorf("activity %s missing required fields", activity.ID)
	}

	// An account that managed to block itself must not post
	if o.Blocking.IsBlocked(acc.Nickname, acc.Domain, acc.Nickname, acc.Domain) {
		return false, fmt.Errorf("posting account %s is blocked", acc.Handle())
	}

	if post, err := activity.DecodePost(); err == nil && post.Content != "" {
		if util.DangerousMarkup(post.Content) {
			return false, fmt.Errorf("activity %s carries dangerous markup", activity.ID)
		}
	}

	box := boxFor(&activity)
	err, filename := o.Store.SavePostToBox(acc.Nickname, acc.Domain, box, &activity)
	if err != nil {
		return false, fmt.Errorf("failed to persist activity: %w", err)
	}
	log.Printf("Outbox: accepted %s from %s into %s as %s", activity.Type, acc.Handle(), box, filename)

	o.runSideEffects(acc, &activity)

	// Fire-and-forget fanout; the c2s caller cannot observe delivery
	o.Deliverer.Fanout(acc, &activity)

	return true, nil
}

// wrapBareObject turns a bare posted object into a full Create activity,
// keeping id, published and addressing consistent between the envelopes
func (o *Outbox) wrapBareObject(acc *domain.Account, body []byte) (*domain.Activity, error) {
	var post domain.Post
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, fmt.Errorf("failed to parse bare object: %w", err)
	}

	actorURI := util.LocalActorURI(acc.Domain, acc.Nickname)
	if post.AttributedTo == "" {
		post.AttributedTo = actorURI
	}
	if post.ID == "" {
		posts.AssignIDs(&post, o.Store.NextStatusNumber())
	}
	if post.Published == "" {
		post.Published = time.Now().UTC().Format(time.RFC3339)
	}
	post.Context = nil

	wrapped, err := posts.WrapInCreate(&post, actorURI)
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// boxFor selects the box an accepted activity lands in
func boxFor(activity *domain.Activity) string {
	if activity.Type == "Create" && activity.ObjectType() == "Article" {
		return store.BoxTlBlogs
	}
	if activity.Type == "Create" && !activity.AddressedToPublic() &&
		activity.FollowersTarget() == "" {
		return store.BoxDM
	}
	return store.BoxOutbox
}

// runSideEffects walks the independent side-effect handlers. Each one is
// idempotent and no-ops when the activity type doesn't match.
func (o *Outbox) runSideEffects(acc *domain.Account, activity *domain.Activity) {
	o.indexConversation(acc, activity)
	o.indexHashtags(activity)
	o.outboxBookmark(acc, activity)
	o.outboxLike(acc, activity)
	o.outboxAnnounce(acc, activity)
	o.outboxUpdatePost(acc, activity)
	o.OutboxBlock(acc, activity)
	o.OutboxUndoBlock(acc, activity)
	o.OutboxMute(acc, activity)
	o.OutboxUndoMute(acc, activity)
}

func (o *Outbox) indexConversation(acc *domain.Account, activity *domain.Activity) {
	if activity.Type != "Create" {
		return
	}
	post, err := activity.DecodePost()
	if err != nil || post.Conversation == "" || post.ID == "" {
		return
	}
	if err := o.Store.AppendToConversation(acc.Nickname, acc.Domain, post.Conversation, post.ID); err != nil {
		log.Printf("Outbox: failed to index conversation for %s: %v", post.ID, err)
	}
}

func (o *Outbox) indexHashtags(activity *domain.Activity) {
	if activity.Type != "Create" {
		return
	}
	post, err := activity.DecodePost()
	if err != nil {
		return
	}
	posts.IndexHashtags(o.Store, post)
}

func (o *Outbox) outboxBookmark(acc *domain.Account, activity *domain.Activity) {
	if activity.Type != "Add" {
		return
	}
	bookmarked := activity.ObjectRef()
	if bookmarked == "" {
		return
	}
	if err := o.Store.AddToAccountList(acc.Nickname, acc.Domain, "bookmarks.txt", bookmarked); err != nil {
		log.Printf("Outbox: failed to bookmark %s: %v", bookmarked, err)
	}
}

func (o *Outbox) outboxLike(acc *domain.Account, activity *domain.Activity) {
	if activity.Type != "Like" {
		return
	}
	liked := activity.ObjectRef()
	if liked == "" {
		return
	}
	if err := o.Store.AddToAccountList(acc.Nickname, acc.Domain, "likes.txt", liked); err != nil {
		log.Printf("Outbox: failed to record like of %s: %v", liked, err)
	}
}

// outboxAnnounce records a share and drops the shared post's cached
// render, since shares change how the post is presented
func (o *Outbox) outboxAnnounce(acc *domain.Account, activity *domain.Activity) {
	if activity.Type != "Announce" {
		return
	}
	shared := activity.ObjectRef()
	if shared == "" {
		return
	}
	if err := o.Store.AddToAccountList(acc.Nickname, acc.Domain, "shares.txt", shared); err != nil {
		log.Printf("Outbox: failed to record share of %s: %v", shared, err)
	}
	o.Caches.Renders.Remove(shared)
}

// outboxUpdatePost applies a post edit in place: the stored file keeps
// its id, content and contentMap change, updated is stamped, and the
// cached render is invalidated. Profile updates pass through untouched.
func (o *Outbox) outboxUpdatePost(acc *domain.Account, activity *domain.Activity) {
	if activity.Type != "Update" || activity.IsProfileUpdate() {
		return
	}
	edited, err := activity.DecodePost()
	if err != nil || edited.ID == "" {
		return
	}
	stored, box, filename := blocking.FindPost(o.Store, acc.Nickname, acc.Domain, edited.ID)
	if stored == nil {
		return
	}
	post, err := stored.DecodePost()
	if err != nil {
		return
	}
	post.Content = edited.Content
	post.ContentMap = edited.ContentMap
	post.Updated = time.Now().UTC().Format(time.RFC3339)
	if err := stored.SetObject(post); err != nil {
		log.Printf("Outbox: failed to encode edit of %s: %v", edited.ID, err)
		return
	}
	if err := o.Store.WritePost(acc.Nickname, acc.Domain, box, filename, stored); err != nil {
		log.Printf("Outbox: failed to persist edit of %s: %v", edited.ID, err)
		return
	}
	o.Caches.Renders.Remove(edited.ID)
}

// OutboxBlock handles a c2s Block. Validation failures silently no-op:
// these are best-effort conveniences, not guaranteed operations.
func (o *Outbox) OutboxBlock(acc *domain.Account, activity *domain.Activity) bool {
	if activity.Type != "Block" {
		return false
	}
	if !o.actorMatches(acc, activity.Actor) {
		return false
	}
	handle := handleFromActorURL(activity.ObjectRef())
	if handle == "" {
		return false
	}
	if err := o.Blocking.AddBlock(acc.Nickname, acc.Domain, handle); err != nil {
		log.Printf("Outbox: block of %s failed: %v", handle, err)
		return false
	}
	log.Printf("Outbox: %s blocked %s", acc.Handle(), handle)
	return true
}

// OutboxUndoBlock handles Undo wrapping a Block
func (o *Outbox) OutboxUndoBlock(acc *domain.Account, activity *domain.Activity) bool {
	nested := o.undoObject(activity, "Block")
	if nested == nil {
		return false
	}
	if !o.actorMatches(acc, activity.Actor) {
		return false
	}
	handle := handleFromActorURL(nested.ObjectRef())
	if handle == "" {
		return false
	}
	if err := o.Blocking.RemoveBlock(acc.Nickname, acc.Domain, handle); err != nil {
		log.Printf("Outbox: unblock of %s failed: %v", handle, err)
		return false
	}
	log.Printf("Outbox: %s unblocked %s", acc.Handle(), handle)
	return true
}

// OutboxMute handles a c2s Ignore (mute). The object must resolve to a
// real, locatable post and the acting actor must be the authenticated
// account, else the handler silently no-ops.
func (o *Outbox) OutboxMute(acc *domain.Account, activity *domain.Activity) bool {
	if activity.Type != "Ignore" {
		return false
	}
	if !o.actorMatches(acc, activity.Actor) {
		return false
	}
	postID := activity.ObjectRef()
	if postID == "" {
		return false
	}
	if err := blocking.MutePost(o.Store, o.Caches, acc.Nickname, acc.Domain, postID, activity.Actor); err != nil {
		log.Printf("Outbox: mute of %s failed: %v", postID, err)
		return false
	}
	return true
}

// OutboxUndoMute handles Undo wrapping an Ignore
func (o *Outbox) OutboxUndoMute(acc *domain.Account, activity *domain.Activity) bool {
	nested := o.undoObject(activity, "Ignore")
	if nested == nil {
		return false
	}
	if !o.actorMatches(acc, activity.Actor) {
		return false
	}
	postID := nested.ObjectRef()
	if postID == "" {
		return false
	}
	if err := blocking.UnmutePost(o.Store, o.Caches, acc.Nickname, acc.Domain, postID, activity.Actor); err != nil {
		log.Printf("Outbox: unmute of %s failed: %v", postID, err)
		return false
	}
	return true
}

// undoObject returns the nested activity of an Undo when its type
// matches wanted
func (o *Outbox) undoObject(activity *domain.Activity, wanted string) *domain.Activity {
	if activity.Type != "Undo" {
		return nil
	}
	nested, err := activity.DecodeNestedActivity()
	if err != nil || nested.Type != wanted {
		return nil
	}
	return nested
}

// actorMatches checks that the activity's actor is the authenticated
// local account
func (o *Outbox) actorMatches(acc *domain.Account, actor string) bool {
	return actor == util.LocalActorURI(acc.Domain, acc.Nickname)
}

// handleFromActorURL derives nick@domain from an actor URL for the block
// list, empty when the URL has no usable shape
func handleFromActorURL(actorURL string) string {
	actorDomain := util.DomainOf(actorURL)
	if actorDomain == "" {
		return ""
	}
	nickname := recipientNickname(actorURL)
	if nickname == "" || strings.Contains(nickname, "@") {
		return ""
	}
	return nickname + "@" + util.RemovePort(actorDomain)
}
