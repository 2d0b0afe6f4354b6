package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
	"github.com/google/uuid"
)

// Inbox processes incoming federated activities. It shares the blocking
// engine, actor resolution and the delivery pipeline with the outbound
// path, so follow Accepts go out signed like any other activity.
type Inbox struct {
	Conf      *util.AppConfig
	Store     *store.Store
	Blocking  *blocking.Engine
	Caches    *cache.Caches
	Resolver  ResolverAPI
	Deliverer *Deliverer
}

func NewInbox(conf *util.AppConfig, st *store.Store, engine *blocking.Engine,
	caches *cache.Caches, resolver ResolverAPI, deliverer *Deliverer) *Inbox {
	return &Inbox{Conf: conf, Store: st, Blocking: engine, Caches: caches,
		Resolver: resolver, Deliverer: deliverer}
}

// Handle verifies and stores one incoming s2s activity for a local
// account. Returns the HTTP status the caller should answer with.
func (i *Inbox) Handle(ctx context.Context, req *http.Request, nickname string, body []byte) int {
	if !i.Store.HasAccount(nickname, i.Conf.Conf.Domain) {
		log.Printf("Inbox: no such local account %s", nickname)
		return http.StatusNotFound
	}

	if req.Header.Get("Signature") == "" {
		log.Printf("Inbox: missing HTTP signature")
		return http.StatusUnauthorized
	}

	var activity domain.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Inbox: failed to parse activity: %v", err)
		return http.StatusBadRequest
	}

	if !activity.HasRequiredFields() {
		log.Printf("Inbox: activity missing required fields")
		return http.StatusBadRequest
	}

	log.Printf("Inbox: received %s from %s", activity.Type, activity.Actor)

	actorNickname, actorDomain := actorParts(activity.Actor)
	if i.Blocking.IsBlocked(nickname, i.Conf.Conf.Domain, actorNickname, actorDomain) {
		log.Printf("Inbox: rejecting %s from blocked actor %s", activity.Type, activity.Actor)
		return http.StatusForbidden
	}

	// Fetch (cache-first) the sender to verify the signature with its key
	remoteActor, err := i.Resolver.GetActor(ctx, activity.Actor)
	if err != nil {
		log.Printf("Inbox: failed to fetch actor %s: %v", activity.Actor, err)
		return http.StatusBadRequest
	}

	publicKeyPem := remoteActor.PublicKeyPemFor("")
	if publicKeyPem == "" {
		log.Printf("Inbox: actor %s carries no public key", activity.Actor)
		return http.StatusUnauthorized
	}
	if _, err := VerifyRequest(req, publicKeyPem); err != nil {
		log.Printf("Inbox: signature verification failed: %v", err)
		return http.StatusUnauthorized
	}

	// Content gates: hashtag blocks apply to content, not actors
	if post, err := activity.DecodePost(); err == nil {
		blocked := false
		for _, tag := range post.Hashtags() {
			if i.Blocking.IsBlockedHashtag(nickname, i.Conf.Conf.Domain, tag) {
				blocked = true
				break
			}
		}
		if blocked {
			log.Printf("Inbox: rejecting %s carrying a blocked hashtag", activity.ID)
			return http.StatusForbidden
		}
	}

	err, filename := i.Store.SavePostToBox(nickname, i.Conf.Conf.Domain, store.BoxInbox, &activity)
	if err != nil {
		log.Printf("Inbox: failed to store activity: %v", err)
		return http.StatusInternalServerError
	}

	// Follow bookkeeping: the follower file is the fanout pipeline's
	// input, so these run before answering
	switch activity.Type {
	case "Follow":
		if err := i.handleFollow(nickname, &activity); err != nil {
			log.Printf("Inbox: follow handling failed: %v", err)
		}
	case "Undo":
		i.handleUndoFollow(nickname, &activity)
	case "Accept":
		i.handleAcceptFollow(nickname, &activity)
	}

	// A muted conversation silences the whole thread: the post stays
	// stored but is flagged rejected for timeline traversal
	if post, perr := activity.DecodePost(); perr == nil && post.Conversation != "" {
		if i.Store.IsConversationMuted(nickname, i.Conf.Conf.Domain, post.Conversation) {
			if err := i.Store.SetMuteFlag(nickname, i.Conf.Conf.Domain, store.BoxInbox, filename); err != nil {
				log.Printf("Inbox: failed to flag muted-thread post: %v", err)
			}
		}
		if err := i.Store.AppendToConversation(nickname, i.Conf.Conf.Domain, post.Conversation, post.ID); err != nil {
			log.Printf("Inbox: failed to index conversation: %v", err)
		}
	}

	return http.StatusAccepted
}

// handleFollow records the new follower and queues an Accept back to the
// follower's inbox. Follows are auto-accepted.
func (i *Inbox) handleFollow(nickname string, activity *domain.Activity) error {
	handle := handleFromActorURL(activity.Actor)
	if handle == "" {
		return fmt.Errorf("follow from unusable actor URL %s", activity.Actor)
	}

	accountDomain := i.Conf.Conf.Domain
	if err := i.Store.AddToAccountList(nickname, accountDomain, "followers.txt", handle); err != nil {
		return fmt.Errorf("failed to record follower %s: %w", handle, err)
	}
	log.Printf("Inbox: %s now follows %s@%s", handle, nickname, accountDomain)

	err, acc := i.Store.LoadAccount(nickname, accountDomain)
	if err != nil {
		return fmt.Errorf("failed to load account for accept: %w", err)
	}

	accept := &domain.Activity{
		ID:        fmt.Sprintf("https://%s/activities/%s", accountDomain, uuid.New().String()),
		Type:      "Accept",
		Actor:     util.LocalActorURI(accountDomain, nickname),
		To:        []string{activity.Actor},
		Published: time.Now().UTC().Format(time.RFC3339),
	}
	if err := accept.SetObject(activity); err != nil {
		return fmt.Errorf("failed to embed follow into accept: %w", err)
	}

	i.Deliverer.Fanout(acc, accept)
	return nil
}

// handleUndoFollow drops the follower named by an Undo+Follow. Other
// Undo shapes pass through untouched.
func (i *Inbox) handleUndoFollow(nickname string, activity *domain.Activity) {
	nested, err := activity.DecodeNestedActivity()
	if err != nil || nested.Type != "Follow" {
		return
	}
	handle := handleFromActorURL(activity.Actor)
	if handle == "" {
		return
	}
	if err := i.Store.RemoveFromAccountList(nickname, i.Conf.Conf.Domain, "followers.txt", handle); err != nil {
		log.Printf("Inbox: failed to drop follower %s: %v", handle, err)
		return
	}
	log.Printf("Inbox: %s unfollowed %s", handle, nickname)
}

// handleAcceptFollow confirms an outgoing Follow: the accepting actor
// lands on the account's following list
func (i *Inbox) handleAcceptFollow(nickname string, activity *domain.Activity) {
	nested, err := activity.DecodeNestedActivity()
	if err != nil || nested.Type != "Follow" {
		return
	}
	handle := handleFromActorURL(activity.Actor)
	if handle == "" {
		return
	}
	if err := i.Store.AddToAccountList(nickname, i.Conf.Conf.Domain, "following.txt", handle); err != nil {
		log.Printf("Inbox: failed to record following %s: %v", handle, err)
		return
	}
	log.Printf("Inbox: %s accepted follow from %s", handle, nickname)
}

// actorParts splits an actor URL into nickname and domain for the block
// gates
func actorParts(actorURL string) (string, string) {
	actorDomain := util.DomainOf(actorURL)
	if actorDomain == "" {
		return "", ""
	}
	return recipientNickname(actorURL), actorDomain
}
