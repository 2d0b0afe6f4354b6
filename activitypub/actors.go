package activitypub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/transport"
	"github.com/ederbeen/gomphos/util"
)

// ErrResolutionFailed signals that webfinger or the actor fetch returned
// nothing usable. The delivery caller aborts that single target but must
// not abort sibling deliveries.
var ErrResolutionFailed = errors.New("actor resolution failed")

// WebFingerLink is one entry of a webfinger links array
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WebFingerResponse is the JRD document answering an acct: lookup
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// Resolver turns handles into cached actor documents over the transport
// adapter
type Resolver struct {
	Transport *transport.Client
	Caches    *cache.Caches
	Conf      *util.AppConfig
	// InstanceKey signs actor fetches when secure mode is on
	InstanceKey *transport.SigningKey
}

func NewResolver(tr *transport.Client, caches *cache.Caches, conf *util.AppConfig, instanceKey *transport.SigningKey) *Resolver {
	return &Resolver{Transport: tr, Caches: caches, Conf: conf, InstanceKey: instanceKey}
}

// WebFinger looks up nick@domain, returning nil when the instance does
// not answer
func (r *Resolver) WebFinger(ctx context.Context, nickname, actorDomain string) *WebFingerResponse {
	lookupURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s",
		actorDomain, nickname, actorDomain)

	var wf WebFingerResponse
	if !r.Transport.GetJSON(ctx, lookupURL, transport.AcceptJRD, nil, &wf) {
		return nil
	}
	return &wf
}

// ActorURLFromWebFinger extracts the actor document URL from a webfinger
// response: the activity+json link first, falling back to a
// Mastodon-style /users/ rewrite of any /@ profile link
func ActorURLFromWebFinger(wf *WebFingerResponse) string {
	for _, link := range wf.Links {
		if link.Type == "application/activity+json" && link.Href != "" {
			return link.Href
		}
	}
	for _, link := range wf.Links {
		if idx := strings.Index(link.Href, "/@"); idx > 0 {
			return link.Href[:idx] + "/users/" + link.Href[idx+2:]
		}
	}
	return ""
}

// ResolveActor resolves a nick@domain handle to an actor document.
// When webfinger fails outright the bare single-user-instance URL guess
// is tried before giving up.
func (r *Resolver) ResolveActor(ctx context.Context, handle string) (*domain.Actor, error) {
	nickname, actorDomain := util.ParseHandle(handle)
	if nickname == "" {
		return nil, fmt.Errorf("%w: malformed handle %q", ErrResolutionFailed, handle)
	}

	actorURL := ""
	if wf := r.WebFinger(ctx, nickname, actorDomain); wf != nil {
		actorURL = ActorURLFromWebFinger(wf)
	}
	if actorURL == "" {
		// Single-user instances sometimes serve the actor at the root
		actorURL = "https://" + actorDomain
	}

	return r.GetActor(ctx, actorURL)
}

// GetActor fetches an actor document, cache first. Secure mode converts
// the fetch into a signed one.
func (r *Resolver) GetActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	if entry := r.Caches.Persons.Get(actorURL); entry != nil {
		return entry.Actor, nil
	}

	var key *transport.SigningKey
	if r.Conf != nil && r.Conf.Conf.SecureMode {
		key = r.InstanceKey
	}

	var actor domain.Actor
	if !r.Transport.GetJSON(ctx, actorURL, transport.AcceptActivityJSON, key, &actor) {
		// Some software rejects the profiled activity+json Accept header
		if !r.Transport.GetJSON(ctx, actorURL, transport.AcceptLDJSON, key, &actor) {
			return nil, fmt.Errorf("%w: no actor document at %s", ErrResolutionFailed, actorURL)
		}
	}

	if actor.ID == "" || actor.Inbox == "" {
		return nil, fmt.Errorf("%w: actor at %s missing required fields", ErrResolutionFailed, actorURL)
	}

	r.Caches.Persons.Store(actorURL, &actor)
	return &actor, nil
}

// SharedInboxFor probes whether a domain exposes a shared inbox, trying
// the conventional inbox@domain and domain@domain webfinger subjects
func (r *Resolver) SharedInboxFor(ctx context.Context, actorDomain string) string {
	for _, nickname := range []string{"inbox", actorDomain} {
		wf := r.WebFinger(ctx, nickname, actorDomain)
		if wf == nil {
			continue
		}
		actorURL := ActorURLFromWebFinger(wf)
		if actorURL == "" {
			continue
		}
		actor, err := r.GetActor(ctx, actorURL)
		if err != nil {
			log.Printf("Resolver: shared inbox probe for %s failed: %v", actorDomain, err)
			continue
		}
		if shared := actor.SharedInbox(); shared != "" {
			return shared
		}
		return actor.Inbox
	}
	return ""
}
