package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/transport"
	"github.com/ederbeen/gomphos/util"
)

const (
	// Retry policy for a single inbox delivery
	maxDeliveryAttempts = 20
	defaultRetryEvery   = 30 * time.Second

	// Worker pool cap. Beyond it the oldest pending send is cancelled to
	// admit the newest.
	maxPendingDeliveries = 1000

	// Per-delivery attempt log depth
	attemptLogSize = 16
)

// ErrUnauthorized marks a delivery rejected by the remote end; it is
// terminal for the attempt and never retried
var ErrUnauthorized = errors.New("delivery unauthorized")

// TransportAPI is the slice of the transport adapter the pipeline needs
type TransportAPI interface {
	PostJSON(ctx context.Context, urlStr string, body []byte, key *transport.SigningKey, extraHeaders map[string]string) transport.PostResult
	DomainAlive(ctx context.Context, domain string) bool
}

// ResolverAPI is the slice of the actor resolver the pipeline needs
type ResolverAPI interface {
	ResolveActor(ctx context.Context, handle string) (*domain.Actor, error)
	GetActor(ctx context.Context, actorURL string) (*domain.Actor, error)
	SharedInboxFor(ctx context.Context, actorDomain string) string
}

// attemptRing keeps the last attemptLogSize delivery outcomes
type attemptRing struct {
	mu      sync.Mutex
	entries []string
}

func (r *attemptRing) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > attemptLogSize {
		r.entries = r.entries[len(r.entries)-attemptLogSize:]
	}
}

func (r *attemptRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.entries...)
}

// pendingJob is one in-flight fanout target
type pendingJob struct {
	name   string
	cancel context.CancelFunc
}

// Pool runs fanout targets as background work, one worker per target,
// capped at maxPendingDeliveries. Under pressure the oldest pending job
// is cancelled to admit the newest.
type Pool struct {
	mu      sync.Mutex
	jobs    []*pendingJob
	wg      sync.WaitGroup
	baseCtx context.Context
}

func NewPool(ctx context.Context) *Pool {
	return &Pool{baseCtx: ctx}
}

// Submit schedules fn on its own worker. fn must honor ctx cancellation.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	job := &pendingJob{name: name, cancel: cancel}

	p.mu.Lock()
	if len(p.jobs) >= maxPendingDeliveries {
		oldest := p.jobs[0]
		p.jobs = p.jobs[1:]
		oldest.cancel()
		log.Printf("Delivery: pool full, shedding oldest pending send %s", oldest.name)
	}
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(job)
		defer cancel()
		fn(ctx)
	}()
}

func (p *Pool) remove(job *pendingJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pending := range p.jobs {
		if pending == job {
			p.jobs = append(p.jobs[:i], p.jobs[i+1:]...)
			return
		}
	}
}

// Pending returns the number of in-flight fanout targets
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Wait blocks until every submitted job finished. Test helper and
// shutdown hook.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Deliverer is the outbound delivery pipeline
type Deliverer struct {
	Conf      *util.AppConfig
	Store     *store.Store
	Blocking  *blocking.Engine
	Transport TransportAPI
	Resolver  ResolverAPI
	Pool      *Pool

	// RetryEvery is the fixed retry interval, shrunk by tests
	RetryEvery time.Duration
}

func NewDeliverer(conf *util.AppConfig, st *store.Store, engine *blocking.Engine,
	tr TransportAPI, resolver ResolverAPI, pool *Pool) *Deliverer {
	return &Deliverer{
		Conf:       conf,
		Store:      st,
		Blocking:   engine,
		Transport:  tr,
		Resolver:   resolver,
		Pool:       pool,
		RetryEvery: defaultRetryEvery,
	}
}

// signingKeyFor builds the delivery signing key of a local account
func signingKeyFor(acc *domain.Account) (*transport.SigningKey, error) {
	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key of %s: %w", acc.Handle(), err)
	}
	return &transport.SigningKey{
		KeyID:      KeyID(acc.Domain, acc.Nickname),
		PrivateKey: privateKey,
	}, nil
}

// notifiedSet tracks inbox URLs already targeted for one activity, so a
// named mention whose inbox was covered by the followers fanout is not
// delivered twice
type notifiedSet struct {
	mu    sync.Mutex
	seen  map[string]bool
}

func newNotifiedSet() *notifiedSet {
	return &notifiedSet{seen: make(map[string]bool)}
}

// claim returns true the first time an inbox is targeted
func (n *notifiedSet) claim(inboxURL string) bool {
	if inboxURL == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen[inboxURL] {
		return false
	}
	n.seen[inboxURL] = true
	return true
}

func (n *notifiedSet) covered(inboxURLs ...string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, inboxURL := range inboxURLs {
		if inboxURL != "" && n.seen[inboxURL] {
			return true
		}
	}
	return false
}

// Fanout delivers one activity from a local account to every remote
// recipient. It spawns background workers and returns immediately; the
// c2s caller never observes delivery success.
func (d *Deliverer) Fanout(acc *domain.Account, activity *domain.Activity) {
	payload, err := json.Marshal(activity)
	if err != nil {
		log.Printf("Delivery: failed to marshal activity %s: %v", activity.ID, err)
		return
	}

	key, err := signingKeyFor(acc)
	if err != nil {
		log.Printf("Delivery: %v", err)
		return
	}

	notified := newNotifiedSet()
	profileUpdate := activity.IsProfileUpdate()

	if activity.FollowersTarget() != "" || profileUpdate {
		d.fanoutToFollowers(acc, activity, payload, key, notified, profileUpdate)
	}

	for _, recipient := range activity.NamedRecipients() {
		d.fanoutToNamed(acc, recipient, payload, key, notified, profileUpdate)
	}
}

// fanoutToFollowers groups the account's followers by domain and submits
// one worker per domain
func (d *Deliverer) fanoutToFollowers(acc *domain.Account, activity *domain.Activity,
	payload []byte, key *transport.SigningKey, notified *notifiedSet, profileUpdate bool) {

	err, followers := d.Store.ReadAccountList(acc.Nickname, acc.Domain, "followers.txt")
	if err != nil {
		log.Printf("Delivery: failed to read followers of %s: %v", acc.Handle(), err)
		return
	}
	if len(followers) == 0 {
		return
	}

	byDomain := make(map[string][]string)
	for _, handle := range followers {
		nickname, followerDomain := util.ParseHandle(handle)
		if nickname == "" {
			continue
		}
		byDomain[followerDomain] = append(byDomain[followerDomain], handle)
	}

	for followerDomain, handles := range byDomain {
		followerDomain, handles := followerDomain, handles
		d.Pool.Submit("followers@"+followerDomain, func(ctx context.Context) {
			d.deliverDomainBatch(ctx, acc, followerDomain, handles, payload, key, notified, profileUpdate)
		})
	}
}

// deliverDomainBatch sends to one follower domain, preferring a single
// shared-inbox delivery over per-follower sends
func (d *Deliverer) deliverDomainBatch(ctx context.Context, acc *domain.Account,
	followerDomain string, handles []string, payload []byte, key *transport.SigningKey,
	notified *notifiedSet, profileUpdate bool) {

	if d.Blocking.IsBlockedDomain(followerDomain) {
		log.Printf("Delivery: skipping blocked domain %s", followerDomain)
		return
	}

	// A dead domain must not consume the retry budget
	if !d.Transport.DomainAlive(ctx, followerDomain) {
		log.Printf("Delivery: domain %s not reachable, skipping batch", followerDomain)
		return
	}

	// Profile updates always go through the shared inbox when one exists,
	// so key rotations don't hit every follower individually
	if profileUpdate || len(handles) > 1 {
		if sharedInbox := d.Resolver.SharedInboxFor(ctx, followerDomain); sharedInbox != "" {
			if notified.claim(sharedInbox) {
				d.sendWithRetry(ctx, sharedInbox, payload, key)
			}
			return
		}
	}

	for _, handle := range handles {
		nickname, handleDomain := util.ParseHandle(handle)
		if d.Blocking.IsBlocked(acc.Nickname, acc.Domain, nickname, handleDomain) {
			log.Printf("Delivery: skipping blocked follower %s", handle)
			continue
		}
		actor, err := d.Resolver.ResolveActor(ctx, handle)
		if err != nil {
			log.Printf("Delivery: resolution of %s failed: %v", handle, err)
			continue
		}
		if !notified.claim(actor.Inbox) {
			continue
		}
		d.sendWithRetry(ctx, actor.Inbox, payload, key)
	}
}

// fanoutToNamed delivers to one named (non-collection) recipient
func (d *Deliverer) fanoutToNamed(acc *domain.Account, recipient string,
	payload []byte, key *transport.SigningKey, notified *notifiedSet, profileUpdate bool) {

	recipientDomain := util.DomainOf(recipient)
	if recipientDomain == "" {
		log.Printf("Delivery: unparseable recipient %s", recipient)
		return
	}

	nickname := recipientNickname(recipient)

	// Profile updates are never delivered back to the sending account
	if profileUpdate && nickname == acc.Nickname &&
		util.RemovePort(recipientDomain) == util.RemovePort(acc.Domain) {
		return
	}

	// The block gate runs before any resolution: a blocked recipient is
	// skipped without a webfinger lookup
	if d.Blocking.IsBlocked(acc.Nickname, acc.Domain, nickname, recipientDomain) {
		log.Printf("Delivery: block-skip for named recipient %s", recipient)
		return
	}

	d.Pool.Submit("named:"+recipient, func(ctx context.Context) {
		actor, err := d.Resolver.GetActor(ctx, recipient)
		if err != nil {
			// Mention hrefs are guessed with the /users/ layout; webfinger
			// is authoritative for instances laid out differently
			handle := handleFromActorURL(recipient)
			if handle == "" {
				log.Printf("Delivery: resolution of %s failed: %v", recipient, err)
				return
			}
			actor, err = d.Resolver.ResolveActor(ctx, handle)
			if err != nil {
				log.Printf("Delivery: resolution of %s failed: %v", recipient, err)
				return
			}
		}
		if notified.covered(actor.Inbox, actor.SharedInbox()) {
			return
		}
		if !notified.claim(actor.Inbox) {
			return
		}
		d.sendWithRetry(ctx, actor.Inbox, payload, key)
	})
}

// sendWithRetry POSTs one signed payload with bounded retry: up to
// maxDeliveryAttempts at a fixed interval, aborting immediately on an
// unauthorized response or context cancellation
func (d *Deliverer) sendWithRetry(ctx context.Context, inboxURL string, payload []byte, key *transport.SigningKey) error {
	ring := &attemptRing{}

	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		result := d.Transport.PostJSON(ctx, inboxURL, payload, key, nil)

		switch {
		case result.Accepted:
			ring.add(fmt.Sprintf("attempt %d: accepted (%d)", attempt, result.StatusCode))
			log.Printf("Delivery: delivered to %s (status %d, attempt %d)", inboxURL, result.StatusCode, attempt)
			return nil
		case result.Unauthorized:
			ring.add(fmt.Sprintf("attempt %d: unauthorized (%d)", attempt, result.StatusCode))
			log.Printf("Delivery: %s rejected delivery with %d, giving up", inboxURL, result.StatusCode)
			return ErrUnauthorized
		default:
			ring.add(fmt.Sprintf("attempt %d: transient (%d)", attempt, result.StatusCode))
		}

		if attempt == maxDeliveryAttempts {
			break
		}

		timer := time.NewTimer(d.RetryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			ring.add("cancelled")
			log.Printf("Delivery: send to %s cancelled", inboxURL)
			return ctx.Err()
		case <-timer.C:
		}
	}

	log.Printf("Delivery: giving up on %s after %d attempts: %v",
		inboxURL, maxDeliveryAttempts, ring.snapshot())
	return fmt.Errorf("delivery to %s failed after %d attempts", inboxURL, maxDeliveryAttempts)
}

// recipientNickname guesses the nickname part of an actor URL for block
// matching (the last path segment, with a Mastodon-style @ stripped)
func recipientNickname(actorURL string) string {
	idx := len(actorURL) - 1
	for idx >= 0 && actorURL[idx] != '/' {
		idx--
	}
	nickname := actorURL[idx+1:]
	if len(nickname) > 0 && nickname[0] == '@' {
		nickname = nickname[1:]
	}
	return nickname
}
