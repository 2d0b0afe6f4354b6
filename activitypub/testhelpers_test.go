package activitypub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/transport"
	"github.com/ederbeen/gomphos/util"
)

func testConf(localDomain string) *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = localDomain
	conf.Conf.BlockedCacheSeconds = 120
	return conf
}

func testAccount(t *testing.T, nickname, accountDomain string) *domain.Account {
	t.Helper()
	keys := util.GeneratePemKeypair()
	return &domain.Account{
		Nickname:      nickname,
		Domain:        accountDomain,
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
		CreatedAt:     time.Now().UTC(),
	}
}

type postCall struct {
	URL  string
	Body []byte
}

// fakeTransport records deliveries and answers them from a per-URL
// result queue, falling back to a flat 202.
type fakeTransport struct {
	mu          sync.Mutex
	posts       []postCall
	results     map[string][]transport.PostResult
	deadDomains map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:     make(map[string][]transport.PostResult),
		deadDomains: make(map[string]bool),
	}
}

func (f *fakeTransport) queue(urlStr string, results ...transport.PostResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[urlStr] = append(f.results[urlStr], results...)
}

func (f *fakeTransport) PostJSON(ctx context.Context, urlStr string, body []byte, key *transport.SigningKey, extraHeaders map[string]string) transport.PostResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{URL: urlStr, Body: append([]byte{}, body...)})
	if queued := f.results[urlStr]; len(queued) > 0 {
		next := queued[0]
		f.results[urlStr] = queued[1:]
		return next
	}
	return transport.PostResult{Accepted: true, StatusCode: 202}
}

func (f *fakeTransport) DomainAlive(ctx context.Context, domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.deadDomains[domain]
}

func (f *fakeTransport) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeTransport) lastPostTo(urlStr string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.posts) - 1; i >= 0; i-- {
		if f.posts[i].URL == urlStr {
			return f.posts[i].Body
		}
	}
	return nil
}

func (f *fakeTransport) postsTo(urlStr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.posts {
		if call.URL == urlStr {
			count++
		}
	}
	return count
}

// fakeResolver serves canned actors and counts lookups, so tests can
// assert that a gate short-circuited before any resolution happened
type fakeResolver struct {
	mu             sync.Mutex
	actorsByHandle map[string]*domain.Actor
	actorsByURL    map[string]*domain.Actor
	sharedInboxes  map[string]string
	resolveCalls   int
	getCalls       int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		actorsByHandle: make(map[string]*domain.Actor),
		actorsByURL:    make(map[string]*domain.Actor),
		sharedInboxes:  make(map[string]string),
	}
}

// addActor registers nick@domain under both its handle and its actor URL
func (f *fakeResolver) addActor(nickname, actorDomain string, actor *domain.Actor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actorsByHandle[nickname+"@"+actorDomain] = actor
	f.actorsByURL[actor.ID] = actor
}

func (f *fakeResolver) ResolveActor(ctx context.Context, handle string) (*domain.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if actor := f.actorsByHandle[handle]; actor != nil {
		return actor, nil
	}
	return nil, fmt.Errorf("%w: unknown handle %s", ErrResolutionFailed, handle)
}

func (f *fakeResolver) GetActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if actor := f.actorsByURL[actorURL]; actor != nil {
		return actor, nil
	}
	return nil, fmt.Errorf("%w: unknown actor %s", ErrResolutionFailed, actorURL)
}

func (f *fakeResolver) SharedInboxFor(ctx context.Context, actorDomain string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sharedInboxes[actorDomain]
}

func (f *fakeResolver) lookups() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls, f.getCalls
}

func remoteActor(nickname, actorDomain string) *domain.Actor {
	return &domain.Actor{
		ID:                "https://" + actorDomain + "/users/" + nickname,
		Type:              "Person",
		PreferredUsername: nickname,
		Inbox:             "https://" + actorDomain + "/users/" + nickname + "/inbox",
	}
}

func testDeliverer(t *testing.T, tr TransportAPI, resolver ResolverAPI) *Deliverer {
	t.Helper()
	st := store.NewStore(t.TempDir())
	engine := blocking.NewEngine(st, 120)
	pool := NewPool(context.Background())
	d := NewDeliverer(testConf("local.example"), st, engine, tr, resolver, pool)
	d.RetryEvery = time.Millisecond
	return d
}

func testCaches(t *testing.T) *cache.Caches {
	t.Helper()
	return cache.New(t.TempDir())
}
