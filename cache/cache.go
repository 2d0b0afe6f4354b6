package cache

import (
	"encoding/json"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ederbeen/gomphos/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	personCacheSize = 4096
	renderCacheSize = 2048
	renderCacheTTL  = time.Hour

	// ActorExpiry is how long a cached remote actor survives without use
	ActorExpiry = 48 * time.Hour
)

// Caches is the process-wide cache service. It is constructed once at
// startup and handed by reference to every component that needs it.
type Caches struct {
	Persons *PersonCache
	// Renders maps a post id to its cached rendered HTML
	Renders *expirable.LRU[string, string]
}

func New(baseDir string) *Caches {
	return &Caches{
		Persons: NewPersonCache(filepath.Join(baseDir, "cache", "actors")),
		Renders: expirable.NewLRU[string, string](renderCacheSize, nil, renderCacheTTL),
	}
}

// PersonCache caches resolved remote actor documents in memory with an
// on-disk mirror. The disk file is a cold-cache seed: written once and
// never overwritten, refreshed only via an explicit Clear.
type PersonCache struct {
	diskDir string

	mu      sync.Mutex
	entries *lru.Cache[string, *domain.ActorCacheEntry]
}

func NewPersonCache(diskDir string) *PersonCache {
	entries, err := lru.New[string, *domain.ActorCacheEntry](personCacheSize)
	if err != nil {
		panic(err)
	}
	return &PersonCache{diskDir: diskDir, entries: entries}
}

// NormalizeActorURL rewrites shared-inbox style actor URLs to the plain
// /inbox endpoint before cache lookup. Many "actors" referenced during
// shared-inbox delivery are not real accounts.
func NormalizeActorURL(actorURL string) string {
	for _, suffix := range []string{"/sharedInbox", "/users/inbox", "/actor/inbox"} {
		if strings.HasSuffix(actorURL, suffix) {
			parsed, err := url.Parse(actorURL)
			if err != nil {
				return actorURL
			}
			return parsed.Scheme + "://" + parsed.Host + "/inbox"
		}
	}
	return actorURL
}

// Get returns a cached actor entry, falling back to the disk mirror.
// A memory hit refreshes the entry timestamp; a fresh disk load does not,
// avoiding needless churn on cold starts.
func (pc *PersonCache) Get(actorURL string) *domain.ActorCacheEntry {
	actorURL = NormalizeActorURL(actorURL)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if entry, ok := pc.entries.Get(actorURL); ok {
		entry.Timestamp = time.Now()
		return entry
	}

	entry := pc.loadDiskLocked(actorURL)
	if entry == nil {
		return nil
	}
	pc.entries.Add(actorURL, entry)
	return entry
}

// Store caches an actor entry in memory and seeds the disk mirror when no
// mirror file exists yet
func (pc *PersonCache) Store(actorURL string, actor *domain.Actor) {
	actorURL = NormalizeActorURL(actorURL)
	entry := &domain.ActorCacheEntry{Actor: actor, Timestamp: time.Now()}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.entries.Add(actorURL, entry)

	diskPath := pc.diskPath(actorURL)
	if _, err := os.Stat(diskPath); err == nil {
		return
	}
	if err := os.MkdirAll(pc.diskDir, 0755); err != nil {
		log.Printf("PersonCache: failed to create disk cache dir: %v", err)
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.WriteFile(diskPath, raw, 0644); err != nil {
		log.Printf("PersonCache: failed to write disk cache for %s: %v", actorURL, err)
	}
}

// Clear drops an actor from memory and disk so the next reference
// re-fetches it
func (pc *PersonCache) Clear(actorURL string) {
	actorURL = NormalizeActorURL(actorURL)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.entries.Remove(actorURL)
	os.Remove(pc.diskPath(actorURL))
}

// SweepExpired removes every in-memory entry unused for longer than
// ActorExpiry. Caller-triggered, idempotent; holds the lock for the whole
// sweep so it cannot race a concurrent Get that extends a lifetime.
func (pc *PersonCache) SweepExpired() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	removed := 0
	for _, key := range pc.entries.Keys() {
		entry, ok := pc.entries.Peek(key)
		if !ok {
			continue
		}
		if time.Since(entry.Timestamp) > ActorExpiry {
			pc.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("PersonCache: swept %d expired actors", removed)
	}
	return removed
}

// Len returns the number of cached actors
func (pc *PersonCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.entries.Len()
}

func (pc *PersonCache) diskPath(actorURL string) string {
	return filepath.Join(pc.diskDir, strings.ReplaceAll(actorURL, "/", "#")+".json")
}

func (pc *PersonCache) loadDiskLocked(actorURL string) *domain.ActorCacheEntry {
	raw, err := os.ReadFile(pc.diskPath(actorURL))
	if err != nil {
		return nil
	}
	var entry domain.ActorCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Printf("PersonCache: corrupt disk cache entry for %s: %v", actorURL, err)
		return nil
	}
	return &entry
}
