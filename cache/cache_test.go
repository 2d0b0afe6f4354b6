package cache

import (
	"testing"
	"time"

	"github.com/ederbeen/gomphos/domain"
)

func testActor(id string) *domain.Actor {
	return &domain.Actor{
		ID:    id,
		Type:  "Person",
		Inbox: id + "/inbox",
	}
}

func TestNormalizeActorURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://remote.example/users/bob", "https://remote.example/users/bob"},
		{"https://remote.example/sharedInbox", "https://remote.example/inbox"},
		{"https://remote.example/users/inbox", "https://remote.example/inbox"},
		{"https://remote.example/actor/inbox", "https://remote.example/inbox"},
		{"https://remote.example/inbox", "https://remote.example/inbox"},
	}
	for _, tt := range tests {
		if got := NormalizeActorURL(tt.in); got != tt.want {
			t.Errorf("NormalizeActorURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStoreAndGet(t *testing.T) {
	pc := NewPersonCache(t.TempDir())

	actorURL := "https://remote.example/users/bob"
	pc.Store(actorURL, testActor(actorURL))

	entry := pc.Get(actorURL)
	if entry == nil {
		t.Fatal("Expected cache hit")
	}
	if entry.Actor.ID != actorURL {
		t.Errorf("Cached actor id = %q", entry.Actor.ID)
	}

	if pc.Get("https://remote.example/users/unknown") != nil {
		t.Error("Expected miss for unknown actor")
	}
}

func TestGetRefreshesTimestamp(t *testing.T) {
	pc := NewPersonCache(t.TempDir())

	actorURL := "https://remote.example/users/bob"
	pc.Store(actorURL, testActor(actorURL))

	entry := pc.Get(actorURL)
	entry.Timestamp = time.Now().Add(-72 * time.Hour)

	// A read keeps the entry alive
	refreshed := pc.Get(actorURL)
	if time.Since(refreshed.Timestamp) > time.Minute {
		t.Error("Expected memory hit to refresh the timestamp")
	}

	if removed := pc.SweepExpired(); removed != 0 {
		t.Errorf("Sweep removed %d entries after refresh", removed)
	}
}

func TestSweepExpired(t *testing.T) {
	pc := NewPersonCache(t.TempDir())

	stale := "https://remote.example/users/stale"
	fresh := "https://remote.example/users/fresh"
	pc.Store(stale, testActor(stale))
	pc.Store(fresh, testActor(fresh))

	pc.Get(stale).Timestamp = time.Now().Add(-(ActorExpiry + time.Hour))

	if removed := pc.SweepExpired(); removed != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", removed)
	}
	if pc.Len() != 1 {
		t.Errorf("Len = %d after sweep", pc.Len())
	}

	// Idempotent
	if removed := pc.SweepExpired(); removed != 0 {
		t.Errorf("Second sweep removed %d entries", removed)
	}
}

func TestDiskMirrorSurvivesMemoryEviction(t *testing.T) {
	dir := t.TempDir()
	pc := NewPersonCache(dir)

	actorURL := "https://remote.example/users/bob"
	pc.Store(actorURL, testActor(actorURL))

	// A fresh cache over the same directory finds the disk seed
	cold := NewPersonCache(dir)
	entry := cold.Get(actorURL)
	if entry == nil {
		t.Fatal("Expected disk mirror hit on cold cache")
	}
	if entry.Actor.Inbox != actorURL+"/inbox" {
		t.Errorf("Disk entry inbox = %q", entry.Actor.Inbox)
	}
}

func TestClearDropsMemoryAndDisk(t *testing.T) {
	dir := t.TempDir()
	pc := NewPersonCache(dir)

	actorURL := "https://remote.example/users/bob"
	pc.Store(actorURL, testActor(actorURL))
	pc.Clear(actorURL)

	if pc.Get(actorURL) != nil {
		t.Error("Expected miss after clear")
	}
	cold := NewPersonCache(dir)
	if cold.Get(actorURL) != nil {
		t.Error("Expected disk mirror to be gone after clear")
	}
}

func TestRenderCache(t *testing.T) {
	caches := New(t.TempDir())

	caches.Renders.Add("https://example.com/users/alice/statuses/1", "<p>hello</p>")
	if html, ok := caches.Renders.Get("https://example.com/users/alice/statuses/1"); !ok || html != "<p>hello</p>" {
		t.Errorf("Render cache get = %q, %v", html, ok)
	}

	caches.Renders.Remove("https://example.com/users/alice/statuses/1")
	if _, ok := caches.Renders.Get("https://example.com/users/alice/statuses/1"); ok {
		t.Error("Expected render cache miss after remove")
	}
}
