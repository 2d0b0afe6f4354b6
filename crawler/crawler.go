package crawler

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ederbeen/gomphos/blocking"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
)

// defaultBlockedUserAgents always block, regardless of instance policy
var defaultBlockedUserAgents = []string{
	"GPTBot",
	"CCBot",
	"ChatGPT-User",
	"Bytespider",
	"PetalBot",
	"Amazonbot",
	"FacebookBot",
	"AhrefsBot",
	"SemrushBot",
}

// CrawlerPolicy is the admin-maintained knownCrawlers.json: UA
// substrings of explicitly permitted crawlers and of blocked agents
type CrawlerPolicy struct {
	Allowed []string `json:"allowed"`
	Blocked []string `json:"blocked"`
}

// Filter classifies user agents and feeds the result into the blocking
// engine. An absent user agent is blocked outright.
type Filter struct {
	Blocking     *blocking.Engine
	NewsInstance bool
	Policy       CrawlerPolicy

	knownBotsPath string
	mu            sync.Mutex
	knownBots     []string
}

func NewFilter(engine *blocking.Engine, newsInstance bool) *Filter {
	f := &Filter{
		Blocking:      engine,
		NewsInstance:  newsInstance,
		knownBotsPath: util.KnownBotsFile(engine.Store.BaseDir),
	}
	if data, err := os.ReadFile(util.KnownCrawlersFile(engine.Store.BaseDir)); err == nil {
		if err := json.Unmarshal(data, &f.Policy); err != nil {
			log.Printf("Crawler: failed to parse crawler policy: %v", err)
		}
	}
	if lines, err := store.ReadLines(f.knownBotsPath); err == nil {
		f.knownBots = lines
	}
	return f
}

// looksLikeBot applies the bot/robot substring heuristics, excluding the
// "://bot" false positive (a domain, not an agent)
func looksLikeBot(userAgent string) bool {
	lowered := strings.ToLower(userAgent)
	for _, marker := range []string{"bot/", "bot-", "/bot", "/robot"} {
		idx := strings.Index(lowered, marker)
		if idx < 0 {
			continue
		}
		if marker == "/bot" && idx >= 2 && lowered[idx-2:idx+4] == "://bot" {
			continue
		}
		return true
	}
	return false
}

// IsBlockedUserAgent decides whether a request's user agent may proceed.
// The returned timestamp is the blocking engine's cache refresh time, so
// callers can observe staleness.
func (f *Filter) IsBlockedUserAgent(userAgent, callingDomain string) (bool, time.Time) {
	cacheTime := f.Blocking.CacheTimestamp()

	// No UA header at all: fail closed
	if userAgent == "" {
		return true, cacheTime
	}

	for _, blocked := range defaultBlockedUserAgents {
		if strings.Contains(userAgent, blocked) {
			return true, cacheTime
		}
	}

	if looksLikeBot(userAgent) {
		f.recordKnownBot(userAgent)
		if f.NewsInstance || f.crawlerAllowed(userAgent) {
			// Classified but permitted to read public content
			return false, cacheTime
		}
		return true, cacheTime
	}

	for _, blocked := range f.Policy.Blocked {
		if blocked != "" && strings.Contains(userAgent, blocked) {
			return true, cacheTime
		}
	}

	// A domain embedded in the UA goes through the (lockdown-aware)
	// domain gates
	if uaDomain := domainFromUserAgent(userAgent); uaDomain != "" {
		if f.Blocking.IsBlockedDomain(uaDomain) {
			return true, cacheTime
		}
	}

	if callingDomain != "" && f.Blocking.IsBlockedDomain(callingDomain) {
		return true, cacheTime
	}

	return false, cacheTime
}

// crawlerAllowed checks the explicit crawler allow list
func (f *Filter) crawlerAllowed(userAgent string) bool {
	for _, allowed := range f.Policy.Allowed {
		if allowed != "" && strings.Contains(userAgent, allowed) {
			return true
		}
	}
	return false
}

// recordKnownBot persists a newly seen bot UA, keeping the file sorted
// and deduplicated
func (f *Filter) recordKnownBot(userAgent string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, known := range f.knownBots {
		if known == userAgent {
			return
		}
	}
	f.knownBots = append(f.knownBots, userAgent)
	sort.Strings(f.knownBots)

	if err := store.WriteLines(f.knownBotsPath, f.knownBots); err != nil {
		log.Printf("Crawler: failed to persist known bots: %v", err)
	}
}

// KnownBots returns the recorded bot user agents, sorted
func (f *Filter) KnownBots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.knownBots...)
}

// domainFromUserAgent extracts a domain mentioned in a UA string, e.g.
// "Mastodon/4.2.0 (+https://mastodon.social/)"
func domainFromUserAgent(userAgent string) string {
	idx := strings.Index(userAgent, "https://")
	if idx < 0 {
		idx = strings.Index(userAgent, "http://")
		if idx < 0 {
			return ""
		}
	}
	rest := userAgent[idx:]
	for _, terminator := range []string{")", ";", " "} {
		if end := strings.Index(rest, terminator); end > 0 {
			rest = rest[:end]
		}
	}
	rest = strings.TrimSuffix(rest, "/")
	return util.DomainOf(rest)
}
