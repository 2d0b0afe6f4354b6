package blocking

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
)

// evilDomains is the compiled-in list of domains that are always blocked
// and cannot be overridden by any allow list
var evilDomains = []string{
	"gab.com",
	"gabfed.com",
	"spinster.xyz",
	"kiwifarms.cc",
	"djitter.com",
}

const (
	BlockFileName = "blocking.txt"
	AllowFileName = "allowedinstances.txt"
)

// Engine evaluates the layered block/allow gates. Gates are checked
// short-circuit, most specific first; the instance block list is served
// from an interval-refreshed cache with semantics identical to the
// file-read path.
type Engine struct {
	Store        *store.Store
	CacheSeconds int

	mu               sync.Mutex
	blockedCache     []string
	blockedCacheTime time.Time
}

func NewEngine(st *store.Store, cacheSeconds int) *Engine {
	if cacheSeconds <= 0 {
		cacheSeconds = 120
	}
	return &Engine{Store: st, CacheSeconds: cacheSeconds}
}

// IsEvilDomain checks the hard-coded list. Short-domain comparison keeps
// subdomain rotation from evading it.
func IsEvilDomain(domain string) bool {
	domain = util.RemovePort(domain)
	short := util.ShortDomain(domain)
	for _, evil := range evilDomains {
		if domain == evil || short == evil {
			return true
		}
	}
	return false
}

// LockdownActive reports whether the instance is in allow-list-only mode.
// The mere presence of the allow-list file is the mode switch.
func (e *Engine) LockdownActive() bool {
	_, err := os.Stat(util.InstanceAllowFile(e.Store.BaseDir))
	return err == nil
}

// domainAllowed checks the lockdown allow list for a domain or its short
// domain
func (e *Engine) domainAllowed(domain string) bool {
	lines, err := store.ReadLines(util.InstanceAllowFile(e.Store.BaseDir))
	if err != nil {
		return false
	}
	domain = util.RemovePort(domain)
	short := util.ShortDomain(domain)
	for _, allowed := range lines {
		if allowed == domain || allowed == short {
			return true
		}
	}
	return false
}

// blockedLines returns the instance block list, refreshed from disk at
// most once per CacheSeconds
func (e *Engine) blockedLines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.blockedCacheTime) < time.Duration(e.CacheSeconds)*time.Second {
		return e.blockedCache
	}

	lines, err := store.ReadLines(util.InstanceBlockFile(e.Store.BaseDir))
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Blocking: failed to read instance block list: %v", err)
		return e.blockedCache
	}
	e.blockedCache = lines
	e.blockedCacheTime = time.Now()
	return e.blockedCache
}

// CacheTimestamp returns when the block-list cache was last refreshed
func (e *Engine) CacheTimestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockedCacheTime
}

// matchesBlockEntry checks one block list line against an actor.
// Entries are nickname@domain, *@domain or #hashtag; hashtag entries
// never match an actor.
func matchesBlockEntry(entry, nickname, domain string) bool {
	if strings.HasPrefix(entry, "#") {
		return false
	}
	domain = util.RemovePort(domain)
	short := util.ShortDomain(domain)
	if entry == "*@"+domain || entry == "*@"+short {
		return true
	}
	if nickname != "" && (entry == nickname+"@"+domain || entry == nickname+"@"+short) {
		return true
	}
	return false
}

// IsBlockedDomain runs the instance-level gates for a whole domain:
// evil list, lockdown allow list, then the block list's *@domain entries
func (e *Engine) IsBlockedDomain(domain string) bool {
	if IsEvilDomain(domain) {
		return true
	}

	// Lockdown supersedes the ordinary block list entirely
	if e.LockdownActive() {
		return !e.domainAllowed(domain)
	}

	for _, entry := range e.blockedLines() {
		if matchesBlockEntry(entry, "", domain) {
			return true
		}
	}
	return false
}

// IsBlocked evaluates the full layered gate stack for an acting remote
// nickname@domain as seen by the local account nickname/accountDomain.
// Pass empty local account fields for the instance-only decision.
func (e *Engine) IsBlocked(accNickname, accDomain, nickname, domain string) bool {
	if IsEvilDomain(domain) {
		return true
	}

	// Lockdown replaces the instance block list only; the account layers
	// below still apply. The account's own domain is always exempt.
	if e.LockdownActive() {
		if !e.domainAllowed(domain) && util.RemovePort(domain) != util.RemovePort(accDomain) {
			return true
		}
	} else {
		for _, entry := range e.blockedLines() {
			if matchesBlockEntry(entry, nickname, domain) {
				return true
			}
		}
	}

	if accNickname == "" {
		return false
	}

	// Account-level allow list: the file's presence makes it a personal
	// allow list, denying anything absent from it
	allowPath := util.AccountFile(e.Store.BaseDir, accNickname, accDomain, AllowFileName)
	if allowLines, err := store.ReadLines(allowPath); err == nil {
		short := util.ShortDomain(domain)
		allowed := false
		for _, line := range allowLines {
			if line == util.RemovePort(domain) || line == short {
				allowed = true
				break
			}
		}
		if !allowed {
			return true
		}
	}

	err, blockLines := e.Store.ReadAccountList(accNickname, accDomain, BlockFileName)
	if err != nil {
		log.Printf("Blocking: failed to read block list of %s@%s: %v", accNickname, accDomain, err)
		return false
	}
	for _, entry := range blockLines {
		if matchesBlockEntry(entry, nickname, domain) {
			return true
		}
	}
	return false
}

// IsBlockedHashtag checks the #hashtag entries of the instance and
// account block lists. Hashtag blocks only gate content, never actors.
func (e *Engine) IsBlockedHashtag(accNickname, accDomain, hashtag string) bool {
	hashtag = "#" + strings.TrimPrefix(strings.ToLower(hashtag), "#")

	for _, entry := range e.blockedLines() {
		if strings.ToLower(entry) == hashtag {
			return true
		}
	}
	if accNickname == "" {
		return false
	}
	err, blockLines := e.Store.ReadAccountList(accNickname, accDomain, BlockFileName)
	if err != nil {
		return false
	}
	for _, entry := range blockLines {
		if strings.ToLower(entry) == hashtag {
			return true
		}
	}
	return false
}

// AddBlock records a block on an account's list and severs any follow
// relationship with the blocked handle in the same account-locked pass
func (e *Engine) AddBlock(accNickname, accDomain, blockHandle string) error {
	if err := e.Store.AddToAccountList(accNickname, accDomain, BlockFileName, blockHandle); err != nil {
		return err
	}

	// Unfollow-on-block bookkeeping
	if err := e.Store.RemoveFromAccountList(accNickname, accDomain, "following.txt", blockHandle); err != nil {
		log.Printf("Blocking: failed to drop %s from following list: %v", blockHandle, err)
	}
	if err := e.Store.RemoveFromAccountList(accNickname, accDomain, "followers.txt", blockHandle); err != nil {
		log.Printf("Blocking: failed to drop %s from followers list: %v", blockHandle, err)
	}
	return nil
}

// RemoveBlock removes one entry from an account's block list, restoring
// the pre-block file content modulo the removed line
func (e *Engine) RemoveBlock(accNickname, accDomain, blockHandle string) error {
	return e.Store.RemoveFromAccountList(accNickname, accDomain, BlockFileName, blockHandle)
}

// AddGlobalBlock appends to the instance block list and invalidates the
// block-list cache
func (e *Engine) AddGlobalBlock(entry string) error {
	path := util.InstanceBlockFile(e.Store.BaseDir)

	e.mu.Lock()
	defer e.mu.Unlock()

	lines, err := store.ReadLines(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, existing := range lines {
		if existing == entry {
			return nil
		}
	}
	if err := store.WriteLines(path, append(lines, entry)); err != nil {
		return err
	}
	e.blockedCacheTime = time.Time{}
	return nil
}

// RemoveGlobalBlock removes an entry from the instance block list
func (e *Engine) RemoveGlobalBlock(entry string) error {
	path := util.InstanceBlockFile(e.Store.BaseDir)

	e.mu.Lock()
	defer e.mu.Unlock()

	lines, err := store.ReadLines(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(lines))
	for _, existing := range lines {
		if existing != entry {
			kept = append(kept, existing)
		}
	}
	if err := store.WriteLines(path, kept); err != nil {
		return err
	}
	e.blockedCacheTime = time.Time{}
	return nil
}
