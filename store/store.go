package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/util"
)

// Box names. Every box is an ordered append-only collection per account,
// backed by one JSON file per post plus a flat index file.
const (
	BoxInbox       = "inbox"
	BoxOutbox      = "outbox"
	BoxTlBlogs     = "tlblogs"
	BoxDM          = "dm"
	BoxTlReplies   = "tlreplies"
	BoxTlMedia     = "tlmedia"
	BoxTlBookmarks = "tlbookmarks"
	BoxScheduled   = "scheduled"
	BoxModeration  = "moderation"
)

// Store is the flat-file post store. Read-modify-write sequences on one
// account's files are serialized through a per-account mutex; the file
// format itself has no locking.
type Store struct {
	BaseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	statusMu   sync.Mutex
	lastStatus int64
}

func NewStore(baseDir string) *Store {
	return &Store{
		BaseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing writes for one account
func (s *Store) accountLock(nickname, domain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := nickname + "@" + domain
	lock, ok := s.locks[handle]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[handle] = lock
	}
	return lock
}

// PostKey turns a post id into its filesystem-safe file key
func PostKey(id string) string {
	return strings.ReplaceAll(id, "/", "#")
}

// PostID reverses PostKey
func PostID(key string) string {
	return strings.ReplaceAll(strings.TrimSuffix(key, ".json"), "#", "/")
}

// NextStatusNumber hands out a monotonic status number for post id
// assignment. Derived from wall-clock milliseconds, bumped when two posts
// land in the same millisecond.
func (s *Store) NextStatusNumber() int64 {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= s.lastStatus {
		n = s.lastStatus + 1
	}
	s.lastStatus = n
	return n
}

// SavePostToBox persists one activity into an account's box and prepends
// its key to the box index. An id is assigned when absent.
func (s *Store) SavePostToBox(nickname, accountDomain, box string, activity *domain.Activity) (error, string) {
	if activity.ID == "" {
		statusNumber := s.NextStatusNumber()
		activity.ID = fmt.Sprintf("%s/statuses/%d",
			util.LocalActorURI(accountDomain, nickname), statusNumber)
		if activity.Published == "" {
			activity.Published = time.Now().UTC().Format(time.RFC3339)
		}
	}

	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	if err := os.MkdirAll(boxDir, 0755); err != nil {
		return fmt.Errorf("failed to create box dir: %w", err), ""
	}

	filename := PostKey(activity.ID) + ".json"

	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err), ""
	}

	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	if err := os.WriteFile(filepath.Join(boxDir, filename), raw, 0644); err != nil {
		return fmt.Errorf("failed to write post file: %w", err), ""
	}

	if err := s.prependIndexLocked(boxDir, box, filename); err != nil {
		return err, ""
	}

	return nil, filename
}

// WritePost overwrites an existing post file in place, keeping the index
// untouched. Used by mute toggling and edits.
func (s *Store) WritePost(nickname, accountDomain, box, filename string, activity *domain.Activity) error {
	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	return os.WriteFile(filepath.Join(boxDir, filename), raw, 0644)
}

// LoadPost reads one post file from a box. A missing file is a tombstone,
// not an error: the index may reference since-deleted posts.
func (s *Store) LoadPost(nickname, accountDomain, box, filename string) (error, *domain.Activity) {
	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	raw, err := os.ReadFile(filepath.Join(boxDir, filename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}

	var activity domain.Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return fmt.Errorf("failed to parse post file %s: %w", filename, err), nil
	}
	return nil, &activity
}

// LoadPostByID reads a post by its id rather than its file key
func (s *Store) LoadPostByID(nickname, accountDomain, box, id string) (error, *domain.Activity) {
	return s.LoadPost(nickname, accountDomain, box, PostKey(id)+".json")
}

// BoxIndex returns the box index keys, newest first. A missing index is an
// empty box.
func (s *Store) BoxIndex(nickname, accountDomain, box string) (error, []string) {
	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	lines, err := ReadLines(filepath.Join(boxDir, box+".index"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, lines
}

// RemoveFromIndex filters one key out of a box index. The whole file is
// read and rewritten, so this must run under the account lock; it is not
// designed for concurrent writers.
func (s *Store) RemoveFromIndex(nickname, accountDomain, box, filename string) error {
	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	indexPath := filepath.Join(boxDir, box+".index")
	lines, err := ReadLines(indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line != filename {
			kept = append(kept, line)
		}
	}
	return WriteLines(indexPath, kept)
}

// DeletePost removes a post file, leaving any index entry behind as a
// tombstone, plus its sidecar flags
func (s *Store) DeletePost(nickname, accountDomain, box, filename string) error {
	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	path := filepath.Join(boxDir, filename)
	os.Remove(path + ".muted")
	os.Remove(path + ".reject")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// prependIndexLocked puts a new key at the top of the box index, keeping
// reverse-chronological insertion order. Caller holds the account lock.
func (s *Store) prependIndexLocked(boxDir, box, filename string) error {
	indexPath := filepath.Join(boxDir, box+".index")
	existing, err := os.ReadFile(indexPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read box index: %w", err)
	}

	content := filename + "\n" + string(existing)
	if err := os.WriteFile(indexPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write box index: %w", err)
	}
	return nil
}

// Sidecar flags. Their presence is never reflected in the index, so index
// traversal must check them explicitly.

func (s *Store) sidecarPath(nickname, accountDomain, box, filename, flag string) string {
	boxDir := util.BoxDir(s.BaseDir, nickname, accountDomain, box)
	return filepath.Join(boxDir, filename+"."+flag)
}

func (s *Store) SetMuteFlag(nickname, accountDomain, box, filename string) error {
	return touchFile(s.sidecarPath(nickname, accountDomain, box, filename, "muted"))
}

func (s *Store) ClearMuteFlag(nickname, accountDomain, box, filename string) error {
	err := os.Remove(s.sidecarPath(nickname, accountDomain, box, filename, "muted"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) HasMuteFlag(nickname, accountDomain, box, filename string) bool {
	_, err := os.Stat(s.sidecarPath(nickname, accountDomain, box, filename, "muted"))
	return err == nil
}

func (s *Store) SetRejectFlag(nickname, accountDomain, box, filename string) error {
	return touchFile(s.sidecarPath(nickname, accountDomain, box, filename, "reject"))
}

func (s *Store) ClearRejectFlag(nickname, accountDomain, box, filename string) error {
	err := os.Remove(s.sidecarPath(nickname, accountDomain, box, filename, "reject"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) HasRejectFlag(nickname, accountDomain, box, filename string) bool {
	_, err := os.Stat(s.sidecarPath(nickname, accountDomain, box, filename, "reject"))
	return err == nil
}

// Account list files (blocking.txt, following.txt, followers.txt, ...).
// All read-modify-write sequences run under the account lock.

func (s *Store) AddToAccountList(nickname, accountDomain, filename, line string) error {
	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	path := util.AccountFile(s.BaseDir, nickname, accountDomain, filename)
	lines, err := ReadLines(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, existing := range lines {
		if existing == line {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return WriteLines(path, append(lines, line))
}

func (s *Store) RemoveFromAccountList(nickname, accountDomain, filename, line string) error {
	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	path := util.AccountFile(s.BaseDir, nickname, accountDomain, filename)
	lines, err := ReadLines(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(lines))
	for _, existing := range lines {
		if existing != line {
			kept = append(kept, existing)
		}
	}
	return WriteLines(path, kept)
}

func (s *Store) ReadAccountList(nickname, accountDomain, filename string) (error, []string) {
	path := util.AccountFile(s.BaseDir, nickname, accountDomain, filename)
	lines, err := ReadLines(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, lines
}

// ReadLines reads a newline-delimited flat file, dropping empty lines
func ReadLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// WriteLines replaces a newline-delimited flat file
func WriteLines(path string, lines []string) error {
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("Store: failed to create sidecar %s: %v", path, err)
		return err
	}
	return f.Close()
}
