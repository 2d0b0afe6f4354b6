package store

import (
	"os"
	"path/filepath"
	"strings"
)

// Hashtag index: one append-only file per tag under <base>/tags, each
// line a post id, newest first. Only posts addressed to the public
// audience are indexed; the caller enforces that.

func (s *Store) hashtagPath(tag string) string {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	return filepath.Join(s.BaseDir, "tags", tag+".txt")
}

// AppendToHashtagIndex records a post id under a tag
func (s *Store) AppendToHashtagIndex(tag, postID string) error {
	path := s.hashtagPath(tag)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(postID+"\n"+string(existing)), 0644)
}

// ReadHashtagIndex returns the post ids filed under a tag, newest first
func (s *Store) ReadHashtagIndex(tag string) (error, []string) {
	lines, err := ReadLines(s.hashtagPath(tag))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, lines
}
