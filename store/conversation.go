package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ederbeen/gomphos/util"
)

// Conversation index: per account, one flat file per conversation id
// listing the post ids of the thread in arrival order. A .muted sidecar
// on the index file silences the whole thread without touching any
// individual post JSON.

func conversationKey(conversationID string) string {
	return strings.ReplaceAll(conversationID, "/", "#")
}

func (s *Store) conversationPath(nickname, accountDomain, conversationID string) string {
	return filepath.Join(util.AccountDir(s.BaseDir, nickname, accountDomain),
		"conversation", conversationKey(conversationID))
}

// AppendToConversation records a post id under its conversation, creating
// the index file on first use. Duplicate ids are kept out so thread
// reconstruction never repeats a post.
func (s *Store) AppendToConversation(nickname, accountDomain, conversationID, postID string) error {
	lock := s.accountLock(nickname, accountDomain)
	lock.Lock()
	defer lock.Unlock()

	path := s.conversationPath(nickname, accountDomain, conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	lines, err := ReadLines(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, existing := range lines {
		if existing == postID {
			return nil
		}
	}
	return WriteLines(path, append(lines, postID))
}

// ReadConversation returns the post ids of a thread in arrival order
func (s *Store) ReadConversation(nickname, accountDomain, conversationID string) (error, []string) {
	lines, err := ReadLines(s.conversationPath(nickname, accountDomain, conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return err, nil
	}
	return nil, lines
}

// MuteConversation silences a whole thread via the index sidecar
func (s *Store) MuteConversation(nickname, accountDomain, conversationID string) error {
	path := s.conversationPath(nickname, accountDomain, conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return touchFile(path + ".muted")
}

// UnmuteConversation removes the thread mute sidecar
func (s *Store) UnmuteConversation(nickname, accountDomain, conversationID string) error {
	err := os.Remove(s.conversationPath(nickname, accountDomain, conversationID) + ".muted")
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsConversationMuted reports whether a thread carries the mute sidecar
func (s *Store) IsConversationMuted(nickname, accountDomain, conversationID string) bool {
	_, err := os.Stat(s.conversationPath(nickname, accountDomain, conversationID) + ".muted")
	return err == nil
}
