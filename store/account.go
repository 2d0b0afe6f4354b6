package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/util"
)

const accountFileName = "account.json"

// accountRecord is the on-disk shape of a local account
type accountRecord struct {
	Nickname      string    `json:"nickname"`
	Domain        string    `json:"domain"`
	PasswordHash  string    `json:"passwordHash"`
	WebPublicKey  string    `json:"webPublicKey"`
	WebPrivateKey string    `json:"webPrivateKey"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SaveAccount persists an account record into its account directory,
// creating the directory tree and list files on first save
func (s *Store) SaveAccount(acc *domain.Account) error {
	lock := s.accountLock(acc.Nickname, acc.Domain)
	lock.Lock()
	defer lock.Unlock()

	dir := util.AccountDir(s.BaseDir, acc.Nickname, acc.Domain)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create account directory: %w", err)
	}

	rec := accountRecord{
		Nickname:      acc.Nickname,
		Domain:        acc.Domain,
		PasswordHash:  acc.PasswordHash,
		WebPublicKey:  acc.WebPublicKey,
		WebPrivateKey: acc.WebPrivateKey,
		CreatedAt:     acc.CreatedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	// Private key lives in here, keep it owner-only
	if err := os.WriteFile(filepath.Join(dir, accountFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write account file: %w", err)
	}
	return nil
}

// LoadAccount reads a local account record. A missing account is an
// error, unlike missing posts.
func (s *Store) LoadAccount(nickname, accountDomain string) (error, *domain.Account) {
	path := filepath.Join(util.AccountDir(s.BaseDir, nickname, accountDomain), accountFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read account %s@%s: %w", nickname, accountDomain, err), nil
	}
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to parse account %s@%s: %w", nickname, accountDomain, err), nil
	}
	return nil, &domain.Account{
		Nickname:      rec.Nickname,
		Domain:        rec.Domain,
		PasswordHash:  rec.PasswordHash,
		WebPublicKey:  rec.WebPublicKey,
		WebPrivateKey: rec.WebPrivateKey,
		CreatedAt:     rec.CreatedAt,
	}
}

// SaveInstanceKeys persists the instance-level keypair used for signed
// fetches when no account key applies
func (s *Store) SaveInstanceKeys(keys *util.RsaKeyPair) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance keys: %w", err)
	}
	if err := os.MkdirAll(s.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.BaseDir, "instance-keys.json"), data, 0600)
}

// LoadInstanceKeys reads the instance-level keypair
func (s *Store) LoadInstanceKeys() (error, *util.RsaKeyPair) {
	data, err := os.ReadFile(filepath.Join(s.BaseDir, "instance-keys.json"))
	if err != nil {
		return err, nil
	}
	var keys util.RsaKeyPair
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("failed to parse instance keys: %w", err), nil
	}
	return nil, &keys
}

// ListAccounts returns the handles of every local account directory
// that holds an account record
func (s *Store) ListAccounts() []string {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return nil
	}
	var handles []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), "@") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.BaseDir, entry.Name(), accountFileName)); err == nil {
			handles = append(handles, entry.Name())
		}
	}
	sort.Strings(handles)
	return handles
}

// HasAccount reports whether an account record exists on disk
func (s *Store) HasAccount(nickname, accountDomain string) bool {
	path := filepath.Join(util.AccountDir(s.BaseDir, nickname, accountDomain), accountFileName)
	_, err := os.Stat(path)
	return err == nil
}
