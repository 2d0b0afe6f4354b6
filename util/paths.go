package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/gomphos"
)

// GetConfigDir returns the gomphos config directory path (~/.config/gomphos/)
// and creates it if it doesn't exist
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath resolves a file path with the following priority:
// 1. Local working directory (e.g., ./config.yaml)
// 2. User config directory (e.g., ~/.config/gomphos/config.yaml)
// 3. Returns the user config directory path if neither exists (for creation)
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	userPath := filepath.Join(configDir, filename)

	if _, err := os.Stat(userPath); err == nil {
		return userPath
	}

	// Neither exists, return user config path (for creation)
	return userPath
}

// AccountDir returns the on-disk directory of a local account,
// e.g. accounts/alice@example.com
func AccountDir(baseDir, nickname, domain string) string {
	return filepath.Join(baseDir, nickname+"@"+domain)
}

// BoxDir returns the directory holding one box of an account,
// e.g. accounts/alice@example.com/outbox
func BoxDir(baseDir, nickname, domain, box string) string {
	return filepath.Join(AccountDir(baseDir, nickname, domain), box)
}

// InstanceBlockFile is the instance-wide block list
func InstanceBlockFile(baseDir string) string {
	return filepath.Join(baseDir, "blocking.txt")
}

// InstanceAllowFile is the lockdown allow list. Its presence on disk is
// the signal that lockdown mode is active.
func InstanceAllowFile(baseDir string) string {
	return filepath.Join(baseDir, "allowedinstances.txt")
}

// KnownBotsFile persists user agents classified as bots
func KnownBotsFile(baseDir string) string {
	return filepath.Join(baseDir, "knownBots.txt")
}

// KnownCrawlersFile holds the admin-maintained crawler policy (allowed
// and blocked user agent substrings)
func KnownCrawlersFile(baseDir string) string {
	return filepath.Join(baseDir, "knownCrawlers.json")
}

// AccountFile returns a per-account flat file, e.g. blocking.txt,
// following.txt, followers.txt, autocw.txt, allowedinstances.txt
func AccountFile(baseDir, nickname, domain, filename string) string {
	return filepath.Join(AccountDir(baseDir, nickname, domain), filename)
}
