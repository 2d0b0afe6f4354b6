package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
)

type RsaKeyPair struct {
	Private string
	Public  string
}

// GeneratePemKeypair creates the RSA keypair backing an account's
// HTTP signatures
func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic(err)
	}

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM[:]), Public: string(pubPEM[:])}
}

// ParseHandle splits "nick@domain" or "@nick@domain" into its parts.
// Returns empty strings when the handle is malformed.
func ParseHandle(handle string) (string, string) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

// ShortDomain reduces a domain to its last two dot-separated labels, so
// blocking "example.com" also covers "anything.example.com" while leaving
// "notexample.com" alone.
func ShortDomain(domain string) string {
	domain = RemovePort(domain)
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// RemovePort strips an optional :port suffix from a domain
func RemovePort(domain string) string {
	if idx := strings.Index(domain, ":"); idx > 0 {
		return domain[:idx]
	}
	return domain
}

// DomainOf extracts the host[:port] part of a URL, empty on parse failure
func DomainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// ValidNickname reports whether a nickname contains only characters legal
// in an acct: handle
func ValidNickname(nickname string) bool {
	if nickname == "" {
		return false
	}
	for _, r := range nickname {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '_' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return true
}

// DangerousMarkup reports whether content carries markup that must never
// be accepted into a box
func DangerousMarkup(content string) bool {
	lowered := strings.ToLower(content)
	for _, tag := range []string{"<script", "<canvas", "<style", "<iframe", "<embed", "<object", "<meta", "javascript:"} {
		if strings.Contains(lowered, tag) {
			return true
		}
	}
	return false
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// LocalActorURI builds the canonical actor URL of a local account
func LocalActorURI(domain, nickname string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, nickname)
}
