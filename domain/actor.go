package domain

import (
	"time"
)

// Actor represents an ActivityPub actor document as served and consumed
// over the wire
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	MovedTo           string      `json:"movedTo,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	// FEP-521a key attachment shape
	Authentication []AuthKey `json:"authentication,omitempty"`
	// Legacy bare key field some software emits
	BarePublicKeyPem string `json:"publicKeyPem,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type AuthKey struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyPem       string `json:"publicKeyPem,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// PublicKeyPemFor extracts the actor's public key, trying the three wire
// shapes in priority order: publicKey.publicKeyPem, a FEP-521a
// authentication entry matching keyID, then a bare publicKeyPem field.
// First match wins.
func (a *Actor) PublicKeyPemFor(keyID string) string {
	if a.PublicKey != nil && a.PublicKey.PublicKeyPem != "" {
		return a.PublicKey.PublicKeyPem
	}
	for _, auth := range a.Authentication {
		if keyID != "" && auth.ID != keyID {
			continue
		}
		if auth.PublicKeyPem != "" {
			return auth.PublicKeyPem
		}
		if auth.PublicKeyMultibase != "" {
			return auth.PublicKeyMultibase
		}
	}
	return a.BarePublicKeyPem
}

// SharedInbox returns the actor's shared inbox endpoint, empty if the
// actor's instance doesn't expose one
func (a *Actor) SharedInbox() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// ActorCacheEntry pairs a cached actor document with its refresh time.
// The same shape is written to the on-disk cache mirror.
type ActorCacheEntry struct {
	Actor     *Actor    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is a local account with its signing keys. The private key never
// leaves the account directory.
type Account struct {
	Nickname      string
	Domain        string
	PasswordHash  string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

// Handle returns nickname@domain
func (acc *Account) Handle() string {
	return acc.Nickname + "@" + acc.Domain
}
