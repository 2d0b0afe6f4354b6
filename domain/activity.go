package domain

import (
	"encoding/json"
	"fmt"
)

const (
	// PublicAudience is the ActivityStreams marker for public addressing
	PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
)

// Activity is the envelope every box entry and every delivered payload
// shares. Object is kept raw and decoded by type tag, since it may be a
// bare URI string, a nested object or a nested activity.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
}

// ObjectRef returns the object as a bare URI reference. When the object
// is a nested object or activity, its id field is returned instead.
func (a *Activity) ObjectRef() string {
	if len(a.Object) == 0 {
		return ""
	}
	var ref string
	if err := json.Unmarshal(a.Object, &ref); err == nil {
		return ref
	}
	var nested struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &nested); err == nil {
		return nested.ID
	}
	return ""
}

// ObjectType returns the type tag of a nested object, empty for bare
// string references
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var nested struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &nested); err == nil {
		return nested.Type
	}
	return ""
}

// DecodePost decodes the nested object as a Post. Fails when the object
// is a bare reference.
func (a *Activity) DecodePost() (*Post, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var post Post
	if err := json.Unmarshal(a.Object, &post); err != nil {
		return nil, fmt.Errorf("failed to decode object of %s: %w", a.ID, err)
	}
	if post.ID == "" && post.Type == "" {
		return nil, fmt.Errorf("object of %s is not a post", a.ID)
	}
	return &post, nil
}

// DecodeNestedActivity decodes the object as a nested activity (the
// Undo+Block / Undo+Ignore shape)
func (a *Activity) DecodeNestedActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var nested Activity
	if err := json.Unmarshal(a.Object, &nested); err != nil {
		return nil, fmt.Errorf("failed to decode nested activity of %s: %w", a.ID, err)
	}
	return &nested, nil
}

// SetObject encodes v into the raw object field
func (a *Activity) SetObject(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	a.Object = raw
	return nil
}

// HasRequiredFields checks the invariant every boxed activity must hold:
// id, type and actor present, Create additionally needs to and object
func (a *Activity) HasRequiredFields() bool {
	if a.ID == "" || a.Type == "" || a.Actor == "" {
		return false
	}
	if a.Type == "Create" {
		if len(a.To) == 0 || len(a.Object) == 0 {
			return false
		}
	}
	return true
}

// AddressedToPublic reports whether the public audience marker appears in
// to or cc
func (a *Activity) AddressedToPublic() bool {
	for _, r := range a.To {
		if r == PublicAudience {
			return true
		}
	}
	for _, r := range a.Cc {
		if r == PublicAudience {
			return true
		}
	}
	return false
}

// FollowersTarget returns the first /followers collection URL found in
// to or cc, empty if the activity is not addressed to followers
func (a *Activity) FollowersTarget() string {
	for _, r := range append(append([]string{}, a.To...), a.Cc...) {
		if IsFollowersCollection(r) {
			return r
		}
	}
	return ""
}

// NamedRecipients returns the plain actor URLs in to and cc, excluding
// the public marker and followers collections
func (a *Activity) NamedRecipients() []string {
	var named []string
	seen := make(map[string]bool)
	for _, r := range append(append([]string{}, a.To...), a.Cc...) {
		if r == PublicAudience || IsFollowersCollection(r) || r == "" {
			continue
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		named = append(named, r)
	}
	return named
}

// IsFollowersCollection reports whether a recipient URL addresses a
// followers collection rather than a single actor
func IsFollowersCollection(recipient string) bool {
	return len(recipient) > len("/followers") &&
		recipient[len(recipient)-len("/followers"):] == "/followers"
}

// IsProfileUpdate reports whether the activity is an actor profile update
// (Update wrapping a Person, Group, Service or Application)
func (a *Activity) IsProfileUpdate() bool {
	if a.Type != "Update" {
		return false
	}
	switch a.ObjectType() {
	case "Person", "Group", "Service", "Application":
		return true
	}
	return false
}
