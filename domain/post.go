package domain

import "encoding/json"

// Post is a Note, Article, Question or Event object
type Post struct {
	Context      interface{}       `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	AttributedTo string            `json:"attributedTo,omitempty"`
	Conversation string            `json:"conversation,omitempty"`
	Content      string            `json:"content,omitempty"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Sensitive    bool              `json:"sensitive,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	Published    string            `json:"published,omitempty"`
	Updated      string            `json:"updated,omitempty"`
	To           []string          `json:"to,omitempty"`
	Cc           []string          `json:"cc,omitempty"`
	Attachment   []Attachment      `json:"attachment,omitempty"`
	Tag          []Tag             `json:"tag,omitempty"`
	Replies      *Collection       `json:"replies,omitempty"`
	// Mute markers, one Ignore per muting actor
	Ignores *IgnoresCollection `json:"ignores,omitempty"`
	Muted   bool               `json:"muted,omitempty"`
}

// Attachment is an attached media object
type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
}

// Tag is a Mention, Hashtag or Emoji entry in a post's tag list
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// Collection is a replies collection stub
type Collection struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	TotalItems int             `json:"totalItems"`
	First      json.RawMessage `json:"first,omitempty"`
}

// IgnoresCollection holds the Ignore activities of actors muting a post
type IgnoresCollection struct {
	ID         string        `json:"id,omitempty"`
	Type       string        `json:"type"`
	TotalItems int           `json:"totalItems"`
	Items      []IgnoreEntry `json:"items,omitempty"`
}

type IgnoreEntry struct {
	Type  string `json:"type"`
	Actor string `json:"actor"`
}

// HasIgnoreFrom reports whether actor already muted this post
func (c *IgnoresCollection) HasIgnoreFrom(actor string) bool {
	for _, item := range c.Items {
		if item.Actor == actor {
			return true
		}
	}
	return false
}

// Mentions returns the href of every Mention tag
func (p *Post) Mentions() []string {
	var mentions []string
	for _, tag := range p.Tag {
		if tag.Type == "Mention" && tag.Href != "" {
			mentions = append(mentions, tag.Href)
		}
	}
	return mentions
}

// Hashtags returns the name of every Hashtag tag, without the # prefix
func (p *Post) Hashtags() []string {
	var tags []string
	for _, tag := range p.Tag {
		if tag.Type == "Hashtag" && len(tag.Name) > 1 {
			tags = append(tags, tag.Name[1:])
		}
	}
	return tags
}
