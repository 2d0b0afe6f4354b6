package posts

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
	"github.com/google/uuid"
)

const AutoCWFileName = "autocw.txt"

// Audience selects the primary addressing of a new post
type Audience string

const (
	AudiencePublic    Audience = "public"
	AudienceFollowers Audience = "followers"
	AudienceDM        Audience = "dm"
)

// PostOptions carries everything needed to construct a post
type PostOptions struct {
	Nickname string
	Domain   string
	PostType string // Note, Article, Question or Event; Note when empty
	Content  string
	Language string
	Summary  string // content warning; presence implies sensitive
	Audience Audience
	// InReplyTo is the id of the parent post; ParentPost, when loadable,
	// feeds content-warning inheritance and the conversation id
	InReplyTo  string
	ParentPost *domain.Post
	Attachment []domain.Attachment
}

var (
	mentionRe = regexp.MustCompile(`@([a-zA-Z0-9_.-]+)(?:@([a-zA-Z0-9.-]+))?`)
	hashtagRe = regexp.MustCompile(`(?:^|\s)#([a-zA-Z0-9_]+)`)
)

// ExtractMentions scans @handle tokens and returns Mention tags. Bare
// nicknames resolve to the local domain; nicknames illegal for an acct:
// handle are skipped.
func ExtractMentions(content, localDomain string) []domain.Tag {
	var tags []domain.Tag
	seen := make(map[string]bool)

	for _, match := range mentionRe.FindAllStringSubmatch(content, -1) {
		nickname := match[1]
		mentionDomain := match[2]
		if mentionDomain == "" {
			mentionDomain = localDomain
		}
		if !util.ValidNickname(nickname) {
			continue
		}
		handle := nickname + "@" + mentionDomain
		if seen[handle] {
			continue
		}
		seen[handle] = true
		tags = append(tags, domain.Tag{
			Type: "Mention",
			Href: util.LocalActorURI(mentionDomain, nickname),
			Name: "@" + handle,
		})
	}
	return tags
}

// ExtractHashtags scans #tag tokens and returns Hashtag tags
func ExtractHashtags(content, localDomain string) []domain.Tag {
	var tags []domain.Tag
	seen := make(map[string]bool)

	for _, match := range hashtagRe.FindAllStringSubmatch(content, -1) {
		tag := strings.ToLower(match[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, domain.Tag{
			Type: "Hashtag",
			Href: fmt.Sprintf("https://%s/tags/%s", localDomain, tag),
			Name: "#" + tag,
		})
	}
	return tags
}

// ApplyAutoCW runs the account's autocw.txt rules against the content.
// Each line is "match -> warning"; the first matching pattern per line
// wins, and warnings from multiple lines accumulate comma-joined in file
// order. Later rules never suppress earlier ones.
func ApplyAutoCW(st *store.Store, nickname, accountDomain, content, existingCW string) string {
	err, lines := st.ReadAccountList(nickname, accountDomain, AutoCWFileName)
	if err != nil {
		log.Printf("Posts: failed to read autocw rules for %s@%s: %v", nickname, accountDomain, err)
		return existingCW
	}

	warning := existingCW
	lowered := strings.ToLower(content)
	for _, line := range lines {
		parts := strings.SplitN(line, "->", 2)
		if len(parts) != 2 {
			continue
		}
		match := strings.ToLower(strings.TrimSpace(parts[0]))
		cwText := strings.TrimSpace(parts[1])
		if match == "" || cwText == "" {
			continue
		}
		if !strings.Contains(lowered, match) {
			continue
		}
		if warning == "" {
			warning = cwText
		} else if !strings.Contains(warning, cwText) {
			warning = warning + ", " + cwText
		}
	}
	return warning
}

// BuildAddressing splits recipients into to (the primary audience) and
// cc. When the audience is public and cc targets the followers
// collection, every mention actor is folded into cc as well, so
// followers-only fan-out never suppresses mention delivery.
func BuildAddressing(audience Audience, nickname, accountDomain string, mentions []domain.Tag) (to []string, cc []string) {
	followers := util.LocalActorURI(accountDomain, nickname) + "/followers"

	switch audience {
	case AudiencePublic:
		to = []string{domain.PublicAudience}
		cc = []string{followers}
		for _, mention := range mentions {
			cc = append(cc, mention.Href)
		}
	case AudienceFollowers:
		to = []string{followers}
		for _, mention := range mentions {
			cc = append(cc, mention.Href)
		}
	case AudienceDM:
		for _, mention := range mentions {
			to = append(to, mention.Href)
		}
	default:
		to = []string{string(audience)}
		for _, mention := range mentions {
			cc = append(cc, mention.Href)
		}
	}
	return to, cc
}

// BuildPost constructs the client-to-server (flat) shape of a new post
func BuildPost(st *store.Store, opts PostOptions) (*domain.Post, error) {
	if opts.Content == "" {
		return nil, fmt.Errorf("post content is empty")
	}
	if util.DangerousMarkup(opts.Content) {
		return nil, fmt.Errorf("post content carries dangerous markup")
	}

	postType := opts.PostType
	if postType == "" {
		postType = "Note"
	}
	switch postType {
	case "Note", "Article", "Question", "Event":
	default:
		return nil, fmt.Errorf("unsupported post type %s", postType)
	}

	language := opts.Language
	if language == "" {
		language = "en"
	}

	mentions := ExtractMentions(opts.Content, opts.Domain)
	hashtags := ExtractHashtags(opts.Content, opts.Domain)

	summary := ApplyAutoCW(st, opts.Nickname, opts.Domain, opts.Content, opts.Summary)
	sensitive := summary != ""

	// Replying to a CW'd post without a CW of our own inherits the
	// parent's warning and sensitivity
	conversation := ""
	if opts.ParentPost != nil {
		if summary == "" && opts.ParentPost.Summary != "" {
			summary = opts.ParentPost.Summary
			sensitive = true
		}
		conversation = opts.ParentPost.Conversation
	}
	if conversation == "" {
		conversation = fmt.Sprintf("tag:%s,%s:objectId=%s:objectType=Conversation",
			opts.Domain, time.Now().UTC().Format("2006-01-02"), uuid.New().String())
	}

	actorURI := util.LocalActorURI(opts.Domain, opts.Nickname)
	to, cc := BuildAddressing(opts.Audience, opts.Nickname, opts.Domain, mentions)

	post := &domain.Post{
		Type:         postType,
		AttributedTo: actorURI,
		Conversation: conversation,
		Content:      opts.Content,
		ContentMap:   map[string]string{language: opts.Content},
		Summary:      summary,
		Sensitive:    sensitive,
		InReplyTo:    opts.InReplyTo,
		Published:    time.Now().UTC().Format(time.RFC3339),
		To:           to,
		Cc:           cc,
		Attachment:   opts.Attachment,
		Tag:          append(mentions, hashtags...),
	}
	return post, nil
}

// AssignIDs gives a post its stable, deterministic id derived from the
// actor and a status number, plus its replies collection stub
func AssignIDs(post *domain.Post, statusNumber int64) {
	if post.ID != "" {
		return
	}
	post.ID = fmt.Sprintf("%s/statuses/%d", post.AttributedTo, statusNumber)
	post.Replies = &domain.Collection{
		ID:         post.ID + "/replies",
		Type:       "Collection",
		TotalItems: 0,
	}
}

// WrapInCreate produces the server-to-server shape: an outer Create with
// its own id and the inner object's published/to/cc mirrored exactly
func WrapInCreate(post *domain.Post, actorURI string) (*domain.Activity, error) {
	activity := &domain.Activity{
		Context:   domain.ActivityStreamsContext,
		ID:        post.ID + "/activity",
		Type:      "Create",
		Actor:     actorURI,
		Published: post.Published,
		To:        append([]string{}, post.To...),
		Cc:        append([]string{}, post.Cc...),
	}
	if err := activity.SetObject(post); err != nil {
		return nil, err
	}
	return activity, nil
}

// IndexHashtags appends a public post's id under each of its hashtags.
// Non-public posts are never tag-indexed.
func IndexHashtags(st *store.Store, post *domain.Post) {
	public := false
	for _, recipient := range post.To {
		if recipient == domain.PublicAudience {
			public = true
			break
		}
	}
	if !public {
		return
	}
	for _, tag := range post.Hashtags() {
		if err := st.AppendToHashtagIndex(tag, post.ID); err != nil {
			log.Printf("Posts: failed to index hashtag %s: %v", tag, err)
		}
	}
}
