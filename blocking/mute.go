package blocking

import (
	"fmt"
	"log"

	"github.com/ederbeen/gomphos/cache"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
)

// Mute is a per-post state orthogonal to blocking: the stored JSON gains
// a muted flag and an Ignore entry in the post's ignores collection, the
// rendered-HTML cache entry is dropped (for the announced post too, when
// the muted post is a share), and a .muted sidecar marks the file.

// muteBoxes are the boxes searched when locating a post to mute
var muteBoxes = []string{store.BoxInbox, store.BoxOutbox, store.BoxTlBlogs, store.BoxDM, store.BoxTlReplies}

// FindPost locates a post by id across an account's boxes. Wrapped
// posts are filed under their Create envelope's id, so that key is
// tried as well. A missing post is (nil, "", ""), tombstones are not
// errors.
func FindPost(st *store.Store, nickname, accountDomain, postID string) (*domain.Activity, string, string) {
	filenames := []string{
		store.PostKey(postID) + ".json",
		store.PostKey(postID+"/activity") + ".json",
	}
	for _, box := range muteBoxes {
		for _, filename := range filenames {
			err, activity := st.LoadPost(nickname, accountDomain, box, filename)
			if err != nil {
				log.Printf("Mute: failed to load %s from %s: %v", postID, box, err)
				continue
			}
			if activity != nil {
				return activity, box, filename
			}
		}
	}
	return nil, "", ""
}

// MutePost mutes one post for one actor. Muting an already-muted post by
// the same actor is a no-op: the ignores collection never carries
// duplicate entries.
func MutePost(st *store.Store, caches *cache.Caches, nickname, accountDomain, postID, actor string) error {
	activity, box, filename := FindPost(st, nickname, accountDomain, postID)
	if activity == nil {
		return fmt.Errorf("post %s not found", postID)
	}

	post, err := activity.DecodePost()
	if err == nil {
		if post.Ignores == nil {
			post.Ignores = &domain.IgnoresCollection{
				ID:   post.ID + "/ignores",
				Type: "Collection",
			}
		}
		if !post.Ignores.HasIgnoreFrom(actor) {
			post.Ignores.Items = append(post.Ignores.Items, domain.IgnoreEntry{
				Type:  "Ignore",
				Actor: actor,
			})
			post.Ignores.TotalItems = len(post.Ignores.Items)
		}
		post.Muted = true
		if err := activity.SetObject(post); err != nil {
			return err
		}
		if err := st.WritePost(nickname, accountDomain, box, filename, activity); err != nil {
			return fmt.Errorf("failed to persist mute: %w", err)
		}
	}

	// Drop any cached render, and the announced post's render when this
	// is a share
	caches.Renders.Remove(postID)
	if activity.Type == "Announce" {
		if sharedID := activity.ObjectRef(); sharedID != "" {
			caches.Renders.Remove(sharedID)
		}
	}

	if err := st.SetMuteFlag(nickname, accountDomain, box, filename); err != nil {
		return fmt.Errorf("failed to set mute sidecar: %w", err)
	}

	log.Printf("Mute: %s muted %s", actor, postID)
	return nil
}

// UnmutePost reverses MutePost, restoring the ignores bookkeeping and
// removing the collection entirely once it is empty
func UnmutePost(st *store.Store, caches *cache.Caches, nickname, accountDomain, postID, actor string) error {
	activity, box, filename := FindPost(st, nickname, accountDomain, postID)
	if activity == nil {
		return fmt.Errorf("post %s not found", postID)
	}

	post, err := activity.DecodePost()
	if err == nil {
		if post.Ignores != nil {
			kept := make([]domain.IgnoreEntry, 0, len(post.Ignores.Items))
			for _, item := range post.Ignores.Items {
				if item.Actor != actor {
					kept = append(kept, item)
				}
			}
			post.Ignores.Items = kept
			post.Ignores.TotalItems = len(kept)
			if post.Ignores.TotalItems == 0 {
				post.Ignores = nil
			}
		}
		post.Muted = false
		if err := activity.SetObject(post); err != nil {
			return err
		}
		if err := st.WritePost(nickname, accountDomain, box, filename, activity); err != nil {
			return fmt.Errorf("failed to persist unmute: %w", err)
		}
	}

	caches.Renders.Remove(postID)
	if activity.Type == "Announce" {
		if sharedID := activity.ObjectRef(); sharedID != "" {
			caches.Renders.Remove(sharedID)
		}
	}

	if err := st.ClearMuteFlag(nickname, accountDomain, box, filename); err != nil {
		return fmt.Errorf("failed to clear mute sidecar: %w", err)
	}

	log.Printf("Mute: %s unmuted %s", actor, postID)
	return nil
}

// IsPostMuted reports whether a post carries any mute state for the
// account, either the sidecar or the stored flag
func IsPostMuted(st *store.Store, nickname, accountDomain, postID string) bool {
	activity, box, filename := FindPost(st, nickname, accountDomain, postID)
	if activity == nil {
		return false
	}
	if st.HasMuteFlag(nickname, accountDomain, box, filename) {
		return true
	}
	post, err := activity.DecodePost()
	if err != nil {
		return false
	}
	return post.Muted
}
