package web

import (
	"encoding/json"
	"fmt"

	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

// GetActor serves the ActivityPub document of a local account
func GetActor(st *store.Store, nickname string, conf *util.AppConfig) (error, string) {
	err, acc := st.LoadAccount(nickname, conf.Conf.Domain)
	if err != nil {
		return err, "{}"
	}

	actorID := getIRI(conf.Conf.Domain, nickname, id)
	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorID,
		"type":                      "Person",
		"preferredUsername":         acc.Nickname,
		"inbox":                     getIRI(conf.Conf.Domain, nickname, inbox),
		"outbox":                    getIRI(conf.Conf.Domain, nickname, outbox),
		"followers":                 getIRI(conf.Conf.Domain, nickname, followers),
		"following":                 getIRI(conf.Conf.Domain, nickname, following),
		"url":                       actorID,
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]string{
			"sharedInbox": getIRI(conf.Conf.Domain, nickname, sharedInbox),
		},
		"publicKey": map[string]string{
			"id":           actorID + "#main-key",
			"owner":        actorID,
			"publicKeyPem": acc.WebPublicKey,
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(data)
}

// GetFollowersCollection serves an account's followers as an
// OrderedCollection. Handles are listed as acct URIs, no resolution
// is attempted.
func GetFollowersCollection(st *store.Store, nickname string, conf *util.AppConfig) (error, string) {
	return collectionFromList(st, nickname, conf, "followers.txt",
		getIRI(conf.Conf.Domain, nickname, followers))
}

// GetFollowingCollection serves an account's following list
func GetFollowingCollection(st *store.Store, nickname string, conf *util.AppConfig) (error, string) {
	return collectionFromList(st, nickname, conf, "following.txt",
		getIRI(conf.Conf.Domain, nickname, following))
}

func collectionFromList(st *store.Store, nickname string, conf *util.AppConfig, filename, collectionID string) (error, string) {
	err, handles := st.ReadAccountList(nickname, conf.Conf.Domain, filename)
	if err != nil {
		return err, "{}"
	}

	items := make([]string, 0, len(handles))
	for _, handle := range handles {
		items = append(items, "acct:"+handle)
	}

	doc := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           collectionID,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(data)
}

func getIRI(domain string, nickname string, action action) string {

	prefix := fmt.Sprintf("https://%s/users/%s", domain, nickname)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}
