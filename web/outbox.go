package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/ederbeen/gomphos/activitypub"
	"github.com/ederbeen/gomphos/domain"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Authenticate checks HTTP Basic credentials against the stored bcrypt
// hash of a local account. Returns the account on success.
func Authenticate(c *gin.Context, st *store.Store, conf *util.AppConfig) *domain.Account {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return nil
	}

	err, acc := st.LoadAccount(username, conf.Conf.Domain)
	if err != nil {
		return nil
	}

	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil
	}
	return acc
}

// HandleOutboxPost accepts a client-submitted activity or bare object
// for a local account and hands it to the outbox pipeline
func HandleOutboxPost(c *gin.Context, ob *activitypub.Outbox, st *store.Store, conf *util.AppConfig) {
	nickname := c.Param("actor")

	acc := Authenticate(c, st, conf)
	if acc == nil || acc.Nickname != nickname {
		c.Header("WWW-Authenticate", `Basic realm="outbox"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Outbox: failed to read body: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	accepted, err := ob.Accept(acc, body)
	if err != nil {
		log.Printf("Outbox: rejected activity from %s: %v", acc.Handle(), err)
		c.Status(http.StatusBadRequest)
		return
	}
	if !accepted {
		c.Status(http.StatusUnprocessableEntity)
		return
	}
	c.Status(http.StatusAccepted)
}

// GetOutboxCollection serves the public view of an account's outbox as
// an OrderedCollection. Muted and reject-flagged posts are skipped.
func GetOutboxCollection(st *store.Store, nickname string, conf *util.AppConfig) (error, string) {
	err, keys := st.BoxIndex(nickname, conf.Conf.Domain, store.BoxOutbox)
	if err != nil {
		return err, "{}"
	}

	items := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		if st.HasMuteFlag(nickname, conf.Conf.Domain, store.BoxOutbox, key) ||
			st.HasRejectFlag(nickname, conf.Conf.Domain, store.BoxOutbox, key) {
			continue
		}
		err, activity := st.LoadPost(nickname, conf.Conf.Domain, store.BoxOutbox, key)
		if err != nil || activity == nil {
			// Tombstone, the index outlived the file
			continue
		}
		raw, err := json.Marshal(activity)
		if err != nil {
			continue
		}
		items = append(items, raw)
	}

	doc := map[string]interface{}{
		"@context":     domain.ActivityStreamsContext,
		"id":           getIRI(conf.Conf.Domain, nickname, outbox),
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
