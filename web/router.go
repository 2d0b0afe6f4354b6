package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/ederbeen/gomphos/activitypub"
	"github.com/ederbeen/gomphos/crawler"
	"github.com/ederbeen/gomphos/store"
	"github.com/ederbeen/gomphos/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// Deps carries the wired-up pipeline handed to the router
type Deps struct {
	Conf    *util.AppConfig
	Store   *store.Store
	Inbox   *activitypub.Inbox
	Outbox  *activitypub.Outbox
	Crawler *crawler.Filter
}

// NewRouter builds the gin engine with all federation endpoints mounted
func NewRouter(deps *Deps) *gin.Engine {
	conf := deps.Conf
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Crawler filtering guards the readable surface
	uaFilter := CrawlerFilterMiddleware(deps.Crawler)

	// Stricter rate limit for inbound ActivityPub posts: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for ActivityPub activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/.well-known/webfinger", uaFilter, func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.Domain))
		err, resp := GetWebfinger(deps.Store, resource, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	g.GET("/users/:actor", uaFilter, func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(deps.Store, c.Param("actor"), conf)
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.GET("/users/:actor/followers", uaFilter, func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, coll := GetFollowersCollection(deps.Store, c.Param("actor"), conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: coll})
		}
	})

	g.GET("/users/:actor/following", uaFilter, func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, coll := GetFollowingCollection(deps.Store, c.Param("actor"), conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: coll})
		}
	})

	g.GET("/users/:actor/outbox", uaFilter, func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, coll := GetOutboxCollection(deps.Store, c.Param("actor"), conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: coll})
		}
	})

	g.POST("/users/:actor/outbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		HandleOutboxPost(c, deps.Outbox, deps.Store, conf)
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		actor := c.Param("actor")
		log.Printf("POST /users/%s/inbox", actor)

		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: failed to read body: %v", err)
			c.Status(400)
			return
		}
		status := deps.Inbox.Handle(c.Request.Context(), c.Request, actor, body)
		c.Status(status)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		log.Println("POST /inbox (shared inbox)")
		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Shared inbox: failed to read body: %v", err)
			c.Status(400)
			return
		}

		targets := sharedInboxTargets(deps.Store, conf, body)
		if len(targets) == 0 {
			log.Println("Shared inbox: could not determine any target account")
			// Accept anyway to be nice
			c.Status(202)
			return
		}

		status := 202
		for _, nickname := range targets {
			req := c.Request.Clone(c.Request.Context())
			req.Body = io.NopCloser(bytes.NewReader(body))
			if s := deps.Inbox.Handle(c.Request.Context(), req, nickname, body); s >= 400 {
				status = s
			}
		}
		c.Status(status)
	})

	return g
}

// Run starts the HTTP server
func Run(deps *Deps) error {
	conf := deps.Conf
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := NewRouter(deps)
	return g.Run(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort))
}

// sharedInboxTargets resolves which local accounts a shared-inbox
// activity is meant for. Addressing is checked first; activities
// addressed only to followers collections or the public audience fall
// back to every local account following the sending actor.
func sharedInboxTargets(st *store.Store, conf *util.AppConfig, body []byte) []string {
	var activity struct {
		Actor  string          `json:"actor"`
		To     json.RawMessage `json:"to"`
		Cc     json.RawMessage `json:"cc"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var targets []string
	add := func(nickname string) {
		if nickname != "" && !seen[nickname] && st.HasAccount(nickname, conf.Conf.Domain) {
			seen[nickname] = true
			targets = append(targets, nickname)
		}
	}

	for _, uri := range append(audienceList(activity.To), audienceList(activity.Cc)...) {
		add(localNickname(uri, conf.Conf.Domain))
	}

	// Follow/Undo style activities name the local actor in the object
	var objectURI string
	if json.Unmarshal(activity.Object, &objectURI) == nil {
		add(localNickname(objectURI, conf.Conf.Domain))
	}

	if len(targets) > 0 {
		return targets
	}

	// Create/Update/Delete from a followed actor: route to local
	// followers of that actor
	if activity.Actor == "" {
		return nil
	}
	senderHandle := handleFromURI(activity.Actor)
	for _, localHandle := range st.ListAccounts() {
		nickname, accountDomain := util.ParseHandle(localHandle)
		if nickname == "" {
			continue
		}
		err, following := st.ReadAccountList(nickname, accountDomain, "following.txt")
		if err != nil {
			continue
		}
		for _, followed := range following {
			if followed == senderHandle {
				add(nickname)
				break
			}
		}
	}
	return targets
}

// audienceList accepts both a single string and an array of strings
func audienceList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return []string{single}
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	return nil
}

// localNickname extracts the nickname from one of our /users/ URIs,
// dropping /followers style suffixes
func localNickname(uri, localDomain string) string {
	if !strings.Contains(uri, localDomain) || !strings.Contains(uri, "/users/") {
		return ""
	}
	parts := strings.Split(uri, "/")
	for i, part := range parts {
		if part == "users" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// handleFromURI turns an actor URI into nickname@domain
func handleFromURI(actorURI string) string {
	domainPart := util.DomainOf(actorURI)
	parts := strings.Split(strings.TrimSuffix(actorURI, "/"), "/")
	if len(parts) == 0 || domainPart == "" {
		return ""
	}
	nickname := strings.TrimPrefix(parts[len(parts)-1], "@")
	return nickname + "@" + domainPart
}
