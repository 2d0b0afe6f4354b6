package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/ederbeen/gomphos/util"
	"golang.org/x/net/proxy"
)

const (
	userAgent      = "gomphos/1.0 ActivityPub"
	requestTimeout = 30 * time.Second

	// AcceptActivityJSON is the preferred Accept header for actor and
	// object fetches
	AcceptActivityJSON = `application/activity+json; profile="https://www.w3.org/ns/activitystreams"`
	// AcceptLDJSON is the fallback variant for software that rejects the
	// activity+json form
	AcceptLDJSON = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	// AcceptJRD is used for webfinger lookups
	AcceptJRD = "application/jrd+json"
)

// SigningKey identifies a local account's key for signed requests
type SigningKey struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// Doer abstracts the HTTP client so tests can intercept requests
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PostResult is the outcome of a delivery POST
type PostResult struct {
	Accepted     bool
	Unauthorized bool
	StatusCode   int
}

// Client wraps GET/POST with signing and proxy selection. The proxy
// profile is chosen once per client, not per request.
type Client struct {
	HTTP      Doer
	UserAgent string
}

// NewClient builds a transport for the configured federation profile:
// direct for clearnet, SOCKS5 into the local tor, i2p or gnunet daemon
// otherwise.
func NewClient(conf *util.AppConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	proxyAddr := ""
	switch conf.Conf.Federation {
	case "tor":
		proxyAddr = "127.0.0.1:9050"
	case "i2p":
		proxyAddr = "127.0.0.1:4447"
	case "gnunet":
		proxyAddr = "127.0.0.1:7777"
	}

	if proxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
		if err != nil {
			log.Printf("Transport: SOCKS5 proxy setup failed, falling back to direct: %v", err)
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
					return contextDialer.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
			log.Printf("Transport: using %s proxy at %s", conf.Conf.Federation, proxyAddr)
		}
	}

	return &Client{
		HTTP:      &http.Client{Timeout: requestTimeout, Transport: transport},
		UserAgent: userAgent,
	}
}

// ExpectedAbsence reports whether a status code means the resource is
// deliberately unavailable. These are logged, never retried.
func ExpectedAbsence(statusCode int) bool {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Success reports whether a status code counts as a successful fetch
func Success(statusCode int) bool {
	return statusCode == http.StatusOK || statusCode == http.StatusNotModified
}

// Get fetches a URL. When a signing key is supplied the request becomes a
// signed fetch (the authorized-fetch pattern secure-mode instances
// require). Network failures and expected-absence statuses both yield a
// nil body: callers must treat nil as "unknown", not "confirmed absent".
func (c *Client) Get(ctx context.Context, urlStr, accept string, key *SigningKey) []byte {
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		log.Printf("Transport: invalid GET url %s: %v", urlStr, err)
		return nil
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if key != nil {
		if err := signRequest(req, key, false); err != nil {
			log.Printf("Transport: failed to sign GET %s: %v", urlStr, err)
			return nil
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Printf("Transport: GET %s failed: %v", urlStr, err)
		return nil
	}
	defer resp.Body.Close()

	if ExpectedAbsence(resp.StatusCode) {
		log.Printf("Transport: GET %s returned %d", urlStr, resp.StatusCode)
		return nil
	}
	if !Success(resp.StatusCode) {
		log.Printf("Transport: GET %s transient failure %d", urlStr, resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Transport: failed to read GET %s body: %v", urlStr, err)
		return nil
	}
	return body
}

// GetJSON fetches and decodes a JSON document, reporting success
func (c *Client) GetJSON(ctx context.Context, urlStr, accept string, key *SigningKey, v interface{}) bool {
	body := c.Get(ctx, urlStr, accept, key)
	if body == nil {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		log.Printf("Transport: GET %s returned unparseable JSON: %v", urlStr, err)
		return false
	}
	return true
}

// PostJSON delivers a signed JSON body to an inbox. A network failure
// yields an all-false result with status 0; the caller decides whether to
// retry.
func (c *Client) PostJSON(ctx context.Context, urlStr string, body []byte, key *SigningKey, extraHeaders map[string]string) PostResult {
	req, err := http.NewRequestWithContext(ctx, "POST", urlStr, bytes.NewReader(body))
	if err != nil {
		log.Printf("Transport: invalid POST url %s: %v", urlStr, err)
		return PostResult{}
	}

	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)
	for name, value := range extraHeaders {
		req.Header.Set(name, value)
	}

	if key != nil {
		if err := signRequest(req, key, true); err != nil {
			log.Printf("Transport: failed to sign POST %s: %v", urlStr, err)
			return PostResult{}
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Printf("Transport: POST %s failed: %v", urlStr, err)
		return PostResult{}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resultFor(resp.StatusCode)
}

// PostMedia uploads a signed binary body, for endpoints that take raw
// image bytes rather than an activity document. Status handling matches
// PostJSON.
func (c *Client) PostMedia(ctx context.Context, urlStr, contentType string, body []byte, key *SigningKey) PostResult {
	req, err := http.NewRequestWithContext(ctx, "POST", urlStr, bytes.NewReader(body))
	if err != nil {
		log.Printf("Transport: invalid media POST url %s: %v", urlStr, err)
		return PostResult{}
	}

	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	if key != nil {
		if err := signRequest(req, key, true); err != nil {
			log.Printf("Transport: failed to sign media POST %s: %v", urlStr, err)
			return PostResult{}
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Printf("Transport: media POST %s failed: %v", urlStr, err)
		return PostResult{}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resultFor(resp.StatusCode)
}

// resultFor classifies a delivery response: 2xx is accepted, the 401-405
// range minus 404 is a terminal rejection, everything else is transient
func resultFor(statusCode int) PostResult {
	result := PostResult{StatusCode: statusCode}
	switch {
	case statusCode >= 200 && statusCode < 300:
		result.Accepted = true
	case statusCode >= 401 && statusCode <= 405 && statusCode != http.StatusNotFound:
		result.Unauthorized = true
	}
	return result
}

// DomainAlive probes whether a domain answers at all, so a dead domain
// can be skipped without consuming a delivery retry budget
func (c *Client) DomainAlive(ctx context.Context, domain string) bool {
	req, err := http.NewRequestWithContext(ctx, "HEAD", fmt.Sprintf("https://%s/", domain), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return true
}

// signRequest attaches an HTTP signature. The signed header set includes
// the body digest for requests that carry one.
func signRequest(req *http.Request, key *SigningKey, withDigest bool) error {
	headers := []string{"(request-target)", "host", "date"}
	if withDigest {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(key.PrivateKey, key.KeyID, req, nil)
}
