package httpc

import (
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"sync"
)

// SendFunc dispatches a request through a pool with proxy
// authentication applied; authenticators call it to reach the wire.
type SendFunc func(*Request) (*Response, error)

// Authenticator is the request-level authentication collaborator. It
// owns the challenge conversation for a single request and may invoke
// next more than once; next re-enters the pool.
type Authenticator interface {
	Authenticate(r *Request, creds *Credentials, next SendFunc) (*Response, error)
}

// BasicAuthenticator answers Basic challenges (RFC 7617). It is the
// default collaborator.
type BasicAuthenticator struct{}

func (BasicAuthenticator) Authenticate(r *Request, creds *Credentials, next SendFunc) (*Response, error) {
	resp, err := next(r)
	if err != nil || creds == nil {
		return resp, err
	}
	if resp.StatusCode != 401 {
		return resp, nil
	}
	if r.Header.Get("Authorization") != "" {
		// Credentials were already presented and rejected.
		return resp, nil
	}
	challenge := resp.Header.Get("Www-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "basic") {
		return resp, nil
	}
	if r.Body != nil && r.GetBody == nil {
		// The body is gone; the challenge cannot be answered.
		return resp, nil
	}
	// Release the connection behind the 401 before retrying.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	r2 := r.clone()
	if r2.Header == nil {
		r2.Header = Header{}
	}
	r2.Header.Set("Authorization", basicAuthValue(creds))
	if r.Body != nil {
		body, berr := r.GetBody()
		if berr != nil {
			return nil, berr
		}
		r2.Body = body
	}
	return next(r2)
}

func basicAuthValue(creds *Credentials) string {
	if creds == nil {
		return ""
	}
	token := creds.Username + ":" + creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

// credentialCache remembers URL directory prefixes that authenticated
// successfully, so later requests under them carry the header
// preemptively. One cache per pool.
type credentialCache struct {
	mu       sync.Mutex
	prefixes map[string]string // directory prefix -> Authorization value
}

func newCredentialCache() *credentialCache {
	return &credentialCache{prefixes: make(map[string]string)}
}

// lookup returns the cached Authorization value for the longest
// matching prefix of u, or "".
func (c *credentialCache) lookup(u *url.URL) string {
	if u == nil {
		return ""
	}
	path := directoryOf(u.Path)
	c.mu.Lock()
	defer c.mu.Unlock()
	best := ""
	bestLen := -1
	for prefix, h := range c.prefixes {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	return best
}

func (c *credentialCache) store(u *url.URL, header string) {
	if u == nil || header == "" {
		return
	}
	c.mu.Lock()
	c.prefixes[directoryOf(u.Path)] = header
	c.mu.Unlock()
}

// directoryOf truncates a path to its containing directory, with
// leading and trailing slashes guaranteed.
func directoryOf(path string) string {
	if path == "" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "/"
	}
	path = path[:i+1]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
