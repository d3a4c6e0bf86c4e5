package httpc

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyBody() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }

func TestBasicAuthenticatorAnswersChallenge(t *testing.T) {
	creds := &Credentials{Username: "alice", Password: "secret"}
	var attempts []string

	next := func(r *Request) (*Response, error) {
		attempts = append(attempts, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "" {
			return &Response{
				StatusCode: 401,
				Header:     Header{"Www-Authenticate": {`Basic realm="x"`}},
				Body:       emptyBody(),
			}, nil
		}
		return &Response{StatusCode: 200, Header: Header{}, Body: emptyBody()}, nil
	}

	r, err := NewRequest(nil, "GET", "http://h.example/private/data", nil)
	require.NoError(t, err)
	resp, err := BasicAuthenticator{}.Authenticate(r, creds, next)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, attempts, 2)
	assert.Empty(t, attempts[0])
	assert.Equal(t, "Basic "+"YWxpY2U6c2VjcmV0", attempts[1])
	assert.Empty(t, r.Header.Get("Authorization"), "the caller's request must not be mutated")
}

func TestBasicAuthenticatorLeaves401WhenNotBasic(t *testing.T) {
	next := func(r *Request) (*Response, error) {
		return &Response{
			StatusCode: 401,
			Header:     Header{"Www-Authenticate": {`Negotiate`}},
			Body:       emptyBody(),
		}, nil
	}
	r, _ := NewRequest(nil, "GET", "http://h.example/", nil)
	resp, err := BasicAuthenticator{}.Authenticate(r, &Credentials{Username: "u"}, next)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestBasicAuthenticatorDoesNotRetryPresentedCredentials(t *testing.T) {
	calls := 0
	next := func(r *Request) (*Response, error) {
		calls++
		return &Response{
			StatusCode: 401,
			Header:     Header{"Www-Authenticate": {`Basic realm="x"`}},
			Body:       emptyBody(),
		}, nil
	}
	r, _ := NewRequest(nil, "GET", "http://h.example/", nil)
	r.Header.Set("Authorization", "Basic bogus")
	resp, err := BasicAuthenticator{}.Authenticate(r, &Credentials{Username: "u"}, next)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, 1, calls, "rejected explicit credentials must not loop")
}

func TestCredentialCachePrefixMatching(t *testing.T) {
	c := newCredentialCache()
	c.store(mustURL(t, "http://h.example/api/v1/users"), "Basic aaa")
	c.store(mustURL(t, "http://h.example/api/v1/users/nested/deep"), "Basic bbb")

	assert.Equal(t, "Basic aaa", c.lookup(mustURL(t, "http://h.example/api/v1/other")))
	assert.Equal(t, "Basic bbb", c.lookup(mustURL(t, "http://h.example/api/v1/users/nested/thing")))
	assert.Empty(t, c.lookup(mustURL(t, "http://h.example/elsewhere/x")))
}

func TestPreAuthenticateUsesCachedCredentials(t *testing.T) {
	var challenges atomic.Int32
	o := newTestOrigin(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			hdr, ok := readRequestHeaders(br)
			if !ok {
				return
			}
			if hdr["authorization"] == "" {
				challenges.Add(1)
				io.WriteString(c, "HTTP/1.1 401 Unauthorized\r\nWww-Authenticate: Basic realm=\"x\"\r\nContent-Length: 0\r\n\r\n")
				continue
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	})
	m := testManager(t, func(o *Options) {
		o.Credentials = &Credentials{Username: "alice", Password: "secret"}
		o.PreAuthenticate = true
	})

	resp := doGet(t, m, o.url()+"api/v1/data")
	assert.Equal(t, 200, resp.StatusCode)
	readAndClose(t, resp)
	require.Equal(t, int32(1), challenges.Load())

	// A sibling path under the cached prefix authenticates preemptively.
	resp = doGet(t, m, o.url()+"api/v1/other")
	assert.Equal(t, 200, resp.StatusCode)
	readAndClose(t, resp)
	assert.Equal(t, int32(1), challenges.Load(), "second request must carry the cached header up front")
}

// readRequestHeaders consumes one request head and returns its fields
// with lower-cased names.
func readRequestHeaders(br *bufio.Reader) (map[string]string, bool) {
	hdr := make(map[string]string)
	first := true
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return hdr, true
		}
		if first {
			first = false
			continue
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			hdr[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
		}
	}
}
