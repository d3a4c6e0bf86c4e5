package httpc

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxy accepts CONNECT, replies 200, then behaves as the origin
// on the same socket. Plain (absolute-form) requests are answered
// directly.
func fakeProxy(t *testing.T) (*testOrigin, *url.URL) {
	t.Helper()
	o := newTestOrigin(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			isConnect := strings.HasPrefix(line, "CONNECT ")
			// Consume the rest of the head.
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == "\r\n" {
					break
				}
			}
			if isConnect {
				io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
				continue
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	})
	u, err := url.Parse("http://" + o.ln.Addr().String())
	require.NoError(t, err)
	return o, u
}

func TestPlainProxyForwardsAbsoluteForm(t *testing.T) {
	var firstLine string
	o := newTestOrigin(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if firstLine == "" {
				firstLine = line
			}
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == "\r\n" {
					break
				}
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	})
	proxyURL, _ := url.Parse("http://" + o.ln.Addr().String())
	m := testManager(t, func(o *Options) {
		o.Proxy = func(*Request) (*url.URL, error) { return proxyURL, nil }
	})

	resp := doGet(t, m, "http://origin.test/path?q=1")
	assert.Equal(t, "ok", readAndClose(t, resp))
	assert.Equal(t, "GET http://origin.test/path?q=1 HTTP/1.1\r\n", firstLine,
		"plain proxying must use the absolute-form request-target")
}

func TestTunnelThroughProxy(t *testing.T) {
	proxy, proxyURL := fakeProxy(t)
	m := testManager(t, func(o *Options) {
		o.Proxy = func(*Request) (*url.URL, error) { return proxyURL, nil }
		o.ProxyTunnelHTTP = true
	})

	resp := doGet(t, m, "http://origin.test/")
	assert.Equal(t, "ok", readAndClose(t, resp))
	assert.Equal(t, int32(1), proxy.dials.Load())

	// The tunnel pool owns the layered connection; a second request
	// reuses it without another CONNECT dial.
	resp = doGet(t, m, "http://origin.test/")
	assert.Equal(t, "ok", readAndClose(t, resp))
	assert.Equal(t, int32(1), proxy.dials.Load())
}

func TestConnectCallbackReplacesDial(t *testing.T) {
	o := newTestOrigin(t, serveKeepAlive)
	var dialedAddr string
	m := testManager(t, func(opts *Options) {
		opts.ConnectCallback = func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialedAddr = addr
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	})

	resp := doGet(t, m, o.url())
	assert.Equal(t, "ok", readAndClose(t, resp))
	assert.Equal(t, o.ln.Addr().String(), dialedAddr)
}

func TestProxyCredentialsOnConnect(t *testing.T) {
	var connectAuth string
	o := newTestOrigin(t, func(c net.Conn) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			isConnect := strings.HasPrefix(line, "CONNECT ")
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == "\r\n" {
					break
				}
				if isConnect {
					if i := strings.IndexByte(l, ':'); i > 0 && strings.EqualFold(strings.TrimSpace(l[:i]), "Proxy-Authorization") {
						connectAuth = strings.TrimSpace(l[i+1:])
					}
				}
			}
			if isConnect {
				io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
				continue
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	})
	proxyURL, _ := url.Parse("http://bob:pw@" + o.ln.Addr().String())
	m := testManager(t, func(o *Options) {
		o.Proxy = func(*Request) (*url.URL, error) { return proxyURL, nil }
		o.ProxyTunnelHTTP = true
	})

	resp := doGet(t, m, "http://origin.test/")
	readAndClose(t, resp)
	assert.Equal(t, "Basic Ym9iOnB3", connectAuth, "CONNECT must carry the proxy credentials")
}
