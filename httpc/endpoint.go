package httpc

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// poolKind names the shape of the path between client and origin.
type poolKind int

const (
	kindHTTP           poolKind = iota // direct plain origin
	kindHTTPS                          // direct TLS origin
	kindProxy                          // plain HTTP via proxy, absolute-form, no tunnel
	kindProxyTunnel                    // plain origin through a proxy CONNECT
	kindSSLProxyTunnel                 // TLS origin through a proxy CONNECT
	kindProxyConnect                   // the connection that carries CONNECT itself
)

func (k poolKind) String() string {
	switch k {
	case kindHTTP:
		return "http"
	case kindHTTPS:
		return "https"
	case kindProxy:
		return "proxy"
	case kindProxyTunnel:
		return "proxy-tunnel"
	case kindSSLProxyTunnel:
		return "ssl-proxy-tunnel"
	case kindProxyConnect:
		return "proxy-connect"
	default:
		return "unknown"
	}
}

// poolKey names exactly one pool. proxyURI is the canonical string form
// of the proxy URL so keys stay comparable.
type poolKey struct {
	kind     poolKind
	host     string
	port     string
	sslHost  string
	proxyURI string
}

// checkInvariants enforces the field presence table per kind. A
// violation is a programming error in the classifier, not an input
// error.
func (k poolKey) checkInvariants() {
	var wantHost, wantSSL, wantProxy bool
	switch k.kind {
	case kindHTTP:
		wantHost = true
	case kindHTTPS:
		wantHost, wantSSL = true, true
	case kindProxy:
		wantProxy = true
	case kindProxyTunnel:
		wantHost, wantProxy = true, true
	case kindSSLProxyTunnel:
		wantHost, wantSSL, wantProxy = true, true, true
	case kindProxyConnect:
		wantHost, wantProxy = true, true
	default:
		panic(fmt.Sprintf("httpc: invalid pool kind %d", int(k.kind)))
	}
	if wantHost != (k.host != "") || wantHost != (k.port != "") {
		panic(fmt.Sprintf("httpc: pool key host/port mismatch for kind %v", k.kind))
	}
	if wantSSL != (k.sslHost != "") {
		panic(fmt.Sprintf("httpc: pool key sslHost mismatch for kind %v", k.kind))
	}
	if wantProxy != (k.proxyURI != "") {
		panic(fmt.Sprintf("httpc: pool key proxyURI mismatch for kind %v", k.kind))
	}
}

// classifyRequest computes the endpoint key for a request URL and an
// already-resolved proxy URL (nil for a direct connection).
func classifyRequest(u *url.URL, proxyURL *url.URL, tunnelHTTP bool) (poolKey, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return poolKey{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host, port := splitHostPort(u.Host, scheme)
	if host == "" {
		return poolKey{}, fmt.Errorf("%w: missing host", ErrProtocolViolation)
	}

	var key poolKey
	switch {
	case proxyURL == nil && scheme == "http":
		key = poolKey{kind: kindHTTP, host: host, port: port}
	case proxyURL == nil:
		key = poolKey{kind: kindHTTPS, host: host, port: port, sslHost: host}
	case scheme == "https":
		key = poolKey{kind: kindSSLProxyTunnel, host: host, port: port, sslHost: host, proxyURI: canonicalProxyURI(proxyURL)}
	case tunnelHTTP:
		key = poolKey{kind: kindProxyTunnel, host: host, port: port, proxyURI: canonicalProxyURI(proxyURL)}
	default:
		key = poolKey{kind: kindProxy, proxyURI: canonicalProxyURI(proxyURL)}
	}
	key.checkInvariants()
	return key, nil
}

// proxyConnectKey derives the key of the sibling pool that carries the
// CONNECT handshakes for a tunnel pool. Its host and port are the
// proxy's own endpoint.
func proxyConnectKey(tunnelKey poolKey) (poolKey, error) {
	u, err := url.Parse(tunnelKey.proxyURI)
	if err != nil {
		return poolKey{}, err
	}
	host, port, err := proxyHostPort(u)
	if err != nil {
		return poolKey{}, err
	}
	key := poolKey{kind: kindProxyConnect, host: host, port: port, proxyURI: tunnelKey.proxyURI}
	key.checkInvariants()
	return key, nil
}

// proxyHostPort returns the IDNA-normalized host and the port to dial
// for a proxy URL.
func proxyHostPort(u *url.URL) (host, port string, err error) {
	host, port = splitHostPort(u.Host, strings.ToLower(u.Scheme))
	if port == "" {
		port = "80"
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not a registrable name (IP literal or already invalid);
		// dial what was given.
		return host, port, nil
	}
	return ascii, port, nil
}

// canonicalProxyURI strips userinfo so credentials do not fragment the
// key space; proxy credentials are carried separately.
func canonicalProxyURI(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}

// splitHostPort splits "host[:port]" filling in the scheme default
// port. IPv6 literals keep their brackets stripped in host.
func splitHostPort(hostport, scheme string) (host, port string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
		port = defaultPort(scheme)
	}
	return host, port
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// hostHeaderValue is the pre-encoded Host header for an origin pool:
// "host:port", or bare host on the scheme default port.
func hostHeaderValue(host, port string, tls bool) string {
	if (tls && port == "443") || (!tls && port == "80") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

// authority is the host:port form used on CONNECT request lines.
func authority(host, port string) string {
	return net.JoinHostPort(host, port)
}
