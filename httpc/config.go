package httpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"dqx0.com/go/httpool/internal/obs"
)

// Credentials is a username/password pair for Basic authentication.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Manager (and the Client built on top of it).
// The zero value is not useful; start from DefaultOptions.
type Options struct {
	// MaxConnsPerEndpoint caps live connections per pool, idle plus
	// checked out. Zero or negative means unlimited, in which case
	// callers never wait for a slot.
	MaxConnsPerEndpoint int

	// ConnLifetime bounds the age of a connection from creation to its
	// final reuse. Zero means connections are never pooled; negative
	// disables the bound.
	ConnLifetime time.Duration

	// IdleConnTimeout bounds how long a connection may sit idle in the
	// pool. Zero means connections are disposed on return; negative
	// disables the bound.
	IdleConnTimeout time.Duration

	// ConnectTimeout bounds dial plus TLS handshake (and tunnel
	// establishment). Zero or negative disables it.
	ConnectTimeout time.Duration

	// MaxHeaderBytes bounds each response header line. Zero applies
	// the 8 KiB default.
	MaxHeaderBytes int

	// TLSConfig is cloned per pool; ServerName is overridden with the
	// pool's SNI host and NextProtos pinned to http/1.1.
	TLSConfig *tls.Config

	// Credentials enables request-level authentication via the
	// Authenticator.
	Credentials *Credentials

	// PreAuthenticate enables the per-pool credential cache: once a
	// path prefix has authenticated, later requests under it carry
	// the Authorization header preemptively.
	PreAuthenticate bool

	// Proxy resolves the proxy URL for a request; nil falls back to
	// ProxyFromEnvironment. Returning (nil, nil) means no proxy.
	Proxy func(*Request) (*url.URL, error)

	// DefaultProxyCredentials is used when a resolved proxy URL
	// carries no userinfo.
	DefaultProxyCredentials *Credentials

	// ProxyTunnelHTTP forces plain-http requests through a CONNECT
	// tunnel instead of absolute-form forwarding.
	ProxyTunnelHTTP bool

	// ConnectCallback, if set, replaces the raw TCP dial. TLS and
	// tunnel layering still happen on top of the returned conn.
	ConnectCallback func(ctx context.Context, network, addr string) (net.Conn, error)

	// AutomaticDecompression inserts the gzip decompression layer in
	// front of the pool manager.
	AutomaticDecompression bool

	Logger obs.Logger
	Meter  obs.Meter
}

// DefaultOptions returns the options used when a nil *Options is passed
// to NewManager or NewClient.
func DefaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 8,
		ConnLifetime:        -1,
		IdleConnTimeout:     30 * time.Second,
		ConnectTimeout:      5 * time.Second,
	}
}

func (o *Options) logger() obs.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return obs.NopLogger{}
}

func (o *Options) meter() obs.Meter {
	if o.Meter != nil {
		return o.Meter
	}
	return obs.NopMeter{}
}

func (o *Options) maxHeaderBytes() int {
	if o.MaxHeaderBytes > 0 {
		return o.MaxHeaderBytes
	}
	return 8 << 10
}
