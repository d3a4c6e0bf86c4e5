package httpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"dqx0.com/go/httpool/httpc/internal/http1"
	"dqx0.com/go/httpool/internal/obs"
)

// connect establishes a ready connection for this pool's endpoint. The
// caller has already reserved a slot; on error, or when the proxy
// rejects the tunnel and its response is returned instead, the caller
// releases it. Exactly one of connection and response is non-nil on a
// nil error.
func (p *pool) connect(ctx context.Context, r *Request) (*connection, *Response, error) {
	opts := &p.m.opts
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.ConnectTimeout, ErrConnectTimeout)
		defer cancel()
	}

	var c *connection
	switch p.key.kind {
	case kindHTTP, kindHTTPS, kindProxyConnect:
		nc, err := p.dial(ctx, authority(p.key.host, p.key.port))
		if err != nil {
			return nil, nil, connectError(ctx, err)
		}
		c = newConnection(nc)
	case kindProxy:
		u, err := url.Parse(p.key.proxyURI)
		if err != nil {
			return nil, nil, err
		}
		host, port, err := proxyHostPort(u)
		if err != nil {
			return nil, nil, err
		}
		nc, err := p.dial(ctx, authority(host, port))
		if err != nil {
			return nil, nil, connectError(ctx, err)
		}
		c = newConnection(nc)
	case kindProxyTunnel, kindSSLProxyTunnel:
		nc, resp, err := p.m.establishTunnel(ctx, p.key, p.proxyCreds)
		if err != nil {
			return nil, nil, connectError(ctx, err)
		}
		if resp != nil {
			return nil, resp, nil
		}
		c = newConnection(nc)
	default:
		panic(fmt.Sprintf("httpc: connect on invalid pool kind %v", p.key.kind))
	}

	if p.key.sslHost != "" {
		tc, err := p.handshake(ctx, c.nc)
		if err != nil {
			c.dispose()
			return nil, nil, err
		}
		c = newConnection(tc)
	}
	return c, nil, nil
}

// handshake wraps nc in TLS using the pool's specialized config.
func (p *pool) handshake(ctx context.Context, nc net.Conn) (net.Conn, error) {
	tc := tls.Client(nc, p.tlsConfig)
	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(dl)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		if cerr := connectError(ctx, err); errors.Is(cerr, ErrConnectTimeout) {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	_ = tc.SetDeadline(time.Time{})
	return tc, nil
}

func (p *pool) dial(ctx context.Context, addr string) (net.Conn, error) {
	if cb := p.m.opts.ConnectCallback; cb != nil {
		return cb(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// connectError maps a failure under the connect-timeout context onto
// ErrConnectTimeout; everything else passes through.
func connectError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause == ErrConnectTimeout {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

// sendConnect issues a CONNECT for authority over this proxy-connect
// pool. On a 200 it detaches the carrier connection from the pool's
// accounting and hands over the raw transport; any other status yields
// the proxy's response, whose body still owns the carrier. The
// handshake written is exactly:
//
//	CONNECT host:port HTTP/1.1
//	Host: host:port
//	<Proxy-Authorization when credentials are present>
func (p *pool) sendConnect(ctx context.Context, targetAuthority string, creds *Credentials) (net.Conn, *Response, error) {
	extra := map[string][]string{}
	if creds == nil {
		creds = p.proxyCreds
	}
	if creds != nil {
		extra["Proxy-Authorization"] = []string{basicAuthValue(creds)}
	}
	for {
		req := &Request{Method: "CONNECT", ctx: ctx}
		c, _, err := p.getConn(req)
		if err != nil {
			return nil, nil, err
		}
		c.gotResponse = false

		setWriteDeadlineFromContext(c.nc, ctx)
		if err := http1.WriteConnect(c.bw, targetAuthority, extra); err != nil {
			if retry := c.canRetry(); retry {
				p.closeConn(c)
				continue
			}
			p.closeConn(c)
			return nil, nil, &TransportError{Err: err}
		}
		setReadDeadlineFromContext(c.nc, ctx)
		head, err := http1.ReadResponseHead(c.br, p.m.opts.maxHeaderBytes())
		if err != nil {
			if retry := c.canRetry(); retry {
				p.closeConn(c)
				continue
			}
			p.closeConn(c)
			if errors.Is(err, http1.ErrMalformed) {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			return nil, nil, &TransportError{Err: err}
		}
		c.gotResponse = true

		if head.StatusCode == 200 {
			if c.br.Buffered() > 0 {
				p.closeConn(c)
				return nil, nil, fmt.Errorf("%w: data after CONNECT response", ErrProtocolViolation)
			}
			p.detachConn(c)
			_ = c.nc.SetReadDeadline(time.Time{})
			_ = c.nc.SetWriteDeadline(time.Time{})
			return c.nc, nil, nil
		}

		p.logf(obs.Warn, "proxy %s refused CONNECT %s: %d", p.key.proxyURI, targetAuthority, head.StatusCode)
		p.meter().Counter("httpc_tunnel_rejected_total", 1,
			obs.Label{Key: "status", Value: fmt.Sprintf("%d", head.StatusCode)})
		body, cl, reusable, err := http1.ResponseBody(c.br, "CONNECT", head, p.m.opts.maxHeaderBytes())
		if err != nil {
			p.closeConn(c)
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		resp := &Response{
			Status:        fmt.Sprintf("%d %s", head.StatusCode, head.Reason),
			StatusCode:    head.StatusCode,
			Proto:         head.Proto,
			Header:        Header(head.Header),
			ContentLength: cl,
			Body:          &poolBody{inner: body, p: p, c: c, reusable: reusable},
		}
		return nil, resp, nil
	}
}

// detachConn removes a checked-out connection from this pool's
// accounting without disposing it: ownership moves to the tunnel that
// will be layered on top.
func (p *pool) detachConn(c *connection) {
	p.mu.Lock()
	if p.associated > 0 {
		p.associated--
	}
	p.handOffLocked(nil)
	p.mu.Unlock()
}
