package httpc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/httpool/httpc/internal/http1"
	"dqx0.com/go/httpool/internal/obs"
)

// cachedConn is an idle connection plus the moment it was returned.
// Created only on return to the pool; consumed by a later acquirer or
// by the reaper.
type cachedConn struct {
	conn       *connection
	returnedAt time.Time
}

// usable reports whether the entry may still be handed out: both the
// lifetime and idle bounds hold and the connection was not disposed.
// The poll probe is a separate, more expensive check.
func (cc *cachedConn) usable(now time.Time, lifetime, idleTimeout time.Duration) bool {
	if cc.conn.disposed.Load() {
		return false
	}
	if cc.conn.lifetimeExpired(now, lifetime) {
		return false
	}
	if idleTimeout == 0 {
		return false
	}
	if idleTimeout > 0 && now.Sub(cc.returnedAt) >= idleTimeout {
		return false
	}
	return true
}

// pool is the per-endpoint arbitration structure. All mutation of its
// state is serialized by mu; no network I/O happens under it.
type pool struct {
	m   *Manager // non-owning; the manager outlives its pools
	key poolKey

	hostHeader string      // pre-encoded Host for origin kinds
	tlsConfig  *tls.Config // specialized clone; nil for plain kinds
	proxyCreds *Credentials

	maxConns    int
	lifetime    time.Duration
	idleTimeout time.Duration

	mu         sync.Mutex
	idle       []*cachedConn // LIFO: most recently returned at the tail
	waiters    []*waiter     // FIFO: head at index 0
	associated int           // live connections, idle plus checked out
	disposed   bool
	used       bool // any traffic since the last reaper sweep

	authCache *credentialCache // non-nil when PreAuthenticate
}

func newPool(m *Manager, key poolKey, proxyCreds *Credentials) *pool {
	p := &pool{
		m:           m,
		key:         key,
		proxyCreds:  proxyCreds,
		maxConns:    m.opts.MaxConnsPerEndpoint,
		lifetime:    m.opts.ConnLifetime,
		idleTimeout: m.opts.IdleConnTimeout,
	}
	if key.host != "" && key.kind != kindProxyConnect {
		p.hostHeader = hostHeaderValue(key.host, key.port, key.sslHost != "")
	}
	if key.sslHost != "" {
		p.tlsConfig = specializeTLS(m.opts.TLSConfig, key.sslHost)
	}
	if m.opts.PreAuthenticate {
		p.authCache = newCredentialCache()
	}
	return p
}

// specializeTLS clones the shared TLS options for one pool. The pool's
// SNI host always wins over a configured ServerName, and ALPN is
// pinned to http/1.1.
func specializeTLS(base *tls.Config, sslHost string) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{}
	} else {
		cfg = base.Clone()
	}
	cfg.ServerName = sslHost
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

// send is the pool's sole entry point. It layers request-level
// authentication, then proxy authentication, then the retry loop.
func (p *pool) send(r *Request, doRequestAuth bool) (*Response, error) {
	opts := &p.m.opts
	if doRequestAuth && opts.Credentials != nil {
		if p.authCache != nil && r.Header.Get("Authorization") == "" {
			if h := p.authCache.lookup(r.URL); h != "" {
				r = r.clone()
				if r.Header == nil {
					r.Header = Header{}
				}
				r.Header.Set("Authorization", h)
			}
		}
		resp, err := p.m.auth.Authenticate(r, opts.Credentials, p.sendWithProxyAuth)
		if err == nil && p.authCache != nil && resp.StatusCode < 300 {
			p.authCache.store(r.URL, basicAuthValue(opts.Credentials))
		}
		return resp, err
	}
	return p.sendWithProxyAuth(r)
}

// sendWithProxyAuth attaches Proxy-Authorization on proxy-forwarded
// requests, then enters the retry loop. Authenticators re-enter here.
func (p *pool) sendWithProxyAuth(r *Request) (*Response, error) {
	if (p.key.kind == kindProxy || p.key.kind == kindProxyConnect) && p.proxyCreds != nil {
		if r.Header.Get("Proxy-Authorization") == "" {
			r = r.clone()
			if r.Header == nil {
				r.Header = Header{}
			}
			r.Header.Set("Proxy-Authorization", basicAuthValue(p.proxyCreds))
		}
	}
	return p.sendWithRetry(r)
}

// sendWithRetry wraps acquisition plus the exchange. A transport
// failure on a reused connection with no response bytes observed is
// swallowed and the loop re-acquires; a fresh-connection failure always
// propagates, so an unreachable server cannot loop forever.
func (p *pool) sendWithRetry(r *Request) (*Response, error) {
	for {
		c, earlyResp, err := p.getConn(r)
		if err != nil {
			return nil, err
		}
		if earlyResp != nil {
			// The proxy refused the tunnel; its response becomes the
			// response for the origin request.
			return earlyResp, nil
		}
		resp, err := p.sendOnConn(c, r)
		if err == nil {
			return resp, nil
		}
		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable {
			return nil, err
		}
		if r.Body != nil {
			if r.GetBody == nil {
				return nil, err
			}
			body, berr := r.GetBody()
			if berr != nil {
				return nil, err
			}
			r2 := *r
			r2.Body = body
			r = &r2
		}
		p.logf(obs.Debug, "%s %s: retrying after transport failure on reused connection: %v", r.Method, r.URL, te.Err)
		p.meter().Counter("httpc_send_retries_total", 1)
	}
}

// getConn returns a connection ready for an exchange: a polled-clean
// idle one, a freshly created one when under the cap, or one handed
// over by a releaser after waiting. A non-nil *Response means tunnel
// establishment was refused by the proxy.
func (p *pool) getConn(r *Request) (*connection, *Response, error) {
	ctx := r.Context()
	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return nil, nil, ErrDisposed
		}
		p.used = true
		if n := len(p.idle); n > 0 {
			cc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if cc.usable(nowFunc(), p.lifetime, p.idleTimeout) && cc.conn.pollClean() {
				cc.conn.reused = true
				p.meter().Counter("httpc_conn_reuse_total", 1)
				return cc.conn, nil, nil
			}
			p.logf(obs.Debug, "%v %s: dropping stale idle connection", p.key.kind, p.hostHeader)
			p.closeConn(cc.conn)
			continue
		}
		if p.maxConns <= 0 || p.associated < p.maxConns {
			p.associated++
			p.mu.Unlock()
			c, resp, err := p.connect(ctx, r)
			if err != nil || resp != nil {
				p.releaseSlot()
				return nil, resp, err
			}
			p.meter().Counter("httpc_conn_dial_total", 1)
			return c, nil, nil
		}
		w := newWaiter()
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		waitStart := nowFunc()
		select {
		case <-ctx.Done():
			if c := w.cancel(); c != nil {
				// A handoff raced the cancellation; recycle the
				// connection for the next caller.
				p.returnConn(c)
			}
			p.observeWait(waitStart)
			return nil, nil, fmt.Errorf("%w: %v", ErrAcquireCancelled, ctx.Err())
		case c := <-w.ch:
			p.observeWait(waitStart)
			if c == nil {
				// Capacity freed; race for it from the top.
				continue
			}
			c.reused = true
			return c, nil, nil
		}
	}
}

func (p *pool) observeWait(start time.Time) {
	p.meter().Histogram("httpc_conn_wait_ms", float64(nowFunc().Sub(start).Milliseconds()))
}

// returnConn gives a checked-out connection back once its response body
// has been consumed. Priority: head waiter, then idle stack, else
// dispose. Safe against a disposed pool: the connection is disposed and
// only the counter changes.
func (p *pool) returnConn(c *connection) {
	if c == nil {
		return
	}
	if c.disposed.Load() {
		p.releaseSlot()
		return
	}
	now := nowFunc()
	if c.lifetimeExpired(now, p.lifetime) {
		p.meter().Counter("httpc_conn_lifetime_closed_total", 1)
		p.closeConn(c)
		return
	}
	p.mu.Lock()
	hasWaiter := len(p.waiters) > 0
	pooled := !p.disposed && p.idleTimeout != 0
	p.mu.Unlock()
	if !hasWaiter && !pooled {
		p.closeConn(c)
		return
	}
	if !c.pollClean() {
		p.closeConn(c)
		return
	}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		p.closeConn(c)
		return
	}
	if p.handOffLocked(c) {
		p.used = true
		p.mu.Unlock()
		return
	}
	if p.idleTimeout != 0 {
		p.idle = append(p.idle, &cachedConn{conn: c, returnedAt: now})
		p.used = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.closeConn(c)
}

// handOffLocked serves the head of the waiter queue with c (or the
// nil capacity signal), discarding waiters cancelled while queued.
// Exactly one live waiter is served per call.
func (p *pool) handOffLocked(c *connection) bool {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.tryDeliver(c) {
			return true
		}
	}
	return false
}

// closeConn disposes c and frees its slot.
func (p *pool) closeConn(c *connection) {
	c.dispose()
	p.releaseSlot()
}

// releaseSlot decrements the live-connection counter and wakes one
// waiter with the capacity signal.
func (p *pool) releaseSlot() {
	p.mu.Lock()
	if p.associated > 0 {
		p.associated--
	}
	p.handOffLocked(nil)
	p.mu.Unlock()
}

// dispose retires the pool: the idle stack is drained and disposed,
// queued waiters are woken (they observe the disposed flag and fail),
// and checked-out connections are disposed on their eventual return.
func (p *pool) dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.associated -= len(idle)
	if p.associated < 0 {
		p.associated = 0
	}
	p.mu.Unlock()
	for _, cc := range idle {
		cc.conn.dispose()
	}
	for _, w := range waiters {
		w.tryDeliver(nil)
	}
}

// cleanCacheAndDisposeIfUnused is the reaper entry point. It sweeps
// the idle stack, disposing entries that expired or fail the poll
// probe. It returns true when the pool is empty, nothing is checked
// out, and there was no traffic since the previous sweep: the manager
// then removes the pool from its map.
func (p *pool) cleanCacheAndDisposeIfUnused() bool {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return true
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := nowFunc()
	kept := idle[:0]
	var drop []*cachedConn
	for _, cc := range idle {
		if cc.usable(now, p.lifetime, p.idleTimeout) && cc.conn.pollClean() {
			kept = append(kept, cc)
		} else {
			drop = append(drop, cc)
		}
	}

	p.mu.Lock()
	if p.disposed {
		// Disposed mid-sweep; nothing may re-enter the stack.
		p.associated -= len(kept) + len(drop)
		if p.associated < 0 {
			p.associated = 0
		}
		p.mu.Unlock()
		for _, cc := range kept {
			cc.conn.dispose()
		}
		for _, cc := range drop {
			cc.conn.dispose()
		}
		return true
	}
	// Survivors sit below anything returned during the sweep, keeping
	// the most recently returned connection on top.
	if len(kept) > 0 {
		p.idle = append(append(make([]*cachedConn, 0, len(kept)+len(p.idle)), kept...), p.idle...)
	}
	p.associated -= len(drop)
	if p.associated < 0 {
		p.associated = 0
	}
	for range drop {
		p.handOffLocked(nil)
	}
	retire := len(p.idle) == 0 && p.associated == 0 && !p.used
	if retire {
		p.disposed = true
	}
	p.used = false
	p.mu.Unlock()

	for _, cc := range drop {
		cc.conn.dispose()
		p.meter().Counter("httpc_conn_idle_closed_total", 1)
	}
	return retire
}

// sendOnConn performs one request/response exchange on a checked-out
// connection. On success the response body owns the connection and
// returns it to the pool when closed.
func (p *pool) sendOnConn(c *connection, r *Request) (*Response, error) {
	ctx := r.Context()
	c.gotResponse = false
	start := nowFunc()

	host := p.hostHeader
	if p.key.kind == kindProxy {
		h, port := splitHostPort(r.URL.Host, strings.ToLower(r.URL.Scheme))
		host = hostHeaderValue(h, port, false)
	}
	if r.Host != "" {
		host = r.Host
	}

	wr := &http1.Request{
		Method:        r.Method,
		Target:        p.requestTarget(r),
		Host:          host,
		Header:        p.wireHeader(r),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Close:         strings.EqualFold(r.Header.Get("Connection"), "close"),
	}

	setWriteDeadlineFromContext(c.nc, ctx)
	if err := http1.WriteRequest(c.bw, wr); err != nil {
		return nil, p.failExchange(c, err, "write")
	}
	if err := c.bw.Flush(); err != nil {
		return nil, p.failExchange(c, err, "write")
	}
	if r.Body != nil {
		_ = r.Body.Close()
	}
	p.meter().Counter("httpc_requests_total", 1, obs.Label{Key: "method", Value: r.Method})

	setReadDeadlineFromContext(c.nc, ctx)
	maxHeader := p.m.opts.maxHeaderBytes()
	head, err := http1.ReadResponseHead(c.br, maxHeader)
	if err != nil {
		return nil, p.failExchange(c, err, "read")
	}
	c.gotResponse = true
	for head.StatusCode >= 100 && head.StatusCode < 200 {
		// Interim response; the final one follows.
		head, err = http1.ReadResponseHead(c.br, maxHeader)
		if err != nil {
			return nil, p.failExchange(c, err, "read")
		}
	}

	body, cl, reusable, err := http1.ResponseBody(c.br, r.Method, head, maxHeader)
	if err != nil {
		return nil, p.failExchange(c, err, "read")
	}
	if strings.EqualFold(http1.GetHeader(head.Header, "Connection"), "close") {
		reusable = false
	}

	resp := &Response{
		Status:        fmt.Sprintf("%d %s", head.StatusCode, head.Reason),
		StatusCode:    head.StatusCode,
		Proto:         head.Proto,
		Header:        Header(head.Header),
		ContentLength: cl,
		Body:          &poolBody{inner: body, p: p, c: c, reusable: reusable},
	}
	p.meter().Counter("httpc_responses_total", 1, obs.Label{Key: "status", Value: fmt.Sprintf("%d", head.StatusCode)})
	p.meter().Histogram("httpc_roundtrip_ms", float64(nowFunc().Sub(start).Milliseconds()),
		obs.Label{Key: "method", Value: r.Method})
	return resp, nil
}

// failExchange disposes the failed connection, frees its slot and
// classifies the error.
func (p *pool) failExchange(c *connection, err error, stage string) error {
	p.meter().Counter("httpc_request_errors_total", 1, obs.Label{Key: "stage", Value: stage})
	retryable := c.canRetry()
	p.closeConn(c)
	switch {
	case errors.Is(err, http1.ErrHeaderTooLarge):
		return fmt.Errorf("%w: response headers", ErrHeaderTooLarge)
	case errors.Is(err, http1.ErrMalformed), errors.Is(err, http1.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return &TransportError{Retryable: retryable, Err: err}
}

// requestTarget is the wire request-target: absolute-form when
// forwarding through a plain proxy, origin-form otherwise.
func (p *pool) requestTarget(r *Request) string {
	if p.key.kind == kindProxy {
		return absoluteURL(r.URL)
	}
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL.Opaque != "" {
		return r.URL.Opaque
	}
	t := r.URL.RequestURI()
	if t == "" {
		t = "/"
	}
	return t
}

// wireHeader builds the header block to write: a copy of the caller's
// headers plus request/trace identifiers. The caller's map is never
// touched.
func (p *pool) wireHeader(r *Request) map[string][]string {
	hdr := make(map[string][]string, len(r.Header)+3)
	for k, vv := range r.Header {
		hdr[http1.CanonicalHeaderKey(k)] = vv
	}
	ctx := r.Context()
	if http1.GetHeader(hdr, "X-Request-Id") == "" {
		if id, ok := RequestIDFrom(ctx); ok {
			hdr["X-Request-Id"] = []string{id}
		} else {
			hdr["X-Request-Id"] = []string{genID()}
		}
	}
	if http1.GetHeader(hdr, "X-Correlation-Id") == "" {
		if cid, ok := CorrelationIDFrom(ctx); ok {
			hdr["X-Correlation-Id"] = []string{cid}
		} else if r.CorrelationID != "" {
			hdr["X-Correlation-Id"] = []string{r.CorrelationID}
		}
	}
	if http1.GetHeader(hdr, "Traceparent") == "" {
		tid := r.TraceID
		if tid == "" {
			if tr, ok := TraceFrom(ctx); ok && tr.TraceID != "" {
				tid = tr.TraceID
			}
		}
		if tid == "" {
			tid = genTraceID()
		}
		hdr["Traceparent"] = []string{formatTraceparent(tid, genSpanID(), "01")}
	}
	if http1.GetHeader(hdr, "Tracestate") == "" && r.TraceState != "" {
		hdr["Tracestate"] = []string{r.TraceState}
	}
	return hdr
}

// poolBody hands the connection back when the response body is closed:
// drained and reusable connections re-enter the pool, everything else
// is disposed.
type poolBody struct {
	inner    io.ReadCloser
	p        *pool
	c        *connection
	reusable bool
	closed   bool
}

// Read passes through to the framed body, translating framing faults
// into the package error taxonomy. A body that fails mid-read leaves
// the stream in an unknown state, so the connection is not repooled.
func (b *poolBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err != nil && err != io.EOF {
		b.reusable = false
		switch {
		case errors.Is(err, http1.ErrMalformed):
			err = fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		case errors.Is(err, http1.ErrHeaderTooLarge):
			err = fmt.Errorf("%w: response trailers", ErrHeaderTooLarge)
		}
	}
	return n, err
}

func (b *poolBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.reusable {
		// Drain so the next exchange starts at a message boundary.
		if _, err := io.Copy(io.Discard, b.inner); err != nil {
			b.reusable = false
		}
	}
	err := b.inner.Close()
	if err != nil {
		b.reusable = false
	}
	if b.reusable {
		b.p.returnConn(b.c)
	} else {
		b.p.closeConn(b.c)
	}
	return err
}

func (p *pool) logf(level obs.Level, format string, args ...any) {
	p.m.opts.logger().Logf(level, format, args...)
}

func (p *pool) meter() obs.Meter {
	return p.m.opts.meter()
}

// Snapshot of pool state for tests and debugging.
type poolStats struct {
	idle       int
	waiters    int
	associated int
	disposed   bool
}

func (p *pool) stats() poolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return poolStats{
		idle:       len(p.idle),
		waiters:    len(p.waiters),
		associated: p.associated,
		disposed:   p.disposed,
	}
}
