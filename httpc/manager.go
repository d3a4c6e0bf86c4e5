package httpc

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"dqx0.com/go/httpool/internal/obs"
)

// Manager is the process-wide mapping from endpoint key to pool. It
// owns every pool, resolves proxies, and runs the background reaper
// that evicts expired idle connections and retires unused pools.
type Manager struct {
	opts Options
	auth Authenticator

	mu       sync.Mutex
	pools    map[poolKey]*pool
	disposed bool

	stop chan struct{}
}

// NewManager builds a Manager from opts; nil selects DefaultOptions.
// Close must be called to stop the reaper and dispose the pools.
func NewManager(opts *Options) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	m := &Manager{
		opts:  *opts,
		auth:  BasicAuthenticator{},
		pools: make(map[poolKey]*pool),
		stop:  make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// SetAuthenticator replaces the request-level authentication
// collaborator. Call before the first Send.
func (m *Manager) SetAuthenticator(a Authenticator) {
	if a != nil {
		m.auth = a
	}
}

// Send implements Handler: it classifies the request into an endpoint
// key, routes it to that key's pool, and dispatches.
func (m *Manager) Send(r *Request) (*Response, error) {
	if r == nil || r.URL == nil {
		return nil, errors.New("httpc: nil request or URL")
	}
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		return nil, ErrDisposed
	}

	proxyURL, err := m.resolveProxy(r)
	if err != nil {
		return nil, err
	}
	key, err := classifyRequest(r.URL, proxyURL, m.opts.ProxyTunnelHTTP)
	if err != nil {
		return nil, err
	}
	p := m.getPool(key, proxyCredentials(proxyURL, &m.opts))
	if p == nil {
		return nil, ErrDisposed
	}
	return p.send(r, true)
}

func (m *Manager) resolveProxy(r *Request) (*url.URL, error) {
	if m.opts.Proxy != nil {
		return m.opts.Proxy(r)
	}
	return ProxyFromEnvironment(r)
}

// getPool looks up or inserts the pool for key, double-checked under
// the map lock so a racing inserter's pool wins and ours is discarded
// before it ever owns a connection.
func (m *Manager) getPool(key poolKey, proxyCreds *Credentials) *pool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	if p, ok := m.pools[key]; ok {
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()

	p := newPool(m, key, proxyCreds)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	if q, ok := m.pools[key]; ok {
		return q
	}
	m.pools[key] = p
	return p
}

// establishTunnel obtains a raw transport to key's origin through the
// sibling proxy-connect pool. A non-nil Response means the proxy
// refused the CONNECT.
func (m *Manager) establishTunnel(ctx context.Context, tunnelKey poolKey, creds *Credentials) (net.Conn, *Response, error) {
	cpKey, err := proxyConnectKey(tunnelKey)
	if err != nil {
		return nil, nil, err
	}
	cp := m.getPool(cpKey, creds)
	if cp == nil {
		return nil, nil, ErrDisposed
	}
	return cp.sendConnect(ctx, authority(tunnelKey.host, tunnelKey.port), creds)
}

// reapLoop runs the periodic sweep until Close.
func (m *Manager) reapLoop() {
	t := time.NewTicker(m.reapInterval())
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.reapOnce()
		}
	}
}

// reapInterval is min(idleTimeout, lifetime) over the positive bounds,
// clamped to a one-second floor; 30s when neither bound is set.
func (m *Manager) reapInterval() time.Duration {
	d := time.Duration(0)
	if v := m.opts.IdleConnTimeout; v > 0 {
		d = v
	}
	if v := m.opts.ConnLifetime; v > 0 && (d == 0 || v < d) {
		d = v
	}
	if d == 0 {
		return 30 * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// reapOnce sweeps every pool. The map lock is never held across a
// pool's sweep.
func (m *Manager) reapOnce() {
	type entry struct {
		key poolKey
		p   *pool
	}
	m.mu.Lock()
	entries := make([]entry, 0, len(m.pools))
	for k, p := range m.pools {
		entries = append(entries, entry{k, p})
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !e.p.cleanCacheAndDisposeIfUnused() {
			continue
		}
		m.mu.Lock()
		if cur, ok := m.pools[e.key]; ok && cur == e.p {
			delete(m.pools, e.key)
		}
		m.mu.Unlock()
		m.logf(obs.Debug, "retired unused pool %v %s", e.key.kind, authority(e.key.host, e.key.port))
	}
}

// Close stops the reaper and disposes every pool. Checked-out
// connections are disposed when their responses are closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[poolKey]*pool)
	m.mu.Unlock()

	close(m.stop)
	for _, p := range pools {
		p.dispose()
	}
}

func (m *Manager) logf(level obs.Level, format string, args ...any) {
	m.opts.logger().Logf(level, format, args...)
}

// proxyCredentials extracts userinfo from a resolved proxy URL, falling
// back to the configured defaults.
func proxyCredentials(proxyURL *url.URL, opts *Options) *Credentials {
	if proxyURL == nil {
		return nil
	}
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		return &Credentials{Username: proxyURL.User.Username(), Password: pass}
	}
	return opts.DefaultProxyCredentials
}
