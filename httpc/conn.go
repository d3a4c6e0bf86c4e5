package httpc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// nowFunc returns the current time; it is a variable so a different
// clock can be substituted.
var nowFunc = time.Now

// pollWindow bounds how long pollClean waits for the socket to report
// data or EOF.
const pollWindow = time.Millisecond

// connection is a live HTTP/1.1 connection. It is exclusively owned by
// whoever currently holds it: a pool's idle stack or exactly one
// in-flight requester. disposed is terminal; a disposed connection must
// never re-enter a pool.
type connection struct {
	nc        net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	createdAt time.Time

	// reused is true once the connection has served at least one
	// exchange and is handed out again.
	reused bool
	// gotResponse is set per exchange once any response bytes have
	// been observed; it gates the can-retry decision.
	gotResponse bool

	disposed atomic.Bool
}

func newConnection(nc net.Conn) *connection {
	return &connection{
		nc:        nc,
		br:        bufio.NewReader(nc),
		bw:        bufio.NewWriter(nc),
		createdAt: nowFunc(),
	}
}

func (c *connection) dispose() {
	if c == nil {
		return
	}
	if c.disposed.CompareAndSwap(false, true) {
		_ = c.nc.Close()
	}
}

// canRetry reports whether a failed send on this connection may be
// replayed: the connection was reused and the peer observably processed
// nothing.
func (c *connection) canRetry() bool {
	return c.reused && !c.gotResponse
}

func (c *connection) lifetimeExpired(now time.Time, lifetime time.Duration) bool {
	if lifetime < 0 {
		return false
	}
	if lifetime == 0 {
		return true
	}
	return now.Sub(c.createdAt) >= lifetime
}

// pollClean is a non-destructive readiness probe on an idle connection.
// It reports true only when the peer has sent nothing and the socket is
// still open: buffered bytes, readable bytes, EOF or a reset all mean
// the connection must not be reused. A peeked byte stays buffered, so
// nothing is consumed. The probe waits at most pollWindow; a deadline
// already in the past would fail the read before it looks at the socket.
func (c *connection) pollClean() bool {
	if c.disposed.Load() {
		return false
	}
	if c.br.Buffered() > 0 {
		return false
	}
	if err := c.nc.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err == nil {
		// Stray bytes on an idle connection.
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Deadline helpers bridging explicit timeouts and request contexts.

func setWriteDeadlineFromContext(c net.Conn, ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(dl)
	} else {
		_ = c.SetWriteDeadline(time.Time{})
	}
}

func setReadDeadlineFromContext(c net.Conn, ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetReadDeadline(dl)
	} else {
		_ = c.SetReadDeadline(time.Time{})
	}
}
