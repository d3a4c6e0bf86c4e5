package httpc

import "sync/atomic"

// waiter is a single-shot handoff slot for a connection. It is shared
// by exactly one producer (the releaser) and one consumer (the waiting
// acquirer). A delivered nil means "capacity freed, try again"; a
// delivered connection means "directly handed off, use it."
type waiter struct {
	ch   chan *connection
	done atomic.Bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan *connection, 1)}
}

// tryDeliver completes the waiter with c (which may be nil, the
// capacity signal). It reports false when the waiter was already
// completed or cancelled, in which case the releaser must move on to
// the next waiter.
func (w *waiter) tryDeliver(c *connection) bool {
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	w.ch <- c
	return true
}

// cancel marks the waiter cancelled. If a delivery had already begun,
// the parked connection is reclaimed and returned so the caller can
// put it back; otherwise nil. After cancel, tryDeliver always fails.
func (w *waiter) cancel() *connection {
	if w.done.CompareAndSwap(false, true) {
		return nil
	}
	// Delivery won the race; the send into the buffered channel is
	// imminent or done, and nobody else is receiving.
	return <-w.ch
}
