package httpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

func genID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	// Fallback to timestamp-based ID if rand fails (unlikely)
	t := time.Now().UnixNano()
	var fb [16]byte
	for i := 0; i < 16; i++ {
		fb[i] = byte(t >> (uint(i%8) * 8))
	}
	return hex.EncodeToString(fb[:])
}

func genTraceID() string {
	var b [16]byte
	for {
		if _, err := rand.Read(b[:]); err == nil {
			zero := true
			for _, v := range b {
				if v != 0 {
					zero = false
					break
				}
			}
			if !zero {
				return strings.ToLower(hex.EncodeToString(b[:]))
			}
		}
		// retry on error or all-zero
	}
}

func genSpanID() string {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err == nil {
			zero := true
			for _, v := range b {
				if v != 0 {
					zero = false
					break
				}
			}
			if !zero {
				return strings.ToLower(hex.EncodeToString(b[:]))
			}
		}
	}
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

// Trace carries minimal W3C trace context for propagation.
// TraceID is 32-hex, SpanID is 16-hex. Flags are 2-hex (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

// ctxKey distinguishes this package's context values by identity.
type ctxKey struct{ name string }

var (
	traceKey         = &ctxKey{"trace"}
	requestIDKey     = &ctxKey{"request-id"}
	correlationIDKey = &ctxKey{"correlation-id"}
)

// WithTrace stores trace context in ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(traceKey).(Trace)
	return tr, ok
}

// WithRequestID returns a new context that carries a request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom extracts the request ID from ctx.
func RequestIDFrom(ctx context.Context) (string, bool) {
	return idFrom(ctx, requestIDKey)
}

// WithCorrelationID returns a new context that carries a correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom extracts the correlation ID from ctx.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	return idFrom(ctx, correlationIDKey)
}

func idFrom(ctx context.Context, key *ctxKey) (string, bool) {
	s, ok := ctx.Value(key).(string)
	return s, ok && s != ""
}
