package httpc

import (
	"context"
	"io"
	"net/url"
)

// Request represents an outgoing HTTP request.
//
// Fields are a subset tailored for HTTP/1.1. Body is an io.ReadCloser.
// ContentLength is -1 when unknown. Context can be set via WithContext.
// The client never mutates a caller-supplied Request; layers that need
// to adjust headers work on a shallow copy.
type Request struct {
	Method     string
	URL        *url.URL
	RequestURI string
	Header     Header
	Body       io.ReadCloser
	// GetBody, if non-nil, returns a new copy of Body for
	// retransmission (e.g., a retried send on a fresh connection).
	// The caller must Close the returned body.
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64
	ctx           context.Context
	// CorrelationID is a propagated ID from the peer (e.g., X-Request-ID/Traceparent).
	CorrelationID string
	// TraceID is the W3C trace-id (32 hex). If empty, a new one may be generated for outbound requests.
	TraceID string
	// TraceState carries tracestate header content, if any, for propagation.
	TraceState string
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// HasHeaders reports whether any header has been set, without
// materializing an empty header map on the request.
func (r *Request) HasHeaders() bool {
	return r != nil && len(r.Header) > 0
}

// clone returns a shallow copy of r with an independent header map.
func (r *Request) clone() *Request {
	r2 := *r
	r2.Header = r.Header.Clone()
	return &r2
}

// NewRequest builds a Request for the given method and URL string.
func NewRequest(ctx context.Context, method, rawURL string, body io.ReadCloser) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	cl := int64(0)
	if body != nil {
		cl = -1
	}
	return &Request{
		Method:        method,
		URL:           u,
		Header:        Header{},
		Body:          body,
		ContentLength: cl,
		ctx:           ctx,
	}, nil
}
