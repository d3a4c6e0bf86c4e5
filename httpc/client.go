package httpc

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
)

// Handler is one layer of the send chain. Layers compose by owning the
// next Handler; the pool Manager sits at the chain's tail.
type Handler interface {
	Send(*Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Request) (*Response, error)

func (f HandlerFunc) Send(r *Request) (*Response, error) { return f(r) }

// DecompressionHandler advertises gzip and transparently decodes a
// gzip-encoded response. It works on a copy of the request: the send
// chain never mutates a caller's Request.
type DecompressionHandler struct {
	Next Handler
}

func (h *DecompressionHandler) Send(r *Request) (*Response, error) {
	advertised := false
	if r.Header.Get("Accept-Encoding") == "" && r.Header.Get("Range") == "" {
		r = r.clone()
		if r.Header == nil {
			r.Header = Header{}
		}
		r.Header.Set("Accept-Encoding", "gzip")
		advertised = true
	}
	resp, err := h.Next.Send(r)
	if err != nil {
		return nil, err
	}
	if advertised && strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, zerr := gzip.NewReader(resp.Body)
		if zerr != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: bad gzip body: %v", ErrProtocolViolation, zerr)
		}
		resp.Body = &gzipBody{zr: zr, under: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

// gzipBody decodes through zr and closes the pooled body underneath.
type gzipBody struct {
	zr    *gzip.Reader
	under io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *gzipBody) Close() error {
	_ = b.zr.Close()
	return b.under.Close()
}

// Client is the public façade: a middleware chain ending at a pool
// Manager.
type Client struct {
	manager *Manager
	handler Handler
}

// NewClient builds a Client from opts; nil selects DefaultOptions.
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	m := NewManager(opts)
	var h Handler = m
	if opts.AutomaticDecompression {
		h = &DecompressionHandler{Next: h}
	}
	return &Client{manager: m, handler: h}
}

// Do dispatches a request through the chain. The caller must close the
// response body; closing it returns the connection to its pool.
func (c *Client) Do(r *Request) (*Response, error) {
	return c.handler.Send(r)
}

// Get issues a GET for rawURL.
func (c *Client) Get(rawURL string) (*Response, error) {
	return c.GetContext(context.Background(), rawURL)
}

// GetContext issues a GET for rawURL under ctx.
func (c *Client) GetContext(ctx context.Context, rawURL string) (*Response, error) {
	r, err := NewRequest(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(r)
}

// Manager exposes the underlying pool manager, e.g. to share it across
// clients or to tune the authenticator.
func (c *Client) Manager() *Manager { return c.manager }

// Close disposes every pool and stops the background reaper.
func (c *Client) Close() { c.manager.Close() }
