package httpc

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecompressionHandlerDecodesGzip(t *testing.T) {
	payload := gzipped(t, "hello")
	var sawAcceptEncoding string
	next := HandlerFunc(func(r *Request) (*Response, error) {
		sawAcceptEncoding = r.Header.Get("Accept-Encoding")
		return &Response{
			StatusCode:    200,
			Header:        Header{"Content-Encoding": {"gzip"}},
			Body:          io.NopCloser(bytes.NewReader(payload)),
			ContentLength: int64(len(payload)),
		}, nil
	})
	h := &DecompressionHandler{Next: next}

	r, err := NewRequest(context.Background(), "GET", "http://h.example/", nil)
	require.NoError(t, err)
	resp, err := h.Send(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "gzip", sawAcceptEncoding)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Empty(t, r.Header.Get("Accept-Encoding"), "the caller's request must not be mutated")
}

func TestDecompressionHandlerRespectsCallerEncoding(t *testing.T) {
	payload := gzipped(t, "raw")
	next := HandlerFunc(func(r *Request) (*Response, error) {
		return &Response{
			StatusCode: 200,
			Header:     Header{"Content-Encoding": {"gzip"}},
			Body:       io.NopCloser(bytes.NewReader(payload)),
		}, nil
	})
	h := &DecompressionHandler{Next: next}

	r, _ := NewRequest(context.Background(), "GET", "http://h.example/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	resp, err := h.Send(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The caller asked for gzip itself; the body stays encoded.
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, payload, b)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestClientEndToEnd(t *testing.T) {
	o := newTestOrigin(t, serveKeepAlive)
	opts := DefaultOptions()
	opts.ConnLifetime = -1
	c := NewClient(opts)
	defer c.Close()

	resp, err := c.Get(o.url())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok", string(b))
}

func TestManagerRejectsUnsupportedScheme(t *testing.T) {
	m := testManager(t, nil)
	r, err := NewRequest(context.Background(), "GET", "ftp://h.example/", nil)
	require.NoError(t, err)
	_, err = m.Send(r)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestHasHeaders(t *testing.T) {
	r := &Request{}
	assert.False(t, r.HasHeaders())
	r.Header = Header{}
	assert.False(t, r.HasHeaders())
	r.Header.Set("X-A", "1")
	assert.True(t, r.HasHeaders())
}
