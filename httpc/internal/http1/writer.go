package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/http/httpguts"
)

var ErrInvalidHeader = errors.New("http1: invalid header field")

// Request is the wire-level shape of an outgoing request. Target is the
// request-target exactly as it should appear on the request line:
// origin-form for direct origins, absolute-form for a plain HTTP proxy,
// authority-form for CONNECT.
type Request struct {
	Method string
	Target string
	// Host is written as the Host header when non-empty. A Host key in
	// Header is ignored.
	Host   string
	Header map[string][]string
	Body   io.Reader
	// ContentLength < 0 with a non-nil Body selects chunked encoding.
	ContentLength int64
	Close         bool
}

// reserved headers the writer owns; user-supplied values are dropped.
func reservedHeader(k string) bool {
	switch k {
	case "Host", "Connection", "Content-Length", "Transfer-Encoding":
		return true
	}
	return false
}

// WriteRequest writes the request line, headers and body. It does not
// flush bw.
func WriteRequest(bw *bufio.Writer, r *Request) error {
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", r.Method, r.Target); err != nil {
		return err
	}
	if r.Host != "" {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", r.Host); err != nil {
			return err
		}
	}
	chunked := false
	if r.Body != nil {
		if r.ContentLength >= 0 {
			if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", r.ContentLength); err != nil {
				return err
			}
		} else {
			chunked = true
			if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
				return err
			}
		}
	}
	for k, vv := range r.Header {
		ck := CanonicalHeaderKey(k)
		if reservedHeader(ck) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(ck) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: value for %q", ErrInvalidHeader, k)
			}
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", ck, v); err != nil {
				return err
			}
		}
	}
	if r.Close {
		if _, err := fmt.Fprint(bw, "Connection: close\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprint(bw, "Connection: keep-alive\r\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return err
	}
	if r.Body == nil {
		return nil
	}
	if chunked {
		return copyChunked(bw, r.Body)
	}
	if r.ContentLength > 0 {
		if _, err := io.CopyN(bw, r.Body, r.ContentLength); err != nil {
			return err
		}
	}
	return nil
}

// WriteConnect writes a CONNECT handshake for establishing a tunnel to
// authority through a proxy. extra carries optional headers such as
// Proxy-Authorization.
func WriteConnect(bw *bufio.Writer, authority string, extra map[string][]string) error {
	if _, err := fmt.Fprintf(bw, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", authority, authority); err != nil {
		return err
	}
	for k, vv := range extra {
		ck := CanonicalHeaderKey(k)
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: value for %q", ErrInvalidHeader, k)
			}
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", ck, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func copyChunked(bw *bufio.Writer, body io.Reader) error {
	buf := make([]byte, 8<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := WriteChunked(bw, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return EndChunked(bw)
		}
		if err != nil {
			return err
		}
	}
}

// WriteChunked writes one HTTP/1.1 chunk for chunked transfer encoding.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "0\r\n\r\n")
	return err
}
