// Package httpc is a small, explicit HTTP/1.1 client built around a
// per-endpoint connection pool. It dispatches requests over pooled TCP
// (optionally TLS-wrapped) connections to origin servers, optionally
// through an HTTP proxy, and streams responses back to the caller.
//
// Highlights
//   - Pooling: one pool per (kind, host, port, sslHost, proxy) endpoint
//     with a hard connection cap, FIFO waiters under the cap, LIFO idle
//     reuse, lifetime/idle eviction and a background reaper.
//   - Transport: HTTP/1.1 framing, chunked bodies, proxy support
//     (absolute-form forwarding and CONNECT tunnels), TLS with SNI/ALPN,
//     context deadlines and cancellation.
//   - Resilience: stale connections are detected by a non-destructive
//     poll before reuse; sends that fail on a reused connection before
//     any response bytes arrive are retried on another connection.
//   - Observability: plug-in Logger and Meter interfaces.
//
// Quick start:
//
//	c := httpc.NewClient(nil)
//	defer c.Close()
//	res, err := c.Get("http://127.0.0.1:8080/")
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
//	b, _ := io.ReadAll(res.Body)
//	fmt.Println(res.StatusCode, string(b))
//
// Closing the response body returns the underlying connection to its
// pool (or disposes it when it cannot be reused). Always close bodies.
package httpc
