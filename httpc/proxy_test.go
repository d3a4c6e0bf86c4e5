package httpc

import (
	"testing"
)

func TestProxyFromEnvironment_NO_PROXY_CIDR(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:8080")
	t.Setenv("NO_PROXY", "10.0.0.0/8,localhost")

	r1 := &Request{Method: "GET", URL: mustURL(t, "http://10.10.10.10/")}
	if got, _ := ProxyFromEnvironment(r1); got != nil {
		t.Fatalf("expected no proxy for CIDR match, got %v", got)
	}

	r2 := &Request{Method: "GET", URL: mustURL(t, "http://example.com/")}
	if got, _ := ProxyFromEnvironment(r2); got == nil {
		t.Fatalf("expected proxy for example.com")
	}

	r3 := &Request{Method: "GET", URL: mustURL(t, "http://localhost:9999/")}
	if got, _ := ProxyFromEnvironment(r3); got != nil {
		t.Fatalf("expected no proxy for localhost, got %v", got)
	}
}

func TestProxyFromEnvironment_SuffixMatch(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:8080")
	t.Setenv("NO_PROXY", ".internal.example")

	r1 := &Request{Method: "GET", URL: mustURL(t, "http://svc.internal.example/")}
	if got, _ := ProxyFromEnvironment(r1); got != nil {
		t.Fatalf("expected suffix match to bypass proxy, got %v", got)
	}

	r2 := &Request{Method: "GET", URL: mustURL(t, "http://internal.example.com/")}
	if got, _ := ProxyFromEnvironment(r2); got == nil {
		t.Fatalf("expected proxy for non-matching host")
	}
}

func TestAbsoluteURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://h.example/x/y?q=1", "http://h.example/x/y?q=1"},
		{"http://h.example", "http://h.example/"},
		{"http://alice:pw@h.example/x", "http://h.example/x"},
	}
	for _, tt := range tests {
		if got := absoluteURL(mustURL(t, tt.in)); got != tt.want {
			t.Fatalf("absoluteURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
