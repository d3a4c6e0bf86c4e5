package httpc

import (
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
)

// ProxyFromEnvironment resolves a proxy URL from environment variables
// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY and honors NO_PROXY. Behaves
// similarly to net/http.ProxyFromEnvironment for common cases.
func ProxyFromEnvironment(r *Request) (*url.URL, error) {
	if r == nil || r.URL == nil {
		return nil, nil
	}
	scheme := strings.ToLower(r.URL.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host, port := splitHostPort(r.URL.Host, scheme)
	if noProxyMatch(host, port) {
		return nil, nil
	}
	var proxyStr string
	if scheme == "https" {
		proxyStr = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		proxyStr = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if proxyStr == "" {
		proxyStr = firstEnv("ALL_PROXY", "all_proxy")
	}
	if proxyStr == "" {
		return nil, nil
	}
	return url.Parse(proxyStr)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// noProxyMatch reports whether NO_PROXY exempts host (with port) from
// proxying. A pattern is "*", a CIDR block, an IP literal, or a domain
// (a leading dot is optional); an optional :port pins the pattern to
// that port, and a scheme prefix is ignored.
func noProxyMatch(host, port string) bool {
	env := firstEnv("NO_PROXY", "no_proxy")
	if env == "" {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	for _, pat := range strings.Split(env, ",") {
		if matchesNoProxy(strings.ToLower(strings.TrimSpace(pat)), host, port) {
			return true
		}
	}
	return false
}

func matchesNoProxy(pat, host, port string) bool {
	if pat == "" {
		return false
	}
	if pat == "*" {
		return true
	}
	if i := strings.Index(pat, "://"); i >= 0 {
		pat = pat[i+3:]
	}
	if prefix, err := netip.ParsePrefix(pat); err == nil {
		addr, aerr := netip.ParseAddr(host)
		return aerr == nil && prefix.Contains(addr)
	}
	// "host:port" and "[v6]:port" split cleanly; bare names and bare
	// IPv6 literals do not and keep the whole pattern as the host.
	patHost, patPort := pat, ""
	if h, p, err := net.SplitHostPort(pat); err == nil {
		patHost, patPort = h, p
	}
	if patPort != "" && patPort != port {
		return false
	}
	patHost = strings.Trim(patHost, "[]")
	if addr, err := netip.ParseAddr(patHost); err == nil {
		haddr, herr := netip.ParseAddr(host)
		return herr == nil && haddr == addr
	}
	patHost = strings.TrimPrefix(patHost, ".")
	return host == patHost || strings.HasSuffix(host, "."+patHost)
}

// absoluteURL builds the absolute-form request-target for forwarding
// through a plain HTTP proxy, without userinfo.
func absoluteURL(u *url.URL) string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else if u.RawPath != "" {
		b.WriteString(u.RawPath)
	} else if u.Path != "" {
		if !strings.HasPrefix(u.Path, "/") {
			b.WriteString("/")
		}
		b.WriteString(u.Path)
	} else {
		b.WriteString("/")
	}
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}
