package soar

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrOutboundURLBlocked is wrapped by every rejection of an outbound target
var ErrOutboundURLBlocked = errors.New("outbound URL blocked")

// OutboundPolicy decides which URLs playbook actions may call.
// AllowHTTP and AllowPrivateNetworks exist for local development and tests.
type OutboundPolicy struct {
	Allowlist            []string
	AllowHTTP            bool
	AllowPrivateNetworks bool
}

var blockedNetworks = mustParseCIDRs(
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"169.254.0.0/16", "100.64.0.0/10", "192.0.0.0/24", "198.18.0.0/15",
	"0.0.0.0/8", "224.0.0.0/4", "240.0.0.0/4",
	"::1/128", "fe80::/10", "fc00::/7", "ff00::/8",
)

var metadataHosts = map[string]bool{
	"metadata":                 true,
	"metadata.google.internal": true,
	"metadata.google.com":      true,
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateOrInternalIP reports loopback, RFC1918, link-local (cloud
// metadata), CGNAT, multicast and reserved addresses
func IsPrivateOrInternalIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return ip.Equal(net.IPv4bcast)
}

func blocked(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrOutboundURLBlocked, fmt.Sprintf(format, args...))
}

// ValidateURL checks scheme, allowlist and literal-IP targets. Hostnames are
// checked again at dial time by the client from NewClient.
func (p OutboundPolicy) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, blocked("invalid URL: %v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return nil, blocked("protocol not allowed: http (only https permitted)")
		}
	default:
		return nil, blocked("protocol not allowed: %q", u.Scheme)
	}
	if u.User != nil {
		return nil, blocked("credentials in URL are not allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, blocked("missing hostname")
	}
	if len(p.Allowlist) > 0 && !hostAllowed(host, p.Allowlist) {
		return nil, blocked("host %s is not in the allowlist", host)
	}
	if metadataHosts[host] {
		return nil, blocked("cloud metadata endpoint %s", host)
	}
	if !p.AllowPrivateNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return nil, blocked("localhost not allowed")
		}
		if ip := net.ParseIP(host); ip != nil && IsPrivateOrInternalIP(ip) {
			return nil, blocked("private/internal IP not allowed: %s", host)
		}
	}
	return u, nil
}

// hostAllowed matches exact hosts, "*.example.com" suffixes and CIDRs
func hostAllowed(host string, allowlist []string) bool {
	ip := net.ParseIP(host)
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case entry == host:
			return true
		case strings.HasPrefix(entry, "*."):
			domain := entry[2:]
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		case ip != nil && strings.Contains(entry, "/"):
			if _, n, err := net.ParseCIDR(entry); err == nil && n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// NewClient returns a client whose dialer refuses internal addresses after
// DNS resolution, so a hostname cannot be rebound between check and connect.
// Redirects are not followed.
func (p OutboundPolicy) NewClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !p.AllowPrivateNetworks {
		dialer.ControlContext = func(_ context.Context, _, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return blocked("bad address %s", address)
			}
			if ip := net.ParseIP(host); ip == nil || IsPrivateOrInternalIP(ip) {
				return blocked("connection to internal address %s refused", host)
			}
			return nil
		}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
