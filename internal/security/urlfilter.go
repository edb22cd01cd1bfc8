package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrURLBlocked is returned for attestation locations the filter refuses.
var ErrURLBlocked = errors.New("URL blocked by filter")

// URLFilterConfig lists the hosts remote attestations may be fetched from.
type URLFilterConfig struct {
	// AllowDomains admits a host and its subdomains. "*" admits any
	// public host. An empty list admits nothing.
	AllowDomains []string `yaml:"allow_domains"`
	// DenyDomains wins over AllowDomains.
	DenyDomains []string `yaml:"deny_domains"`
	// RequireHTTPS rejects plain http.
	RequireHTTPS bool `yaml:"require_https"`
}

// domains is a normalized suffix set.
type domains []string

func newDomains(in []string) domains {
	out := make(domains, 0, len(in))
	for _, d := range in {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out = append(out, strings.TrimSuffix(d, "."))
		}
	}
	return out
}

// match reports whether host equals an entry or sits under one.
// "api.example.com" matches "example.com"; "badexample.com" does not.
func (ds domains) match(host string) bool {
	for _, d := range ds {
		if d == "*" || host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// URLFilter is a default-deny filter for the URLs a provenance check is
// about to fetch. Literal loopback, private and link-local addresses are
// refused regardless of the lists.
type URLFilter struct {
	allow        domains
	deny         domains
	requireHTTPS bool
}

// NewURLFilter builds a filter from cfg.
func NewURLFilter(cfg URLFilterConfig) *URLFilter {
	return &URLFilter{
		allow:        newDomains(cfg.AllowDomains),
		deny:         newDomains(cfg.DenyDomains),
		requireHTTPS: cfg.RequireHTTPS,
	}
}

// Check returns nil when rawURL may be fetched and an error wrapping
// ErrURLBlocked otherwise.
func (f *URLFilter) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrURLBlocked, err)
	}
	if reason := f.reject(u); reason != "" {
		return fmt.Errorf("%w: %s: %s", ErrURLBlocked, rawURL, reason)
	}
	return nil
}

func (f *URLFilter) reject(u *url.URL) string {
	switch scheme := strings.ToLower(u.Scheme); {
	case scheme == "https":
	case scheme == "http" && !f.requireHTTPS:
	case scheme == "http":
		return "https required"
	default:
		return fmt.Sprintf("scheme %q not allowed", u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	switch {
	case host == "":
		return "no host"
	case isInternal(host):
		return "internal address"
	case f.deny.match(host):
		return "host denied"
	case !f.allow.match(host):
		return "host not allowed"
	}
	return ""
}

func isInternal(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
