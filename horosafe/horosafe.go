// Package horosafe holds the small safety checks applied to anything the
// daemon fetches or posts to: outbound notification endpoints, pages opened
// in HTTP mode, and bounded response reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MaxResponseBody caps response reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// MinSecretLen is the shortest accepted webhook signing secret.
const MinSecretLen = 16

var (
	ErrSSRF           = errors.New("horosafe: URL targets a private or loopback address")
	ErrUnsafeScheme   = errors.New("horosafe: only http and https schemes are allowed")
	ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)
	ErrTooLarge       = errors.New("horosafe: response too large")
)

var privatePrefixes = mustPrefixes(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
	"fe80::/10",
)

// Guard validates outbound URLs.
type Guard struct {
	// AllowPrivate disables the private-address check, for endpoints that
	// live on the LAN (a self-hosted webhook receiver).
	AllowPrivate bool
	// Resolve looks up a host. Nil means net.LookupHost.
	Resolve func(host string) ([]string, error)
}

// ValidateURL checks rawURL with a default Guard.
func ValidateURL(rawURL string) error {
	return Guard{}.Check(rawURL)
}

// Check rejects non-http(s) URLs and, unless AllowPrivate is set, URLs whose
// host is or resolves to a private or loopback address. A DNS failure is let
// through: the connection attempt will surface it anyway.
func (g Guard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	if g.AllowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}

	resolve := g.Resolve
	if resolve == nil {
		resolve = net.LookupHost
	}
	addrs, err := resolve(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && IsPrivate(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// IsPrivate reports loopback, link-local, unspecified and RFC 1918/4193/6598
// addresses.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateSecret rejects signing secrets shorter than MinSecretLen. An empty
// secret is valid and means "unsigned".
func ValidateSecret(secret string) error {
	if secret != "" && len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and fails with ErrTooLarge
// beyond that.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}
