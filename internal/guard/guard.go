// Package guard validates that an origin URL is safe to probe. It blocks
// requests that would reach private, loopback, link-local, or otherwise
// reserved address space (SSRF defense) and provides a dialer Control hook
// so the check is repeated on the address actually used for the socket.
package guard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// DeniedError signals a policy violation, not a network failure. Callers
// must never retry a denied origin.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "origin blocked: " + e.Reason
}

// Origin is a validated probe target.
type Origin struct {
	URL   *url.URL
	Host  string   // hostname without port
	Port  string   // explicit port, empty means 443
	Addrs []net.IP // resolved addresses, all verified public
}

// reservedBlocks lists CIDR ranges that must never be contacted. Link-local
// v4 covers the cloud metadata address 169.254.169.254.
var reservedBlocks = mustParseCIDRs(
	"0.0.0.0/8",        // "this" network
	"10.0.0.0/8",       // RFC 1918
	"100.64.0.0/10",    // carrier-grade NAT
	"127.0.0.0/8",      // loopback
	"169.254.0.0/16",   // link-local, includes metadata endpoints
	"172.16.0.0/12",    // RFC 1918
	"192.0.0.0/24",     // IETF protocol assignments
	"192.0.2.0/24",     // documentation
	"192.168.0.0/16",   // RFC 1918
	"198.18.0.0/15",    // benchmarking
	"198.51.100.0/24",  // documentation
	"203.0.113.0/24",   // documentation
	"224.0.0.0/4",      // multicast
	"240.0.0.0/4",      // reserved
	"255.255.255.255/32",
	"::/128",           // unspecified
	"::1/128",          // loopback
	"fc00::/7",         // RFC 4193 unique local
	"fe80::/10",        // link-local
	"ff00::/8",         // multicast
	"2001:db8::/32",    // documentation
)

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic(fmt.Sprintf("guard: bad reserved block %q: %v", b, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Guard validates origins before any network contact. The zero value is not
// usable; construct with New.
type Guard struct {
	// LookupIPAddr resolves a hostname. Defaults to net.DefaultResolver.
	// Results are never cached: DNS answers can change between validation
	// and connection, so every call re-resolves.
	LookupIPAddr func(ctx context.Context, host string) ([]net.IPAddr, error)
}

func New() *Guard {
	return &Guard{
		LookupIPAddr: net.DefaultResolver.LookupIPAddr,
	}
}

// Validate checks that rawURL is a well-formed HTTPS URL whose host resolves
// exclusively to public addresses. A hostname with even one private answer
// is denied: a single public record does not excuse the rest (multi-homed
// bypass defense).
func (g *Guard) Validate(ctx context.Context, rawURL string) (*Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &DeniedError{Reason: fmt.Sprintf("unparseable URL: %v", err)}
	}
	if u.Scheme != "https" {
		return nil, &DeniedError{Reason: fmt.Sprintf("scheme %q is not https", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return nil, &DeniedError{Reason: "URL has no host"}
	}

	origin := &Origin{URL: u, Host: host, Port: u.Port()}

	if ip := net.ParseIP(host); ip != nil {
		if err := g.CheckAddr(ip); err != nil {
			return nil, err
		}
		origin.Addrs = []net.IP{ip}
		return origin, nil
	}

	addrs, err := g.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if err := g.CheckAddr(a.IP); err != nil {
			return nil, err
		}
		origin.Addrs = append(origin.Addrs, a.IP)
	}
	return origin, nil
}

// CheckAddr reports whether a single IP address is acceptable to contact.
// Returns *DeniedError when it falls in reserved space.
func (g *Guard) CheckAddr(ip net.IP) error {
	if ip == nil {
		return &DeniedError{Reason: "invalid IP address"}
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return &DeniedError{Reason: fmt.Sprintf("address %s is in reserved space", ip)}
	}
	for _, block := range reservedBlocks {
		if block.Contains(ip) {
			return &DeniedError{Reason: fmt.Sprintf("address %s is in reserved block %s", ip, block)}
		}
	}
	return nil
}

// DialControl is a net.Dialer Control function re-checking the concrete
// socket address immediately before connect. Validation-time DNS answers are
// not authoritative at connect time, so this hook closes the TOCTOU window.
func (g *Guard) DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return &DeniedError{Reason: fmt.Sprintf("dial to non-literal address %q", address)}
	}
	return g.CheckAddr(ip)
}
