// Package localaddr decides whether a URL points at the user's own machine or
// network. Remote peers use such URLs to probe for services running next to
// the client.
package localaddr

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var localHostnames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
}

var (
	loopbackV4  = netip.MustParsePrefix("127.0.0.0/8")
	privateA    = netip.MustParsePrefix("10.0.0.0/8")
	privateC    = netip.MustParsePrefix("192.168.0.0/16")
	localPrefix = []netip.Prefix{
		loopbackV4,
		privateA,
		netip.MustParsePrefix("172.16.0.0/12"),
		privateC,
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("100.64.0.0/10"),
	}
	linkLocalV6 = netip.MustParsePrefix("fe80::/10")
)

// Classifier answers locality questions about URLs and hosts. Hostnames that
// are not literal addresses are resolved with a bounded timeout; lookup
// failures classify as not local.
type Classifier struct {
	resolver Resolver
	timeout  time.Duration
}

// NewClassifier creates a Classifier. A nil resolver disables DNS lookups,
// so only literal addresses and well-known names are recognised.
func NewClassifier(resolver Resolver, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Classifier{resolver: resolver, timeout: timeout}
}

// NewSystemClassifier creates a Classifier backed by the system resolver.
func NewSystemClassifier() *Classifier {
	return NewClassifier(net.DefaultResolver, 0)
}

// IsLocalURL reports whether raw points at a loopback, private or link-local
// host. Unparseable URLs are not local.
func (c *Classifier) IsLocalURL(raw string) bool {
	host, ok := hostOf(raw)
	if !ok {
		return false
	}
	return c.IsLocalHost(host)
}

// IsLocalHost reports whether host (a name or a literal address, without
// port) is local.
func (c *Classifier) IsLocalHost(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := localHostnames[host]; ok {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return isLocalAddr(addr)
	}
	return c.resolvesLocal(host)
}

func (c *Classifier) resolvesLocal(host string) bool {
	if c.resolver == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return false
	}
	addr, ok := netip.AddrFromSlice(addrs[0].IP)
	if !ok {
		return false
	}
	return isLocalAddr(addr)
}

func isLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range localPrefix {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || isSiteLocalV6(addr)
}

// fec0::/10 is deprecated but still reported as site-local by most stacks.
func isSiteLocalV6(addr netip.Addr) bool {
	b := addr.As16()
	return b[0] == 0xfe && b[1]&0xc0 == 0xc0
}

// BlockReason describes why raw is considered local, for alert text.
func (c *Classifier) BlockReason(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "suspicious URL"
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return "invalid URL"
	}
	if _, ok := localHostnames[host]; ok {
		return "localhost hostname"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		switch {
		case loopbackV4.Contains(addr):
			return "loopback address (127.x.x.x)"
		case privateC.Contains(addr):
			return "private network (192.168.x.x)"
		case privateA.Contains(addr):
			return "private network (10.x.x.x)"
		case addr.Is6() && addr.IsLoopback():
			return "IPv6 loopback"
		case addr.Is6() && linkLocalV6.Contains(addr):
			return "IPv6 link-local"
		case isLocalAddr(addr):
			return "private/local IP address"
		}
	}
	return "local/private address"
}

// HostPort returns the host and port of raw for display. A missing port
// defaults to 443 for https and 80 otherwise.
func HostPort(raw string) (host string, port int, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", 0, false
	}
	host = u.Hostname()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, false
		}
		return host, n, true
	}
	if strings.EqualFold(u.Scheme, "https") {
		return host, 443, true
	}
	return host, 80, true
}

// ExplicitPort returns the port written in raw, if any.
func ExplicitPort(raw string) (int, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || u.Port() == "" {
		return 0, false
	}
	n, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, false
	}
	return n, true
}

func hostOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	return host, host != ""
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
