package localaddr

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string]string
	calls int
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	f.calls++
	ip, ok := f.addrs[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func newTestClassifier() (*Classifier, *fakeResolver) {
	r := &fakeResolver{addrs: map[string]string{
		"example.com":        "93.184.216.34",
		"router.home.arpa":   "192.168.0.1",
		"rebind.attacker.io": "127.0.0.1",
		"v6.internal":        "fd00::1",
	}}
	return NewClassifier(r, 0), r
}

// ─── IsLocalURL ─────────────────────────────────────────────────────────────

func TestIsLocalURL(t *testing.T) {
	c, _ := newTestClassifier()
	cases := []struct {
		url  string
		want bool
	}{
		{"http://127.0.0.1:8080/x", true},
		{"http://192.168.1.5/", true},
		{"http://localhost/", true},
		{"http://example.com/", false},
		{"http://LOCALHOST.localdomain:25565/pack.zip", true},
		{"http://10.0.0.8/", true},
		{"http://172.16.4.4/", true},
		{"http://172.32.0.1/", false},
		{"http://0.0.0.0:0/", true},
		{"http://169.254.10.1/", true},
		{"http://100.64.0.1/", true},
		{"http://100.128.0.1/", false},
		{"http://[::1]:3000/", true},
		{"http://[fe80::1]/", true},
		{"http://[2001:db8::1]/", false},
		{"http://8.8.8.8/", false},
		{"http://router.home.arpa/pack.zip", true},
		{"http://rebind.attacker.io/", true},
		{"http://v6.internal/", true},
		{"http://unknown.invalid/", false},
		{"not a url", false},
		{"", false},
		{"http://exa mple.com/", false},
	}
	for _, tc := range cases {
		if got := c.IsLocalURL(tc.url); got != tc.want {
			t.Errorf("IsLocalURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestIsLocalURL_LiteralsSkipDNS(t *testing.T) {
	c, r := newTestClassifier()
	c.IsLocalURL("http://127.0.0.1/")
	c.IsLocalURL("http://8.8.8.8/")
	c.IsLocalURL("http://localhost/")
	if r.calls != 0 {
		t.Errorf("expected no DNS lookups for literals, got %d", r.calls)
	}
	c.IsLocalURL("http://example.com/")
	if r.calls != 1 {
		t.Errorf("expected 1 DNS lookup for hostname, got %d", r.calls)
	}
}

func TestIsLocalURL_NoResolver(t *testing.T) {
	c := NewClassifier(nil, 0)
	if c.IsLocalURL("http://router.home.arpa/") {
		t.Error("hostname should not be local without a resolver")
	}
	if !c.IsLocalURL("http://127.0.0.1/") {
		t.Error("loopback literal should be local without a resolver")
	}
}

// ─── BlockReason ────────────────────────────────────────────────────────────

func TestBlockReason(t *testing.T) {
	c, _ := newTestClassifier()
	cases := []struct {
		url  string
		want string
	}{
		{"http://localhost:8080/", "localhost hostname"},
		{"http://127.0.0.1/", "loopback address (127.x.x.x)"},
		{"http://192.168.1.1/", "private network (192.168.x.x)"},
		{"http://10.1.2.3/", "private network (10.x.x.x)"},
		{"http://172.20.0.1/", "private/local IP address"},
		{"http://[::1]/", "IPv6 loopback"},
		{"http://[fe80::2]/", "IPv6 link-local"},
		{"http://router.home.arpa/", "local/private address"},
		{"http:///nohost", "invalid URL"},
		{"http://exa mple.com/", "suspicious URL"},
	}
	for _, tc := range cases {
		if got := c.BlockReason(tc.url); got != tc.want {
			t.Errorf("BlockReason(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

// ─── HostPort ───────────────────────────────────────────────────────────────

func TestHostPort(t *testing.T) {
	cases := []struct {
		url  string
		host string
		port int
		ok   bool
	}{
		{"http://127.0.0.1:8080/x", "127.0.0.1", 8080, true},
		{"https://example.com/pack", "example.com", 443, true},
		{"http://example.com/pack", "example.com", 80, true},
		{"http://[::1]:25565/", "::1", 25565, true},
		{"garbage", "", 0, false},
	}
	for _, tc := range cases {
		host, port, ok := HostPort(tc.url)
		if ok != tc.ok || host != tc.host || port != tc.port {
			t.Errorf("HostPort(%q) = (%q, %d, %v), want (%q, %d, %v)", tc.url, host, port, ok, tc.host, tc.port, tc.ok)
		}
	}
}

func TestExplicitPort(t *testing.T) {
	if p, ok := ExplicitPort("http://localhost:3000/"); !ok || p != 3000 {
		t.Errorf("ExplicitPort = (%d, %v), want (3000, true)", p, ok)
	}
	if _, ok := ExplicitPort("http://localhost/"); ok {
		t.Error("expected no explicit port")
	}
}

// ─── ServerTracker ──────────────────────────────────────────────────────────

func TestServerTracker_RemotePeerBlocksLocalURLs(t *testing.T) {
	c, _ := newTestClassifier()
	tr := NewServerTracker(c)
	tr.OnConnect("93.184.216.34:25565")

	if !tr.ShouldBlockLocalURL("http://127.0.0.1:8080/") {
		t.Error("local URL from remote peer should be blocked")
	}
	if tr.ShouldBlockLocalURL("http://example.com/pack.zip") {
		t.Error("remote URL should not be blocked")
	}
}

func TestServerTracker_LANPeerExempt(t *testing.T) {
	c, _ := newTestClassifier()
	tr := NewServerTracker(c)
	tr.OnConnect("192.168.1.20:25565")

	peer, local := tr.Peer()
	if peer != "192.168.1.20:25565" || !local {
		t.Errorf("Peer() = (%q, %v), want LAN peer", peer, local)
	}
	if tr.ShouldBlockLocalURL("http://192.168.1.20:8000/pack.zip") {
		t.Error("LAN server serving from LAN address should not be blocked")
	}

	tr.OnDisconnect()
	if !tr.ShouldBlockLocalURL("http://192.168.1.20:8000/pack.zip") {
		t.Error("after disconnect, local URLs should be blocked again")
	}
}
