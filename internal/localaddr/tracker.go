package localaddr

import (
	"net"
	"sync"
)

// FailURL is handed back to the networking layer in place of a blocked local
// URL. Connecting to port 0 always fails.
const FailURL = "http://0.0.0.0:0/veil-blocked"

// ServerTracker remembers the peer of the current connection. A peer that is
// itself on the local network may legitimately serve content from local
// addresses, so local URLs are only blocked for remote peers.
type ServerTracker struct {
	classifier *Classifier

	mu        sync.RWMutex
	peer      string
	peerLocal bool
}

// NewServerTracker creates a tracker using classifier.
func NewServerTracker(classifier *Classifier) *ServerTracker {
	return &ServerTracker{classifier: classifier}
}

// OnConnect records the peer address ("host", "host:port" or "[v6]:port").
func (t *ServerTracker) OnConnect(remoteAddr string) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	local := host != "" && t.classifier.IsLocalHost(host)

	t.mu.Lock()
	t.peer = remoteAddr
	t.peerLocal = local
	t.mu.Unlock()
}

// OnDisconnect forgets the peer.
func (t *ServerTracker) OnDisconnect() {
	t.mu.Lock()
	t.peer = ""
	t.peerLocal = false
	t.mu.Unlock()
}

// Peer returns the current peer address and whether it is local.
func (t *ServerTracker) Peer() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peer, t.peerLocal
}

// ShouldBlockLocalURL reports whether raw is local and the peer is not.
func (t *ServerTracker) ShouldBlockLocalURL(raw string) bool {
	if !t.classifier.IsLocalURL(raw) {
		return false
	}
	_, peerLocal := t.Peer()
	return !peerLocal
}
