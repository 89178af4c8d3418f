package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// TripleDedup remembers (a, b, c) triples so repeated detections are reported
// once. The set is soft-bounded: it is cleared wholesale when it reaches
// maxSize or when interval has passed since the last clear, whichever comes
// first. Clearing trades a few repeated reports for bounded memory.
type TripleDedup struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	maxSize   int
	interval  time.Duration
	clearedAt time.Time
	clock     Clock
}

// NewTripleDedup creates a dedup set. Non-positive arguments fall back to
// 10s and 500 entries.
func NewTripleDedup(clock Clock, interval time.Duration, maxSize int) *TripleDedup {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 500
	}
	return &TripleDedup{
		seen:      make(map[string]struct{}, maxSize/4),
		maxSize:   maxSize,
		interval:  interval,
		clearedAt: clock.Now(),
		clock:     clock,
	}
}

// FirstSeen records the triple and reports whether it was not already present.
func (d *TripleDedup) FirstSeen(a, b, c string) bool {
	key := tripleHash(a, b, c)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if now.Sub(d.clearedAt) >= d.interval || len(d.seen) >= d.maxSize {
		d.seen = make(map[string]struct{}, d.maxSize/4)
		d.clearedAt = now
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Reset forgets every triple.
func (d *TripleDedup) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]struct{}, d.maxSize/4)
	d.clearedAt = d.clock.Now()
	d.mu.Unlock()
}

// Size returns the number of remembered triples.
func (d *TripleDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func tripleHash(a, b, c string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	h.Write([]byte{0})
	h.Write([]byte(c))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
