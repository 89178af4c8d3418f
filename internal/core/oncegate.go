package core

import "sync/atomic"

// OnceGate lets exactly one caller through until it is Reset. The zero value
// is an open gate.
type OnceGate struct {
	fired atomic.Bool
}

// TryFire reports whether this call is the one that closed the gate.
func (g *OnceGate) TryFire() bool {
	return g.fired.CompareAndSwap(false, true)
}

// Fired reports whether the gate has been closed.
func (g *OnceGate) Fired() bool {
	return g.fired.Load()
}

// Reset reopens the gate.
func (g *OnceGate) Reset() {
	g.fired.Store(false)
}
