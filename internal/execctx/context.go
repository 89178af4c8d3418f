// Package execctx tracks whether the client is currently building or showing
// an editing surface (sign, anvil, book) whose content came from the remote
// peer. Resolution interception only applies inside such a surface.
package execctx

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Source identifies the kind of editing surface.
type Source int

const (
	SourceSign Source = iota
	SourceAnvil
	SourceBook
)

func (s Source) String() string {
	switch s {
	case SourceSign:
		return "SIGN"
	case SourceAnvil:
		return "ANVIL"
	case SourceBook:
		return "BOOK"
	default:
		return "UNKNOWN"
	}
}

// ParseSource parses a Source name, case-insensitively.
func ParseSource(s string) (Source, bool) {
	switch strings.ToUpper(s) {
	case "SIGN":
		return SourceSign, true
	case "ANVIL":
		return SourceAnvil, true
	case "BOOK":
		return SourceBook, true
	default:
		return 0, false
	}
}

// Surface is what the host switches to when a surface is torn down.
type Surface int

const (
	// SurfaceNone means no screen follows; the game view resumes.
	SurfaceNone Surface = iota
	// SurfaceOther is any screen that is not an editing surface.
	SurfaceOther
	SurfaceSign
	SurfaceAnvil
	SurfaceBook
)

// IsEditable reports whether s is one of the editing surfaces.
func (s Surface) IsEditable() bool {
	return s == SurfaceSign || s == SurfaceAnvil || s == SurfaceBook
}

func (s Surface) String() string {
	switch s {
	case SurfaceNone:
		return "NONE"
	case SurfaceOther:
		return "OTHER"
	case SurfaceSign:
		return "SIGN"
	case SurfaceAnvil:
		return "ANVIL"
	case SurfaceBook:
		return "BOOK"
	default:
		return "UNKNOWN"
	}
}

// ParseSurface parses a Surface name, case-insensitively. Unknown names are
// SurfaceOther.
func ParseSurface(s string) Surface {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return SurfaceNone
	case "SIGN":
		return SurfaceSign
	case "ANVIL":
		return SurfaceAnvil
	case "BOOK":
		return SurfaceBook
	default:
		return SurfaceOther
	}
}

// pendingExit is the single-slot handle for a deferred exit. A queued task
// only acts if its handle is still the current one.
type pendingExit struct {
	source Source
}

// Context is the execution-context state machine: INACTIVE or ACTIVE(source).
type Context struct {
	logger zerolog.Logger
	sched  Scheduler

	mu      sync.Mutex
	active  bool
	source  Source
	pending *pendingExit
}

// New creates an inactive Context that defers exits onto sched.
func New(logger zerolog.Logger, sched Scheduler) *Context {
	return &Context{
		logger: logger.With().Str("component", "exec_context").Logger(),
		sched:  sched,
	}
}

// Enter marks the start of an editing surface's construction. Any pending
// deferred exit from a previous surface is cancelled.
func (c *Context) Enter(source Source) {
	c.mu.Lock()
	prev, wasActive := c.source, c.active
	c.pending = nil
	c.active = true
	c.source = source
	c.mu.Unlock()

	if wasActive && prev != source {
		c.logger.Debug().Str("from", prev.String()).Str("to", source.String()).Msg("context handed over")
	} else {
		c.logger.Debug().Str("source", source.String()).Msg("context entered")
	}
}

// Teardown handles the current surface being replaced by next. An editable
// next surface keeps the context (its own Enter sets the new source). No
// next surface defers the exit by one scheduler tick, so content the surface
// is still serialising is covered. Any other surface exits immediately.
func (c *Context) Teardown(next Surface) {
	if next.IsEditable() {
		return
	}
	if next != SurfaceNone {
		c.Exit()
		return
	}
	c.scheduleExit()
}

func (c *Context) scheduleExit() {
	c.mu.Lock()
	if !c.active || c.pending != nil {
		c.mu.Unlock()
		return
	}
	handle := &pendingExit{source: c.source}
	c.pending = handle
	c.mu.Unlock()

	c.sched.Execute(func() { c.runDeferredExit(handle) })
}

func (c *Context) runDeferredExit(handle *pendingExit) {
	c.mu.Lock()
	if c.pending != handle {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	stale := !c.active || c.source != handle.source
	if !stale {
		c.active = false
	}
	c.mu.Unlock()

	if !stale {
		c.logger.Debug().Str("source", handle.source.String()).Msg("context exited (deferred)")
	}
}

// Exit leaves the context immediately and cancels any pending exit.
func (c *Context) Exit() {
	c.mu.Lock()
	was := c.active
	c.active = false
	c.pending = nil
	c.mu.Unlock()
	if was {
		c.logger.Debug().Msg("context exited")
	}
}

// CancelPending drops a scheduled exit without changing state.
func (c *Context) CancelPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// Reset returns to INACTIVE and drops any pending exit left from a previous
// session.
func (c *Context) Reset() {
	c.Exit()
}

// IsActive reports whether an editing surface is being built or shown.
func (c *Context) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Source returns the active source. ok is false when inactive.
func (c *Context) Source() (src Source, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.active
}

// HasPendingExit reports whether a deferred exit is scheduled.
func (c *Context) HasPendingExit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}
