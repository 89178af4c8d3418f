package execctx

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestContext() (*Context, *TaskQueue) {
	q := NewTaskQueue()
	return New(zerolog.Nop(), q), q
}

// ─── State transitions ──────────────────────────────────────────────────────

func TestEnter_Activates(t *testing.T) {
	c, _ := newTestContext()
	if c.IsActive() {
		t.Fatal("new context should be inactive")
	}
	c.Enter(SourceBook)
	src, ok := c.Source()
	if !ok || src != SourceBook {
		t.Errorf("Source() = (%v, %v), want (BOOK, true)", src, ok)
	}
}

func TestTeardown_DeferredExit(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceSign)
	c.Teardown(SurfaceNone)

	// Resolution before the tick fires must still see the sign context.
	src, ok := c.Source()
	if !ok || src != SourceSign {
		t.Fatalf("before tick: Source() = (%v, %v), want (SIGN, true)", src, ok)
	}
	if !c.HasPendingExit() {
		t.Error("expected a pending exit")
	}

	if n := q.Drain(); n != 1 {
		t.Errorf("Drain ran %d tasks, want 1", n)
	}
	if c.IsActive() {
		t.Error("context should be inactive after the deferred exit runs")
	}
	if c.HasPendingExit() {
		t.Error("pending handle should be cleared")
	}
}

func TestTeardown_ToOtherSurfaceExitsImmediately(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceAnvil)
	c.Teardown(SurfaceOther)
	if c.IsActive() {
		t.Error("switching to a non-editable surface should exit immediately")
	}
	if q.Len() != 0 {
		t.Error("no task should be scheduled")
	}
}

func TestTeardown_ToEditableSurfaceKeepsContext(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceSign)
	c.Teardown(SurfaceBook)
	if !c.IsActive() {
		t.Error("editable next surface should keep the context")
	}
	if q.Len() != 0 {
		t.Error("no task should be scheduled")
	}
	c.Enter(SourceBook)
	if src, _ := c.Source(); src != SourceBook {
		t.Errorf("source = %v, want BOOK", src)
	}
}

func TestTeardown_SinglePendingHandle(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceSign)
	c.Teardown(SurfaceNone)
	c.Teardown(SurfaceNone)
	if q.Len() != 1 {
		t.Errorf("queued %d exits, want 1", q.Len())
	}
}

func TestEnter_CancelsStalePendingExit(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceSign)
	c.Teardown(SurfaceNone)
	c.Enter(SourceSign) // a new sign opened before the tick

	q.Drain()
	if !c.IsActive() {
		t.Error("stale deferred exit must not close the new surface's context")
	}

	c.Teardown(SurfaceNone)
	q.Drain()
	if c.IsActive() {
		t.Error("second teardown should exit")
	}
}

func TestReset_DropsPendingExit(t *testing.T) {
	c, q := newTestContext()
	c.Enter(SourceBook)
	c.Teardown(SurfaceNone)
	c.Reset()
	if c.IsActive() || c.HasPendingExit() {
		t.Error("Reset should leave the context inactive with nothing pending")
	}
	c.Enter(SourceAnvil)
	q.Drain()
	if !c.IsActive() {
		t.Error("task from before Reset must not affect the new context")
	}
}

func TestTeardown_InactiveSchedulesNothing(t *testing.T) {
	c, q := newTestContext()
	c.Teardown(SurfaceNone)
	if q.Len() != 0 {
		t.Error("inactive context should not schedule an exit")
	}
}

// ─── Parsing ────────────────────────────────────────────────────────────────

func TestParseSourceAndSurface(t *testing.T) {
	if s, ok := ParseSource("anvil"); !ok || s != SourceAnvil {
		t.Errorf("ParseSource(anvil) = (%v, %v)", s, ok)
	}
	if _, ok := ParseSource("chest"); ok {
		t.Error("chest is not a source")
	}
	if ParseSurface("") != SurfaceNone || ParseSurface("book") != SurfaceBook || ParseSurface("inventory") != SurfaceOther {
		t.Error("ParseSurface mapping wrong")
	}
}

// ─── TaskQueue ──────────────────────────────────────────────────────────────

func TestTaskQueue_OrderAndReentrancy(t *testing.T) {
	q := NewTaskQueue()
	var got []int
	q.Execute(func() { got = append(got, 1) })
	q.Execute(func() {
		got = append(got, 2)
		q.Execute(func() { got = append(got, 3) })
	})
	if n := q.Drain(); n != 2 {
		t.Errorf("first drain ran %d, want 2", n)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("order = %v", got)
	}
	q.Drain()
	if len(got) != 3 {
		t.Errorf("task queued during drain should run next tick, got %v", got)
	}
}

func TestContext_ConcurrentAccess(t *testing.T) {
	c, q := newTestContext()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); c.Enter(SourceSign) }()
		go func() { defer wg.Done(); c.Teardown(SurfaceNone) }()
		go func() { defer wg.Done(); c.IsActive(); q.Drain() }()
	}
	wg.Wait()
}
