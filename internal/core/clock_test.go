package core

import (
	"sync"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(time.Second)
	if got := c.Now().Sub(start); got != time.Second {
		t.Errorf("after Advance: %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start.Add(time.Second)) {
		t.Error("Set must not move backwards")
	}
	c.Set(start.Add(time.Minute))
	if !c.Now().Equal(start.Add(time.Minute)) {
		t.Error("Set should move forwards")
	}
}

func TestOnceGate(t *testing.T) {
	var g OnceGate
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryFire() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 || !g.Fired() {
		t.Errorf("winners = %d, fired = %v", winners, g.Fired())
	}
	g.Reset()
	if g.Fired() || !g.TryFire() {
		t.Error("Reset should reopen the gate")
	}
}
