package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// recordingModule is a Module that records the events routed to it.
type recordingModule struct {
	name     string
	types    []string
	startErr error
	stopErr  error
	panics   bool

	mu      sync.Mutex
	events  []*PrivacyEvent
	stopped *[]string
}

func (m *recordingModule) Name() string        { return m.name }
func (m *recordingModule) Description() string { return "records " + m.name }
func (m *recordingModule) EventTypes() []string {
	return m.types
}

func (m *recordingModule) Start(context.Context, *EventBus, *AlertPipeline, *Config) error {
	return m.startErr
}

func (m *recordingModule) Stop() error {
	if m.stopped != nil {
		*m.stopped = append(*m.stopped, m.name)
	}
	return m.stopErr
}

func (m *recordingModule) HandleEvent(event *PrivacyEvent) error {
	if m.panics {
		panic("boom")
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *recordingModule) seen() []*PrivacyEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*PrivacyEvent(nil), m.events...)
}

func newRegistry() *ModuleRegistry {
	return NewModuleRegistry(zerolog.Nop())
}

// ─── Register ────────────────────────────────────────────────────────────────

func TestModuleRegistry_Register(t *testing.T) {
	r := newRegistry()
	if err := r.Register(&recordingModule{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&recordingModule{name: "a"}); err == nil {
		t.Error("duplicate name should fail")
	}
	r.Register(&recordingModule{name: "b"})
	if r.Count() != 2 {
		t.Errorf("Count = %d", r.Count())
	}
	all := r.All()
	if all[0].Name() != "a" || all[1].Name() != "b" {
		t.Error("All should keep registration order")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("Get(b) failed")
	}
}

// ─── RouteEvent ──────────────────────────────────────────────────────────────

func TestModuleRegistry_RouteEvent(t *testing.T) {
	r := newRegistry()
	resetOnly := &recordingModule{name: "resolution", types: []string{EventConnectionReset}}
	all := &recordingModule{name: "audit"}
	origin := &recordingModule{name: "trackpack", types: []string{EventConnectionReset}}
	for _, m := range []*recordingModule{resetOnly, all, origin} {
		r.Register(m)
	}

	r.RouteEvent(NewPrivacyEvent("trackpack", EventConnectionReset, SeverityInfo, "reset"))
	r.RouteEvent(NewPrivacyEvent("trackpack", EventLocalProbe, SeverityHigh, "probe"))

	if n := len(resetOnly.seen()); n != 1 {
		t.Errorf("typed module saw %d events, want 1", n)
	}
	if n := len(all.seen()); n != 2 {
		t.Errorf("catch-all module saw %d events, want 2", n)
	}
	if n := len(origin.seen()); n != 0 {
		t.Errorf("originating module saw %d events, want 0", n)
	}
	routed := r.Stats()["events_by_type"].(map[string]int64)
	if routed[EventConnectionReset] != 1 || routed[EventLocalProbe] != 1 {
		t.Errorf("routed = %v", routed)
	}
}

func TestModuleRegistry_RouteEvent_PanicIsContained(t *testing.T) {
	r := newRegistry()
	bad := &recordingModule{name: "bad", panics: true}
	good := &recordingModule{name: "good"}
	r.Register(bad)
	r.Register(good)

	r.RouteEvent(NewPrivacyEvent("engine", EventPolicyReloaded, SeverityInfo, "x"))
	if len(good.seen()) != 1 {
		t.Error("a panicking module must not stop delivery to others")
	}
	errs := r.Stats()["module_errors"].(map[string]int64)
	if errs["bad"] != 1 {
		t.Errorf("module_errors = %v", errs)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestModuleRegistry_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules["off"] = ModuleConfig{Enabled: false}

	var stopped []string
	r := newRegistry()
	for _, name := range []string{"a", "off", "b"} {
		r.Register(&recordingModule{name: name, stopped: &stopped, stopErr: errors.New("ignored")})
	}
	if err := r.StartAll(context.Background(), nil, nil, cfg); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	r.StopAll()
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Errorf("stopped = %v, want [b a]", stopped)
	}

	stopped = nil
	r.StopAll()
	if len(stopped) != 0 {
		t.Error("second StopAll should stop nothing")
	}
}

func TestModuleRegistry_StartError(t *testing.T) {
	r := newRegistry()
	want := errors.New("no socket")
	r.Register(&recordingModule{name: "x", startErr: want})
	if err := r.StartAll(context.Background(), nil, nil, DefaultConfig()); !errors.Is(err, want) {
		t.Errorf("err = %v, want wrapped %v", err, want)
	}
}
