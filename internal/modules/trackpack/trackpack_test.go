package trackpack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/localaddr"
)

type recordingSink struct {
	mu    sync.Mutex
	logs  []string
	notes []core.Notification
}

func (s *recordingSink) LogDetection(category, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, category+": "+details)
}

func (s *recordingSink) Notify(n core.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *recordingSink) logCount(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.logs {
		if strings.HasPrefix(l, category+":") {
			n++
		}
	}
	return n
}

func (s *recordingSink) titled(prefix string) []core.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Notification
	for _, n := range s.notes {
		if strings.HasPrefix(n.Title, prefix) {
			out = append(out, n)
		}
	}
	return out
}

func newTestGuard(t *testing.T, mut func(*core.PolicyConfig)) (*Guard, *core.ManualClock, *recordingSink, *localaddr.ServerTracker) {
	t.Helper()
	cfg := core.DefaultConfig()
	if mut != nil {
		mut(&cfg.Policy)
	}
	pol, err := core.NewPolicy(cfg.Policy)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	clock := core.NewManualClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	classifier := localaddr.NewClassifier(nil, 0)
	tracker := localaddr.NewServerTracker(classifier)
	g := New(Deps{
		Logger:     zerolog.Nop(),
		Config:     cfg,
		Policy:     core.NewPolicyStore(pol),
		Sink:       sink,
		Clock:      clock,
		Classifier: classifier,
		Tracker:    tracker,
	})
	t.Cleanup(func() { g.Stop() })
	return g, clock, sink, tracker
}

// ─── Local probes ───────────────────────────────────────────────────────────

func TestOnTransferRequest_LocalProbeBlocked(t *testing.T) {
	g, _, sink, tracker := newTestGuard(t, nil)
	tracker.OnConnect("203.0.113.7:25565")

	v := g.OnTransferRequest("http://127.0.0.1:25565/probe", "abc")
	if !v.BlockedAsLocalProbe {
		t.Fatal("expected local probe to be flagged")
	}
	if v.Redirect != localaddr.FailURL {
		t.Errorf("Redirect = %q, want %q", v.Redirect, localaddr.FailURL)
	}
	if got := sink.titled("Port scan blocked: 127.0.0.1:25565"); len(got) != 1 {
		t.Errorf("expected one blocked notification, got %d", len(got))
	}
	if sink.logCount("LOCAL_PROBE") != 1 {
		t.Error("expected a LOCAL_PROBE log detection")
	}
}

func TestOnTransferRequest_LocalProbeDetectedOnly(t *testing.T) {
	g, _, sink, _ := newTestGuard(t, func(p *core.PolicyConfig) { p.BlockLocalURLs = false })

	v := g.OnTransferRequest("http://localhost:8080/x", "")
	if !v.BlockedAsLocalProbe {
		t.Fatal("expected local probe to be flagged")
	}
	if v.Redirect != "" {
		t.Errorf("Redirect = %q, want empty with blocking off", v.Redirect)
	}
	if got := sink.titled("Port scan detected: localhost:8080"); len(got) != 1 {
		t.Errorf("expected one detected notification, got %d", len(got))
	}
}

func TestOnTransferRequest_LANPeerExempt(t *testing.T) {
	g, _, sink, tracker := newTestGuard(t, nil)
	tracker.OnConnect("192.168.1.5:25565")

	v := g.OnTransferRequest("http://192.168.1.5:8000/pack.zip", "")
	if v.BlockedAsLocalProbe {
		t.Error("LAN peer serving from LAN should not be a probe")
	}
	if len(sink.titled("Port scan")) != 0 {
		t.Error("expected no port scan notification")
	}
}

func TestPortScanSummary(t *testing.T) {
	g, _, sink, _ := newTestGuard(t, nil)
	for port := 3000; port < 3007; port++ {
		g.OnTransferRequest(fmt.Sprintf("http://127.0.0.1:%d/", port), "")
	}
	g.Reset()

	got := sink.titled("Local port scan:")
	if len(got) != 1 {
		t.Fatalf("expected one summary, got %d", len(got))
	}
	if got[0].Title != "Local port scan: 7 addresses probed" {
		t.Errorf("title = %q", got[0].Title)
	}
	if !strings.Contains(got[0].Detail, "+2 more") {
		t.Errorf("detail = %q, want overflow marker", got[0].Detail)
	}
}

// ─── Tracking and patterns ──────────────────────────────────────────────────

func TestOnTransferRequest_SuspiciousAlertOnce(t *testing.T) {
	g, clock, sink, _ := newTestGuard(t, nil)
	for i := 0; i < 3; i++ {
		g.OnTransferRequest("http://example.com:0/x", "")
		clock.Advance(time.Second)
	}
	if got := sink.titled("Server tracking attempt detected"); len(got) != 1 {
		t.Errorf("expected one tracking alert, got %d", len(got))
	}
}

func TestOnTransferRequest_PatternAlertOnce(t *testing.T) {
	g, clock, sink, _ := newTestGuard(t, nil)

	for i := 0; i < 6; i++ {
		g.OnTransferRequest(fmt.Sprintf("https://cdn.example.com/pack-%d.zip", i), fmt.Sprintf("h%d", i))
		clock.Advance(800 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		g.OnTransferRequest(fmt.Sprintf("https://cdn.example.com/more-%d.zip", i), "")
		clock.Advance(100 * time.Millisecond)
	}

	got := sink.titled("Resource pack fingerprinting pattern detected!")
	if len(got) != 1 {
		t.Fatalf("expected exactly one pattern alert, got %d", len(got))
	}
	if got[0].Level != core.LevelDanger {
		t.Errorf("level = %s, want DANGER", got[0].Level)
	}
}

func TestHandleEvent_ConnectionResetReopensGates(t *testing.T) {
	g, clock, sink, _ := newTestGuard(t, nil)
	burst := func() {
		for i := 0; i < 5; i++ {
			g.OnTransferRequest(fmt.Sprintf("https://cdn.example.com/p%d.zip", i), "")
			clock.Advance(10 * time.Millisecond)
		}
	}
	burst()
	if err := g.HandleEvent(core.NewPrivacyEvent("guardian", core.EventConnectionReset, core.SeverityInfo, "reset")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	burst()
	if got := sink.titled("Resource pack fingerprinting"); len(got) != 2 {
		t.Errorf("expected one pattern alert per connection, got %d", len(got))
	}
}

func TestGuard_ModuleInterface(t *testing.T) {
	var _ core.Module = (*Guard)(nil)
	g, _, _, _ := newTestGuard(t, nil)
	if g.Name() != ModuleName {
		t.Errorf("Name = %q", g.Name())
	}
	types := g.EventTypes()
	if len(types) != 1 || types[0] != core.EventConnectionReset {
		t.Errorf("EventTypes = %v", types)
	}
}

func TestGuard_StartStop(t *testing.T) {
	g, _, _, _ := newTestGuard(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Start(ctx, nil, nil, core.DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if v := g.OnTransferRequest("http://127.0.0.1:8080/x", ""); !v.BlockedAsLocalProbe {
		t.Errorf("verdict after Stop = %+v, want blocked", v)
	}
}
