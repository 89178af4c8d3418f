package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testEvent(sev Severity) *PrivacyEvent {
	return NewPrivacyEvent("trackpack", EventLocalProbe, sev, "probe")
}

func newPipeline(max int) *AlertPipeline {
	return NewAlertPipeline(zerolog.Nop(), max)
}

// ─── AlertStatus ────────────────────────────────────────────────────────────

func TestParseAlertStatus(t *testing.T) {
	cases := []struct {
		in   string
		want AlertStatus
		ok   bool
	}{
		{"OPEN", AlertStatusOpen, true},
		{"ack", AlertStatusAcknowledged, true},
		{" resolved ", AlertStatusResolved, true},
		{"FALSE_POSITIVE", AlertStatusFalsePositive, true},
		{"snoozed", AlertStatusOpen, false},
	}
	for _, tc := range cases {
		got, ok := ParseAlertStatus(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseAlertStatus(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

// ─── Alert ──────────────────────────────────────────────────────────────────

func TestNewAlert(t *testing.T) {
	ev := testEvent(SeverityHigh)
	a := NewAlert(ev, "Port scan blocked", "loopback")
	if a.Module != "trackpack" || a.Type != EventLocalProbe {
		t.Errorf("alert = %+v", a)
	}
	if a.Level != LevelDanger {
		t.Errorf("level = %v, want DANGER", a.Level)
	}
	if len(a.EventIDs) != 1 || a.EventIDs[0] != ev.ID {
		t.Errorf("EventIDs = %v", a.EventIDs)
	}

	data, err := a.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != "OPEN" || m["severity"] != "HIGH" || m["level"] != "DANGER" {
		t.Errorf("json = %v", m)
	}
}

// ─── AlertPipeline ──────────────────────────────────────────────────────────

func TestAlertPipeline_ProcessAndHandlers(t *testing.T) {
	p := newPipeline(0)
	var got []*Alert
	p.AddHandler(func(a *Alert) { got = append(got, a) })

	a := NewAlert(testEvent(SeverityMedium), "t", "d")
	p.Process(a)

	if p.Count() != 1 {
		t.Errorf("Count = %d", p.Count())
	}
	if len(got) != 1 || got[0] != a {
		t.Errorf("handler saw %v", got)
	}
	if p.GetAlertByID(a.ID) != a {
		t.Error("GetAlertByID did not return the alert")
	}
}

func TestAlertPipeline_GetAlerts(t *testing.T) {
	p := newPipeline(0)
	for i, sev := range []Severity{SeverityInfo, SeverityHigh, SeverityLow, SeverityCritical} {
		p.Process(NewAlert(testEvent(sev), fmt.Sprintf("a%d", i), ""))
	}

	high := p.GetAlerts(SeverityHigh, 10)
	if len(high) != 2 || high[0].Title != "a3" || high[1].Title != "a1" {
		t.Errorf("high = %v", titles(high))
	}
	if limited := p.GetAlerts(SeverityInfo, 1); len(limited) != 1 || limited[0].Title != "a3" {
		t.Errorf("limited = %v", titles(limited))
	}
}

func TestAlertPipeline_UpdateDeleteClear(t *testing.T) {
	p := newPipeline(0)
	a := NewAlert(testEvent(SeverityLow), "one", "")
	b := NewAlert(testEvent(SeverityLow), "two", "")
	p.Process(a)
	p.Process(b)

	if got, ok := p.UpdateAlertStatus(a.ID, AlertStatusResolved); !ok || got.Status != AlertStatusResolved {
		t.Errorf("update = %v, %v", got, ok)
	}
	if _, ok := p.UpdateAlertStatus("missing", AlertStatusResolved); ok {
		t.Error("update of missing alert should fail")
	}
	if !p.DeleteAlert(a.ID) || p.DeleteAlert(a.ID) {
		t.Error("delete should succeed once")
	}
	if p.Count() != 1 {
		t.Errorf("Count = %d, want 1", p.Count())
	}
	if n := p.ClearAlerts(); n != 1 || p.Count() != 0 {
		t.Errorf("ClearAlerts = %d, Count = %d", n, p.Count())
	}
}

func TestAlertPipeline_MaxStoreEviction(t *testing.T) {
	p := newPipeline(10)
	var first *Alert
	for i := 0; i < 11; i++ {
		a := NewAlert(testEvent(SeverityLow), fmt.Sprintf("a%d", i), "")
		if i == 0 {
			first = a
		}
		p.Process(a)
	}
	if p.Count() != 10 {
		t.Errorf("Count = %d, want 10", p.Count())
	}
	if p.GetAlertByID(first.ID) != nil {
		t.Error("oldest alert should have been evicted")
	}
}

func TestAlertPipeline_Concurrent(t *testing.T) {
	p := newPipeline(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Process(NewAlert(testEvent(SeverityHigh), "c", ""))
		}()
		go func() {
			defer wg.Done()
			p.GetAlerts(SeverityInfo, 5)
		}()
	}
	wg.Wait()
	if p.Count() != 20 {
		t.Errorf("Count = %d, want 20", p.Count())
	}
}

func titles(alerts []*Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Title
	}
	return out
}
