package core

import (
	"encoding/json"
	"testing"
)

// ─── Severity ───────────────────────────────────────────────────────────────

func TestSeverity_String(t *testing.T) {
	cases := []struct {
		s    Severity
		want string
	}{
		{SeverityInfo, "INFO"},
		{SeverityLow, "LOW"},
		{SeverityMedium, "MEDIUM"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}

func TestSeverity_UnmarshalJSON_Unknown(t *testing.T) {
	var s Severity
	if err := json.Unmarshal([]byte(`"BOGUS"`), &s); err != nil {
		t.Errorf("unknown severity should not error, got: %v", err)
	}
	if s != SeverityInfo {
		t.Errorf("unknown severity should default to INFO, got %v", s)
	}
	if err := json.Unmarshal([]byte(`"HIGH"`), &s); err != nil || s != SeverityHigh {
		t.Errorf("HIGH decoded as %v, %v", s, err)
	}
}

func TestSeverityFromScore(t *testing.T) {
	cases := []struct {
		score int
		want  Severity
	}{
		{-3, SeverityInfo},
		{1, SeverityInfo},
		{2, SeverityLow},
		{3, SeverityMedium},
		{4, SeverityHigh},
		{5, SeverityCritical},
		{9, SeverityCritical},
	}
	for _, tc := range cases {
		if got := SeverityFromScore(tc.score); got != tc.want {
			t.Errorf("SeverityFromScore(%d) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

// ─── PrivacyEvent ───────────────────────────────────────────────────────────

func TestNewPrivacyEvent(t *testing.T) {
	ev := NewPrivacyEvent("trackpack", EventLocalProbe, SeverityCritical, "local network probe blocked")
	if ev.ID == "" {
		t.Error("ID should not be empty")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if ev.Details == nil {
		t.Error("Details should be initialised")
	}
	if other := NewPrivacyEvent("trackpack", EventLocalProbe, SeverityCritical, "x"); other.ID == ev.ID {
		t.Error("IDs should be unique")
	}
}

func TestPrivacyEvent_JSON(t *testing.T) {
	ev := NewPrivacyEvent("channels", EventChannelFiltered, SeverityLow, "payload dropped")
	ev.Peer = "203.0.113.5:25565"
	ev.Details["channel"] = "journeymap:data"

	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := UnmarshalPrivacyEvent(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Severity != SeverityLow || out.Peer != ev.Peer || out.Details["channel"] != "journeymap:data" {
		t.Errorf("decoded = %+v", out)
	}
	if !out.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp %v != %v", out.Timestamp, ev.Timestamp)
	}

	if _, err := UnmarshalPrivacyEvent([]byte("{nope")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
