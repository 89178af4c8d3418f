package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a privacy event or alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity maps a severity name to its value. Unknown names map to INFO.
func ParseSeverity(str string) Severity {
	switch str {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// SeverityFromScore converts a 1-5 detection score into a Severity.
// Out-of-range scores are clamped.
func SeverityFromScore(score int) Severity {
	if score < 1 {
		score = 1
	}
	if score > 5 {
		score = 5
	}
	return Severity(score - 1)
}

// Event types carried on the bus.
const (
	EventTransferRequest       = "transfer_request"
	EventLocalProbe            = "local_probe"
	EventSuspiciousURL         = "suspicious_url"
	EventPatternDetected       = "pattern_detected"
	EventResolutionIntercepted = "resolution_intercepted"
	EventChannelFiltered       = "channel_filtered"
	EventConnectionReset       = "connection_reset"
	EventPolicyReloaded        = "policy_reloaded"
)

// PrivacyEvent is the standard event structure published to the event bus.
type PrivacyEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Module    string                 `json:"module"`
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
	URL       string                 `json:"url,omitempty"`
	Peer      string                 `json:"peer,omitempty"`
}

// NewPrivacyEvent creates a new PrivacyEvent with a generated ID and current timestamp.
func NewPrivacyEvent(module, eventType string, severity Severity, summary string) *PrivacyEvent {
	return &PrivacyEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Module:    module,
		Type:      eventType,
		Severity:  severity,
		Summary:   summary,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *PrivacyEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalPrivacyEvent deserializes a PrivacyEvent from JSON.
func UnmarshalPrivacyEvent(data []byte) (*PrivacyEvent, error) {
	var event PrivacyEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
