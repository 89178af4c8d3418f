package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertStatus tracks what the user has done with an alert.
type AlertStatus int

const (
	AlertStatusOpen AlertStatus = iota
	AlertStatusAcknowledged
	AlertStatusResolved
	AlertStatusFalsePositive
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusOpen:
		return "OPEN"
	case AlertStatusAcknowledged:
		return "ACKNOWLEDGED"
	case AlertStatusResolved:
		return "RESOLVED"
	case AlertStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseAlertStatus parses a status name. "ACK" is accepted as shorthand.
func ParseAlertStatus(str string) (AlertStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case "OPEN":
		return AlertStatusOpen, true
	case "ACKNOWLEDGED", "ACK":
		return AlertStatusAcknowledged, true
	case "RESOLVED":
		return AlertStatusResolved, true
	case "FALSE_POSITIVE":
		return AlertStatusFalsePositive, true
	default:
		return AlertStatusOpen, false
	}
}

// Alert is a user-facing record derived from one or more privacy events.
type Alert struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Module      string                 `json:"module"`
	Type        string                 `json:"type"`
	Severity    Severity               `json:"severity"`
	Level       AlertLevel             `json:"level"`
	Status      AlertStatus            `json:"status"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	EventIDs    []string               `json:"event_ids"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Mitigations []string               `json:"mitigations,omitempty"`
}

// NewAlert creates an open alert for event.
func NewAlert(event *PrivacyEvent, title, description string) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Module:      event.Module,
		Type:        event.Type,
		Severity:    event.Severity,
		Level:       LevelForSeverity(event.Severity),
		Status:      AlertStatusOpen,
		Title:       title,
		Description: description,
		EventIDs:    []string{event.ID},
		Metadata:    make(map[string]interface{}),
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertHandler is invoked for every processed alert.
type AlertHandler func(alert *Alert)

// AlertPipeline stores recent alerts in memory and fans them out to handlers.
type AlertPipeline struct {
	mu       sync.RWMutex
	alerts   []*Alert
	byID     map[string]*Alert
	handlers []AlertHandler
	maxStore int
	logger   zerolog.Logger
}

// NewAlertPipeline creates a pipeline holding at most maxStore alerts
// (10000 when maxStore <= 0).
func NewAlertPipeline(logger zerolog.Logger, maxStore int) *AlertPipeline {
	if maxStore <= 0 {
		maxStore = 10000
	}
	return &AlertPipeline{
		alerts:   make([]*Alert, 0, 64),
		byID:     make(map[string]*Alert),
		maxStore: maxStore,
		logger:   logger.With().Str("component", "alert_pipeline").Logger(),
	}
}

// AddHandler registers a handler called synchronously for every alert.
func (p *AlertPipeline) AddHandler(h AlertHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Process stores the alert and runs every handler.
func (p *AlertPipeline) Process(alert *Alert) {
	p.mu.Lock()
	if len(p.alerts) >= p.maxStore {
		drop := p.maxStore / 10
		if drop < 1 {
			drop = 1
		}
		for _, old := range p.alerts[:drop] {
			delete(p.byID, old.ID)
		}
		p.alerts = append(p.alerts[:0:0], p.alerts[drop:]...)
	}
	p.alerts = append(p.alerts, alert)
	p.byID[alert.ID] = alert
	handlers := make([]AlertHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	p.logger.Debug().
		Str("alert_id", alert.ID).
		Str("module", alert.Module).
		Str("severity", alert.Severity.String()).
		Msg("alert processed")

	for _, h := range handlers {
		h(alert)
	}
}

// GetAlerts returns up to limit alerts at or above minSeverity, most recent first.
func (p *AlertPipeline) GetAlerts(minSeverity Severity, limit int) []*Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Alert, 0, limit)
	for i := len(p.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		if p.alerts[i].Severity >= minSeverity {
			result = append(result, p.alerts[i])
		}
	}
	return result
}

// GetAlertByID returns the alert with id, or nil.
func (p *AlertPipeline) GetAlertByID(id string) *Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// UpdateAlertStatus sets the status of an alert.
func (p *AlertPipeline) UpdateAlertStatus(id string, status AlertStatus) (*Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	a.Status = status
	return a, true
}

// DeleteAlert removes an alert. Returns false if it did not exist.
func (p *AlertPipeline) DeleteAlert(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, a := range p.alerts {
		if a.ID == id {
			p.alerts = append(p.alerts[:i], p.alerts[i+1:]...)
			break
		}
	}
	return true
}

// ClearAlerts drops every stored alert and returns how many there were.
func (p *AlertPipeline) ClearAlerts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.alerts)
	p.alerts = make([]*Alert, 0, 64)
	p.byID = make(map[string]*Alert)
	return n
}

// Count returns the number of stored alerts.
func (p *AlertPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}
