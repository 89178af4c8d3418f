package core

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel is the presentation level of a user-facing notification.
type AlertLevel int

const (
	LevelInfo AlertLevel = iota
	LevelWarning
	LevelDanger
	LevelSuccess
	LevelBlocked
)

func (l AlertLevel) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelDanger:
		return "DANGER"
	case LevelSuccess:
		return "SUCCESS"
	case LevelBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

func (l AlertLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Severity maps the level onto the pipeline's severity scale.
func (l AlertLevel) Severity() Severity {
	switch l {
	case LevelWarning:
		return SeverityMedium
	case LevelDanger, LevelBlocked:
		return SeverityHigh
	default:
		return SeverityInfo
	}
}

// LevelForSeverity picks a presentation level for a severity.
func LevelForSeverity(s Severity) AlertLevel {
	switch {
	case s >= SeverityHigh:
		return LevelDanger
	case s == SeverityMedium:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Notification is the structured record handed to renderers.
type Notification struct {
	Module   string
	Category string
	Level    AlertLevel
	// Score overrides the level-derived severity when in 1..5.
	Score  int
	Title  string
	Detail string
	// Key groups notifications for cooldown purposes; defaults to Title.
	Key string
	// Exploit selects the longer exploit cooldown.
	Exploit bool
	// Cooldown overrides both cooldowns; negative disables throttling.
	Cooldown time.Duration
	Metadata map[string]interface{}
}

// AlertSink receives detections from every component. Implementations must
// be non-blocking and safe for concurrent use.
type AlertSink interface {
	LogDetection(category, details string)
	Notify(n Notification)
}

// Notifier is the engine's AlertSink. Log entries go to zerolog, user-facing
// notifications become alerts in the pipeline. Both are gated by the current
// policy snapshot, and notifications sharing a key are throttled by a small
// LRU of cooldowns.
type Notifier struct {
	logger   zerolog.Logger
	policy   PolicySource
	pipeline *AlertPipeline
	clock    Clock

	defaultCooldown time.Duration
	exploitCooldown time.Duration
	maxCooldowns    int

	mu        sync.Mutex
	cooldowns map[string]time.Time

	suppressed atomic.Int64
	delivered  atomic.Int64
	logged     atomic.Int64
}

// NewNotifier creates a Notifier.
func NewNotifier(logger zerolog.Logger, policy PolicySource, pipeline *AlertPipeline, clock Clock, cfg AlertConfig) *Notifier {
	if clock == nil {
		clock = SystemClock()
	}
	maxCooldowns := cfg.CooldownCap
	if maxCooldowns <= 0 {
		maxCooldowns = 50
	}
	return &Notifier{
		logger:          logger.With().Str("component", "notifier").Logger(),
		policy:          policy,
		pipeline:        pipeline,
		clock:           clock,
		defaultCooldown: cfg.DefaultCooldown,
		exploitCooldown: cfg.ExploitCooldown,
		maxCooldowns:    maxCooldowns,
		cooldowns:       make(map[string]time.Time),
	}
}

// LogDetection records a detection in the log when log_detections is on.
func (n *Notifier) LogDetection(category, details string) {
	if !n.policy.Snapshot().LogDetections {
		return
	}
	n.logged.Add(1)
	n.logger.Info().Str("category", category).Str("details", details).Msg("detection")
}

// Notify delivers a notification to the pipeline when show_alerts is on and
// the notification's key is not cooling down.
func (n *Notifier) Notify(note Notification) {
	if !n.policy.Snapshot().ShowAlerts {
		return
	}
	if !n.allow(note) {
		n.suppressed.Add(1)
		return
	}

	sev := note.Level.Severity()
	if note.Score >= 1 && note.Score <= 5 {
		sev = SeverityFromScore(note.Score)
	}
	category := note.Category
	if category == "" {
		category = "notification"
	}
	event := NewPrivacyEvent(note.Module, category, sev, note.Title)
	alert := NewAlert(event, note.Title, note.Detail)
	alert.Level = note.Level
	for k, v := range note.Metadata {
		alert.Metadata[k] = v
	}

	n.delivered.Add(1)
	n.pipeline.Process(alert)
}

func (n *Notifier) allow(note Notification) bool {
	now := n.clock.Now()
	n.mu.Lock()
	defer n.mu.Unlock()

	cooldown := n.defaultCooldown
	switch {
	case note.Cooldown != 0:
		cooldown = note.Cooldown
	case note.Exploit:
		cooldown = n.exploitCooldown
	}
	if cooldown <= 0 {
		return true
	}
	key := note.Key
	if key == "" {
		key = note.Title
	}

	if last, ok := n.cooldowns[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	if _, ok := n.cooldowns[key]; !ok && len(n.cooldowns) >= n.maxCooldowns {
		n.evictOldestLocked()
	}
	n.cooldowns[key] = now
	return true
}

func (n *Notifier) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, t := range n.cooldowns {
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	delete(n.cooldowns, oldestKey)
}

// ResetCooldowns forgets every cooldown, e.g. on a new connection.
func (n *Notifier) ResetCooldowns() {
	n.mu.Lock()
	n.cooldowns = make(map[string]time.Time)
	n.mu.Unlock()
}

// Stats returns delivery counters.
func (n *Notifier) Stats() map[string]int64 {
	return map[string]int64{
		"delivered":  n.delivered.Load(),
		"suppressed": n.suppressed.Load(),
		"logged":     n.logged.Load(),
	}
}

func (n *Notifier) setCooldowns(def, exploit time.Duration) {
	n.mu.Lock()
	n.defaultCooldown = def
	n.exploitCooldown = exploit
	n.mu.Unlock()
}
