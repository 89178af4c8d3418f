package trackpack

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/localaddr"
)

// DetectionType classifies what a transfer request or request pattern looks like.
type DetectionType int

const (
	DetectionNone DetectionType = iota
	DetectionLocalhostURL
	DetectionPrivateIP
	DetectionDetectorPort
	DetectionRapidRequests
	DetectionHashProbing
	DetectionFingerprinting
	DetectionSuspiciousURL
	DetectionPortZero
)

func (t DetectionType) String() string {
	switch t {
	case DetectionNone:
		return "NONE"
	case DetectionLocalhostURL:
		return "LOCALHOST_URL"
	case DetectionPrivateIP:
		return "PRIVATE_IP"
	case DetectionDetectorPort:
		return "DETECTION_PORT"
	case DetectionRapidRequests:
		return "RAPID_REQUESTS"
	case DetectionHashProbing:
		return "HASH_PROBING"
	case DetectionFingerprinting:
		return "FINGERPRINTING_PATTERN"
	case DetectionSuspiciousURL:
		return "SUSPICIOUS_URL"
	case DetectionPortZero:
		return "PORT_ZERO"
	default:
		return "UNKNOWN"
	}
}

func (t DetectionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DetectionType) UnmarshalText(data []byte) error {
	for c := DetectionNone; c <= DetectionPortZero; c++ {
		if c.String() == string(data) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown detection type %q", data)
}

// DetectionResult is the outcome of the most recent positive classification.
type DetectionResult struct {
	Type     DetectionType `json:"type"`
	Reason   string        `json:"reason"`
	Severity int           `json:"severity"`
	URL      string        `json:"url"`
}

// RequestRecord is one transfer request inside the detection window.
type RequestRecord struct {
	URL        string
	Hash       string
	Timestamp  time.Time
	Suspicious bool
}

// LocalClassifier is the subset of localaddr.Classifier the detector needs.
type LocalClassifier interface {
	IsLocalURL(raw string) bool
	BlockReason(raw string) string
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/[a-f0-9]{32,}`),
	regexp.MustCompile(`(?i)/[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`),
	regexp.MustCompile(`/[A-Za-z0-9+/=]{20,}`),
	regexp.MustCompile(`(?i)[?&](track|id|uid|uuid|fingerprint|fp|session|sid)=`),
}

// Detector scores inbound transfer requests for local probing, cache probing
// and fingerprinting. All state is guarded by one mutex held for the
// duration of a single call; URL classification (which may resolve a
// hostname) runs before the lock is taken.
type Detector struct {
	cfg        core.DetectionConfig
	classifier LocalClassifier
	clock      core.Clock
	sink       core.AlertSink
	ports      map[int]struct{}

	mu          sync.Mutex
	records     []RequestRecord
	hashes      map[string]struct{}
	lastRequest time.Time
	rapidCount  int
	last        DetectionResult

	suspiciousGate core.OnceGate
	patternGate    core.OnceGate
	localGate      core.OnceGate
}

// NewDetector creates a Detector. sink receives log-level detections and may
// be nil.
func NewDetector(cfg core.DetectionConfig, classifier LocalClassifier, clock core.Clock, sink core.AlertSink) *Detector {
	if clock == nil {
		clock = core.SystemClock()
	}
	ports := make(map[int]struct{}, len(cfg.DetectorPorts))
	for _, p := range cfg.DetectorPorts {
		ports[p] = struct{}{}
	}
	return &Detector{
		cfg:        cfg,
		classifier: classifier,
		clock:      clock,
		sink:       sink,
		ports:      ports,
		records:    make([]RequestRecord, 0, cfg.MaxRecords),
		hashes:     make(map[string]struct{}),
	}
}

// classification is the lock-free part of IsSuspiciousURL.
type classification struct {
	suspicious bool
	result     *DetectionResult
}

func (d *Detector) classify(raw string) classification {
	if raw == "" {
		return classification{}
	}

	if d.classifier.IsLocalURL(raw) {
		reason := d.classifier.BlockReason(raw)
		typ := DetectionPrivateIP
		if strings.Contains(reason, "localhost") || strings.Contains(reason, "loopback") {
			typ = DetectionLocalhostURL
		}
		if port, ok := localaddr.ExplicitPort(raw); ok {
			if _, known := d.ports[port]; known {
				typ = DetectionDetectorPort
				reason = fmt.Sprintf("%s on known detection port %d", reason, port)
			}
		}
		return classification{suspicious: true, result: &DetectionResult{Type: typ, Reason: reason, Severity: 5, URL: raw}}
	}

	if strings.Contains(raw, ":0/") || strings.HasSuffix(raw, ":0") {
		return classification{suspicious: true, result: &DetectionResult{
			Type: DetectionPortZero, Reason: "port 0 URL", Severity: 4, URL: raw,
		}}
	}

	score, matched := d.score(raw)
	if score >= d.cfg.SuspiciousScoreThreshold {
		return classification{result: &DetectionResult{
			Type:     DetectionSuspiciousURL,
			Reason:   fmt.Sprintf("suspicious URL pattern (score %d: %s)", score, strings.Join(matched, ", ")),
			Severity: 2,
			URL:      raw,
		}}
	}
	return classification{}
}

// score counts tracking-like traits of raw. A URL that fails to parse earns
// a point instead of being let through.
func (d *Detector) score(raw string) (int, []string) {
	score := 0
	var matched []string
	for _, re := range suspiciousPatterns {
		if re.MatchString(raw) {
			score++
			matched = append(matched, "pattern")
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return score + 1, append(matched, "unparseable")
	}
	if len(u.Path) > d.cfg.SuspiciousPathLength {
		score++
		matched = append(matched, "long path")
	}
	if u.RawQuery != "" && len(strings.Split(u.RawQuery, "&")) > d.cfg.SuspiciousQueryParams {
		score++
		matched = append(matched, "many query params")
	}
	return score, matched
}

// Classify reports what raw looks like without touching detector state.
// suspicious has the same meaning as for IsSuspiciousURL.
func (d *Detector) Classify(raw string) (result DetectionResult, suspicious bool) {
	c := d.classify(raw)
	if c.result != nil {
		result = *c.result
	}
	return result, c.suspicious
}

// Score returns the pattern score of raw and the traits that earned it.
func (d *Detector) Score(raw string) (int, []string) {
	return d.score(raw)
}

// IsSuspiciousURL classifies raw, updating the last detection on a match. It
// returns true only for outright probe signals (local address, detection
// port, port 0); a high pattern score is recorded but returns false.
func (d *Detector) IsSuspiciousURL(raw string) bool {
	c := d.classify(raw)
	if c.result != nil {
		d.mu.Lock()
		d.last = *c.result
		d.mu.Unlock()
	}
	return c.suspicious
}

// RecordRequest adds a transfer request to the window, re-runs pattern
// analysis, and reports whether this URL was itself suspicious.
func (d *Detector) RecordRequest(raw, hash string) bool {
	c := d.classify(raw)
	now := d.clock.Now()

	d.mu.Lock()
	for len(d.records) > 0 && (now.Sub(d.records[0].Timestamp) > d.cfg.Window || len(d.records) >= d.cfg.MaxRecords) {
		d.records[0] = RequestRecord{}
		d.records = d.records[1:]
	}
	if len(d.records) == 0 {
		clear(d.hashes)
	}

	if hash != "" {
		if len(d.hashes) >= d.cfg.MaxHashes {
			clear(d.hashes)
		}
		d.hashes[hash] = struct{}{}
	}

	if c.result != nil {
		d.last = *c.result
	}
	d.records = append(d.records, RequestRecord{URL: raw, Hash: hash, Timestamp: now, Suspicious: c.suspicious})

	if !d.lastRequest.IsZero() && now.Sub(d.lastRequest) < d.cfg.RapidInterval {
		d.rapidCount++
	} else {
		d.rapidCount = 0
	}
	d.lastRequest = now

	findings := d.analyzeLocked(now, raw)
	d.mu.Unlock()

	if d.sink != nil {
		for _, f := range findings {
			d.sink.LogDetection(f.Type.String(), f.Reason)
		}
	}
	return c.suspicious
}

func (d *Detector) analyzeLocked(now time.Time, raw string) []DetectionResult {
	var findings []DetectionResult
	if d.rapidLocked(now) {
		findings = append(findings, DetectionResult{Type: DetectionRapidRequests, Reason: "Rapid sequential requests detected", Severity: 4, URL: raw})
	}
	if d.hashProbingLocked() {
		findings = append(findings, DetectionResult{
			Type:     DetectionHashProbing,
			Reason:   fmt.Sprintf("Cache probing with %d unique hashes", len(d.hashes)),
			Severity: 5,
			URL:      raw,
		})
	}
	if d.fingerprintingLocked(now) {
		findings = append(findings, DetectionResult{Type: DetectionFingerprinting, Reason: "Multiple requests - possible fingerprinting", Severity: 3, URL: raw})
	}
	for _, f := range findings {
		d.last = f
	}
	return findings
}

func (d *Detector) countWithinLocked(now time.Time, window time.Duration) int {
	n := 0
	for i := len(d.records) - 1; i >= 0; i-- {
		if now.Sub(d.records[i].Timestamp) > window {
			break
		}
		n++
	}
	return n
}

func (d *Detector) rapidLocked(now time.Time) bool {
	return d.rapidCount >= d.cfg.RapidThreshold || d.countWithinLocked(now, d.cfg.RapidWindow) >= d.cfg.RapidThreshold
}

func (d *Detector) hashProbingLocked() bool {
	if len(d.records) < d.cfg.MinRequestsForHash {
		return false
	}
	unique := len(d.hashes)
	if unique < d.cfg.UniqueHashThreshold {
		return false
	}
	return float64(unique)/float64(len(d.records)) > d.cfg.HashProbingRatio
}

func (d *Detector) fingerprintingLocked(now time.Time) bool {
	return d.countWithinLocked(now, d.cfg.Window) >= d.cfg.FingerprintThreshold
}

// IsRapidRequestPattern reports whether requests are arriving back-to-back.
func (d *Detector) IsRapidRequestPattern() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rapidLocked(d.clock.Now())
}

// IsHashProbing reports whether the peer is offering mostly distinct hashes.
func (d *Detector) IsHashProbing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hashProbingLocked()
}

// IsFingerprinting reports whether the window holds enough requests to look
// like a fingerprinting sweep.
func (d *Detector) IsFingerprinting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprintingLocked(d.clock.Now())
}

// LastDetection returns the most recent positive classification.
func (d *Detector) LastDetection() DetectionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// ConsumeSuspiciousOnce returns true the first time it is called per connection.
func (d *Detector) ConsumeSuspiciousOnce() bool { return d.suspiciousGate.TryFire() }

// ConsumePatternOnce returns true the first time it is called per connection.
func (d *Detector) ConsumePatternOnce() bool { return d.patternGate.TryFire() }

// ConsumeLocalProbeOnce returns true the first time it is called per connection.
func (d *Detector) ConsumeLocalProbeOnce() bool { return d.localGate.TryFire() }

// Reset clears all state. Called on every new connection.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.records = d.records[:0]
	clear(d.hashes)
	d.lastRequest = time.Time{}
	d.rapidCount = 0
	d.last = DetectionResult{}
	d.mu.Unlock()

	d.suspiciousGate.Reset()
	d.patternGate.Reset()
	d.localGate.Reset()
}

// Stats returns the current window state.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"records":       len(d.records),
		"unique_hashes": len(d.hashes),
		"rapid_count":   d.rapidCount,
		"last":          d.last.Type.String(),
	}
}
