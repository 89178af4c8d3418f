package trackpack

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/localaddr"
)

const ModuleName = "trackpack"

// maxPortsShown limits how many host:port pairs a port-scan summary lists.
const maxPortsShown = 5

// Verdict is the outcome of an inbound resource-pack transfer request.
type Verdict struct {
	// BlockedAsLocalProbe is set when the URL points into the local network
	// and the peer is remote.
	BlockedAsLocalProbe bool `json:"blocked_as_local_probe"`
	// Suspicious reports the detector's verdict on the URL itself.
	Suspicious bool `json:"suspicious"`
	// Redirect is the address to fetch instead, set when local-URL blocking
	// is enabled and the request was a local probe.
	Redirect  string          `json:"redirect,omitempty"`
	Detection DetectionResult `json:"detection"`
}

// Deps are the collaborators a Guard needs.
type Deps struct {
	Logger     zerolog.Logger
	Config     *core.Config
	Policy     core.PolicySource
	Sink       core.AlertSink
	Clock      core.Clock
	Classifier *localaddr.Classifier
	Tracker    *localaddr.ServerTracker
}

// Guard inspects inbound resource-pack transfers for tracking probes.
type Guard struct {
	logger   zerolog.Logger
	policy   core.PolicySource
	sink     core.AlertSink
	tracker  *localaddr.ServerTracker
	detector *Detector
	batcher  *core.AlertBatcher
	bus      atomic.Pointer[core.EventBus]

	transfers atomic.Int64
	probes    atomic.Int64
}

// New creates the trackpack guard. It is usable before Start; Start only
// attaches the event bus.
func New(deps Deps) *Guard {
	cfg := deps.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	g := &Guard{
		logger:   deps.Logger.With().Str("module", ModuleName).Logger(),
		policy:   deps.Policy,
		sink:     deps.Sink,
		tracker:  deps.Tracker,
		detector: NewDetector(cfg.Detection, deps.Classifier, deps.Clock, deps.Sink),
		batcher:  core.NewAlertBatcher(deps.Logger, deps.Clock, cfg.Alerts.PortScanSummary, cfg.Alerts.MaxPendingPortScans),
	}
	g.batcher.AddHandler(g.summarizePortScan)
	return g
}

func (g *Guard) Name() string { return ModuleName }
func (g *Guard) Description() string {
	return "Resource-pack transfer inspection: local-network probes, cache probing and fingerprinting sweeps"
}

func (g *Guard) Start(ctx context.Context, bus *core.EventBus, pipeline *core.AlertPipeline, cfg *core.Config) error {
	if bus != nil {
		g.bus.Store(bus)
	}
	g.logger.Info().
		Dur("window", cfg.Detection.Window).
		Ints("detector_ports", cfg.Detection.DetectorPorts).
		Msg("trackpack guard started")
	return nil
}

func (g *Guard) Stop() error {
	g.batcher.Stop()
	g.bus.Store(nil)
	return nil
}

func (g *Guard) HandleEvent(event *core.PrivacyEvent) error {
	if event.Type == core.EventConnectionReset {
		g.Reset()
	}
	return nil
}

func (g *Guard) EventTypes() []string {
	return []string{core.EventConnectionReset}
}

// Detector exposes the underlying probe detector.
func (g *Guard) Detector() *Detector { return g.detector }

// OnTransferRequest inspects an inbound resource-pack transfer. A local probe
// is alerted and recorded; when local-URL blocking is on the caller must
// fetch Redirect instead of url.
func (g *Guard) OnTransferRequest(url, hash string) Verdict {
	g.transfers.Add(1)
	pol := g.policy.Snapshot()

	if g.tracker.ShouldBlockLocalURL(url) {
		g.probes.Add(1)
		g.alertLocalProbe(url, pol.BlockLocalURLs)
		suspicious := g.detector.RecordRequest(url, hash)
		v := Verdict{BlockedAsLocalProbe: true, Suspicious: suspicious, Detection: g.detector.LastDetection()}
		if pol.BlockLocalURLs {
			v.Redirect = localaddr.FailURL
			return v
		}
		if suspicious && g.detector.ConsumeSuspiciousOnce() {
			g.alertTrackPack(url, v.Detection)
		}
		g.checkPattern()
		return v
	}

	suspicious := g.detector.RecordRequest(url, hash)
	v := Verdict{Suspicious: suspicious, Detection: g.detector.LastDetection()}
	if suspicious && g.detector.ConsumeSuspiciousOnce() {
		g.alertTrackPack(url, v.Detection)
	}
	g.checkPattern()
	return v
}

func (g *Guard) checkPattern() {
	if !g.detector.IsFingerprinting() || !g.detector.ConsumePatternOnce() {
		return
	}
	last := g.detector.LastDetection()
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventPatternDetected,
		Level:    core.LevelDanger,
		Title:    "Resource pack fingerprinting pattern detected!",
		Detail:   last.Reason,
		Exploit:  true,
	})
	g.publish(core.EventPatternDetected, core.SeverityHigh, "resource pack fingerprinting pattern", last.URL, map[string]interface{}{
		"detection": last.Type.String(),
	})
}

func (g *Guard) alertLocalProbe(url string, blocked bool) {
	target := probeTarget(url)
	reason := g.detector.classifier.BlockReason(url)

	level, verb := core.LevelDanger, "detected"
	if blocked {
		level, verb = core.LevelBlocked, "blocked"
	}
	g.sink.LogDetection("LOCAL_PROBE", fmt.Sprintf("%s (%s) %s", url, reason, verb))
	if g.detector.ConsumeLocalProbeOnce() {
		g.logger.Warn().Str("url", url).Str("reason", reason).Bool("blocked", blocked).Msg("first local probe on this connection")
	}
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventLocalProbe,
		Level:    level,
		Score:    5,
		Title:    fmt.Sprintf("Port scan %s: %s", verb, target),
		Detail:   reason,
		Key:      "probe:" + target,
		Exploit:  true,
	})
	g.batcher.Add(g.batchKey(), target)
	g.publish(core.EventLocalProbe, core.SeverityCritical, "local network probe "+verb, url, map[string]interface{}{
		"target":  target,
		"reason":  reason,
		"blocked": blocked,
	})
}

func (g *Guard) alertTrackPack(url string, det DetectionResult) {
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventSuspiciousURL,
		Level:    core.LevelWarning,
		Score:    det.Severity,
		Title:    "Server tracking attempt detected",
		Detail:   det.Reason,
	})
	g.publish(core.EventSuspiciousURL, core.SeverityFromScore(det.Severity), det.Reason, url, map[string]interface{}{
		"detection": det.Type.String(),
	})
}

func (g *Guard) summarizePortScan(s *core.BatchSummary) {
	if s.Count < 2 {
		return
	}
	shown := s.Items
	if len(shown) > maxPortsShown {
		shown = shown[:maxPortsShown]
	}
	detail := strings.Join(shown, ", ")
	if more := s.Count - len(shown); more > 0 {
		detail += fmt.Sprintf(" +%d more", more)
	}
	if s.Total > s.Count {
		detail += fmt.Sprintf(" (%d this session)", s.Total)
	}
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventLocalProbe,
		Level:    core.LevelDanger,
		Score:    5,
		Title:    fmt.Sprintf("Local port scan: %d addresses probed", s.Count),
		Detail:   detail,
		Key:      "portscan:" + s.Key,
		Cooldown: -1,
	})
}

func (g *Guard) batchKey() string {
	if peer, _ := g.tracker.Peer(); peer != "" {
		return peer
	}
	return "session"
}

func (g *Guard) publish(eventType string, sev core.Severity, summary, url string, details map[string]interface{}) {
	bus := g.bus.Load()
	if bus == nil {
		return
	}
	ev := core.NewPrivacyEvent(ModuleName, eventType, sev, summary)
	ev.URL = url
	ev.Peer, _ = g.tracker.Peer()
	for k, v := range details {
		ev.Details[k] = v
	}
	if err := bus.PublishEvent(ev); err != nil {
		g.logger.Debug().Err(err).Str("event_type", eventType).Msg("event not published")
	}
}

// Reset clears detector state and reopens the one-shot alerts. Pending
// port-scan batches from the previous connection are flushed first.
func (g *Guard) Reset() {
	g.batcher.FlushAll()
	g.batcher.ResetAll()
	g.detector.Reset()
}

// Stats returns transfer counters and detector state.
func (g *Guard) Stats() map[string]interface{} {
	stats := g.detector.Stats()
	stats["transfers"] = g.transfers.Load()
	stats["local_probes"] = g.probes.Load()
	return stats
}

// probeTarget renders url as host:port for alerts.
func probeTarget(url string) string {
	host, port, ok := localaddr.HostPort(url)
	if !ok {
		return url
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
