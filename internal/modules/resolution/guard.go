// Package resolution decides what a translation key or input binding may
// resolve to while the client is inside an editing surface fed by the
// remote peer. Outside such a surface every key resolves normally.
package resolution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/execctx"
	"github.com/veilguard/veil/internal/registry"
)

const ModuleName = "resolution"

// Request describes one resolution call.
type Request struct {
	Kind registry.Kind `json:"kind"`
	Key  string        `json:"key"`
	// Fallback is the peer-supplied text shown when the key is unknown. It
	// replaces the raw key as the redacted value when set.
	Fallback string `json:"fallback,omitempty"`
}

// Result is the value handed back to the host.
type Result struct {
	Value       string `json:"value"`
	Intercepted bool   `json:"intercepted"`
}

// Thunk produces the value the key would normally resolve to.
type Thunk func() (string, error)

// Deps are the collaborators a Guard needs.
type Deps struct {
	Logger   zerolog.Logger
	Config   *core.Config
	Policy   core.PolicySource
	Registry *registry.Registry
	Context  *execctx.Context
	Sink     core.AlertSink
	Clock    core.Clock
	Tables   *Tables
}

// Guard intercepts key resolution inside editing surfaces.
type Guard struct {
	logger   zerolog.Logger
	policy   core.PolicySource
	registry *registry.Registry
	ectx     *execctx.Context
	sink     core.AlertSink
	clock    core.Clock
	tables   *Tables

	headerCooldown time.Duration
	headerMu       sync.Mutex
	header         *rate.Limiter

	alerted *core.TripleDedup
	logged  *core.TripleDedup

	bus atomic.Pointer[core.EventBus]

	calls         atomic.Int64
	detections    atomic.Int64
	substitutions atomic.Int64
}

// New creates a Guard. It is usable before Start.
func New(deps Deps) *Guard {
	cfg := deps.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock()
	}
	tables := deps.Tables
	if tables == nil {
		tables = DefaultTables()
	}
	g := &Guard{
		logger:         deps.Logger.With().Str("module", ModuleName).Logger(),
		policy:         deps.Policy,
		registry:       deps.Registry,
		ectx:           deps.Context,
		sink:           deps.Sink,
		clock:          clock,
		tables:         tables,
		headerCooldown: cfg.Guard.HeaderCooldown,
		alerted:        core.NewTripleDedup(clock, cfg.Guard.DedupClearInterval, cfg.Guard.DedupCap),
		logged:         core.NewTripleDedup(clock, cfg.Guard.DedupClearInterval, cfg.Guard.DedupCap),
	}
	g.header = g.newHeaderLimiter()
	return g
}

func (g *Guard) newHeaderLimiter() *rate.Limiter {
	if g.headerCooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(g.headerCooldown), 1)
}

func (g *Guard) Name() string { return ModuleName }
func (g *Guard) Description() string {
	return "Translation key and input binding redaction inside peer-fed editing surfaces"
}

func (g *Guard) Start(ctx context.Context, bus *core.EventBus, pipeline *core.AlertPipeline, cfg *core.Config) error {
	if bus != nil {
		g.bus.Store(bus)
	}
	fab, defs := g.tables.Len()
	g.logger.Info().Int("fabricated", fab).Int("defaults", defs).Msg("resolution guard started")
	return nil
}

func (g *Guard) Stop() error {
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

// Tables exposes the fabricated value and default tables.
func (g *Guard) Tables() *Tables { return g.tables }

// Resolve decides the value for req. real is called at most once; its error
// is returned unchanged.
func (g *Guard) Resolve(req Request, real Thunk) (Result, error) {
	g.calls.Add(1)

	if g.trusted(req) {
		return passThrough(real)
	}
	if !g.ectx.IsActive() {
		return passThrough(real)
	}
	if g.whitelisted(req) {
		g.notifyExploit()
		res, err := passThrough(real)
		if err == nil && !g.policy.Snapshot().ResolutionGuard {
			g.logDetection(req.Key, res.Value, res.Value)
		}
		return res, err
	}

	g.detections.Add(1)
	g.notifyExploit()

	value, err := real()
	if err != nil {
		return Result{}, err
	}

	pol := g.policy.Snapshot()
	if !pol.ResolutionGuard {
		g.logDetection(req.Key, value, value)
		return Result{Value: value}, nil
	}

	substituted := req.Key
	if req.Fallback != "" {
		substituted = req.Fallback
	}
	if fab, ok := g.tables.Fabricated(req.Key); ok && pol.EffectiveProfile() == core.ProfileAlternate {
		substituted = fab
	} else if def, ok := g.tables.Default(req.Key); ok {
		if !pol.FakeDefaults {
			g.logDetection(req.Key, value, value)
			return Result{Value: value}, nil
		}
		substituted = def
	}

	if substituted != value {
		g.sendDetail(req, value, substituted)
	}
	g.logDetection(req.Key, value, substituted)
	return Result{Value: substituted, Intercepted: true}, nil
}

func passThrough(real Thunk) (Result, error) {
	v, err := real()
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v}, nil
}

// trusted reports keys that always resolve normally: stock translation keys
// and keys shipped by the server's own resource pack. Stock bindings are not
// trusted; their bound value is what gets redacted.
func (g *Guard) trusted(req Request) bool {
	if g.registry.IsServerPackTranslationKey(req.Key) {
		return true
	}
	return req.Kind == registry.KindTranslationKey && g.registry.IsVanillaTranslationKey(req.Key)
}

func (g *Guard) whitelisted(req Request) bool {
	if req.Kind == registry.KindKeybind {
		return g.registry.IsWhitelistedKeybind(req.Key)
	}
	return g.registry.IsWhitelistedTranslationKey(req.Key)
}

// notifyExploit raises the header alert at most once per cooldown window,
// however many keys trigger it.
func (g *Guard) notifyExploit() {
	pol := g.policy.Snapshot()
	if !pol.ShowAlerts && !pol.LogDetections {
		return
	}
	g.headerMu.Lock()
	allowed := g.header.AllowN(g.clock.Now(), 1)
	g.headerMu.Unlock()
	if !allowed {
		return
	}

	source := "unknown"
	if src, ok := g.ectx.Source(); ok {
		source = src.String()
	}
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventResolutionIntercepted,
		Level:    core.LevelDanger,
		Title:    "Translation exploit detected!",
		Key:      "resolution:header",
		Cooldown: -1,
		Metadata: map[string]interface{}{"source": source},
	})
	g.sink.LogDetection("TRANSLATION_EXPLOIT", "detected via "+source)
}

func (g *Guard) sendDetail(req Request, real, substituted string) {
	if !g.alerted.FirstSeen(req.Key, real, substituted) {
		return
	}
	g.substitutions.Add(1)
	detail := fmt.Sprintf("[%s] '%s' → '%s'", req.Key, real, substituted)
	g.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: core.EventResolutionIntercepted,
		Level:    core.LevelInfo,
		Title:    detail,
		Cooldown: -1,
	})

	bus := g.bus.Load()
	if bus == nil {
		return
	}
	ev := core.NewPrivacyEvent(ModuleName, core.EventResolutionIntercepted, core.SeverityMedium, detail)
	ev.Details["key"] = req.Key
	ev.Details["kind"] = req.Kind.String()
	ev.Details["substituted"] = substituted
	if err := bus.PublishEvent(ev); err != nil {
		g.logger.Debug().Err(err).Msg("event not published")
	}
}

func (g *Guard) logDetection(key, real, substituted string) {
	if !g.logged.FirstSeen(key, real, substituted) {
		return
	}
	source := "unknown"
	if src, ok := g.ectx.Source(); ok {
		source = src.String()
	}
	g.sink.LogDetection("TRANSLATION:"+source, fmt.Sprintf("'%s' '%s' → '%s'", key, real, substituted))
}

// Reset clears dedup state and re-arms the header alert.
func (g *Guard) Reset() {
	g.alerted.Reset()
	g.logged.Reset()
	g.headerMu.Lock()
	g.header = g.newHeaderLimiter()
	g.headerMu.Unlock()
}

// Stats returns call counters.
func (g *Guard) Stats() map[string]int64 {
	return map[string]int64{
		"calls":         g.calls.Load(),
		"detections":    g.detections.Load(),
		"substitutions": g.substitutions.Load(),
		"alert_dedup":   int64(g.alerted.Size()),
		"log_dedup":     int64(g.logged.Size()),
	}
}
