// Package guardian is the boundary the host talks to. It wires the address
// classifier, whitelist registry, execution context and the three policy
// modules around one engine, and exposes each host event as a method.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/execctx"
	"github.com/veilguard/veil/internal/localaddr"
	"github.com/veilguard/veil/internal/modules/channels"
	"github.com/veilguard/veil/internal/modules/resolution"
	"github.com/veilguard/veil/internal/modules/trackpack"
	"github.com/veilguard/veil/internal/registry"
)

// ComponentName is the module name used for events and settings.
const ComponentName = "guardian"

// ErrInvalidDiscovery is returned for discovery events that cannot be filed.
var ErrInvalidDiscovery = errors.New("invalid discovery event")

// Discovery origins.
const (
	OriginExtension  = "extension"
	OriginVanilla    = "vanilla"
	OriginServerPack = "server_pack"
)

// Discovery is one item learned by the host's content scanner.
type Discovery struct {
	// Extension is the owning extension id. When empty, Hint is resolved
	// through the IdentityResolver.
	Extension   string
	DisplayName string
	Kind        registry.Kind
	Item        string
	Hint        string
	// Origin is OriginExtension (default), OriginVanilla or OriginServerPack.
	Origin string
	// Value is the stock binding of a vanilla keybind, if known.
	Value string
}

type options struct {
	classifier *localaddr.Classifier
	resolver   registry.IdentityResolver
	tables     *resolution.Tables
}

// Option customises New.
type Option func(*options)

// WithClassifier replaces the system-DNS address classifier.
func WithClassifier(c *localaddr.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithResolver replaces the resolver built from guardian.owner_patterns.
func WithResolver(r registry.IdentityResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithTables replaces the embedded fabricated-value tables.
func WithTables(t *resolution.Tables) Option {
	return func(o *options) { o.tables = t }
}

// Guardian owns every component of one client session.
type Guardian struct {
	engine *core.Engine
	logger zerolog.Logger

	Classifier *localaddr.Classifier
	Tracker    *localaddr.ServerTracker
	Registry   *registry.Registry
	Queue      *execctx.TaskQueue
	Context    *execctx.Context

	TrackPack  *trackpack.Guard
	Resolution *resolution.Guard
	Channels   *channels.Policy

	bridge *Bridge

	mu       sync.Mutex
	stopTick context.CancelFunc
	ticks    sync.WaitGroup
}

// New builds a Guardian on engine and registers its modules. The engine must
// not be started yet.
func New(engine *core.Engine, opts ...Option) (*Guardian, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := engine.CurrentConfig()
	settings := cfg.GetModuleSettings(ComponentName)

	if o.classifier == nil {
		o.classifier = localaddr.NewSystemClassifier()
	}
	if o.resolver == nil {
		patterns := core.GetStringMapSetting(settings, "owner_patterns")
		r, err := registry.NewPatternResolver(patterns)
		if err != nil {
			return nil, fmt.Errorf("building identity resolver: %w", err)
		}
		o.resolver = r
	}

	g := &Guardian{
		engine:     engine,
		logger:     engine.ComponentLogger(ComponentName),
		Classifier: o.classifier,
		Queue:      execctx.NewTaskQueue(),
	}
	g.Tracker = localaddr.NewServerTracker(g.Classifier)
	g.Registry = registry.New(engine.ComponentLogger("registry"), engine.Policy, o.resolver)
	g.Context = execctx.New(engine.ComponentLogger("exec_context"), g.Queue)

	g.TrackPack = trackpack.New(trackpack.Deps{
		Logger:     engine.ComponentLogger(trackpack.ModuleName),
		Config:     cfg,
		Policy:     engine.Policy,
		Sink:       engine.Notifier,
		Clock:      engine.Clock,
		Classifier: g.Classifier,
		Tracker:    g.Tracker,
	})
	g.Resolution = resolution.New(resolution.Deps{
		Logger:   engine.ComponentLogger(resolution.ModuleName),
		Config:   cfg,
		Policy:   engine.Policy,
		Registry: g.Registry,
		Context:  g.Context,
		Sink:     engine.Notifier,
		Clock:    engine.Clock,
		Tables:   o.tables,
	})
	g.Channels = channels.New(channels.Deps{
		Logger:   engine.ComponentLogger(channels.ModuleName),
		Policy:   engine.Policy,
		Registry: g.Registry,
		Sink:     engine.Notifier,
	})

	for _, mod := range []core.Module{g.TrackPack, g.Resolution, g.Channels} {
		if err := engine.Registry.Register(mod); err != nil {
			return nil, fmt.Errorf("registering %s: %w", mod.Name(), err)
		}
	}
	return g, nil
}

// Engine returns the underlying engine.
func (g *Guardian) Engine() *core.Engine { return g.engine }

// Start starts the engine, serves the bridge when the bus is up and, when
// guardian.auto_tick is set, drains the task queue on a timer.
func (g *Guardian) Start() error {
	if err := g.engine.Start(); err != nil {
		return err
	}
	if g.engine.Bus != nil {
		b, err := ServeBridge(g)
		if err != nil {
			return fmt.Errorf("starting bridge: %w", err)
		}
		g.bridge = b
	}

	settings := g.engine.CurrentConfig().GetModuleSettings(ComponentName)
	if core.GetBoolSetting(settings, "auto_tick", false) {
		interval := core.GetDurationSetting(settings, "tick_interval", 50*time.Millisecond)
		ctx, cancel := context.WithCancel(g.engine.Context())
		g.mu.Lock()
		g.stopTick = cancel
		g.mu.Unlock()
		g.ticks.Add(1)
		go func() {
			defer g.ticks.Done()
			g.Queue.Run(ctx, interval)
		}()
		g.logger.Info().Dur("interval", interval).Msg("automatic ticking enabled")
	}
	return nil
}

// Shutdown stops ticking and the engine.
func (g *Guardian) Shutdown() error {
	g.mu.Lock()
	stop := g.stopTick
	g.stopTick = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
		g.ticks.Wait()
	}
	return g.engine.Shutdown()
}

func (g *Guardian) enabled(module string) bool {
	return g.engine.CurrentConfig().IsModuleEnabled(module)
}

// ─── Connection lifecycle ───────────────────────────────────────────────────

// OnConnect starts a new session with remoteAddr. Per-connection state in
// every module is reset before the new peer is recorded, so pending port-scan
// summaries are attributed to the previous peer.
func (g *Guardian) OnConnect(remoteAddr string) {
	event := core.NewPrivacyEvent(ComponentName, core.EventConnectionReset, core.SeverityInfo, "connection reset")
	event.Peer = remoteAddr
	g.engine.Emit(event)

	g.Registry.ClearServerPackKeys()
	g.Context.Reset()
	g.engine.Notifier.ResetCooldowns()
	g.Tracker.OnConnect(remoteAddr)

	_, local := g.Tracker.Peer()
	g.logger.Info().Str("peer", remoteAddr).Bool("peer_local", local).Msg("connected")
}

// OnDisconnect ends the session.
func (g *Guardian) OnDisconnect() {
	g.Tracker.OnDisconnect()
	g.Context.Reset()
	g.logger.Info().Msg("disconnected")
}

// ─── Host events ────────────────────────────────────────────────────────────

// OnTransferRequest inspects an inbound resource-pack transfer.
func (g *Guardian) OnTransferRequest(url, hash string) trackpack.Verdict {
	if !g.enabled(trackpack.ModuleName) {
		return trackpack.Verdict{}
	}
	return g.TrackPack.OnTransferRequest(url, hash)
}

// OnOutgoing decides what happens to an outgoing custom payload.
func (g *Guardian) OnOutgoing(p channels.Payload) channels.Decision {
	if !g.enabled(channels.ModuleName) {
		return channels.Decision{Action: channels.ActionPass}
	}
	return g.Channels.Decide(p)
}

// BrandFor returns the brand to announce in place of real.
func (g *Guardian) BrandFor(real string) string {
	if !g.enabled(channels.ModuleName) {
		return real
	}
	return g.Channels.BrandFor(real)
}

// OnConfigurationFinished reports the identity presented for this session.
func (g *Guardian) OnConfigurationFinished() {
	if g.enabled(channels.ModuleName) {
		g.Channels.OnConfigurationFinished()
	}
}

// Resolve answers a resolution call, calling real only when needed.
func (g *Guardian) Resolve(req resolution.Request, real resolution.Thunk) (resolution.Result, error) {
	if !g.enabled(resolution.ModuleName) {
		v, err := real()
		if err != nil {
			return resolution.Result{}, err
		}
		return resolution.Result{Value: v}, nil
	}
	return g.Resolution.Resolve(req, real)
}

// EnterContext marks the start of an editing surface.
func (g *Guardian) EnterContext(src execctx.Source) {
	g.Context.Enter(src)
}

// TeardownContext marks the current surface being replaced by next.
func (g *Guardian) TeardownContext(next execctx.Surface) {
	g.Context.Teardown(next)
}

// Tick runs one scheduler tick and returns the number of tasks run.
func (g *Guardian) Tick() int {
	return g.Queue.Drain()
}

// ─── Discovery ──────────────────────────────────────────────────────────────

// OnDiscovery files one discovered item. Items whose hint resolves to no
// extension are ignored.
func (g *Guardian) OnDiscovery(d Discovery) error {
	if d.Item == "" {
		return fmt.Errorf("%w: empty item", ErrInvalidDiscovery)
	}
	switch d.Origin {
	case OriginVanilla:
		switch d.Kind {
		case registry.KindTranslationKey:
			g.Registry.RecordVanillaTranslationKey(d.Item)
		case registry.KindKeybind:
			g.Registry.RecordVanillaKeybind(d.Item)
			if d.Value != "" {
				g.Resolution.Tables().SetDefault(d.Item, d.Value)
			}
		case registry.KindChannel:
		}
		return nil

	case OriginServerPack:
		if d.Kind != registry.KindTranslationKey {
			return fmt.Errorf("%w: server packs only declare translation keys", ErrInvalidDiscovery)
		}
		g.Registry.RecordServerPackKey(d.Item)
		return nil

	case OriginExtension, "":
		if d.Extension == "" {
			if d.Hint == "" {
				return fmt.Errorf("%w: no extension or hint", ErrInvalidDiscovery)
			}
			if _, ok := g.Registry.RecordFromHint(d.Kind, d.Hint, d.Item); !ok {
				g.logger.Debug().Str("hint", d.Hint).Str("item", d.Item).Msg("hint resolved to no extension")
			}
			return nil
		}
		if d.DisplayName != "" {
			g.Registry.RegisterExtension(d.Extension, d.DisplayName)
		}
		g.Registry.Record(d.Kind, d.Extension, d.Item)
		return nil

	default:
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidDiscovery, d.Origin)
	}
}

// LanguageReload forgets every translation key ahead of a language reload.
func (g *Guardian) LanguageReload() {
	g.Registry.ClearTranslationKeys()
}

// LanguageLoaded records that the game's own language data is in.
func (g *Guardian) LanguageLoaded() {
	g.Registry.MarkInitialized()
}

// ─── Diagnostics ────────────────────────────────────────────────────────────

// Stats returns counters from every component.
func (g *Guardian) Stats() map[string]interface{} {
	peer, local := g.Tracker.Peer()
	src, active := g.Context.Source()
	ctx := map[string]interface{}{"active": active, "pending_exit": g.Context.HasPendingExit()}
	if active {
		ctx["source"] = src.String()
	}
	stats := map[string]interface{}{
		"profile":             g.engine.Policy.Snapshot().Profile.String(),
		"peer":                peer,
		"peer_local":          local,
		"context":             ctx,
		"queued_tasks":        g.Queue.Len(),
		"registry":            g.Registry.Stats(),
		"notifier":            g.engine.Notifier.Stats(),
		trackpack.ModuleName:  g.TrackPack.Stats(),
		resolution.ModuleName: g.Resolution.Stats(),
		channels.ModuleName:   g.Channels.Stats(),
		"modules":             g.engine.Registry.Stats(),
	}
	if g.engine.Bus != nil {
		stats["bus"] = g.engine.Bus.GetMetrics()
	}
	return stats
}
