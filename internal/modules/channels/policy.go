// Package channels decides which custom payloads and channel registrations
// the client announces to the peer under the selected identity profile.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/registry"
)

const ModuleName = "channels"

var (
	registerChannel   = registry.MustParseChannel("minecraft:register")
	unregisterChannel = registry.MustParseChannel("minecraft:unregister")
	brandChannel      = registry.MustParseChannel("minecraft:brand")
	mcoChannel        = registry.MustParseChannel("minecraft:mco")

	// alternateHandshake is the full channel set a stock install of the
	// alternate loader announces.
	alternateHandshake = []registry.ChannelID{
		registry.MustParseChannel("forge:login"),
		registry.MustParseChannel("forge:handshake"),
	}
)

// PayloadKind is the kind of outgoing payload.
type PayloadKind int

const (
	PayloadCustom PayloadKind = iota
	PayloadRegister
	PayloadUnregister
	PayloadBrand
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadRegister:
		return "register"
	case PayloadUnregister:
		return "unregister"
	case PayloadBrand:
		return "brand"
	default:
		return "custom"
	}
}

// ParsePayloadKind parses a kind name; unknown names are custom payloads.
func ParsePayloadKind(s string) PayloadKind {
	switch strings.ToLower(s) {
	case "register":
		return PayloadRegister
	case "unregister":
		return PayloadUnregister
	case "brand":
		return PayloadBrand
	default:
		return PayloadCustom
	}
}

// Action is what the host does with the payload.
type Action int

const (
	ActionPass Action = iota
	ActionRewrite
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "PASS"
	case ActionRewrite:
		return "REWRITE"
	case ActionDrop:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// Payload is an outgoing custom payload. Channel is the payload's own id;
// Channels is the announced set for register and unregister payloads.
type Payload struct {
	Kind     PayloadKind
	Channel  registry.ChannelID
	Channels []registry.ChannelID
}

// Decision is the policy outcome. Channels is set only for ActionRewrite.
type Decision struct {
	Action   Action               `json:"action"`
	Channels []registry.ChannelID `json:"channels,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

// Deps are the collaborators a Policy needs.
type Deps struct {
	Logger   zerolog.Logger
	Policy   core.PolicySource
	Registry *registry.Registry
	Sink     core.AlertSink
}

// Policy filters outgoing channel registrations and payloads.
type Policy struct {
	logger   zerolog.Logger
	policy   core.PolicySource
	registry *registry.Registry
	sink     core.AlertSink
	bus      atomic.Pointer[core.EventBus]

	registerLogged core.OnceGate
	brandNotified  core.OnceGate

	passed    atomic.Int64
	rewritten atomic.Int64
	dropped   atomic.Int64
}

// New creates a channel Policy. It is usable before Start.
func New(deps Deps) *Policy {
	return &Policy{
		logger:   deps.Logger.With().Str("module", ModuleName).Logger(),
		policy:   deps.Policy,
		registry: deps.Registry,
		sink:     deps.Sink,
	}
}

func (p *Policy) Name() string { return ModuleName }
func (p *Policy) Description() string {
	return "Outgoing channel registration filtering and client brand presentation"
}

func (p *Policy) Start(ctx context.Context, bus *core.EventBus, pipeline *core.AlertPipeline, cfg *core.Config) error {
	if bus != nil {
		p.bus.Store(bus)
	}
	pol := p.policy.Snapshot()
	p.logger.Info().
		Str("profile", pol.Profile.String()).
		Str("effective_profile", pol.EffectiveProfile().String()).
		Bool("spoof_channels", pol.SpoofChannels).
		Msg("channel policy started")
	return nil
}

func (p *Policy) Stop() error {
	p.bus.Store(nil)
	return nil
}

func (p *Policy) HandleEvent(event *core.PrivacyEvent) error {
	if event.Type == core.EventConnectionReset {
		p.Reset()
	}
	return nil
}

func (p *Policy) EventTypes() []string {
	return []string{core.EventConnectionReset}
}

// normalize derives the kind from the channel id for hosts that only pass
// the payload id.
func normalize(payload Payload) Payload {
	if payload.Kind == PayloadCustom {
		switch payload.Channel {
		case registerChannel:
			payload.Kind = PayloadRegister
		case unregisterChannel:
			payload.Kind = PayloadUnregister
		case brandChannel:
			payload.Kind = PayloadBrand
		}
	}
	return payload
}

// Decide returns what the host should do with an outgoing payload. Channels
// announced by a register payload are recorded whatever the outcome.
func (p *Policy) Decide(payload Payload) Decision {
	payload = normalize(payload)
	if payload.Kind == PayloadRegister {
		p.track(payload.Channels)
	}

	d := p.decide(payload)
	switch d.Action {
	case ActionPass:
		p.passed.Add(1)
	case ActionRewrite:
		p.rewritten.Add(1)
		p.report(payload, d)
	case ActionDrop:
		p.dropped.Add(1)
		p.report(payload, d)
	}
	return d
}

func (p *Policy) decide(payload Payload) Decision {
	pol := p.policy.Snapshot()
	if !pol.SpoofEnabled() || !pol.SpoofChannels {
		return Decision{Action: ActionPass}
	}
	if payload.Kind == PayloadBrand {
		return Decision{Action: ActionPass}
	}

	switch pol.EffectiveProfile() {
	case core.ProfileBare:
		return Decision{Action: ActionDrop, Reason: "bare profile announces no custom payloads"}

	case core.ProfileAlternate:
		if payload.Kind == PayloadRegister || payload.Kind == PayloadUnregister {
			return Decision{Action: ActionRewrite, Channels: append([]registry.ChannelID(nil), alternateHandshake...), Reason: "alternate handshake channels"}
		}
		for _, ch := range alternateHandshake {
			if payload.Channel == ch {
				return Decision{Action: ActionPass}
			}
		}
		if payload.Channel == mcoChannel {
			return Decision{Action: ActionDrop, Reason: "realms channel"}
		}
		if payload.Channel.Namespace == registry.DefaultNamespace {
			return Decision{Action: ActionPass}
		}
		return Decision{Action: ActionDrop, Reason: "not an alternate loader channel"}

	default:
		if payload.Kind == PayloadRegister || payload.Kind == PayloadUnregister {
			return p.filterRegistration(payload.Channels)
		}
		if payload.Channel == mcoChannel {
			return Decision{Action: ActionDrop, Reason: "realms channel"}
		}
		if payload.Channel.Namespace == registry.DefaultNamespace || p.registry.IsWhitelistedChannel(payload.Channel) {
			return Decision{Action: ActionPass}
		}
		return Decision{Action: ActionDrop, Reason: "extension channel not whitelisted"}
	}
}

func (p *Policy) filterRegistration(channels []registry.ChannelID) Decision {
	kept := make([]registry.ChannelID, 0, len(channels))
	for _, ch := range channels {
		if p.registry.IsWhitelistedChannel(ch) {
			kept = append(kept, ch)
		}
	}
	switch {
	case len(kept) == 0:
		return Decision{Action: ActionDrop, Reason: "no whitelisted channels"}
	case len(kept) == len(channels):
		return Decision{Action: ActionPass}
	default:
		return Decision{Action: ActionRewrite, Channels: kept, Reason: fmt.Sprintf("filtered %d of %d channels", len(channels)-len(kept), len(channels))}
	}
}

// track records announced channels, attributing each to its owner through
// the registry's resolver and falling back to the namespace.
func (p *Policy) track(channels []registry.ChannelID) {
	for _, ch := range channels {
		if registry.IsCoreNamespace(ch.Namespace) {
			continue
		}
		if _, ok := p.registry.RecordFromHint(registry.KindChannel, ch.String(), ch.String()); ok {
			continue
		}
		p.registry.RecordChannel(ch.Namespace, ch)
	}
}

func (p *Policy) report(payload Payload, d Decision) {
	if payload.Kind == PayloadRegister && p.registerLogged.TryFire() {
		p.logger.Debug().
			Str("action", d.Action.String()).
			Int("announced", len(payload.Channels)).
			Int("kept", len(d.Channels)).
			Msg("filtering channel registration")
	} else {
		p.logger.Trace().Str("channel", payload.Channel.String()).Str("action", d.Action.String()).Msg("payload filtered")
	}

	bus := p.bus.Load()
	if bus == nil {
		return
	}
	ev := core.NewPrivacyEvent(ModuleName, core.EventChannelFiltered, core.SeverityInfo, d.Reason)
	ev.Details["kind"] = payload.Kind.String()
	ev.Details["action"] = d.Action.String()
	if payload.Kind == PayloadCustom {
		ev.Details["channel"] = payload.Channel.String()
	} else {
		ev.Details["announced"] = len(payload.Channels)
		ev.Details["kept"] = len(d.Channels)
	}
	if err := bus.PublishEvent(ev); err != nil {
		p.logger.Debug().Err(err).Msg("event not published")
	}
}

// BrandFor returns the brand to send in place of real. The first
// substitution per connection is announced.
func (p *Policy) BrandFor(real string) string {
	brand := p.policy.Snapshot().Brand(real)
	if brand != real && p.brandNotified.TryFire() {
		p.sink.Notify(core.Notification{
			Module:   ModuleName,
			Category: "brand_spoofed",
			Level:    core.LevelSuccess,
			Title:    fmt.Sprintf("Client brand spoofed: %s → %s", real, brand),
		})
	}
	return brand
}

// OnConfigurationFinished announces the active presentation once the
// connection's configuration phase ends.
func (p *Policy) OnConfigurationFinished() {
	pol := p.policy.Snapshot()
	if !pol.SpoofEnabled() {
		return
	}
	profile := pol.EffectiveProfile()
	var title string
	switch {
	case !pol.SpoofChannels:
		title = "Privacy active: brand-only mode (channels unmodified)"
	case profile == core.ProfileBare:
		title = "Privacy active: vanilla mode (all channels blocked)"
	case profile == core.ProfileAlternate:
		title = "Privacy active: forge mode (forge:login, forge:handshake)"
	case pol.WhitelistEnabled:
		title = "Privacy active: fabric mode (whitelisted mod channels allowed)"
	default:
		title = "Privacy active: fabric mode (mod channels blocked)"
	}
	p.logger.Debug().Str("brand", pol.Brand("")).Msg("configuration finished")
	p.sink.Notify(core.Notification{
		Module:   ModuleName,
		Category: "configuration_finished",
		Level:    core.LevelSuccess,
		Title:    title,
		Cooldown: -1,
	})
}

// Reset re-arms the per-connection announcements.
func (p *Policy) Reset() {
	p.registerLogged.Reset()
	p.brandNotified.Reset()
}

// Stats returns decision counters.
func (p *Policy) Stats() map[string]int64 {
	return map[string]int64{
		"passed":    p.passed.Load(),
		"rewritten": p.rewritten.Load(),
		"dropped":   p.dropped.Load(),
	}
}
