package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// ErrInvalidProfile is returned when a profile name is not recognised.
var ErrInvalidProfile = errors.New("invalid identity profile")

// Profile is the identity the client presents to the remote peer.
type Profile int

const (
	// ProfileNative disables spoofing entirely.
	ProfileNative Profile = iota
	// ProfileReduced presents the lightweight loader ecosystem and hides
	// every channel that is not whitelisted.
	ProfileReduced
	// ProfileAlternate presents the alternate loader ecosystem and answers
	// with its fixed handshake channels.
	ProfileAlternate
	// ProfileBare presents an unmodified client; every custom payload is dropped.
	ProfileBare
)

func (p Profile) String() string {
	switch p {
	case ProfileNative:
		return "native"
	case ProfileReduced:
		return "reduced"
	case ProfileAlternate:
		return "alternate"
	case ProfileBare:
		return "bare"
	default:
		return "unknown"
	}
}

// ParseProfile parses a profile name, case-insensitively.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "":
		return ProfileNative, nil
	case "reduced":
		return ProfileReduced, nil
	case "alternate":
		return ProfileAlternate, nil
	case "bare":
		return ProfileBare, nil
	default:
		return ProfileNative, fmt.Errorf("%w: %q", ErrInvalidProfile, s)
	}
}

// Brand strings sent in the identification payload.
const (
	BrandReduced   = "fabric"
	BrandAlternate = "forge"
	BrandBare      = "vanilla"
)

// Policy is an immutable snapshot of the user's privacy settings. Components
// pull a fresh snapshot for every decision and never modify it.
type Policy struct {
	Profile          Profile
	SpoofChannels    bool
	BlockLocalURLs   bool
	ResolutionGuard  bool
	FakeDefaults     bool
	WhitelistEnabled bool
	ShowAlerts       bool
	LogDetections    bool

	whitelist map[string]struct{}
}

// NewPolicy builds a snapshot; whitelist ids are stored lower-cased.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	profile, err := ParseProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	p := &Policy{
		Profile:          profile,
		SpoofChannels:    cfg.SpoofChannels,
		BlockLocalURLs:   cfg.BlockLocalURLs,
		ResolutionGuard:  cfg.ResolutionGuard,
		FakeDefaults:     cfg.FakeDefaults,
		WhitelistEnabled: cfg.WhitelistEnabled,
		ShowAlerts:       cfg.ShowAlerts,
		LogDetections:    cfg.LogDetections,
		whitelist:        make(map[string]struct{}, len(cfg.Whitelist)),
	}
	for _, id := range cfg.Whitelist {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			p.whitelist[id] = struct{}{}
		}
	}
	return p, nil
}

// SpoofEnabled reports whether any identity spoofing is active.
func (p *Policy) SpoofEnabled() bool {
	return p.Profile != ProfileNative
}

// IsWhitelisted reports whether extension id is allowed through. Always false
// while the whitelist is disabled.
func (p *Policy) IsWhitelisted(id string) bool {
	if !p.WhitelistEnabled || id == "" {
		return false
	}
	_, ok := p.whitelist[strings.ToLower(id)]
	return ok
}

// WhitelistIDs returns the configured whitelist, sorted.
func (p *Policy) WhitelistIDs() []string {
	ids := make([]string, 0, len(p.whitelist))
	for id := range p.whitelist {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EffectiveProfile returns the identity actually presented to the peer. An
// enabled whitelist forces the reduced profile so whitelisted channels stay
// plausible next to the announced brand.
func (p *Policy) EffectiveProfile() Profile {
	if p.SpoofEnabled() && p.WhitelistEnabled {
		return ProfileReduced
	}
	return p.Profile
}

// Brand returns the brand string to present in place of real.
func (p *Policy) Brand(real string) string {
	switch p.EffectiveProfile() {
	case ProfileNative:
		return real
	case ProfileAlternate:
		return BrandAlternate
	case ProfileBare:
		return BrandBare
	default:
		return BrandReduced
	}
}

// PolicySource supplies the current policy snapshot.
type PolicySource interface {
	Snapshot() *Policy
}

// PolicyStore holds the live snapshot. Readers never block writers.
type PolicyStore struct {
	current atomic.Pointer[Policy]
}

// NewPolicyStore creates a store seeded with p.
func NewPolicyStore(p *Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(p)
	return s
}

// Snapshot returns the current policy.
func (s *PolicyStore) Snapshot() *Policy {
	return s.current.Load()
}

// Set replaces the current policy.
func (s *PolicyStore) Set(p *Policy) {
	s.current.Store(p)
}
