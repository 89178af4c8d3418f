// Package registry tracks which extension contributed each resolution key,
// input binding and network channel seen during a session, and answers the
// whitelist questions asked by the resolution guard and the channel policy.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/veilguard/veil/internal/core"
)

// resourceLoaderID is a pseudo-extension that re-exports other extensions'
// language files; it is never reported as a key's owner.
const resourceLoaderID = "fabric-resource-loader-v0"

// Kind is the type of item carried by a discovery event.
type Kind int

const (
	KindTranslationKey Kind = iota
	KindKeybind
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindTranslationKey:
		return "translation_key"
	case KindKeybind:
		return "keybind"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// ParseKind parses a Kind name.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(s) {
	case "translation_key", "translation", "key":
		return KindTranslationKey, true
	case "keybind", "binding":
		return KindKeybind, true
	case "channel":
		return KindChannel, true
	default:
		return 0, false
	}
}

// Prefixes of keys that belong to the reduced loader's own ecosystem. They
// are expected on a client presenting that loader.
var reducedKeyPrefixes = []string{
	"fabric.", "fabric-", "fabricloader.", "key.fabric", "category.fabric",
	"pack.source.fabric", "pack.source.builtin", "pack.name.fabric",
	"pack.description.mod", "commands.datapack.fabric", "tag.",
}

// ExtensionInfo is a snapshot of everything recorded for one extension.
type ExtensionInfo struct {
	ID             string      `json:"id"`
	DisplayName    string      `json:"display_name"`
	ResolutionKeys []string    `json:"resolution_keys"`
	InputBindings  []string    `json:"input_bindings"`
	Channels       []ChannelID `json:"channels"`
}

type entry struct {
	mu          sync.RWMutex
	displayName string
	keys        map[string]struct{}
	bindings    map[string]struct{}
	channels    map[ChannelID]struct{}
}

func newEntry() *entry {
	return &entry{
		keys:     make(map[string]struct{}),
		bindings: make(map[string]struct{}),
		channels: make(map[ChannelID]struct{}),
	}
}

// stringSet is a concurrent set of strings.
type stringSet struct{ m sync.Map }

func (s *stringSet) add(v string)      { s.m.Store(v, struct{}{}) }
func (s *stringSet) has(v string) bool { _, ok := s.m.Load(v); return ok }
func (s *stringSet) clear()            { s.m.Clear() }
func (s *stringSet) len() int {
	n := 0
	s.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Registry is the process-wide extension registry. Lookups never wait on
// writes to a different extension's entry.
type Registry struct {
	logger   zerolog.Logger
	policy   core.PolicySource
	resolver IdentityResolver

	entries      sync.Map // id → *entry
	keyOwner     sync.Map // translation key → id
	bindingOwner sync.Map // binding name → id
	channelOwner sync.Map // ChannelID → id

	vanillaKeys     stringSet
	vanillaBindings stringSet
	serverPackKeys  stringSet
	knownKeys       stringSet
	knownBindings   stringSet

	initialized atomic.Bool
}

// New creates an empty registry. resolver may be nil.
func New(logger zerolog.Logger, policy core.PolicySource, resolver IdentityResolver) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "whitelist_registry").Logger(),
		policy:   policy,
		resolver: resolver,
	}
}

func normalizeExtensionID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) entryFor(id string) *entry {
	if e, ok := r.entries.Load(id); ok {
		return e.(*entry)
	}
	e, _ := r.entries.LoadOrStore(id, newEntry())
	return e.(*entry)
}

// RegisterExtension records an extension's display name.
func (r *Registry) RegisterExtension(id, displayName string) {
	id = normalizeExtensionID(id)
	if id == "" {
		return
	}
	e := r.entryFor(id)
	e.mu.Lock()
	e.displayName = displayName
	e.mu.Unlock()
}

// Record files item under extension id according to kind.
func (r *Registry) Record(kind Kind, id, item string) {
	switch kind {
	case KindTranslationKey:
		r.RecordTranslationKey(id, item)
	case KindKeybind:
		r.RecordKeybind(id, item)
	case KindChannel:
		if ch, ok := ParseChannel(item); ok {
			r.RecordChannel(id, ch)
		}
	}
}

// RecordFromHint attributes item via the IdentityResolver and records it.
// It returns the resolved owner.
func (r *Registry) RecordFromHint(kind Kind, hint, item string) (string, bool) {
	if r.resolver == nil {
		return "", false
	}
	owner, ok := r.resolver.ResolveOwner(hint)
	if !ok {
		return "", false
	}
	r.Record(kind, owner, item)
	return owner, true
}

// RecordTranslationKey records that extension id provides key.
func (r *Registry) RecordTranslationKey(id, key string) {
	id = normalizeExtensionID(id)
	if id == "" || key == "" {
		return
	}
	e := r.entryFor(id)
	e.mu.Lock()
	e.keys[key] = struct{}{}
	e.mu.Unlock()
	r.keyOwner.LoadOrStore(key, id)
	r.knownKeys.add(key)
}

// RecordKeybind records that extension id provides binding name.
func (r *Registry) RecordKeybind(id, name string) {
	id = normalizeExtensionID(id)
	if id == "" || name == "" {
		return
	}
	e := r.entryFor(id)
	e.mu.Lock()
	e.bindings[name] = struct{}{}
	e.mu.Unlock()
	r.bindingOwner.LoadOrStore(name, id)
	r.knownBindings.add(name)
}

// RecordChannel records that extension id registers ch. Core namespaces are
// ignored.
func (r *Registry) RecordChannel(id string, ch ChannelID) {
	id = normalizeExtensionID(id)
	if id == "" || IsCoreNamespace(ch.Namespace) {
		return
	}
	e := r.entryFor(id)
	e.mu.Lock()
	e.channels[ch] = struct{}{}
	e.mu.Unlock()
	r.channelOwner.LoadOrStore(ch, id)
}

// RecordVanillaTranslationKey marks key as provided by the game itself.
func (r *Registry) RecordVanillaTranslationKey(key string) {
	r.vanillaKeys.add(key)
	r.knownKeys.add(key)
}

// RecordVanillaKeybind marks binding name as provided by the game itself.
func (r *Registry) RecordVanillaKeybind(name string) {
	r.vanillaBindings.add(name)
	r.knownBindings.add(name)
}

// RecordServerPackKey marks key as declared by the peer's own resource pack.
func (r *Registry) RecordServerPackKey(key string) {
	r.serverPackKeys.add(key)
}

func (r *Registry) IsVanillaTranslationKey(key string) bool    { return r.vanillaKeys.has(key) }
func (r *Registry) IsVanillaKeybind(name string) bool          { return r.vanillaBindings.has(name) }
func (r *Registry) IsServerPackTranslationKey(key string) bool { return r.serverPackKeys.has(key) }
func (r *Registry) IsKnownTranslationKey(key string) bool      { return r.knownKeys.has(key) }

// OwnerOfKey returns the extension that provides translation key.
func (r *Registry) OwnerOfKey(key string) (string, bool) {
	v, ok := r.keyOwner.Load(key)
	if !ok || v.(string) == resourceLoaderID {
		return "", false
	}
	return v.(string), true
}

// OwnerOfKeybind returns the extension that provides binding name.
func (r *Registry) OwnerOfKeybind(name string) (string, bool) {
	v, ok := r.bindingOwner.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// OwnerOfChannel returns the extension that registered ch.
func (r *Registry) OwnerOfChannel(ch ChannelID) (string, bool) {
	v, ok := r.channelOwner.Load(ch)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// presentsReduced reports whether the peer is shown the reduced loader's brand.
func presentsReduced(p *core.Policy) bool {
	return p.EffectiveProfile() == core.ProfileReduced
}

func hasReducedPrefix(key string) bool {
	for _, prefix := range reducedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// IsWhitelistedTranslationKey reports whether key may resolve normally: it
// belongs to the ecosystem of the presented reduced loader, or its owner is
// on the enabled whitelist.
func (r *Registry) IsWhitelistedTranslationKey(key string) bool {
	p := r.policy.Snapshot()
	if presentsReduced(p) && hasReducedPrefix(key) {
		return true
	}
	if !p.WhitelistEnabled {
		return false
	}
	owner, ok := r.OwnerOfKey(key)
	return ok && p.IsWhitelisted(owner)
}

// IsWhitelistedKeybind is IsWhitelistedTranslationKey for binding names,
// checking the binding's own owner first.
func (r *Registry) IsWhitelistedKeybind(name string) bool {
	p := r.policy.Snapshot()
	if presentsReduced(p) && hasReducedPrefix(name) {
		return true
	}
	if !p.WhitelistEnabled {
		return false
	}
	if owner, ok := r.OwnerOfKeybind(name); ok && p.IsWhitelisted(owner) {
		return true
	}
	owner, ok := r.OwnerOfKey(name)
	return ok && p.IsWhitelisted(owner)
}

// IsWhitelistedChannel reports whether ch may be announced to the peer.
// Core namespaces always pass. With the whitelist enabled, ch passes if its
// registering extension is whitelisted, if its namespace is a whitelisted id,
// or if the namespace and a whitelisted id match after folding (see FuzzyMatch).
func (r *Registry) IsWhitelistedChannel(ch ChannelID) bool {
	if IsCoreNamespace(ch.Namespace) {
		return true
	}
	p := r.policy.Snapshot()
	if !p.WhitelistEnabled {
		return false
	}
	if owner, ok := r.OwnerOfChannel(ch); ok && p.IsWhitelisted(owner) {
		return true
	}
	if p.IsWhitelisted(ch.Namespace) {
		return true
	}
	for _, id := range p.WhitelistIDs() {
		if FuzzyMatch(ch.Namespace, id) {
			return true
		}
	}
	return false
}

// FoldID normalises an id for fuzzy comparison: NFKC, lower case, with
// '-', '_' and '.' removed.
func FoldID(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.':
			return -1
		}
		return r
	}, s)
}

// FuzzyMatch reports whether two ids name the same extension despite
// separator or prefix drift, e.g. "xaeros_minimap" and "xaerominimap".
func FuzzyMatch(a, b string) bool {
	fa, fb := FoldID(a), FoldID(b)
	if fa == "" || fb == "" {
		return false
	}
	if fa == fb || strings.HasPrefix(fa, fb) || strings.HasPrefix(fb, fa) {
		return true
	}
	return stemID(a) == stemID(b)
}

// stemID folds id like FoldID but first drops a trailing 's' from every
// separator-delimited segment longer than three runes, so "xaeros_minimap"
// and "xaerominimap" compare equal.
func stemID(id string) string {
	segments := strings.FieldsFunc(strings.ToLower(norm.NFKC.String(id)), func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	var b strings.Builder
	for _, seg := range segments {
		if len([]rune(seg)) > 3 {
			seg = strings.TrimSuffix(seg, "s")
		}
		b.WriteString(seg)
	}
	return b.String()
}

// MarkInitialized records that the game's own language data has been loaded.
func (r *Registry) MarkInitialized() {
	if r.initialized.CompareAndSwap(false, true) {
		r.logger.Debug().Int("vanilla_keys", r.vanillaKeys.len()).Msg("registry initialized")
	}
}

// IsInitialized reports whether MarkInitialized has been called since the
// last language reload.
func (r *Registry) IsInitialized() bool {
	return r.initialized.Load()
}

// ClearServerPackKeys forgets the keys declared by the previous peer's
// resource pack. Called on every new connection.
func (r *Registry) ClearServerPackKeys() {
	r.serverPackKeys.clear()
}

// ClearTranslationKeys forgets every translation key, vanilla or not, ahead
// of a language reload. Bindings and channels are kept.
func (r *Registry) ClearTranslationKeys() {
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		e.keys = make(map[string]struct{})
		e.mu.Unlock()
		return true
	})
	r.keyOwner.Clear()
	r.vanillaKeys.clear()
	r.knownKeys.clear()
	r.initialized.Store(false)
}

// Extension returns a snapshot of one extension.
func (r *Registry) Extension(id string) (ExtensionInfo, bool) {
	id = normalizeExtensionID(id)
	v, ok := r.entries.Load(id)
	if !ok {
		return ExtensionInfo{}, false
	}
	return snapshot(id, v.(*entry)), true
}

// Extensions returns snapshots of every extension, sorted by id.
func (r *Registry) Extensions() []ExtensionInfo {
	var out []ExtensionInfo
	r.entries.Range(func(k, v any) bool {
		out = append(out, snapshot(k.(string), v.(*entry)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllChannels returns every attributed channel, sorted.
func (r *Registry) AllChannels() []ChannelID {
	var out []ChannelID
	r.channelOwner.Range(func(k, _ any) bool {
		out = append(out, k.(ChannelID))
		return true
	})
	sortChannels(out)
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() map[string]int {
	extensions, channels := 0, 0
	r.entries.Range(func(_, _ any) bool { extensions++; return true })
	r.channelOwner.Range(func(_, _ any) bool { channels++; return true })
	return map[string]int{
		"extensions":       extensions,
		"channels":         channels,
		"vanilla_keys":     r.vanillaKeys.len(),
		"vanilla_bindings": r.vanillaBindings.len(),
		"server_pack_keys": r.serverPackKeys.len(),
		"known_keys":       r.knownKeys.len(),
		"known_bindings":   r.knownBindings.len(),
	}
}

func snapshot(id string, e *entry) ExtensionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info := ExtensionInfo{
		ID:             id,
		DisplayName:    e.displayName,
		ResolutionKeys: sortedKeys(e.keys),
		InputBindings:  sortedKeys(e.bindings),
		Channels:       make([]ChannelID, 0, len(e.channels)),
	}
	if info.DisplayName == "" {
		info.DisplayName = id
	}
	for ch := range e.channels {
		info.Channels = append(info.Channels, ch)
	}
	sortChannels(info.Channels)
	return info
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortChannels(chs []ChannelID) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].String() < chs[j].String() })
}
