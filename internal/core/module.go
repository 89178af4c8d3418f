package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Module is a detection or policy component managed by the engine.
type Module interface {
	// Name returns the unique name of the module.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Start begins background work. bus is nil when the bus is disabled.
	Start(ctx context.Context, bus *EventBus, pipeline *AlertPipeline, cfg *Config) error
	// Stop ends background work.
	Stop() error
	// HandleEvent reacts to lifecycle events routed by the engine.
	HandleEvent(event *PrivacyEvent) error
	// EventTypes returns the event types this module handles. Nil or empty
	// means every event.
	EventTypes() []string
}

// ModuleRegistry tracks modules in registration order and routes events to
// the modules that asked for them.
type ModuleRegistry struct {
	mu        sync.RWMutex
	modules   map[string]Module
	order     []string
	started   map[string]bool
	typeIndex map[string][]Module
	catchAll  []Module
	logger    zerolog.Logger

	statsMu sync.Mutex
	routed  map[string]int64
	errors  map[string]int64
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry(logger zerolog.Logger) *ModuleRegistry {
	return &ModuleRegistry{
		modules:   make(map[string]Module),
		started:   make(map[string]bool),
		typeIndex: make(map[string][]Module),
		logger:    logger.With().Str("component", "module_registry").Logger(),
		routed:    make(map[string]int64),
		errors:    make(map[string]int64),
	}
}

// Register adds a module. Names must be unique.
func (r *ModuleRegistry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := mod.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.modules[name] = mod
	r.order = append(r.order, name)

	types := mod.EventTypes()
	if len(types) == 0 {
		r.catchAll = append(r.catchAll, mod)
	}
	for _, t := range types {
		r.typeIndex[t] = append(r.typeIndex[t], mod)
	}

	r.logger.Debug().Str("module", name).Strs("event_types", types).Msg("module registered")
	return nil
}

// RouteEvent synchronously delivers event to every interested module except
// its originator. A failing or panicking module is logged and skipped.
func (r *ModuleRegistry) RouteEvent(event *PrivacyEvent) {
	r.mu.RLock()
	targets := make([]Module, 0, len(r.typeIndex[event.Type])+len(r.catchAll))
	targets = append(targets, r.typeIndex[event.Type]...)
	targets = append(targets, r.catchAll...)
	r.mu.RUnlock()

	r.statsMu.Lock()
	r.routed[event.Type]++
	r.statsMu.Unlock()

	for _, mod := range targets {
		if mod.Name() == event.Module {
			continue
		}
		r.deliver(mod, event)
	}
}

func (r *ModuleRegistry) deliver(mod Module, event *PrivacyEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("module", mod.Name()).
				Str("event_type", event.Type).
				Interface("panic", rec).
				Msg("module panicked handling event")
			r.countError(mod.Name())
		}
	}()
	if err := mod.HandleEvent(event); err != nil {
		r.logger.Error().Err(err).
			Str("module", mod.Name()).
			Str("event_type", event.Type).
			Msg("module failed to handle event")
		r.countError(mod.Name())
	}
}

func (r *ModuleRegistry) countError(name string) {
	r.statsMu.Lock()
	r.errors[name]++
	r.statsMu.Unlock()
}

// Get returns a module by name.
func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	return mod, ok
}

// All returns all registered modules in registration order.
func (r *ModuleRegistry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.modules[name])
	}
	return result
}

// StartAll starts every module enabled in cfg, in registration order.
func (r *ModuleRegistry) StartAll(ctx context.Context, bus *EventBus, pipeline *AlertPipeline, cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if !cfg.IsModuleEnabled(name) {
			r.logger.Info().Str("module", name).Msg("module disabled, skipping")
			continue
		}
		if err := r.modules[name].Start(ctx, bus, pipeline, cfg); err != nil {
			return fmt.Errorf("failed to start module %q: %w", name, err)
		}
		r.started[name] = true
		r.logger.Info().Str("module", name).Msg("module started")
	}
	return nil
}

// StopAll stops started modules in reverse order.
func (r *ModuleRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if !r.started[name] {
			continue
		}
		if err := r.modules[name].Stop(); err != nil {
			r.logger.Error().Err(err).Str("module", name).Msg("error stopping module")
		}
		delete(r.started, name)
	}
}

// Count returns the number of registered modules.
func (r *ModuleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Stats returns routing counters.
func (r *ModuleRegistry) Stats() map[string]interface{} {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	routed := make(map[string]int64, len(r.routed))
	for k, v := range r.routed {
		routed[k] = v
	}
	errs := make(map[string]int64, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	return map[string]interface{}{
		"events_by_type": routed,
		"module_errors":  errs,
	}
}
