package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Engine owns the shared services (policy, alerts, bus) and the module
// lifecycle.
type Engine struct {
	Config   *Config
	Policy   *PolicyStore
	Clock    Clock
	Bus      *EventBus
	Registry *ModuleRegistry
	Pipeline *AlertPipeline
	Notifier *Notifier
	Logs     *LogRingBuffer
	Logger   zerolog.Logger

	base       zerolog.Logger
	configPath string
	closers    []io.Closer
	cfgMu      sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

type engineOptions struct {
	logger     *zerolog.Logger
	clock      Clock
	configPath string
}

// EngineOption customises NewEngine.
type EngineOption func(*engineOptions)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = &l }
}

// WithClock replaces the system clock.
func WithClock(c Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

// WithConfigPath records the file the config was loaded from, enabling
// ReloadConfig and WatchConfig.
func WithConfigPath(path string) EngineOption {
	return func(o *engineOptions) { o.configPath = path }
}

// NewEngine creates an engine. Nothing is started until Start.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}

	policy, err := cfg.PolicySnapshot()
	if err != nil {
		return nil, fmt.Errorf("building policy: %w", err)
	}

	logs := NewLogRingBuffer(cfg.Logging.BufferLines)
	var closers []io.Closer
	var logger zerolog.Logger
	if o.logger != nil {
		logger = *o.logger
	} else {
		var fileCloser io.Closer
		logger, fileCloser = BuildLogger(cfg.Logging, logs)
		if fileCloser != nil {
			closers = append(closers, fileCloser)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := NewPolicyStore(policy)
	pipeline := NewAlertPipeline(logger, cfg.Alerts.MaxStore)

	e := &Engine{
		Config:     cfg,
		Policy:     store,
		Clock:      o.clock,
		Registry:   NewModuleRegistry(logger),
		Pipeline:   pipeline,
		Notifier:   NewNotifier(logger, store, pipeline, o.clock, cfg.Alerts),
		Logs:       logs,
		Logger:     logger.With().Str("component", "engine").Logger(),
		base:       logger,
		configPath: o.configPath,
		closers:    closers,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Alerts.EnableConsole {
		e.Pipeline.AddHandler(func(alert *Alert) {
			e.Logger.Warn().
				Str("alert_id", alert.ID).
				Str("module", alert.Module).
				Str("level", alert.Level.String()).
				Str("title", alert.Title).
				Str("detail", alert.Description).
				Msg("PRIVACY ALERT")
		})
	}

	return e, nil
}

// BuildLogger creates the process logger from cfg. Output goes to stdout
// (console or JSON), to ring as JSON, and to a rotating file when cfg.File
// is set. The returned closer, if any, closes the file.
func BuildLogger(cfg LoggingConfig, ring *LogRingBuffer) (zerolog.Logger, io.Closer) {
	var stdout io.Writer = os.Stdout
	if cfg.Format != "json" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{stdout}
	if ring != nil {
		writers = append(writers, ring)
	}

	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}

	zerolog.SetGlobalLevel(ParseLogLevel(cfg.Level))
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger(), closer
}

// ParseLogLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ComponentLogger derives a logger tagged with component.
func (e *Engine) ComponentLogger(component string) zerolog.Logger {
	return e.base.With().Str("component", component).Logger()
}

// Start connects the bus (when enabled) and starts every enabled module.
func (e *Engine) Start() error {
	e.Logger.Info().Str("profile", e.Policy.Snapshot().Profile.String()).Msg("starting veil engine")

	if e.Config.Bus.Enabled {
		bus, err := NewEventBus(&e.Config.Bus, e.base)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		e.Pipeline.AddHandler(func(alert *Alert) {
			if err := e.Bus.PublishAlert(alert); err != nil {
				e.Logger.Debug().Err(err).Str("alert_id", alert.ID).Msg("alert not published to bus")
			}
		})
	}

	if err := e.Registry.StartAll(e.ctx, e.Bus, e.Pipeline, e.Config); err != nil {
		return fmt.Errorf("starting modules: %w", err)
	}

	e.Logger.Info().Int("modules", e.Registry.Count()).Bool("bus", e.Bus != nil).Msg("veil engine started")
	return nil
}

// Emit routes event to modules synchronously, then publishes it to the bus.
func (e *Engine) Emit(event *PrivacyEvent) {
	e.Registry.RouteEvent(event)
	if e.Bus != nil {
		if err := e.Bus.PublishEvent(event); err != nil {
			e.Logger.Debug().Err(err).Str("event_type", event.Type).Msg("event not published to bus")
		}
	}
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops modules, then the bus.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down veil engine")
	e.cancel()

	e.Registry.StopAll()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	for _, c := range e.closers {
		_ = c.Close()
	}

	e.Logger.Info().Msg("veil engine stopped")
	return nil
}

// CurrentConfig returns the active config; ReloadConfig may replace it.
func (e *Engine) CurrentConfig() *Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.Config
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
