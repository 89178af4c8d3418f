package core

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrBusDisabled is returned by helpers that need a bus when none is running.
var ErrBusDisabled = errors.New("event bus disabled")

// Subject roots.
const (
	EventsSubject = "veil.events"
	AlertsSubject = "veil.alerts"
	RPCSubject    = "veil.rpc"
)

// EventBus wraps NATS JetStream. Detection events and alerts are published
// asynchronously so the hot path never waits for an ack.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	cb     *gobreaker.CircuitBreaker
	mu     sync.Mutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu              sync.Mutex `json:"-"`
	EventsPublished int64      `json:"events_published"`
	EventsFailed    int64      `json:"events_failed"`
	AlertsPublished int64      `json:"alerts_published"`
	AlertsRejected  int64      `json:"alerts_rejected"`
}

// NewEventBus connects to NATS, starting an embedded server when cfg.Embedded
// is set. Port -1 picks a random free port.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		metrics: &BusMetrics{},
	}
	bus.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "AlertPublish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bus.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		port := cfg.Port
		if port < 0 {
			port = server.RANDOM_PORT
		}
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("veil"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "PRIVACY_EVENTS",
			Subjects:  []string{EventsSubject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxBytes:  64 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "PRIVACY_ALERTS",
			Subjects:  []string{AlertsSubject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			MaxBytes:  32 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent publishes a PrivacyEvent without waiting for the stream ack.
func (b *EventBus) PublishEvent(event *PrivacyEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", EventsSubject, event.Module, event.Type)
	if _, err := b.js.PublishAsync(subject, data); err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().Str("event_id", event.ID).Str("subject", subject).Msg("event published")
	return nil
}

// PublishAlert publishes an Alert through the circuit breaker. While the
// breaker is open alerts are rejected immediately.
func (b *EventBus) PublishAlert(alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", AlertsSubject, alert.Module, alert.Severity.String())
	_, err = b.cb.Execute(func() (interface{}, error) {
		return b.js.PublishAsync(subject, data)
	})
	if err != nil {
		b.metrics.mu.Lock()
		b.metrics.AlertsRejected++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.AlertsPublished++
	b.metrics.mu.Unlock()
	return nil
}

// Subscribe creates a durable JetStream subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.track(sub)
	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// Serve answers core NATS requests on subject. Replies are not persisted.
func (b *EventBus) Serve(subject string, handler func(msg *nats.Msg)) error {
	sub, err := b.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("serving %s: %w", subject, err)
	}
	b.track(sub)
	b.logger.Debug().Str("subject", subject).Msg("serving requests")
	return nil
}

func (b *EventBus) track(sub *nats.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Conn exposes the underlying connection for request/reply clients.
func (b *EventBus) Conn() *nats.Conn {
	return b.nc
}

// ClientURL returns the URL clients should dial.
func (b *EventBus) ClientURL() string {
	if b.ns != nil {
		return b.ns.ClientURL()
	}
	if b.nc != nil {
		return b.nc.ConnectedUrl()
	}
	return ""
}

// Close drains subscriptions and shuts down the connection and embedded server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.js != nil {
		select {
		case <-b.js.PublishAsyncComplete():
		case <-time.After(2 * time.Second):
			b.logger.Warn().Int("pending", b.js.PublishAsyncPending()).Msg("closing with unacknowledged publishes")
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published": b.metrics.EventsPublished,
		"events_failed":    b.metrics.EventsFailed,
		"alerts_published": b.metrics.AlertsPublished,
		"alerts_rejected":  b.metrics.AlertsRejected,
	}
}
