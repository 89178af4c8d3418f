package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// alert_batcher.go — collapses bursts of related notifications into one
// summary per key.
//
// A peer scanning local ports produces one probe per port. Each probe is
// alerted individually (subject to cooldown) and also added to the batch for
// its connection; when the window expires the batch is handed to the
// registered handlers as a single BatchSummary.
// ---------------------------------------------------------------------------

// BatchSummary is emitted when a batch flushes.
type BatchSummary struct {
	Key       string    `json:"key"`
	Items     []string  `json:"items"`
	Count     int       `json:"count"`
	Total     int       `json:"total"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Overflow returns how many items were counted but not kept.
func (s *BatchSummary) Overflow() int {
	return s.Count - len(s.Items)
}

// BatchHandler is called when a batch is flushed.
type BatchHandler func(summary *BatchSummary)

type pendingBatch struct {
	items     []string
	seen      map[string]struct{}
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	timer     *time.Timer
}

// AlertBatcher groups items by key for a fixed window.
type AlertBatcher struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	clock    Clock
	window   time.Duration
	maxItems int
	batches  map[string]*pendingBatch
	totals   map[string]int
	handlers []BatchHandler
}

// NewAlertBatcher creates a batcher. Each batch keeps at most maxItems
// distinct items; further items are only counted.
func NewAlertBatcher(logger zerolog.Logger, clock Clock, window time.Duration, maxItems int) *AlertBatcher {
	if clock == nil {
		clock = SystemClock()
	}
	if maxItems <= 0 {
		maxItems = 100
	}
	return &AlertBatcher{
		logger:   logger.With().Str("component", "alert_batcher").Logger(),
		clock:    clock,
		window:   window,
		maxItems: maxItems,
		batches:  make(map[string]*pendingBatch),
		totals:   make(map[string]int),
	}
}

// AddHandler registers a function to call when a batch flushes.
func (b *AlertBatcher) AddHandler(handler BatchHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Add records item under key, opening a batch if none is pending.
func (b *AlertBatcher) Add(key, item string) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	batch, ok := b.batches[key]
	if !ok {
		batch = &pendingBatch{seen: make(map[string]struct{}), firstSeen: now}
		if b.window > 0 {
			batch.timer = time.AfterFunc(b.window, func() { b.Flush(key) })
		}
		b.batches[key] = batch
	}
	if _, dup := batch.seen[item]; dup {
		return
	}
	batch.seen[item] = struct{}{}
	batch.count++
	batch.lastSeen = now
	if len(batch.items) < b.maxItems {
		batch.items = append(batch.items, item)
	}
	b.totals[key]++
}

// Flush emits the pending batch for key, if any.
func (b *AlertBatcher) Flush(key string) {
	b.mu.Lock()
	batch, ok := b.batches[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.batches, key)
	if batch.timer != nil {
		batch.timer.Stop()
	}
	summary := &BatchSummary{
		Key:       key,
		Items:     batch.items,
		Count:     batch.count,
		Total:     b.totals[key],
		FirstSeen: batch.firstSeen,
		LastSeen:  batch.lastSeen,
	}
	handlers := make([]BatchHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	if summary.Count == 0 {
		return
	}
	b.logger.Debug().Str("key", key).Int("count", summary.Count).Int("total", summary.Total).Msg("batch flushed")
	for _, h := range handlers {
		h(summary)
	}
}

// Pending returns how many items wait in key's open batch.
func (b *AlertBatcher) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batch, ok := b.batches[key]; ok {
		return batch.count
	}
	return 0
}

// Reset drops the open batch and running total for key without emitting.
func (b *AlertBatcher) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batch, ok := b.batches[key]; ok && batch.timer != nil {
		batch.timer.Stop()
	}
	delete(b.batches, key)
	delete(b.totals, key)
}

// Stop cancels all pending batch timers.
func (b *AlertBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, batch := range b.batches {
		if batch.timer != nil {
			batch.timer.Stop()
		}
	}
}

// FlushAll emits every pending batch.
func (b *AlertBatcher) FlushAll() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.batches))
	for k := range b.batches {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.Flush(k)
	}
}

// ResetAll drops every open batch and running total.
func (b *AlertBatcher) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, batch := range b.batches {
		if batch.timer != nil {
			batch.timer.Stop()
		}
	}
	clear(b.batches)
	clear(b.totals)
}
