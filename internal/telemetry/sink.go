// Package telemetry buffers analytics events and writes them in batches.
package telemetry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/metrics"
	"jugarenchile.com/tawk-relay/internal/store"
)

// Event types emitted by the relay.
const (
	EventMessageProcessed = "message_processed"
	EventError            = "error"
	EventSafetyTriggered  = "safety_triggered"
	EventDeliveryFailed   = "delivery_failed"
	EventWebhookIgnored   = "webhook_ignored"
)

// CounterKeyPrefix namespaces the realtime counters in the cache backend.
const CounterKeyPrefix = "analytics:"

// CounterKey is the realtime counter for an event type.
func CounterKey(eventType string) string {
	return CounterKeyPrefix + eventType + ":count"
}

// Writer persists a batch atomically.
type Writer interface {
	InsertEvents(ctx context.Context, events []store.AnalyticsEvent) error
}

// Counters is the subset of the cache backend used for realtime counts.
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Metadata identifies who caused an event.
type Metadata struct {
	UserID    string
	SessionID string
	IPAddress string
	UserAgent string
}

type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxQueue      int
	CounterTTL    time.Duration
}

func (c *Config) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxQueue < c.BatchSize {
		c.MaxQueue = 10000
	}
	if c.CounterTTL <= 0 {
		c.CounterTTL = 24 * time.Hour
	}
}

// Sink queues events in memory and flushes them every FlushInterval or once
// BatchSize events are waiting. A failed flush puts the batch back so nothing
// is lost short of queue overflow, which drops the oldest events.
type Sink struct {
	cfg      Config
	writer   Writer
	counters Counters

	mu    sync.Mutex
	queue []store.AnalyticsEvent

	flushMu sync.Mutex // one flush at a time

	// After a failed write, threshold kicks are ignored until this time
	// (unix nanos) so an outage is retried once per FlushInterval.
	retryAfter atomic.Int64
	closed     atomic.Bool

	kick      chan struct{}
	counterCh chan string
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSink starts the flush loop and counter worker. writer and counters may
// each be nil; without a writer events are counted and discarded.
func NewSink(writer Writer, counters Counters, cfg Config) *Sink {
	cfg.setDefaults()
	s := &Sink{
		cfg:       cfg,
		writer:    writer,
		counters:  counters,
		kick:      make(chan struct{}, 1),
		counterCh: make(chan string, 1024),
		stop:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.flushLoop()
	go s.counterLoop()
	return s
}

// Track records an event without blocking on I/O.
func (s *Sink) Track(eventType string, data map[string]any, meta Metadata) {
	if s.closed.Load() {
		metrics.TelemetryDropped.WithLabelValues("closed").Inc()
		return
	}

	select {
	case s.counterCh <- eventType:
	default:
		metrics.TelemetryDropped.WithLabelValues("counter_backlog").Inc()
	}

	if s.writer == nil {
		metrics.TelemetryDropped.WithLabelValues("no_writer").Inc()
		return
	}

	ev := store.AnalyticsEvent{
		Type:      eventType,
		Data:      data,
		UserID:    meta.UserID,
		SessionID: meta.SessionID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, ev)
	dropped := s.trimLocked()
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.TelemetryQueued.Inc()
	metrics.TelemetryQueueDepth.Set(float64(depth))
	if dropped > 0 {
		metrics.TelemetryDropped.WithLabelValues("queue_full").Add(float64(dropped))
	}

	if depth >= s.cfg.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// trimLocked enforces MaxQueue by discarding the oldest events.
func (s *Sink) trimLocked() int {
	over := len(s.queue) - s.cfg.MaxQueue
	if over <= 0 {
		return 0
	}
	s.queue = append(s.queue[:0:0], s.queue[over:]...)
	return over
}

// Flush writes everything queued so far in one batch. On failure the batch is
// put back ahead of newer events and the error returned.
func (s *Sink) Flush(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.writer.InsertEvents(ctx, batch); err != nil {
		s.mu.Lock()
		s.queue = append(batch, s.queue...)
		dropped := s.trimLocked()
		depth := len(s.queue)
		s.mu.Unlock()

		s.retryAfter.Store(time.Now().Add(s.cfg.FlushInterval).UnixNano())
		metrics.TelemetryFlushFailures.Inc()
		metrics.TelemetryQueueDepth.Set(float64(depth))
		if dropped > 0 {
			metrics.TelemetryDropped.WithLabelValues("queue_full").Add(float64(dropped))
		}
		logging.Error().Err(err).Int("batch", len(batch)).Msg("Analytics flush failed, batch requeued")
		return err
	}

	s.retryAfter.Store(0)
	metrics.TelemetryFlushed.Add(float64(len(batch)))
	s.mu.Lock()
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.TelemetryQueueDepth.Set(float64(depth))
	logging.Debug().Int("events", len(batch)).Msg("Analytics batch flushed")
	return nil
}

// Pending reports how many events wait for the next flush.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CounterReader is the read side of the realtime counters.
type CounterReader interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// RealtimeCounts returns the last-24h counter of every event type seen.
func RealtimeCounts(ctx context.Context, r CounterReader) (map[string]int64, error) {
	keys, err := r.Keys(ctx, CounterKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ":count") {
			continue
		}
		raw, err := r.Get(ctx, key)
		if err != nil {
			continue // expired between Keys and Get
		}
		n, _ := strconv.ParseInt(string(raw), 10, 64)
		out[strings.TrimSuffix(strings.TrimPrefix(key, CounterKeyPrefix), ":count")] = n
	}
	return out, nil
}

// TrackError records a failure with the stage it happened in.
func (s *Sink) TrackError(err error, stage string, meta Metadata) {
	s.Track(EventError, map[string]any{"message": err.Error(), "stage": stage}, meta)
}

// Close stops the background loops and performs a final flush. Events
// tracked afterwards are dropped.
func (s *Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.wg.Wait()
		err = s.Flush(ctx)
	})
	return err
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
			if time.Now().UnixNano() < s.retryAfter.Load() {
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = s.Flush(ctx) // failures are logged and requeued
		cancel()
	}
}

func (s *Sink) counterLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			// Drain what is already queued.
			for {
				select {
				case t := <-s.counterCh:
					s.bump(t)
				default:
					return
				}
			}
		case t := <-s.counterCh:
			s.bump(t)
		}
	}
}

func (s *Sink) bump(eventType string) {
	if s.counters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := CounterKey(eventType)
	if _, err := s.counters.Incr(ctx, key); err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("Realtime counter update failed")
		return
	}
	if err := s.counters.Expire(ctx, key, s.cfg.CounterTTL); err != nil {
		logging.Debug().Err(err).Str("key", key).Msg("Realtime counter expiry failed")
	}
}
