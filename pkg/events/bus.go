package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/types"
)

// Handler processes one event. Handlers must be idempotent: delivery is
// at least once, and a handler that fails is retried with the same
// event before the event is parked.
type Handler func(ctx context.Context, event *types.DomainEvent) error

// Config tunes the bus. Zero values fall back to defaults.
type Config struct {
	// Workers is the number of concurrent delivery goroutines. Events
	// of the same tenant never run concurrently regardless.
	Workers int
	// QueueCapacity bounds each tenant's queue. Publishing into a full
	// queue drops the event.
	QueueCapacity int
	// MaxRetries is the number of re-deliveries after the first failed
	// attempt before the event is parked.
	MaxRetries int
	// MaxEventAge drops events at dequeue once they are older than this.
	MaxEventAge time.Duration
	// RetryDelay is the initial backoff between delivery attempts.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxEventAge <= 0 {
		c.MaxEventAge = 24 * time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	return c
}

type queued struct {
	event   *types.DomainEvent
	retries int
}

// tenantQueue is one tenant's FIFO plus the invalidation watermark set
// by PaymentConfirmed.
type tenantQueue struct {
	items         []*queued
	invalidatedAt time.Time
}

// Bus routes domain events to registered handlers with per-tenant FIFO
// ordering. Distinct tenants are processed concurrently by a worker
// pool; a single tenant's events are strictly serialized.
type Bus struct {
	cfg Config

	mu         sync.Mutex
	handlers   map[types.EventType][]Handler
	queues     map[string]*tenantQueue
	processing map[string]bool
	parked     []*types.DomainEvent

	notify chan struct{}
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewBus creates a stopped bus. Register handlers before Start.
func NewBus(cfg Config) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:        cfg.withDefaults(),
		handlers:   make(map[types.EventType][]Handler),
		queues:     make(map[string]*tenantQueue),
		processing: make(map[string]bool),
		notify:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Subscribe registers a handler for an event type. Subscribe is not
// safe to call after Start.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) error {
	if !types.KnownEventType(eventType) {
		return fmt.Errorf("subscribe: unknown event type %q", eventType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Start launches the worker pool.
func (b *Bus) Start() {
	logger := log.WithComponent("events")
	logger.Info().
		Int("workers", b.cfg.Workers).
		Int("queue_capacity", b.cfg.QueueCapacity).
		Msg("Event bus started")

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop drains nothing: in-flight deliveries finish, queued events are
// discarded. The dunning scan regenerates anything that still matters.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.cancel()
	b.wg.Wait()
	logger := log.WithComponent("events")
	logger.Info().Msg("Event bus stopped")
}

// Publish enqueues an event for delivery. Unknown types are rejected.
// A full tenant queue first evicts its head if that event is already
// past MaxEventAge (it would be dropped at dequeue anyway); if the head
// is still live, the fresh event is dropped with only a metric and a
// log line, because publishers cannot do anything useful with the
// failure.
func (b *Bus) Publish(event *types.DomainEvent) error {
	if !types.KnownEventType(event.Type) {
		return fmt.Errorf("publish: unknown event type %q", event.Type)
	}
	if event.TenantID == "" {
		return fmt.Errorf("publish: event %s has no tenant", event.Type)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	q := b.queues[event.TenantID]
	if q == nil {
		q = &tenantQueue{}
		b.queues[event.TenantID] = q
	}

	// A confirmed payment supersedes any queued escalation for the
	// tenant. The entries stay queued and are discarded at dequeue.
	if event.Type == types.EventPaymentConfirmed {
		q.invalidatedAt = event.Timestamp
	}

	var evicted *queued
	if len(q.items) >= b.cfg.QueueCapacity {
		if head := q.items[0]; b.now().Sub(head.event.Timestamp) > b.cfg.MaxEventAge {
			evicted = head
			q.items = q.items[1:]
		}
	}
	if len(q.items) >= b.cfg.QueueCapacity {
		b.mu.Unlock()
		metrics.BusOverflow.Inc()
		logger := log.WithComponent("events")
		logger.Warn().
			Str("tenant_id", event.TenantID).
			Str("type", string(event.Type)).
			Msg("Tenant queue full, event dropped")
		return nil
	}

	q.items = append(q.items, &queued{event: event})
	b.mu.Unlock()

	if evicted != nil {
		metrics.BusDepth.WithLabelValues(string(evicted.event.Type)).Dec()
		metrics.BusDropped.WithLabelValues("expired").Inc()
		logger := log.WithComponent("events")
		logger.Warn().
			Str("tenant_id", event.TenantID).
			Str("type", string(evicted.event.Type)).
			Str("event_id", evicted.event.ID).
			Msg("Expired event evicted for fresh one")
	}

	metrics.BusDepth.WithLabelValues(string(event.Type)).Inc()
	b.kick()
	return nil
}

// Parked returns a copy of the events that exhausted their retries.
func (b *Bus) Parked() []*types.DomainEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.DomainEvent, len(b.parked))
	copy(out, b.parked)
	return out
}

// Depth returns the number of queued events across all tenants.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, q := range b.queues {
		total += len(q.items)
	}
	return total
}

func (b *Bus) kick() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		for {
			tenantID, item, ok := b.next()
			if !ok {
				break
			}
			b.process(tenantID, item)
		}
		select {
		case <-b.stopCh:
			return
		case <-b.notify:
		}
	}
}

// next pops the head of some tenant queue that is not already being
// worked. Marking the tenant as processing is what serializes a single
// tenant across the pool.
func (b *Bus) next() (string, *queued, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tenantID, q := range b.queues {
		if b.processing[tenantID] || len(q.items) == 0 {
			continue
		}
		item := q.items[0]
		q.items = q.items[1:]
		b.processing[tenantID] = true
		return tenantID, item, true
	}
	return "", nil, false
}

// finish releases the tenant and re-arms the pool if more work remains.
// Empty queues are removed; a fresh escalation always carries a newer
// timestamp than any old watermark, so dropping it with the queue is
// safe.
func (b *Bus) finish(tenantID string) {
	b.mu.Lock()
	q := b.queues[tenantID]
	delete(b.processing, tenantID)
	if q != nil && len(q.items) == 0 {
		delete(b.queues, tenantID)
	}
	more := q != nil && len(q.items) > 0
	b.mu.Unlock()
	if more {
		b.kick()
	}
}

func (b *Bus) process(tenantID string, item *queued) {
	defer b.finish(tenantID)

	event := item.event
	logger := log.WithComponent("events").With().
		Str("tenant_id", tenantID).
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Logger()

	metrics.BusDepth.WithLabelValues(string(event.Type)).Dec()

	if b.now().Sub(event.Timestamp) > b.cfg.MaxEventAge {
		metrics.BusDropped.WithLabelValues("expired").Inc()
		logger.Warn().Time("event_time", event.Timestamp).Msg("Event expired, dropped")
		return
	}

	if types.OverdueEvent(event.Type) {
		b.mu.Lock()
		invalidatedAt := time.Time{}
		if q := b.queues[tenantID]; q != nil {
			invalidatedAt = q.invalidatedAt
		}
		b.mu.Unlock()
		if !invalidatedAt.IsZero() && !event.Timestamp.After(invalidatedAt) {
			metrics.BusDropped.WithLabelValues("invalidated").Inc()
			logger.Info().Msg("Escalation superseded by confirmed payment, dropped")
			return
		}
	}

	b.mu.Lock()
	handlers := b.handlers[event.Type]
	b.mu.Unlock()
	if len(handlers) == 0 {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), "unhandled").Inc()
		logger.Debug().Msg("No handlers registered")
		return
	}

	err := retry.Do(
		func() error {
			var errs error
			for _, handler := range handlers {
				if err := handler(b.ctx, event); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
			return errs
		},
		retry.Context(b.ctx),
		retry.Attempts(uint(b.cfg.MaxRetries)+1),
		retry.Delay(b.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		b.park(event)
		metrics.EventsProcessed.WithLabelValues(string(event.Type), "parked").Inc()
		logger.Error().Err(err).Int("attempts", b.cfg.MaxRetries+1).Msg("Handlers kept failing, event parked")
		return
	}

	metrics.EventsProcessed.WithLabelValues(string(event.Type), "success").Inc()
	logger.Debug().Msg("Event delivered")
}

func (b *Bus) park(event *types.DomainEvent) {
	b.mu.Lock()
	b.parked = append(b.parked, event)
	b.mu.Unlock()
	metrics.BusParked.Inc()
}
