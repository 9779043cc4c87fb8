// Package events carries pool notifications: contributions, status changes,
// draws, payouts, refunds and yield claims. A RingBuffer keeps recent events
// in memory for subscribers; a RedisPublisher fans them out to other
// processes.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// EventType classifies a pool event.
type EventType string

const (
	EventPoolCreated          EventType = "pool.created"
	EventStatusChanged        EventType = "pool.status_changed"
	EventPaused               EventType = "pool.paused"
	EventUnpaused             EventType = "pool.unpaused"
	EventContributionRecorded EventType = "contribution.recorded"
	EventRandomnessRequested  EventType = "randomness.requested"
	EventRandomnessExpired    EventType = "randomness.expired"
	EventWinnersDrawn         EventType = "winners.drawn"
	EventPayoutSent           EventType = "payout.sent"
	EventDistributionFailed   EventType = "distribution.failed"
	EventRefundClaimed        EventType = "refund.claimed"
	EventFinalized            EventType = "fundraise.finalized"
	EventYieldClaimed         EventType = "yield.claimed"
	EventOwnershipProposed    EventType = "ownership.proposed"
	EventOwnershipAccepted    EventType = "ownership.accepted"
)

// Event is a single pool notification.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Pool      string            `json:"pool"`
	Account   string            `json:"account,omitempty"`
	Amount    int64             `json:"amount,omitempty"`
	Units     int64             `json:"units,omitempty"`
	Status    string            `json:"status,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be processed.
type Filter func(Event) bool

// stamp fills the id, timestamp and trace id.
func stamp(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" && ctx != nil {
		if traceID, ok := ctx.Value(logger.TraceIDKey).(string); ok {
			e.TraceID = traceID
		}
	}
	return e
}

// RingBuffer is a thread-safe circular buffer of events with subscribers.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a buffer holding the last size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish stores the event and notifies subscribers outside the lock.
func (rb *RingBuffer) Publish(ctx context.Context, event Event) error {
	event = stamp(ctx, event)

	rb.mu.Lock()
	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
	return nil
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter and returns the
// unsubscribe function.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recent(n, nil)
}

// RecentByPool returns recent events of one pool, newest first.
func (rb *RingBuffer) RecentByPool(poolID string, n int) []Event {
	return rb.recent(n, func(e Event) bool { return e.Pool == poolID })
}

// RecentByType returns recent events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recent(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) recent(n int, filter Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if filter == nil || filter(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Fanout publishes to every publisher. A failing publisher is logged and
// skipped; the first error is returned after all were tried.
type Fanout struct {
	publishers []Publisher
	log        *logger.Logger
}

// NewFanout creates a Fanout over publishers.
func NewFanout(log *logger.Logger, publishers ...Publisher) *Fanout {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Fanout{publishers: publishers, log: log}
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	event = stamp(ctx, event)
	var first error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			f.log.WithContext(ctx).WithError(err).WithField("event_type", event.Type).Warn("publish event failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
