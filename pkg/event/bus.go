// Package event provides the saga core's event sink: the publish/subscribe
// bus the "emit_events" derived step uses to notify interested subscribers
// (a search reindexer, a notification service) of a saga's outcome, without
// making the saga's own terminal status depend on their availability.
//
// Grounded on the teacher pack's event.LocalBus: a buffered per-subscriber
// channel, type and wildcard subscriptions, a dedupe cache keyed by event
// ID, and pause/resume on individual subscriptions.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a saga-lifecycle notification published through the bus.
type Event struct {
	ID        string
	Type      string // e.g. "record.created", "draft.published"
	SagaID    string
	Payload   map[string]any
	Timestamp time.Time
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType, sagaID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SagaID:    sagaID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes one event delivered to a subscription.
type Handler func(ctx context.Context, evt Event) error

// Subscription controls a single subscriber's feed; it can be paused
// without unsubscribing, useful when a derived consumer (e.g. the search
// reindexer) is known to be temporarily down.
type Subscription interface {
	Unsubscribe()
	Pause()
	Resume()
	IsPaused() bool
}

// Bus publishes saga events to subscribers, keyed by event type or via a
// wildcard subscription that receives every event.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(eventType string, handler Handler) Subscription
	SubscribeAll(handler Handler) Subscription
	Close() error
}

// Wildcard subscribes to every event type.
const Wildcard = "*"

// BusConfig configures a LocalBus.
type BusConfig struct {
	// BufferSize is the per-subscription channel capacity.
	BufferSize int

	// MaxSubscribers is carried in the config but LocalBus does not read it:
	// the number of subscriptions is not capped.
	MaxSubscribers int

	// NonBlocking, when true, drops an event for a subscriber whose buffer
	// is full rather than blocking Publish. OnDrop is invoked for each drop.
	NonBlocking bool

	// DeduplicateTTL, when non-zero, suppresses republishing an event ID
	// seen within this window.
	DeduplicateTTL time.Duration

	// OnDrop is called (if set) whenever NonBlocking drops an event.
	OnDrop func(sub Subscription, evt Event)

	// OnError is called (if set) whenever a Handler returns an error.
	OnError func(sub Subscription, evt Event, err error)
}

// DefaultBusConfig returns sane defaults: a modest buffer, blocking
// delivery, and no deduplication.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:     64,
		MaxSubscribers: 0,
		NonBlocking:    false,
		DeduplicateTTL: 0,
	}
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	ch        chan Event
	bus       *LocalBus
	paused    atomicBool
	done      chan struct{}
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) Load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicBool) Store(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

func (s *subscription) Pause()        { s.paused.Store(true) }
func (s *subscription) Resume()       { s.paused.Store(false) }
func (s *subscription) IsPaused() bool { return s.paused.Load() }

func (s *subscription) process() {
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.ch:
			if !ok {
				return
			}
			if s.IsPaused() {
				continue
			}
			if err := s.handler(context.Background(), evt); err != nil {
				if s.bus.config.OnError != nil {
					s.bus.config.OnError(s, evt, err)
				}
			}
		}
	}
}

// LocalBus is an in-process Bus implementation.
type LocalBus struct {
	mu            sync.RWMutex
	config        BusConfig
	subscriptions map[string][]*subscription
	closed        bool

	dedupeMu sync.Mutex
	dedupe   map[string]time.Time
}

// NewLocalBus creates a LocalBus with the given config.
func NewLocalBus(cfg BusConfig) *LocalBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	b := &LocalBus{
		config:        cfg,
		subscriptions: make(map[string][]*subscription),
		dedupe:        make(map[string]time.Time),
	}
	if cfg.DeduplicateTTL > 0 {
		go b.cleanupDedupe()
	}
	return b
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL)
	defer ticker.Stop()
	for range ticker.C {
		b.dedupeMu.Lock()
		if b.closed {
			b.dedupeMu.Unlock()
			return
		}
		now := time.Now()
		for id, seenAt := range b.dedupe {
			if now.Sub(seenAt) > b.config.DeduplicateTTL {
				delete(b.dedupe, id)
			}
		}
		b.dedupeMu.Unlock()
	}
}

func (b *LocalBus) seenRecently(evt Event) bool {
	if b.config.DeduplicateTTL <= 0 {
		return false
	}
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	if seenAt, ok := b.dedupe[evt.ID]; ok && time.Since(seenAt) <= b.config.DeduplicateTTL {
		return true
	}
	b.dedupe[evt.ID] = time.Now()
	return false
}

// Publish delivers evt to every subscriber of its type plus every wildcard
// subscriber. Never returns an error for subscriber failures; those surface
// only through OnError/OnDrop, since a derived notification sink going down
// must never fail the saga step that published the event.
func (b *LocalBus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event: bus is closed")
	}
	if b.seenRecently(evt) {
		return nil
	}

	targets := append([]*subscription(nil), b.subscriptions[evt.Type]...)
	targets = append(targets, b.subscriptions[Wildcard]...)

	for _, sub := range targets {
		if b.config.NonBlocking {
			select {
			case sub.ch <- evt:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(sub, evt)
				}
			}
		} else {
			sub.ch <- evt
		}
	}
	return nil
}

// Subscribe registers handler for a specific event type.
func (b *LocalBus) Subscribe(eventType string, handler Handler) Subscription {
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers handler for every event type.
func (b *LocalBus) SubscribeAll(handler Handler) Subscription {
	return b.subscribe(Wildcard, handler)
}

func (b *LocalBus) subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		ch:        make(chan Event, b.config.BufferSize),
		bus:       b,
		done:      make(chan struct{}),
	}
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	go sub.process()
	return sub
}

func (b *LocalBus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[target.eventType]
	for i, sub := range subs {
		if sub == target {
			b.subscriptions[target.eventType] = append(subs[:i], subs[i+1:]...)
			close(target.done)
			return
		}
	}
}

// Close shuts down every subscription and the bus itself.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.subscriptions = make(map[string][]*subscription)
	return nil
}
