// Package signal provides an operator control channel: out-of-band
// cancellation and recovery requests aimed at a specific saga instance,
// delivered to whatever Handler a caller registers, outside the normal
// Execute/Resume call path (an operator tool, an admin HTTP handler, a CLI
// command).
//
// Grounded on the teacher pack's signal.Dispatcher: a named Handler
// registry, a pending-signal Store, and Send/Process semantics, narrowed to
// two saga-control signal names. No other package in this module imports
// it: the Executor and the Recovery Coordinator register no handlers.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Saga-control signal names. Acting on them is up to the registered Handler.
const (
	// Cancel requests that a saga be treated as cancelled at its next
	// suspension point (equivalent to a permanent failure: triggers
	// compensation of completed steps).
	Cancel = "cancel"

	// ForceRecover requests the Recovery Coordinator release a saga's locks
	// and mark it failed immediately, bypassing the stuck-saga threshold
	// (used when an operator has confirmed the owning process is gone).
	ForceRecover = "force_recover"
)

// Status is the lifecycle of a dispatched signal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Signal is an operator-originated request targeting one saga instance.
type Signal struct {
	ID          string
	Name        string
	TargetID    string // saga ID
	Payload     map[string]any
	SenderID    string
	Status      Status
	SentAt      time.Time
	ProcessedAt time.Time
	Error       string
}

// NewSignal creates a pending Signal targeting a saga.
func NewSignal(name, targetID string, payload map[string]any) Signal {
	return Signal{
		ID:       uuid.New().String(),
		Name:     name,
		TargetID: targetID,
		Payload:  payload,
		Status:   StatusPending,
		SentAt:   time.Now().UTC(),
	}
}

// WithSender sets the signal's sender ID (an operator identity or tool
// name), for audit purposes.
func (s Signal) WithSender(senderID string) Signal {
	s.SenderID = senderID
	return s
}

// Clone returns an independent copy.
func (s Signal) Clone() Signal {
	clone := s
	if s.Payload != nil {
		clone.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

var (
	// ErrSignalNotFound is returned when a signal ID isn't in the Store.
	ErrSignalNotFound = errors.New("signal: not found")

	// ErrNoHandler is returned when no handler is registered for a signal name.
	ErrNoHandler = errors.New("signal: no handler registered")
)

// Handler processes a dispatched Signal.
type Handler func(ctx context.Context, sig Signal) error

// Registry maps signal names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a signal name, overwriting any prior one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// MustRegister is Register, panicking if name is already bound.
func (r *Registry) MustRegister(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("signal: handler %q already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler bound to name, if any.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns every registered signal name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Unregister removes a handler binding.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Store persists dispatched signals and their processing outcome, so an
// operator tool can poll whether a cancel request was honored.
type Store interface {
	Enqueue(ctx context.Context, sig Signal) error
	Dequeue(ctx context.Context) (Signal, bool, error)
	Get(ctx context.Context, id string) (Signal, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	ListByTarget(ctx context.Context, targetID string) ([]Signal, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store implementation.
type MemoryStore struct {
	mu      sync.Mutex
	signals map[string]Signal
	order   []string
}

// NewMemoryStore creates an empty in-memory signal Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signals: make(map[string]Signal)}
}

func (s *MemoryStore) Enqueue(_ context.Context, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig.Clone()
	s.order = append(s.order, sig.ID)
	return nil
}

func (s *MemoryStore) Dequeue(_ context.Context) (Signal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) > 0 {
		id := s.order[0]
		s.order = s.order[1:]
		if sig, ok := s.signals[id]; ok && sig.Status == StatusPending {
			return sig.Clone(), true, nil
		}
	}
	return Signal{}, false, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return Signal{}, ErrSignalNotFound
	}
	return sig.Clone(), nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return ErrSignalNotFound
	}
	sig.Status = StatusProcessed
	sig.ProcessedAt = time.Now().UTC()
	s.signals[id] = sig
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return ErrSignalNotFound
	}
	sig.Status = StatusFailed
	sig.ProcessedAt = time.Now().UTC()
	if cause != nil {
		sig.Error = cause.Error()
	}
	s.signals[id] = sig
	return nil
}

func (s *MemoryStore) ListByTarget(_ context.Context, targetID string) ([]Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Signal
	for _, sig := range s.signals {
		if sig.TargetID == targetID {
			out = append(out, sig.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, id)
	return nil
}

// Dispatcher routes signals from a Store to registered Handlers.
type Dispatcher struct {
	registry *Registry
	store    Store
}

// NewDispatcher creates a Dispatcher over the given registry and store.
func NewDispatcher(reg *Registry, store Store) *Dispatcher {
	return &Dispatcher{registry: reg, store: store}
}

// Send enqueues sig for later processing.
func (d *Dispatcher) Send(ctx context.Context, sig Signal) error {
	return d.store.Enqueue(ctx, sig)
}

// Process drains every pending signal, dispatching each to its handler.
func (d *Dispatcher) Process(ctx context.Context) (int, error) {
	count := 0
	for {
		processed, err := d.processOne(ctx)
		if err != nil {
			return count, err
		}
		if !processed {
			return count, nil
		}
		count++
	}
}

// ProcessOne dispatches at most one pending signal; returns false if the
// queue was empty.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	return d.processOne(ctx)
}

func (d *Dispatcher) processOne(ctx context.Context) (bool, error) {
	sig, ok, err := d.store.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	handler, found := d.registry.Get(sig.Name)
	if !found {
		_ = d.store.MarkFailed(ctx, sig.ID, ErrNoHandler)
		return true, nil
	}

	if err := handler(ctx, sig); err != nil {
		_ = d.store.MarkFailed(ctx, sig.ID, err)
		return true, nil
	}

	_ = d.store.MarkProcessed(ctx, sig.ID)
	return true, nil
}
