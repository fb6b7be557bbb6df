// Package store provides the saga core's State Store: the durable,
// per-saga-id-serialized record of saga instances, step results, resource
// locks, and idempotency entries. SQLiteStore is the production
// implementation; MemoryStore is a fully-synchronous in-process
// implementation used in tests.
package store

import (
	"context"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

// Saga status constants, per the six-value lifecycle: a saga is pending
// until the Executor has acquired its locks and begun the first step.
const (
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether the status is a final state the Executor will
// never transition out of.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// StepResult records the outcome of one step attempt sequence (the final
// attempt's output and error). The Executor does not fill in Attempts or
// StartedAt; they stay zero.
type StepResult struct {
	StepName   string         `json:"step_name"`
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// Instance is the persisted state of a single saga execution: the
// authoritative record the Executor resumes from after a crash.
type Instance struct {
	ID             string         `json:"id"`
	SagaName       string         `json:"saga_name"`
	SagaVersion    int            `json:"saga_version"`
	Status         Status         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Steps          []StepResult   `json:"steps"`
	CurrentStep    int            `json:"current_step"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
	CompensatedAt  *time.Time     `json:"compensated_at,omitempty"`

	// Version is the optimistic-concurrency counter. Every UpdateSaga call
	// must supply the version it last observed.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to hand to a caller without sharing the
// Store's internal slices/maps.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Context = cloneMap(i.Context)
	clone.Steps = make([]StepResult, len(i.Steps))
	for idx, step := range i.Steps {
		step.Output = cloneMap(step.Output)
		clone.Steps[idx] = step
	}
	if i.CompensatedAt != nil {
		t := *i.CompensatedAt
		clone.CompensatedAt = &t
	}
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LockRecord is a held resource lease.
type LockRecord struct {
	ResourceKey string    `json:"resource_key"`
	Owner       string    `json:"owner"`
	ExpiresAt   time.Time `json:"expires_at"`
	Version     int64     `json:"version"`
}

// IdempotencyEntry maps a caller-supplied idempotency key to the saga it is
// bound to and, once the saga finalizes, to the recorded outcome.
type IdempotencyEntry struct {
	KeyHash     string         `json:"key_hash"`
	SagaID      string         `json:"saga_id"`
	Status      string         `json:"status"` // in_progress | succeeded | failed
	Outcome     map[string]any `json:"outcome,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
}

// ListFilter narrows ListSagasBy queries. Zero values are wildcards, except
// UpdatedBefore which, when non-zero, restricts to instances whose last
// update predates it (used by the Recovery Coordinator's stuck-saga sweep).
type ListFilter struct {
	SagaName      string
	Status        Status
	UpdatedBefore time.Time
	Limit         int
}

// Store is the saga core's State Store. Every write that must be observed
// atomically alongside a lock release goes through FinalizeSaga rather than
// UpdateSaga, so no caller can ever see a terminal saga whose locks are
// still held.
type Store interface {
	// CreateSaga persists a brand-new saga instance. Returns ErrConflict if
	// the ID already exists.
	CreateSaga(ctx context.Context, inst *Instance) error

	// LoadSaga returns the current instance, or ErrNotFound.
	LoadSaga(ctx context.Context, sagaID string) (*Instance, error)

	// UpdateSaga applies mutate to the instance currently at expectedVersion
	// and persists the result with Version = expectedVersion+1. Returns
	// ErrConflict if the stored version has moved on. mutate must not change
	// Status to a terminal value while resource locks are still held by this
	// saga; use FinalizeSaga for that transition.
	UpdateSaga(ctx context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error) (*Instance, error)

	// FinalizeSaga applies mutate (expected to set a terminal Status) and
	// releases every resourceKey held by owner, as a single atomic unit.
	FinalizeSaga(ctx context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error, owner string, resourceKeys []string) (*Instance, error)

	// ListSagasBy returns instances matching filter, ordered by UpdatedAt
	// ascending (oldest first - what the Recovery Coordinator wants).
	ListSagasBy(ctx context.Context, filter ListFilter) ([]*Instance, error)

	// AcquireLock creates a lease for resourceKey if none is held, or if the
	// existing lease has expired. Returns ErrLocked if another owner holds a
	// live lease.
	AcquireLock(ctx context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error)

	// RenewLock extends an owned lease. Returns ErrLockLost if the lease
	// expired and was reclaimed by another owner in the meantime.
	RenewLock(ctx context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error)

	// ReleaseLock releases an owned lease. A no-op (not an error) if no
	// lease is held, or if it is held by a different owner (already
	// reclaimed).
	ReleaseLock(ctx context.Context, resourceKey, owner string) error

	// PutIdempotency creates a new idempotency entry. Returns ErrConflict if
	// the key hash already exists.
	PutIdempotency(ctx context.Context, entry *IdempotencyEntry) error

	// GetIdempotency returns the entry for a key hash, or ErrNotFound.
	GetIdempotency(ctx context.Context, keyHash string) (*IdempotencyEntry, error)

	// UpdateIdempotency applies mutate to the entry for keyHash. Used to
	// finalize an in-progress entry once its saga reaches a terminal state.
	UpdateIdempotency(ctx context.Context, keyHash string, mutate func(*IdempotencyEntry) error) (*IdempotencyEntry, error)

	// Close releases any underlying resources (e.g. the SQLite handle).
	Close() error
}
