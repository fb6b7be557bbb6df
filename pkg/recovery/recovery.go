// Package recovery provides the Recovery Coordinator: a periodic sweep that
// finds sagas stuck in a non-terminal status past a staleness threshold,
// releases their resource locks, and marks them failed — never resuming
// forward progress on its own, since an operator or the caller must decide
// whether compensation has already run safely.
//
// Grounded on the teacher pack's checkpoint-sweep idiom (poll the Store for
// stale entries on a ticker) combined with the lock package's TTL-expiry
// semantics: a stuck saga's locks have very likely already expired by the
// time the sweep finds it, so releasing them here is mostly a defensive
// cleanup rather than a race with a live owner.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/recordsaga/pkg/lock"
	"github.com/randalmurphal/recordsaga/pkg/observability"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

// Options configures the Coordinator.
type Options struct {
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// StuckThreshold is how long a saga may sit with no status update
	// before the sweep considers it stuck.
	StuckThreshold time.Duration

	// BatchSize bounds how many stuck sagas of each swept status (pending,
	// executing, compensating) are processed per sweep.
	BatchSize int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultOptions returns conservative recovery defaults.
func DefaultOptions() Options {
	return Options{
		SweepInterval:  30 * time.Second,
		StuckThreshold: 2 * time.Minute,
		BatchSize:      50,
	}
}

// Coordinator runs the stuck-saga sweep against a State Store and Lock
// Manager.
type Coordinator struct {
	store store.Store
	locks *lock.Manager
	opts  Options
}

// NewCoordinator creates a Coordinator. locks is constructed over s if nil.
func NewCoordinator(s store.Store, locks *lock.Manager, opts Options) *Coordinator {
	if locks == nil {
		locks = lock.NewManager(s)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = DefaultOptions().StuckThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	return &Coordinator{store: s, locks: locks, opts: opts}
}

// Run blocks, sweeping on opts.SweepInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.opts.Logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass: find every non-terminal saga last updated
// before the staleness cutoff, release its locks, and mark it failed.
// Returns the number of sagas recovered.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-c.opts.StuckThreshold)
	recovered := 0

	for _, status := range []store.Status{store.StatusPending, store.StatusExecuting, store.StatusCompensating} {
		instances, err := c.store.ListSagasBy(ctx, store.ListFilter{
			Status:        status,
			UpdatedBefore: cutoff,
			Limit:         c.opts.BatchSize,
		})
		if err != nil {
			return recovered, err
		}

		for _, inst := range instances {
			if err := c.recoverOne(ctx, inst); err != nil {
				c.opts.Logger.Error("failed to recover stuck saga", "saga_id", inst.ID, "error", err)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		c.opts.Logger.Warn("recovery sweep marked stuck sagas failed", "count", recovered)
	}
	return recovered, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, inst *store.Instance) error {
	owner := inst.ID
	// The stuck saga's original lease owner is its own saga ID (the
	// Executor uses sagaID as the lock owner); releasing by that owner is
	// safe even if the lease already expired and was reclaimed, since
	// ReleaseLock is defined as a no-op when the owner doesn't match.
	resourceKeys := resourceKeysFromContext(inst)

	_, err := c.store.FinalizeSaga(ctx, inst.ID, inst.Version, func(in *store.Instance) error {
		in.Status = store.StatusFailed
		in.Error = "stuck/abandoned"
		in.FinishedAt = time.Now().UTC()
		return nil
	}, owner, resourceKeys)
	if err != nil {
		return err
	}

	c.opts.Metrics.RecordSagaRun(ctx, inst.SagaName, string(store.StatusFailed), time.Since(inst.StartedAt))
	return nil
}

// resourceKeysContextField mirrors saga.resourceKeysContextField: the
// Context key the Executor stamps with the saga's held resource keys. Kept
// as a local constant because pkg/saga does not export it, and recovery
// only needs the key name, not the Executor itself.
const resourceKeysContextField = "__resource_keys"

// resourceKeysFromContext best-effort recovers the resource keys a stuck
// saga was holding, from the bookkeeping entry the Executor stamps into the
// context bag alongside step outputs. Sagas persisted before this
// bookkeeping existed simply release nothing (their leases will have
// already expired on their own TTL).
func resourceKeysFromContext(inst *store.Instance) []string {
	raw, ok := inst.Context[resourceKeysContextField]
	if !ok {
		return nil
	}
	list, ok := raw.([]string)
	if ok {
		return list
	}
	if anyList, ok := raw.([]any); ok {
		out := make([]string, 0, len(anyList))
		for _, v := range anyList {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
