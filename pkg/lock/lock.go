// Package lock provides the Resource Lock Manager: TTL-bounded exclusive
// leases over caller-chosen resource keys, reentrant by the same owner, and
// reclaimable purely on TTL expiry.
//
// Grounded on the teacher pack's SystemOperationLockService (renew interval
// = lease/3, reclaim-on-expiry semantics), adapted to operate over a set of
// resource keys acquired together rather than a single system lock.
package lock

import (
	"context"
	"errors"
	"sort"
	"time"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

// Manager acquires and renews resource leases against a Store.
type Manager struct {
	store store.Store
}

// NewManager creates a lock Manager over the given Store.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// LeaseSet is a set of resource leases acquired together by one owner. It
// renews and releases as a unit: a saga locks every resource its definition
// declares up front, holds them for the saga's whole lifetime, and releases
// them all atomically with the saga's terminal transition.
type LeaseSet struct {
	manager      *Manager
	owner        string
	ttl          time.Duration
	resourceKeys []string
}

// Acquire sorts resourceKeys (a deterministic order prevents lock-ordering
// deadlocks between sagas that both need the same pair of resources) and
// acquires each in turn, rolling back everything already acquired if any
// single acquisition fails.
func (m *Manager) Acquire(ctx context.Context, resourceKeys []string, owner string, ttl time.Duration) (*LeaseSet, error) {
	sorted := append([]string(nil), resourceKeys...)
	sort.Strings(sorted)

	acquired := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if _, err := m.store.AcquireLock(ctx, key, owner, ttl); err != nil {
			for _, held := range acquired {
				_ = m.store.ReleaseLock(ctx, held, owner)
			}
			if errors.Is(err, saerr.ErrLocked) {
				return nil, saerr.ErrLocked
			}
			return nil, err
		}
		acquired = append(acquired, key)
	}

	return &LeaseSet{manager: m, owner: owner, ttl: ttl, resourceKeys: sorted}, nil
}

// ReleaseKeys releases resourceKeys directly, without a LeaseSet. Used to
// unwind a partially-started saga (e.g. a failed lock acquisition before any
// LeaseSet exists).
func (m *Manager) ReleaseKeys(ctx context.Context, resourceKeys []string, owner string) error {
	var firstErr error
	for _, key := range resourceKeys {
		if err := m.store.ReleaseLock(ctx, key, owner); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResourceKeys returns the sorted resource keys held by this lease set.
func (l *LeaseSet) ResourceKeys() []string {
	return append([]string(nil), l.resourceKeys...)
}

// Renew extends every lease in the set. A renewal loop should call this at
// a cadence no slower than ttl/3, matching the teacher's
// SystemOperationLockService ratio; returns ErrLockLost (without
// partial-renewing the rest) the first time any lease has already expired
// and been reclaimed, so the caller can abort its saga step promptly.
func (l *LeaseSet) Renew(ctx context.Context) error {
	for _, key := range l.resourceKeys {
		if _, err := l.manager.store.RenewLock(ctx, key, l.owner, l.ttl); err != nil {
			return err
		}
	}
	return nil
}

// Release releases every lease in the set. Safe to call multiple times;
// releasing a lease already reclaimed by someone else is a no-op.
func (l *LeaseSet) Release(ctx context.Context) error {
	var firstErr error
	for _, key := range l.resourceKeys {
		if err := l.manager.store.ReleaseLock(ctx, key, l.owner); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RenewInterval returns the recommended renewal cadence for a given TTL:
// TTL/3, the ratio the teacher's lock service uses so that two missed
// renewals still leave a safety margin before expiry.
func RenewInterval(ttl time.Duration) time.Duration {
	return ttl / 3
}

// RunRenewal starts a background renewal loop at RenewInterval(ttl) until
// ctx is cancelled or a renewal fails. onLost is invoked (once) with the
// error of the first failed renewal (ErrLockLost when a lease was
// reclaimed, or any store error), so the caller can abort its saga step.
func (l *LeaseSet) RunRenewal(ctx context.Context, onLost func(error)) {
	interval := RenewInterval(l.ttl)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
