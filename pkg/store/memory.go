package store

import (
	"context"
	"sort"
	"sync"
	"time"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
)

// MemoryStore is an in-memory Store implementation, grounded on the
// teacher's checkpoint.MemoryStore: a single sync.Mutex guards everything,
// trading concurrency for the simplicity that makes it a trustworthy test
// double. All reads/writes return clones so callers can never mutate
// internal state through an alias.
type MemoryStore struct {
	mu     sync.Mutex
	sagas  map[string]*Instance
	locks  map[string]*LockRecord
	idem   map[string]*IdempotencyEntry
	closed bool
}

// NewMemoryStore creates a new in-memory State Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Instance),
		locks: make(map[string]*LockRecord),
		idem:  make(map[string]*IdempotencyEntry),
	}
}

func (s *MemoryStore) CreateSaga(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}
	if _, exists := s.sagas[inst.ID]; exists {
		return saerr.ErrConflict
	}
	stored := inst.Clone()
	stored.Version = 1
	stored.UpdatedAt = time.Now().UTC()
	s.sagas[inst.ID] = stored
	return nil
}

func (s *MemoryStore) LoadSaga(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	inst, ok := s.sagas[sagaID]
	if !ok {
		return nil, saerr.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) UpdateSaga(_ context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSagaLocked(sagaID, expectedVersion, mutate)
}

// updateSagaLocked must be called with s.mu held.
func (s *MemoryStore) updateSagaLocked(sagaID string, expectedVersion int64, mutate func(*Instance) error) (*Instance, error) {
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	inst, ok := s.sagas[sagaID]
	if !ok {
		return nil, saerr.ErrNotFound
	}
	if inst.Version != expectedVersion {
		return nil, saerr.ErrConflict
	}
	working := inst.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = expectedVersion + 1
	working.UpdatedAt = time.Now().UTC()
	s.sagas[sagaID] = working
	return working.Clone(), nil
}

func (s *MemoryStore) FinalizeSaga(_ context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error, owner string, resourceKeys []string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.updateSagaLocked(sagaID, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}

	for _, key := range resourceKeys {
		if rec, ok := s.locks[key]; ok && rec.Owner == owner {
			delete(s.locks, key)
		}
	}
	return inst, nil
}

func (s *MemoryStore) ListSagasBy(_ context.Context, filter ListFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	var matched []*Instance
	for _, inst := range s.sagas {
		if filter.SagaName != "" && inst.SagaName != filter.SagaName {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, inst.Clone())
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.Before(matched[j].UpdatedAt) })

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	now := time.Now().UTC()
	existing, held := s.locks[resourceKey]
	if held && existing.Owner != owner && existing.ExpiresAt.After(now) {
		return nil, saerr.ErrLocked
	}

	version := int64(1)
	if held {
		version = existing.Version + 1
	}
	rec := &LockRecord{ResourceKey: resourceKey, Owner: owner, ExpiresAt: now.Add(ttl), Version: version}
	s.locks[resourceKey] = rec
	out := *rec
	return &out, nil
}

func (s *MemoryStore) RenewLock(_ context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	existing, held := s.locks[resourceKey]
	now := time.Now().UTC()
	if !held || existing.Owner != owner || existing.ExpiresAt.Before(now) {
		return nil, saerr.ErrLockLost
	}

	existing.ExpiresAt = now.Add(ttl)
	existing.Version++
	out := *existing
	return &out, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, resourceKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}

	if rec, ok := s.locks[resourceKey]; ok && rec.Owner == owner {
		delete(s.locks, resourceKey)
	}
	return nil
}

func (s *MemoryStore) PutIdempotency(_ context.Context, entry *IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}
	if _, exists := s.idem[entry.KeyHash]; exists {
		return saerr.ErrConflict
	}
	stored := *entry
	stored.Outcome = cloneMap(entry.Outcome)
	s.idem[entry.KeyHash] = &stored
	return nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, keyHash string) (*IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	entry, ok := s.idem[keyHash]
	if !ok {
		return nil, saerr.ErrNotFound
	}
	clone := *entry
	clone.Outcome = cloneMap(entry.Outcome)
	return &clone, nil
}

func (s *MemoryStore) UpdateIdempotency(_ context.Context, keyHash string, mutate func(*IdempotencyEntry) error) (*IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	entry, ok := s.idem[keyHash]
	if !ok {
		return nil, saerr.ErrNotFound
	}
	working := *entry
	working.Outcome = cloneMap(entry.Outcome)
	if err := mutate(&working); err != nil {
		return nil, err
	}
	s.idem[keyHash] = &working
	clone := working
	clone.Outcome = cloneMap(working.Outcome)
	return &clone, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
