package db

import (
	"context"
	"errors"
	"sync"
	"time"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
)

// MemoryRepository is an in-memory Store, grounded on pkg/store.MemoryStore:
// one mutex guarding two maps, every read/write passing through a value copy
// so a caller can never mutate stored state through an alias. Used by
// pkg/sagas's own tests in place of a live Postgres connection (the CLI
// uses Repository) — it implements exactly the semantics Repository does
// (duplicate-insert-returns-prior-row, optimistic concurrency on Version),
// just without a database behind it.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Row
	drafts  map[string]Row
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]Row),
		drafts:  make(map[string]Row),
	}
}

func (m *MemoryRepository) InsertRecord(_ context.Context, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[row.ID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	row.Status = StatusPublished
	row.CreatedAt, row.UpdatedAt, row.Version = now, now, 1
	m.records[row.ID] = row
	return row, nil
}

func (m *MemoryRepository) GetRecord(_ context.Context, id string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.records[id]
	if !ok {
		return Row{}, saerr.ErrNotFound
	}
	return row, nil
}

func (m *MemoryRepository) GetDraft(_ context.Context, id string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.drafts[id]
	if !ok {
		return Row{}, saerr.ErrNotFound
	}
	return row, nil
}

func (m *MemoryRepository) UpdateRecord(_ context.Context, row Row, expectedVersion int64) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[row.ID]
	if !ok {
		return Row{}, saerr.ErrNotFound
	}
	if current.Version != expectedVersion {
		if current.Version == expectedVersion+1 {
			return current, nil
		}
		return Row{}, saerr.ErrConflict
	}
	current.Title, current.Tags, current.Content = row.Title, row.Tags, row.Content
	current.UpdatedAt = time.Now().UTC()
	current.Version = expectedVersion + 1
	m.records[row.ID] = current
	return current, nil
}

func (m *MemoryRepository) UpdateRecordStatus(_ context.Context, id string, status Status, expectedVersion int64) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return Row{}, saerr.ErrNotFound
	}
	if current.Version != expectedVersion {
		if current.Status == status && current.Version == expectedVersion+1 {
			return current, nil
		}
		return Row{}, saerr.ErrConflict
	}
	current.Status = status
	current.UpdatedAt = time.Now().UTC()
	current.Version = expectedVersion + 1
	m.records[id] = current
	return current, nil
}

func (m *MemoryRepository) MoveDraftToRecord(ctx context.Context, draftID, recordID string) (Row, error) {
	m.mu.Lock()
	draft, ok := m.drafts[draftID]
	m.mu.Unlock()
	if !ok {
		return Row{}, saerr.ErrNotFound
	}

	existing, err := m.GetRecord(ctx, recordID)
	if err == nil {
		existing.Title, existing.Tags, existing.Content = draft.Title, draft.Tags, draft.Content
		return m.UpdateRecord(ctx, existing, existing.Version)
	}
	if !errors.Is(err, saerr.ErrNotFound) {
		return Row{}, err
	}
	return m.InsertRecord(ctx, Row{
		ID:      recordID,
		Type:    draft.Type,
		Title:   draft.Title,
		Tags:    draft.Tags,
		Content: draft.Content,
	})
}

func (m *MemoryRepository) DeleteDraft(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, id)
	return nil
}

func (m *MemoryRepository) InsertDraft(_ context.Context, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.drafts[row.ID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	row.Status = StatusDraft
	row.CreatedAt, row.UpdatedAt, row.Version = now, now, 1
	m.drafts[row.ID] = row
	return row, nil
}

func (m *MemoryRepository) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

var _ Store = (*MemoryRepository)(nil)
