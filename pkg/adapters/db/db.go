// Package db implements the records/drafts relational adapter: the second,
// independent relational backend (distinct from the saga Executor's own
// State Store) that the insert_row/update_row/move_to_records/
// update_row_status steps call.
//
// Grounded on axiom-software-co-international-center's
// PostgreSQLSubscriberRepository: $N placeholders, pq.Array for the
// string-slice columns, and duplicate-key detection translated into this
// module's own error taxonomy rather than a domain-specific one.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
)

// Status mirrors the record lifecycle: draft rows live in drafts, published
// rows live in records, archived records keep their row but flip Status.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Row is a single record or draft row. ID is the saga-reserved identifier
// steps pass through pkg/saga.Bag, never generated by this package.
type Row struct {
	ID        string
	Type      string
	Title     string
	Status    Status
	Tags      []string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Store is the subset of Repository the saga step library depends on.
// Declared as an interface so pkg/sagas tests can exercise the step
// definitions against an in-memory fake instead of a real (or sqlmock'd)
// database connection, per the step-authoring contract's testability goal.
type Store interface {
	InsertRecord(ctx context.Context, row Row) (Row, error)
	GetRecord(ctx context.Context, id string) (Row, error)
	GetDraft(ctx context.Context, id string) (Row, error)
	UpdateRecord(ctx context.Context, row Row, expectedVersion int64) (Row, error)
	UpdateRecordStatus(ctx context.Context, id string, status Status, expectedVersion int64) (Row, error)
	MoveDraftToRecord(ctx context.Context, draftID, recordID string) (Row, error)
	DeleteDraft(ctx context.Context, id string) error
	InsertDraft(ctx context.Context, row Row) (Row, error)
	DeleteRecord(ctx context.Context, id string) error
}

// Repository is the relational adapter the saga step library calls.
// Grounded on the teacher pack's PostgreSQLSubscriberRepository shape: one
// struct wrapping *sql.DB, one method per step operation.
type Repository struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. The caller owns the connection's
// lifecycle (this mirrors the teacher's repository constructors, which never
// call sql.Open themselves).
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateSchema creates the records and drafts tables if absent. Exposed so
// callers (CLI entrypoint, tests) can stand up a fresh database without a
// separate migration tool, matching spec.md's explicit "database schema
// migrations are out of scope" — this is bootstrapping, not migration.
func (r *Repository) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			tags TEXT[],
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS drafts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			tags TEXT[],
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// InsertRecord is the insert_row step's backing call for CreateRecord. id is
// the saga's pre-reserved identifier. A duplicate insert (the step re-running
// after a crash between commit and step-result persistence) detects the
// prior row by primary key and returns it instead of erroring, per §4.6's
// step authoring contract.
func (r *Repository) InsertRecord(ctx context.Context, row Row) (Row, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (id, type, title, status, tags, content, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`, row.ID, row.Type, row.Title, StatusPublished, pq.Array(row.Tags), row.Content, now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return r.GetRecord(ctx, row.ID)
		}
		return Row{}, fmt.Errorf("insert record: %w", err)
	}
	row.Status = StatusPublished
	row.CreatedAt, row.UpdatedAt, row.Version = now, now, 1
	return row, nil
}

// GetRecord loads a record row by ID, for load_current/load_record steps.
func (r *Repository) GetRecord(ctx context.Context, id string) (Row, error) {
	return r.scanRow(ctx, `SELECT id, type, title, status, tags, content, created_at, updated_at, version
		FROM records WHERE id = $1`, id)
}

// GetDraft loads a draft row by ID, for the load_draft step.
func (r *Repository) GetDraft(ctx context.Context, id string) (Row, error) {
	row, err := r.scanRow(ctx, `SELECT id, type, title, 'draft', tags, content, created_at, updated_at, version
		FROM drafts WHERE id = $1`, id)
	if err != nil {
		return Row{}, err
	}
	row.Status = StatusDraft
	return row, nil
}

func (r *Repository) scanRow(ctx context.Context, query string, id string) (Row, error) {
	var row Row
	var status string
	var tags pq.StringArray
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.Type, &row.Title, &status, &tags, &row.Content,
		&row.CreatedAt, &row.UpdatedAt, &row.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, saerr.ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("scan row: %w", err)
	}
	row.Status = Status(status)
	row.Tags = []string(tags)
	return row, nil
}

// UpdateRecord is the update_row step's backing call for UpdateRecord. It
// enforces optimistic concurrency against expectedVersion exactly like
// pkg/store's Version column, so a concurrent non-saga writer can't silently
// clobber a step's work.
func (r *Repository) UpdateRecord(ctx context.Context, row Row, expectedVersion int64) (Row, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE records SET title = $1, tags = $2, content = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, row.Title, pq.Array(row.Tags), row.Content, now, row.ID, expectedVersion)
	if err != nil {
		return Row{}, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Row{}, fmt.Errorf("update record rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := r.GetRecord(ctx, row.ID)
		if getErr != nil {
			return Row{}, getErr
		}
		if current.Version == expectedVersion+1 {
			// The prior attempt's commit landed but its step result never
			// persisted before a crash; re-running update_row with the same
			// values is indistinguishable from success.
			return current, nil
		}
		return Row{}, saerr.ErrConflict
	}
	row.UpdatedAt = now
	row.Version = expectedVersion + 1
	row.Status = StatusPublished
	return row, nil
}

// UpdateRecordStatus is the update_row_status step's backing call for
// ArchiveRecord.
func (r *Repository) UpdateRecordStatus(ctx context.Context, id string, status Status, expectedVersion int64) (Row, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE records SET status = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4
	`, status, now, id, expectedVersion)
	if err != nil {
		return Row{}, fmt.Errorf("update record status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Row{}, fmt.Errorf("update record status rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := r.GetRecord(ctx, id)
		if getErr != nil {
			return Row{}, getErr
		}
		if current.Status == status && current.Version == expectedVersion+1 {
			return current, nil
		}
		return Row{}, saerr.ErrConflict
	}
	return r.GetRecord(ctx, id)
}

// MoveDraftToRecord is the move_to_records step's backing call for
// PublishDraft: inserts (or updates, if the record ID is already occupied by
// a prior attempt of this same saga) the published row from the draft's
// content, leaving the draft row untouched — delete_draft removes it as a
// separate, independently-retryable step.
func (r *Repository) MoveDraftToRecord(ctx context.Context, draftID, recordID string) (Row, error) {
	draft, err := r.GetDraft(ctx, draftID)
	if err != nil {
		return Row{}, err
	}

	existing, err := r.GetRecord(ctx, recordID)
	if err == nil {
		existing.Title, existing.Tags, existing.Content = draft.Title, draft.Tags, draft.Content
		return r.UpdateRecord(ctx, existing, existing.Version)
	}
	if !errors.Is(err, saerr.ErrNotFound) {
		return Row{}, err
	}

	return r.InsertRecord(ctx, Row{
		ID:      recordID,
		Type:    draft.Type,
		Title:   draft.Title,
		Tags:    draft.Tags,
		Content: draft.Content,
	})
}

// DeleteDraft is the delete_draft step's backing call. Already-absent is
// success, per §4.6's step authoring contract.
func (r *Repository) DeleteDraft(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// InsertDraft is used by the caller surface (outside the saga core) to
// create the draft rows PublishDraft later consumes; included here because
// it shares the repository's connection and duplicate-key handling.
func (r *Repository) InsertDraft(ctx context.Context, row Row) (Row, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drafts (id, type, title, tags, content, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`, row.ID, row.Type, row.Title, pq.Array(row.Tags), row.Content, now, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return r.GetDraft(ctx, row.ID)
		}
		return Row{}, fmt.Errorf("insert draft: %w", err)
	}
	row.Status = StatusDraft
	row.CreatedAt, row.UpdatedAt, row.Version = now, now, 1
	return row, nil
}

// DeleteRecord removes a record row outright. Used by compensating actions
// (insert_row's compensation) to undo a CreateRecord that failed downstream.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 23505 is PostgreSQL's unique_violation SQLSTATE code.
		return pqErr.Code == "23505"
	}
	return false
}
