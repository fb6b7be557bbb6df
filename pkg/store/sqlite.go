package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists saga instances, resource locks, and idempotency
// entries to SQLite. Grounded on the teacher's checkpoint.SQLiteStore:
// restrictive file permissions created before sql.Open touches the path,
// and WAL mode for concurrent readers. Inserts and updates are separate
// statements (no ON CONFLICT upserts). Every write
// that must be observed atomically (FinalizeSaga) runs inside one
// transaction so a reader can never see a terminal saga with its locks
// still held.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed State Store.
// path may be ":memory:" for a private in-process database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if createErr == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Warn("failed to close state store file after creation",
						slog.String("path", path), slog.String("error", closeErr.Error()))
				}
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			slog.Warn("failed to set restrictive permissions on state store file",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			saga_name TEXT NOT NULL,
			saga_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT,
			context BLOB,
			steps BLOB,
			current_step INTEGER NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			compensated_at TEXT,
			version INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_status_updated ON sagas(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_name ON sagas(saga_name)`,
		`CREATE TABLE IF NOT EXISTS resource_locks (
			resource_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_hash TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome BLOB,
			created_at TEXT NOT NULL,
			finalized_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) CreateSaga(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}

	contextBlob, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}
	stepsBlob, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, saga_name, saga_version, status, idempotency_key, context, steps,
			current_step, error, created_at, updated_at, started_at, finished_at, compensated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 1)
	`, inst.ID, inst.SagaName, inst.SagaVersion, string(inst.Status), inst.IdempotencyKey,
		contextBlob, stepsBlob, inst.CurrentStep, inst.Error,
		fmtTime(now), fmtTime(now), fmtTime(inst.StartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return saerr.ErrConflict
		}
		return fmt.Errorf("create saga: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as plain errors
	// whose text names the SQLite error; there is no typed sentinel, so we
	// match on the well-known phrase rather than a driver-specific type.
	return err != nil && containsFold(err.Error(), "UNIQUE constraint failed")
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFold(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *SQLiteStore) scanInstance(row *sql.Row) (*Instance, error) {
	var inst Instance
	var status, createdAt, updatedAt, startedAt string
	var finishedAt, compensatedAt, idempotencyKey, errStr sql.NullString
	var contextBlob, stepsBlob []byte

	err := row.Scan(&inst.ID, &inst.SagaName, &inst.SagaVersion, &status, &idempotencyKey,
		&contextBlob, &stepsBlob, &inst.CurrentStep, &errStr,
		&createdAt, &updatedAt, &startedAt, &finishedAt, &compensatedAt, &inst.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}

	inst.Status = Status(status)
	inst.IdempotencyKey = idempotencyKey.String
	inst.Error = errStr.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	inst.StartedAt = parseTime(startedAt)
	inst.FinishedAt = parseTime(finishedAt.String)
	if compensatedAt.Valid && compensatedAt.String != "" {
		t := parseTime(compensatedAt.String)
		inst.CompensatedAt = &t
	}
	if len(contextBlob) > 0 {
		if err := json.Unmarshal(contextBlob, &inst.Context); err != nil {
			return nil, fmt.Errorf("unmarshal saga context: %w", err)
		}
	}
	if len(stepsBlob) > 0 {
		if err := json.Unmarshal(stepsBlob, &inst.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal saga steps: %w", err)
		}
	}
	return &inst, nil
}

func (s *SQLiteStore) LoadSaga(ctx context.Context, sagaID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, saga_name, saga_version, status, idempotency_key, context, steps,
			current_step, error, created_at, updated_at, started_at, finished_at, compensated_at, version
		FROM sagas WHERE id = ?`, sagaID)
	return s.scanInstance(row)
}

func (s *SQLiteStore) loadSagaTx(ctx context.Context, tx *sql.Tx, sagaID string) (*Instance, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, saga_name, saga_version, status, idempotency_key, context, steps,
			current_step, error, created_at, updated_at, started_at, finished_at, compensated_at, version
		FROM sagas WHERE id = ?`, sagaID)
	return s.scanInstance(row)
}

func (s *SQLiteStore) writeSagaTx(ctx context.Context, tx *sql.Tx, inst *Instance, newVersion int64) error {
	contextBlob, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal saga context: %w", err)
	}
	stepsBlob, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps: %w", err)
	}

	var compensatedAt any
	if inst.CompensatedAt != nil {
		compensatedAt = fmtTime(*inst.CompensatedAt)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sagas SET status = ?, idempotency_key = ?, context = ?, steps = ?, current_step = ?,
			error = ?, updated_at = ?, finished_at = ?, compensated_at = ?, version = ?
		WHERE id = ?`,
		string(inst.Status), inst.IdempotencyKey, contextBlob, stepsBlob, inst.CurrentStep,
		inst.Error, fmtTime(time.Now().UTC()), fmtTime(inst.FinishedAt), compensatedAt, newVersion, inst.ID)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSaga(ctx context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inst, err := s.loadSagaTx(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Version != expectedVersion {
		return nil, saerr.ErrConflict
	}
	if err := mutate(inst); err != nil {
		return nil, err
	}
	if err := s.writeSagaTx(ctx, tx, inst, expectedVersion+1); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	inst.Version = expectedVersion + 1
	return inst.Clone(), nil
}

// FinalizeSaga persists a terminal status transition and releases the
// saga's resource locks inside one transaction, so the "terminal saga with
// locks still held" state is never observable.
func (s *SQLiteStore) FinalizeSaga(ctx context.Context, sagaID string, expectedVersion int64, mutate func(*Instance) error, owner string, resourceKeys []string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inst, err := s.loadSagaTx(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Version != expectedVersion {
		return nil, saerr.ErrConflict
	}
	if err := mutate(inst); err != nil {
		return nil, err
	}
	if err := s.writeSagaTx(ctx, tx, inst, expectedVersion+1); err != nil {
		return nil, err
	}

	for _, key := range resourceKeys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resource_locks WHERE resource_key = ? AND owner = ?`, key, owner); err != nil {
			return nil, fmt.Errorf("release lock %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	inst.Version = expectedVersion + 1
	return inst.Clone(), nil
}

func (s *SQLiteStore) ListSagasBy(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	query := `SELECT id, saga_name, saga_version, status, idempotency_key, context, steps,
		current_step, error, created_at, updated_at, started_at, finished_at, compensated_at, version
		FROM sagas WHERE 1=1`
	var args []any
	if filter.SagaName != "" {
		query += " AND saga_name = ?"
		args = append(args, filter.SagaName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, fmtTime(filter.UpdatedBefore))
	}
	query += " ORDER BY updated_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var inst Instance
		var status, createdAt, updatedAt, startedAt string
		var finishedAt, compensatedAt, idempotencyKey, errStr sql.NullString
		var contextBlob, stepsBlob []byte

		if err := rows.Scan(&inst.ID, &inst.SagaName, &inst.SagaVersion, &status, &idempotencyKey,
			&contextBlob, &stepsBlob, &inst.CurrentStep, &errStr,
			&createdAt, &updatedAt, &startedAt, &finishedAt, &compensatedAt, &inst.Version); err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		inst.Status = Status(status)
		inst.IdempotencyKey = idempotencyKey.String
		inst.Error = errStr.String
		inst.CreatedAt = parseTime(createdAt)
		inst.UpdatedAt = parseTime(updatedAt)
		inst.StartedAt = parseTime(startedAt)
		inst.FinishedAt = parseTime(finishedAt.String)
		if compensatedAt.Valid && compensatedAt.String != "" {
			t := parseTime(compensatedAt.String)
			inst.CompensatedAt = &t
		}
		if len(contextBlob) > 0 {
			if err := json.Unmarshal(contextBlob, &inst.Context); err != nil {
				return nil, fmt.Errorf("unmarshal saga context: %w", err)
			}
		}
		if len(stepsBlob) > 0 {
			if err := json.Unmarshal(stepsBlob, &inst.Steps); err != nil {
				return nil, fmt.Errorf("unmarshal saga steps: %w", err)
			}
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var existingOwner, existingExpiresAt string
	var existingVersion int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at, version FROM resource_locks WHERE resource_key = ?`, resourceKey).
		Scan(&existingOwner, &existingExpiresAt, &existingVersion)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_locks (resource_key, owner, expires_at, version) VALUES (?, ?, ?, 1)
		`, resourceKey, owner, fmtTime(now.Add(ttl))); err != nil {
			return nil, fmt.Errorf("insert lock: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("query lock: %w", err)
	default:
		expiresAt := parseTime(existingExpiresAt)
		if existingOwner != owner && expiresAt.After(now) {
			return nil, saerr.ErrLocked
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE resource_locks SET owner = ?, expires_at = ?, version = ? WHERE resource_key = ?
		`, owner, fmtTime(now.Add(ttl)), existingVersion+1, resourceKey); err != nil {
			return nil, fmt.Errorf("update lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &LockRecord{ResourceKey: resourceKey, Owner: owner, ExpiresAt: now.Add(ttl)}, nil
}

func (s *SQLiteStore) RenewLock(ctx context.Context, resourceKey, owner string, ttl time.Duration) (*LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	now := time.Now().UTC()
	var existingOwner, existingExpiresAt string
	var existingVersion int64
	err := s.db.QueryRowContext(ctx, `SELECT owner, expires_at, version FROM resource_locks WHERE resource_key = ?`, resourceKey).
		Scan(&existingOwner, &existingExpiresAt, &existingVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saerr.ErrLockLost
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	if existingOwner != owner || parseTime(existingExpiresAt).Before(now) {
		return nil, saerr.ErrLockLost
	}

	newExpiry := now.Add(ttl)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE resource_locks SET expires_at = ?, version = ? WHERE resource_key = ? AND owner = ?
	`, fmtTime(newExpiry), existingVersion+1, resourceKey, owner); err != nil {
		return nil, fmt.Errorf("renew lock: %w", err)
	}
	return &LockRecord{ResourceKey: resourceKey, Owner: owner, ExpiresAt: newExpiry, Version: existingVersion + 1}, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, resourceKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM resource_locks WHERE resource_key = ? AND owner = ?`, resourceKey, owner)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutIdempotency(ctx context.Context, entry *IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saerr.ErrUnavailable
	}

	outcomeBlob, err := json.Marshal(entry.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key_hash, saga_id, status, outcome, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, entry.KeyHash, entry.SagaID, entry.Status, outcomeBlob, fmtTime(time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return saerr.ErrConflict
		}
		return fmt.Errorf("put idempotency: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanIdempotency(row *sql.Row) (*IdempotencyEntry, error) {
	var entry IdempotencyEntry
	var createdAt string
	var finalizedAt sql.NullString
	var outcomeBlob []byte

	err := row.Scan(&entry.KeyHash, &entry.SagaID, &entry.Status, &outcomeBlob, &createdAt, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency: %w", err)
	}
	entry.CreatedAt = parseTime(createdAt)
	if finalizedAt.Valid && finalizedAt.String != "" {
		t := parseTime(finalizedAt.String)
		entry.FinalizedAt = &t
	}
	if len(outcomeBlob) > 0 {
		if err := json.Unmarshal(outcomeBlob, &entry.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
	}
	return &entry, nil
}

func (s *SQLiteStore) GetIdempotency(ctx context.Context, keyHash string) (*IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT key_hash, saga_id, status, outcome, created_at, finalized_at
		FROM idempotency_keys WHERE key_hash = ?`, keyHash)
	return s.scanIdempotency(row)
}

func (s *SQLiteStore) UpdateIdempotency(ctx context.Context, keyHash string, mutate func(*IdempotencyEntry) error) (*IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, saerr.ErrUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT key_hash, saga_id, status, outcome, created_at, finalized_at
		FROM idempotency_keys WHERE key_hash = ?`, keyHash)

	var entry IdempotencyEntry
	var createdAt string
	var finalizedAt sql.NullString
	var outcomeBlob []byte
	if err := row.Scan(&entry.KeyHash, &entry.SagaID, &entry.Status, &outcomeBlob, &createdAt, &finalizedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saerr.ErrNotFound
		}
		return nil, fmt.Errorf("scan idempotency: %w", err)
	}
	entry.CreatedAt = parseTime(createdAt)
	if finalizedAt.Valid && finalizedAt.String != "" {
		t := parseTime(finalizedAt.String)
		entry.FinalizedAt = &t
	}
	if len(outcomeBlob) > 0 {
		if err := json.Unmarshal(outcomeBlob, &entry.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
	}

	if err := mutate(&entry); err != nil {
		return nil, err
	}

	newOutcomeBlob, err := json.Marshal(entry.Outcome)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome: %w", err)
	}
	var finalizedAtStr any
	if entry.FinalizedAt != nil {
		finalizedAtStr = fmtTime(*entry.FinalizedAt)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = ?, outcome = ?, finalized_at = ? WHERE key_hash = ?
	`, entry.Status, newOutcomeBlob, finalizedAtStr, keyHash); err != nil {
		return nil, fmt.Errorf("update idempotency: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &entry, nil
}
