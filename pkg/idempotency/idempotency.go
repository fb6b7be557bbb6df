// Package idempotency provides the Idempotency Manager: mapping
// caller-supplied operation keys to a single finalized saga outcome, so a
// retried caller request never starts a second saga for the same logical
// operation.
//
// Grounded on the teacher pack's sub2api idempotency service: key hashing
// before storage, an in-progress/succeeded/failed status machine, and
// short-circuiting callers onto the in-flight saga rather than starting a
// duplicate.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

// Outcome is the finalized result recorded against an idempotency key.
type Outcome struct {
	SagaID  string
	Status  store.Status
	Payload map[string]any
}

// Manager coordinates idempotency-key lookups against a Store.
type Manager struct {
	store store.Store
}

// NewManager creates an idempotency Manager over the given Store.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// HashKey normalizes and hashes a caller-supplied idempotency key before
// storage, so raw keys (which may embed sensitive request data) never sit
// in the State Store in plaintext.
func HashKey(scope, rawKey string) string {
	sum := sha256.Sum256([]byte(scope + ":" + rawKey))
	return hex.EncodeToString(sum[:])
}

// Begin registers a new in-progress idempotency entry bound to sagaID, or
// returns the existing entry's state if the key was already used.
//
// Three outcomes:
//   - (nil, false, nil): the key is new; the caller should proceed to start
//     sagaID and later call Finalize.
//   - (&Outcome, false, nil): the key was already finalized; the caller
//     should skip execution and return the stored outcome.
//   - (nil, true, nil): the key is bound to a saga still in flight; the
//     caller should return ErrInProgress. The in-flight saga's ID is not
//     returned.
func (m *Manager) Begin(ctx context.Context, keyHash, sagaID string) (*Outcome, bool, error) {
	entry, err := m.store.GetIdempotency(ctx, keyHash)
	if err != nil {
		if errors.Is(err, saerr.ErrNotFound) {
			putErr := m.store.PutIdempotency(ctx, &store.IdempotencyEntry{
				KeyHash:   keyHash,
				SagaID:    sagaID,
				Status:    "in_progress",
				CreatedAt: time.Now().UTC(),
			})
			if putErr != nil {
				if errors.Is(putErr, saerr.ErrConflict) {
					// Lost a race with a concurrent Begin for the same key;
					// re-read and treat as already-claimed.
					return m.Begin(ctx, keyHash, sagaID)
				}
				return nil, false, putErr
			}
			return nil, false, nil
		}
		return nil, false, err
	}

	switch entry.Status {
	case "in_progress":
		return nil, true, nil
	case "succeeded", "failed":
		out := &Outcome{SagaID: entry.SagaID, Status: store.StatusFailed, Payload: entry.Outcome}
		if entry.Status == "succeeded" {
			out.Status = store.StatusCompleted
		} else if inst, loadErr := m.store.LoadSaga(ctx, entry.SagaID); loadErr == nil {
			out.Status = inst.Status
		}
		return out, false, nil
	default:
		return nil, false, fmt.Errorf("idempotency: unknown entry status %q", entry.Status)
	}
}

// Finalize records the terminal outcome for a previously-begun idempotency
// key. succeeded distinguishes a completed saga from a failed/compensated
// one in the stored status, so a future Begin call reports a succeeded key
// as completed without re-loading the saga instance; for a failed key, Begin
// loads the instance to tell failed from compensated.
func (m *Manager) Finalize(ctx context.Context, keyHash string, succeeded bool, payload map[string]any) error {
	status := "failed"
	if succeeded {
		status = "succeeded"
	}
	_, err := m.store.UpdateIdempotency(ctx, keyHash, func(e *store.IdempotencyEntry) error {
		now := time.Now().UTC()
		e.Status = status
		e.Outcome = payload
		e.FinalizedAt = &now
		return nil
	})
	return err
}
