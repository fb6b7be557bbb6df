package errors

import "errors"

// Sentinel errors returned by the core packages. Adapters and step handlers
// should wrap these with fmt.Errorf("%w: ...") rather than constructing new
// sentinels, so Categorize and errors.Is keep working across package
// boundaries.
var (
	// ErrTimeout indicates a step or saga exceeded its allotted timeout.
	ErrTimeout = errors.New("saga: timeout")

	// ErrCancelled indicates the caller's context was cancelled.
	ErrCancelled = errors.New("saga: cancelled")

	// ErrLocked indicates a resource lock is held by another owner.
	ErrLocked = errors.New("saga: resource locked")

	// ErrLockLost indicates a held lease could not be renewed because it had
	// already expired and been reclaimed by another owner.
	ErrLockLost = errors.New("saga: lock lost")

	// ErrConflict indicates an optimistic-concurrency version mismatch on a
	// State Store write.
	ErrConflict = errors.New("saga: version conflict")

	// ErrNotFound indicates a saga, step result, lock, or idempotency entry
	// could not be found.
	ErrNotFound = errors.New("saga: not found")

	// ErrInProgress indicates an idempotency key is bound to a saga that has
	// not yet reached a terminal state.
	ErrInProgress = errors.New("saga: operation in progress")

	// ErrUnavailable indicates the State Store (or a dependent adapter) could
	// not be reached.
	ErrUnavailable = errors.New("saga: store unavailable")
)
