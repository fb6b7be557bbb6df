package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/adapters/db"
	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
)

func TestMemoryRepository_InsertRecord_DuplicateReturnsPriorRow(t *testing.T) {
	repo := db.NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.InsertRecord(ctx, db.Row{ID: "r1", Title: "First"})
	require.NoError(t, err)

	second, err := repo.InsertRecord(ctx, db.Row{ID: "r1", Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "First", second.Title)
}

func TestMemoryRepository_GetRecord_NotFound(t *testing.T) {
	repo := db.NewMemoryRepository()
	_, err := repo.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, saerr.ErrNotFound)
}

func TestMemoryRepository_UpdateRecord_VersionConflict(t *testing.T) {
	repo := db.NewMemoryRepository()
	ctx := context.Background()
	row, err := repo.InsertRecord(ctx, db.Row{ID: "r2", Title: "Original"})
	require.NoError(t, err)

	_, err = repo.UpdateRecord(ctx, db.Row{ID: "r2", Title: "Stale Writer"}, row.Version+5)
	assert.ErrorIs(t, err, saerr.ErrConflict)
}

func TestMemoryRepository_UpdateRecord_RetrySameVersionIsIdempotent(t *testing.T) {
	repo := db.NewMemoryRepository()
	ctx := context.Background()
	row, err := repo.InsertRecord(ctx, db.Row{ID: "r3", Title: "Original"})
	require.NoError(t, err)

	updated, err := repo.UpdateRecord(ctx, db.Row{ID: "r3", Title: "Updated"}, row.Version)
	require.NoError(t, err)

	// A retried update_row with the already-applied version looks like the
	// crash-retry case: the repository returns the current row instead of
	// erroring or double-applying.
	again, err := repo.UpdateRecord(ctx, db.Row{ID: "r3", Title: "Updated"}, row.Version)
	require.NoError(t, err)
	assert.Equal(t, updated, again)
}

func TestMemoryRepository_MoveDraftToRecord_InsertsNewRecord(t *testing.T) {
	repo := db.NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.InsertDraft(ctx, db.Row{ID: "d1", Type: "memo", Title: "Draft", Content: "body"})
	require.NoError(t, err)

	row, err := repo.MoveDraftToRecord(ctx, "d1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "Draft", row.Title)
	assert.Equal(t, db.StatusPublished, row.Status)
}

func TestMemoryRepository_DeleteDraft_AlreadyAbsentIsSuccess(t *testing.T) {
	repo := db.NewMemoryRepository()
	assert.NoError(t, repo.DeleteDraft(context.Background(), "never-existed"))
}
