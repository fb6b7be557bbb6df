package vcs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
)

func testAuthor() object.Signature {
	return object.Signature{Name: "recordsaga", Email: "recordsaga@example.invalid"}
}

func newTestRepo(t *testing.T) (*vcs.Repo, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := vcs.Init(dir, testAuthor())
	require.NoError(t, err)
	return repo, dir
}

func TestRepo_StageAndCommit(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte("content"), 0o644))
	require.NoError(t, repo.Stage(ctx, "r1.md"))

	commit, err := repo.Commit(ctx, "create r1")
	require.NoError(t, err)
	assert.NotEmpty(t, commit.Hash)
	assert.Equal(t, "create r1", commit.Message)
}

func TestRepo_Commit_NoOpWhenClean(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte("content"), 0o644))
	require.NoError(t, repo.Stage(ctx, "r1.md"))
	first, err := repo.Commit(ctx, "create r1")
	require.NoError(t, err)

	// Re-running commit_vcs with nothing new staged must return the same
	// HEAD rather than erroring or creating an empty commit.
	second, err := repo.Commit(ctx, "create r1")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestRepo_History(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte("v1"), 0o644))
	require.NoError(t, repo.Stage(ctx, "r1.md"))
	_, err := repo.Commit(ctx, "first")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte("v2"), 0o644))
	require.NoError(t, repo.Stage(ctx, "r1.md"))
	_, err = repo.Commit(ctx, "second")
	require.NoError(t, err)

	history, err := repo.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Message)
	assert.Equal(t, "first", history[1].Message)
}

func TestRepo_History_RespectsLimit(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte{byte('a' + i)}, 0o644))
		require.NoError(t, repo.Stage(ctx, "r1.md"))
		_, err := repo.Commit(ctx, "commit")
		require.NoError(t, err)
	}

	history, err := repo.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRepo_Remove_AlreadyAbsentIsSuccess(t *testing.T) {
	repo, _ := newTestRepo(t)
	assert.NoError(t, repo.Remove(context.Background(), "never-existed.md"))
}

func TestRepo_Remove_StagedForDeletion(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.md"), []byte("content"), 0o644))
	require.NoError(t, repo.Stage(ctx, "r1.md"))
	_, err := repo.Commit(ctx, "create")
	require.NoError(t, err)

	require.NoError(t, repo.Remove(ctx, "r1.md"))
	commit, err := repo.Commit(ctx, "remove r1")
	require.NoError(t, err)
	assert.Equal(t, "remove r1", commit.Message)

	_, statErr := os.Stat(filepath.Join(dir, "r1.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOpen_ExistingRepository(t *testing.T) {
	_, dir := newTestRepo(t)

	reopened, err := vcs.Open(dir, testAuthor())
	require.NoError(t, err)

	history, err := reopened.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
