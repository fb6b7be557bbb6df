package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/adapters/fs"
)

func TestWorkingTree_WriteAtomic_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	require.NoError(t, tree.WriteAtomic("records/r1.md", []byte("hello")))

	content, err := os.ReadFile(filepath.Join(dir, "records/r1.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestWorkingTree_WriteAtomic_IdempotentOnSameContent(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	require.NoError(t, tree.WriteAtomic("r1.md", []byte("hello")))
	require.NoError(t, tree.WriteAtomic("r1.md", []byte("hello")))
}

func TestWorkingTree_WriteAtomic_FailsOnDifferentContent(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	require.NoError(t, tree.WriteAtomic("r1.md", []byte("hello")))
	err := tree.WriteAtomic("r1.md", []byte("goodbye"))
	assert.Error(t, err)
}

func TestWorkingTree_Remove_AbsentIsSuccess(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	assert.NoError(t, tree.Remove("never-existed.md"))
}

func TestWorkingTree_Move(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	require.NoError(t, tree.WriteAtomic("records/r1.md", []byte("content")))
	require.NoError(t, tree.Move("records/r1.md", "archive/r1.md"))

	exists, err := tree.Exists("records/r1.md")
	require.NoError(t, err)
	assert.False(t, exists)

	content, err := tree.Read("archive/r1.md")
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))
}

func TestWorkingTree_Move_AlreadyMovedIsSuccess(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	require.NoError(t, tree.WriteAtomic("records/r1.md", []byte("content")))
	require.NoError(t, tree.Move("records/r1.md", "archive/r1.md"))
	// Re-running after the rename already succeeded but before the step
	// result persisted: oldPath absent, newPath present.
	assert.NoError(t, tree.Move("records/r1.md", "archive/r1.md"))
}

func TestWorkingTree_Exists(t *testing.T) {
	dir := t.TempDir()
	tree := fs.New(dir)

	exists, err := tree.Exists("missing.md")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tree.WriteAtomic("present.md", []byte("x")))
	exists, err = tree.Exists("present.md")
	require.NoError(t, err)
	assert.True(t, exists)
}
