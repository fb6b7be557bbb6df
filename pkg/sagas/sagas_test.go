package sagas

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/recordsaga/pkg/adapters/db"
	"github.com/randalmurphal/recordsaga/pkg/adapters/fs"
	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
	"github.com/randalmurphal/recordsaga/pkg/event"
	"github.com/randalmurphal/recordsaga/pkg/saga"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

// newHarness wires one Executor against fakes/in-process adapters for
// pkg/adapters/*: a real fs.WorkingTree and vcs.Repo over t.TempDir() (both
// cheap enough to exercise for real), db.MemoryRepository in place of a live
// Postgres connection, a MemoryStore-backed Executor, and a LocalBus — per
// the step authoring contract's testing goal.
func newHarness(t *testing.T) (*saga.Executor, *saga.Registry, *fs.WorkingTree, *vcs.Repo, *event.LocalBus, *FakeReindexer, *db.MemoryRepository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := vcs.Init(dir, object.Signature{Name: "recordsaga", Email: "recordsaga@example.invalid"})
	require.NoError(t, err)

	tree := fs.New(dir)
	memStore := store.NewMemoryStore()
	reg := saga.NewRegistry()
	exec := saga.NewExecutor(reg, memStore, nil, nil, saga.Options{})
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 8})
	reindexer := NewFakeReindexer()
	fakeDB := db.NewMemoryRepository()
	return exec, reg, tree, repo, bus, reindexer, fakeDB
}

func TestCreateRecord_Succeeds(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	def := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: def.Name, Version: def.Version}, def)

	ctx := context.Background()
	result, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"id": "rec-1", "type": "policy", "title": "Curfew Hours",
		"content": "Body text.", "tags": []string{"ordinance"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Curfew Hours", row.Title)
	assert.True(t, reindexer.Has("rec-1"))

	content, err := tree.Read("records/rec-1.md")
	require.NoError(t, err)
	assert.Contains(t, string(content), "Body text.")
}

func TestCreateRecord_MissingID_Fails(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	def := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: def.Name, Version: def.Version}, def)

	ctx := context.Background()
	result, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"type": "policy", "title": "No ID",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompensated, result.Status)
}

func TestUpdateRecord_UpdatesRowAndFile(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	createDef := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: createDef.Name, Version: createDef.Version}, createDef)

	ctx := context.Background()
	_, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"id": "rec-2", "type": "policy", "title": "Original Title",
		"content": "Original body.", "tags": []string{"original"},
	})
	require.NoError(t, err)

	updateDef := NewUpdateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: updateDef.Name, Version: updateDef.Version}, updateDef)

	result, err := exec.Execute(ctx, "UpdateRecord", 1, "", saga.Bag{
		"id": "rec-2", "title": "Updated Title",
		"content": "Updated body.", "tags": []string{"updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-2")
	require.NoError(t, err)
	assert.Equal(t, "Updated Title", row.Title)
	assert.Equal(t, int64(2), row.Version)

	content, err := tree.Read("records/rec-2.md")
	require.NoError(t, err)
	assert.Contains(t, string(content), "Updated body.")
}

// failingOverwriteFS wraps a real fs.FS and fails Overwrite for one path,
// so a test can force write_file to fail after update_row has already
// committed, without resorting to filesystem permission tricks.
type failingOverwriteFS struct {
	fs.FS
	failPath string
}

func (f failingOverwriteFS) Overwrite(path string, content []byte) error {
	if path == f.failPath {
		return assert.AnError
	}
	return f.FS.Overwrite(path, content)
}

func TestUpdateRecord_CompensatesRowOnFileFailure(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	createDef := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: createDef.Name, Version: createDef.Version}, createDef)

	ctx := context.Background()
	_, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"id": "rec-6", "type": "policy", "title": "Original Title",
		"content": "Original body.", "tags": []string{"original"},
	})
	require.NoError(t, err)

	brokenTree := failingOverwriteFS{FS: tree, failPath: "records/rec-6.md"}
	updateDef := NewUpdateRecord(fakeDB, brokenTree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: updateDef.Name, Version: updateDef.Version}, updateDef)

	result, err := exec.Execute(context.Background(), "UpdateRecord", 1, "", saga.Bag{
		"id": "rec-6", "title": "Updated Title",
		"content": "Updated body.", "tags": []string{"updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompensated, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-6")
	require.NoError(t, err)
	assert.Equal(t, "Original Title", row.Title)
	assert.Equal(t, int64(3), row.Version)
}

func TestPublishDraft_MovesDraftAndDeletesIt(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	ctx := context.Background()

	_, err := fakeDB.InsertDraft(ctx, db.Row{
		ID: "rec-3", Type: "memo", Title: "Draft Title",
		Content: "Draft content.", Tags: []string{"draft-tag"},
	})
	require.NoError(t, err)

	publishDef := NewPublishDraft(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: publishDef.Name, Version: publishDef.Version}, publishDef)

	result, err := exec.Execute(ctx, "PublishDraft", 1, "", saga.Bag{"id": "rec-3"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-3")
	require.NoError(t, err)
	assert.Equal(t, "Draft Title", row.Title)

	_, draftErr := fakeDB.GetDraft(ctx, "rec-3")
	assert.Error(t, draftErr)

	content, err := tree.Read("records/rec-3.md")
	require.NoError(t, err)
	assert.Contains(t, string(content), "Draft content.")
}

func TestPublishDraft_MissingDraft_Fails(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	publishDef := NewPublishDraft(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: publishDef.Name, Version: publishDef.Version}, publishDef)

	result, err := exec.Execute(context.Background(), "PublishDraft", 1, "", saga.Bag{"id": "missing-draft"})
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusCompleted, result.Status)
}

func TestArchiveRecord_MovesFileAndFlipsStatus(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	ctx := context.Background()

	createDef := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: createDef.Name, Version: createDef.Version}, createDef)
	_, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"id": "rec-4", "type": "policy", "title": "To Archive",
		"content": "Archive me.", "tags": []string{"old"},
	})
	require.NoError(t, err)

	archiveDef := NewArchiveRecord(fakeDB, tree, repo, bus)
	reg.Register(saga.NameVersion{Name: archiveDef.Name, Version: archiveDef.Version}, archiveDef)

	result, err := exec.Execute(ctx, "ArchiveRecord", 1, "", saga.Bag{"id": "rec-4"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-4")
	require.NoError(t, err)
	assert.Equal(t, db.StatusArchived, row.Status)

	exists, err := tree.Exists("records/rec-4.md")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = tree.Exists("archive/rec-4.md")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestArchiveRecord_CompensatesStatusOnDownstreamFailure(t *testing.T) {
	exec, reg, tree, repo, bus, reindexer, fakeDB := newHarness(t)
	ctx := context.Background()

	createDef := NewCreateRecord(fakeDB, tree, repo, bus, reindexer)
	reg.Register(saga.NameVersion{Name: createDef.Name, Version: createDef.Version}, createDef)
	_, err := exec.Execute(ctx, "CreateRecord", 1, "", saga.Bag{
		"id": "rec-5", "type": "policy", "title": "Has File",
		"content": "Has a file.", "tags": nil,
	})
	require.NoError(t, err)

	// Remove the on-disk file out from under the saga (with nothing at the
	// archive destination either) so move_file_to_archive fails and
	// update_row_status must compensate back to published.
	require.NoError(t, tree.Remove("records/rec-5.md"))

	archiveDef := NewArchiveRecord(fakeDB, tree, repo, bus)
	reg.Register(saga.NameVersion{Name: archiveDef.Name, Version: archiveDef.Version}, archiveDef)

	result, err := exec.Execute(ctx, "ArchiveRecord", 1, "", saga.Bag{"id": "rec-5"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompensated, result.Status)

	row, err := fakeDB.GetRecord(ctx, "rec-5")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPublished, row.Status)
}
