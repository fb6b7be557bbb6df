package sagas

import (
	"context"
	"fmt"

	"github.com/randalmurphal/recordsaga/pkg/adapters/db"
	"github.com/randalmurphal/recordsaga/pkg/adapters/fs"
	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
	"github.com/randalmurphal/recordsaga/pkg/event"
	"github.com/randalmurphal/recordsaga/pkg/saga"
)

// NewCreateRecord builds the CreateRecord saga definition: reserve_id →
// insert_row → write_file → commit_vcs → emit_events (derived) →
// update_index (derived), locking record:<id> for the saga's lifetime.
//
// Callers must supply "id" in the initial input Bag — the identifier is
// pre-reserved by the caller (e.g. the HTTP handler generating a new UUID)
// before Execute is invoked, since the resource lock key must be known
// before any step runs. reserve_id only validates it's present.
func NewCreateRecord(repo db.Store, tree fs.FS, vcsRepo *vcs.Repo, bus event.Bus, reindexer Reindexer) *saga.Definition {
	return &saga.Definition{
		Name:    "CreateRecord",
		Version: 1,
		Resources: func(input saga.Bag) []string {
			return []string{"record:" + bagString(input, "id")}
		},
		Steps: []saga.Step{
			{
				Name:        "reserve_id",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					if bagString(bag, "id") == "" {
						return nil, fmt.Errorf("reserve_id: caller must supply a pre-reserved id")
					}
					return bag, nil
				},
			},
			{
				Name:        "insert_row",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					row, err := repo.InsertRecord(ctx, db.Row{
						ID:      bagString(bag, "id"),
						Type:    bagString(bag, "type"),
						Title:   bagString(bag, "title"),
						Tags:    bagStringSlice(bag, "tags"),
						Content: bagString(bag, "content"),
					})
					if err != nil {
						return nil, fmt.Errorf("insert_row: %w", err)
					}
					return withBag(bag, "version", row.Version), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					return repo.DeleteRecord(ctx, bagString(bag, "id"))
				},
			},
			{
				Name:        "write_file",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					id := bagString(bag, "id")
					content, err := renderMarkdown(frontmatter{
						ID: id, Type: bagString(bag, "type"), Title: bagString(bag, "title"),
						Status: string(db.StatusPublished), Tags: bagStringSlice(bag, "tags"),
					}, bagString(bag, "content"))
					if err != nil {
						return nil, fmt.Errorf("write_file: render: %w", err)
					}
					path := recordPath(id)
					if err := tree.WriteAtomic(path, content); err != nil {
						return nil, fmt.Errorf("write_file: %w", err)
					}
					return withBag(bag, "path", path), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					return tree.Remove(bagString(bag, "path"))
				},
			},
			commitVCSStep(vcsRepo, "path", "create record"),
			emitEventsStep(bus, "record.created"),
			updateIndexStep(reindexer),
		},
	}
}
