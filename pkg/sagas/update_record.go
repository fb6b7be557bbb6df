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

// NewUpdateRecord builds the UpdateRecord saga definition: load_current →
// update_row → write_file → commit_vcs → emit_events (derived) →
// update_index (derived), locking record:<id>.
//
// The initial input Bag carries "id" and the new "title"/"content"/"tags".
// load_current fetches the row's current version and prior values so later
// compensations can restore them.
func NewUpdateRecord(repo db.Store, tree fs.FS, vcsRepo *vcs.Repo, bus event.Bus, reindexer Reindexer) *saga.Definition {
	return &saga.Definition{
		Name:    "UpdateRecord",
		Version: 1,
		Resources: func(input saga.Bag) []string {
			return []string{"record:" + bagString(input, "id")}
		},
		Steps: []saga.Step{
			{
				Name:        "load_current",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					current, err := repo.GetRecord(ctx, bagString(bag, "id"))
					if err != nil {
						return nil, fmt.Errorf("load_current: %w", err)
					}
					return withBag(bag,
						"version", current.Version,
						"type", current.Type,
						"prev_title", current.Title,
						"prev_content", current.Content,
						"prev_tags", current.Tags,
					), nil
				},
			},
			{
				Name:        "update_row",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					id := bagString(bag, "id")
					row, err := repo.UpdateRecord(ctx, db.Row{
						ID:      id,
						Title:   bagString(bag, "title"),
						Tags:    bagStringSlice(bag, "tags"),
						Content: bagString(bag, "content"),
					}, bagInt64(bag, "version"))
					if err != nil {
						return nil, fmt.Errorf("update_row: %w", err)
					}
					return withBag(bag, "version", row.Version), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					_, err := repo.UpdateRecord(ctx, db.Row{
						ID:      bagString(bag, "id"),
						Title:   bagString(bag, "prev_title"),
						Tags:    bagStringSlice(bag, "prev_tags"),
						Content: bagString(bag, "prev_content"),
					}, bagInt64(bag, "version"))
					return err
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
					if err := tree.Overwrite(path, content); err != nil {
						return nil, fmt.Errorf("write_file: %w", err)
					}
					return withBag(bag, "path", path), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					id := bagString(bag, "id")
					content, err := renderMarkdown(frontmatter{
						ID: id, Type: bagString(bag, "type"), Title: bagString(bag, "prev_title"),
						Status: string(db.StatusPublished), Tags: bagStringSlice(bag, "prev_tags"),
					}, bagString(bag, "prev_content"))
					if err != nil {
						return fmt.Errorf("write_file compensate: render: %w", err)
					}
					return tree.Overwrite(recordPath(id), content)
				},
			},
			commitVCSStep(vcsRepo, "path", "update record"),
			emitEventsStep(bus, "record.updated"),
			updateIndexStep(reindexer),
		},
	}
}
