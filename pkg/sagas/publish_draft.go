package sagas

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/recordsaga/pkg/adapters/db"
	"github.com/randalmurphal/recordsaga/pkg/adapters/fs"
	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
	"github.com/randalmurphal/recordsaga/pkg/event"
	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
	"github.com/randalmurphal/recordsaga/pkg/saga"
)

// NewPublishDraft builds the PublishDraft saga definition: load_draft →
// move_to_records → write_file → commit_vcs → delete_draft →
// emit_events (derived) → update_index (derived), locking draft:<id> and
// record:<id> — the draft and the record it becomes share one id, since
// publishing promotes a draft in place rather than copying it under a new
// identifier.
func NewPublishDraft(repo db.Store, tree fs.FS, vcsRepo *vcs.Repo, bus event.Bus, reindexer Reindexer) *saga.Definition {
	return &saga.Definition{
		Name:    "PublishDraft",
		Version: 1,
		Resources: func(input saga.Bag) []string {
			id := bagString(input, "id")
			return []string{"draft:" + id, "record:" + id}
		},
		Steps: []saga.Step{
			{
				Name:        "load_draft",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					draft, err := repo.GetDraft(ctx, bagString(bag, "id"))
					if err != nil {
						return nil, fmt.Errorf("load_draft: %w", err)
					}
					return withBag(bag,
						"type", draft.Type, "title", draft.Title,
						"content", draft.Content, "tags", draft.Tags,
					), nil
				},
			},
			{
				Name:        "move_to_records",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					id := bagString(bag, "id")
					existing, err := repo.GetRecord(ctx, id)
					existedBefore := true
					if errors.Is(err, saerr.ErrNotFound) {
						existedBefore = false
					} else if err != nil {
						return nil, fmt.Errorf("move_to_records: %w", err)
					}

					row, err := repo.MoveDraftToRecord(ctx, id, id)
					if err != nil {
						return nil, fmt.Errorf("move_to_records: %w", err)
					}

					out := withBag(bag, "version", row.Version, "existed_before", existedBefore)
					if existedBefore {
						out = withBag(out, "prev_title", existing.Title, "prev_content", existing.Content, "prev_tags", existing.Tags, "prev_version", existing.Version)
					}
					return out, nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					id := bagString(bag, "id")
					if !bagBool(bag, "existed_before") {
						return repo.DeleteRecord(ctx, id)
					}
					_, err := repo.UpdateRecord(ctx, db.Row{
						ID:      id,
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
					path := recordPath(id)
					if !bagBool(bag, "existed_before") {
						return tree.Remove(path)
					}
					content, err := renderMarkdown(frontmatter{
						ID: id, Type: bagString(bag, "type"), Title: bagString(bag, "prev_title"),
						Status: string(db.StatusPublished), Tags: bagStringSlice(bag, "prev_tags"),
					}, bagString(bag, "prev_content"))
					if err != nil {
						return fmt.Errorf("write_file compensate: render: %w", err)
					}
					return tree.Overwrite(path, content)
				},
			},
			commitVCSStep(vcsRepo, "path", "publish draft"),
			{
				Name:        "delete_draft",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					if err := repo.DeleteDraft(ctx, bagString(bag, "id")); err != nil {
						return nil, fmt.Errorf("delete_draft: %w", err)
					}
					return bag, nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					_, err := repo.InsertDraft(ctx, db.Row{
						ID:      bagString(bag, "id"),
						Type:    bagString(bag, "type"),
						Title:   bagString(bag, "title"),
						Tags:    bagStringSlice(bag, "tags"),
						Content: bagString(bag, "content"),
					})
					return err
				},
			},
			emitEventsStep(bus, "draft.published"),
			updateIndexStep(reindexer),
		},
	}
}
