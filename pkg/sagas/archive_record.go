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

// NewArchiveRecord builds the ArchiveRecord saga definition: load_record →
// update_row_status → move_file_to_archive → commit_vcs →
// emit_events (derived), locking record:<id>.
func NewArchiveRecord(repo db.Store, tree fs.FS, vcsRepo *vcs.Repo, bus event.Bus) *saga.Definition {
	return &saga.Definition{
		Name:    "ArchiveRecord",
		Version: 1,
		Resources: func(input saga.Bag) []string {
			return []string{"record:" + bagString(input, "id")}
		},
		Steps: []saga.Step{
			{
				Name:        "load_record",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					row, err := repo.GetRecord(ctx, bagString(bag, "id"))
					if err != nil {
						return nil, fmt.Errorf("load_record: %w", err)
					}
					return withBag(bag, "version", row.Version, "type", row.Type, "title", row.Title), nil
				},
			},
			{
				Name:        "update_row_status",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					id := bagString(bag, "id")
					row, err := repo.UpdateRecordStatus(ctx, id, db.StatusArchived, bagInt64(bag, "version"))
					if err != nil {
						return nil, fmt.Errorf("update_row_status: %w", err)
					}
					return withBag(bag, "version", row.Version), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					_, err := repo.UpdateRecordStatus(ctx, bagString(bag, "id"), db.StatusPublished, bagInt64(bag, "version"))
					return err
				},
			},
			{
				Name:        "move_file_to_archive",
				Criticality: saga.Authoritative,
				Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
					id := bagString(bag, "id")
					oldPath, newPath := recordPath(id), archivePath(id)
					if err := tree.Move(oldPath, newPath); err != nil {
						return nil, fmt.Errorf("move_file_to_archive: %w", err)
					}
					return withBag(bag, "old_path", oldPath, "new_path", newPath), nil
				},
				Compensate: func(ctx context.Context, bag saga.Bag) error {
					return tree.Move(bagString(bag, "new_path"), bagString(bag, "old_path"))
				},
			},
			commitMoveStep(vcsRepo, "old_path", "new_path", "archive record"),
			emitEventsStep(bus, "record.archived"),
		},
	}
}
