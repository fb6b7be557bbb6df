package sagas

import (
	"context"
	"fmt"

	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
	"github.com/randalmurphal/recordsaga/pkg/saga"
)

// commitVCSStep stages the path this step's preceding write_file wrote and
// commits it. No-op (returns current HEAD) when nothing changed,
// per the step authoring contract, so a retried commit_vcs after a crash is
// always safe.
func commitVCSStep(repo *vcs.Repo, pathKey, message string) saga.Step {
	return saga.Step{
		Name:        "commit_vcs",
		Criticality: saga.Authoritative,
		Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
			path := bagString(bag, pathKey)
			if err := repo.Stage(ctx, path); err != nil {
				return nil, fmt.Errorf("stage %s: %w", path, err)
			}
			commit, err := repo.Commit(ctx, message)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", path, err)
			}
			return withBag(bag, "commit_hash", commit.Hash), nil
		},
	}
}

// commitMoveStep stages a source-path removal and a destination-path
// addition in one commit, for move_file_to_archive.
func commitMoveStep(repo *vcs.Repo, oldPathKey, newPathKey, message string) saga.Step {
	return saga.Step{
		Name:        "commit_vcs",
		Criticality: saga.Authoritative,
		Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
			oldPath := bagString(bag, oldPathKey)
			newPath := bagString(bag, newPathKey)
			if err := repo.Remove(ctx, oldPath); err != nil {
				return nil, fmt.Errorf("stage removal of %s: %w", oldPath, err)
			}
			if err := repo.Stage(ctx, newPath); err != nil {
				return nil, fmt.Errorf("stage %s: %w", newPath, err)
			}
			commit, err := repo.Commit(ctx, message)
			if err != nil {
				return nil, fmt.Errorf("commit move %s to %s: %w", oldPath, newPath, err)
			}
			return withBag(bag, "commit_hash", commit.Hash), nil
		},
	}
}
