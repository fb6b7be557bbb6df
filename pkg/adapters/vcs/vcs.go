// Package vcs implements the content-addressed VCS adapter: stage/commit/
// history operations against a single shared working tree, via
// github.com/go-git/go-git/v5.
//
// Operations are serialized behind Repo's internal mutex — the VCS working
// directory is a process-wide singleton (per spec.md §5), so two sagas
// committing concurrently would otherwise race on the same index and HEAD.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit describes a committed revision, returned from Commit and History.
type Commit struct {
	Hash    string
	Message string
	When    time.Time
}

// Repo is the VCS adapter the saga step library consumes. One Repo wraps one
// working tree; every method is safe to call concurrently, serialized
// internally.
type Repo struct {
	mu       sync.Mutex
	repo     *git.Repository
	worktree *git.Worktree
	author   object.Signature
}

// Open opens an existing git working tree at path.
func Open(path string, author object.Signature) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", path, err)
	}
	return newRepo(repo, author)
}

// Init creates a new non-bare git working tree at path, for tests and the
// CLI demo's fixture setup.
func Init(path string, author object.Signature) (*Repo, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repository at %s: %w", path, err)
	}
	return newRepo(repo, author)
}

func newRepo(repo *git.Repository, author object.Signature) (*Repo, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	return &Repo{repo: repo, worktree: wt, author: author}, nil
}

// Stage adds path (relative to the working tree root) to the index. Used by
// commit_vcs before committing a record's write_file/move_file_to_archive
// output.
func (r *Repo) Stage(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.worktree.Add(path); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	return nil
}

// Commit commits whatever is currently staged. If the working tree has no
// changes relative to HEAD, this is a no-op that returns the current HEAD
// commit — per §4.6's step authoring contract, so commit_vcs is safe to
// re-run after a crash between a prior commit and its step result
// persisting.
func (r *Repo) Commit(_ context.Context, message string) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, err := r.worktree.Status()
	if err != nil {
		return Commit{}, fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return r.headCommit()
	}

	now := time.Now().UTC()
	author := r.author
	if author.When.IsZero() {
		author.When = now
	}

	hash, err := r.worktree.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return Commit{}, fmt.Errorf("commit: %w", err)
	}

	obj, err := r.repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("load committed object: %w", err)
	}
	return Commit{Hash: hash.String(), Message: obj.Message, When: obj.Author.When}, nil
}

func (r *Repo) headCommit() (Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("head: %w", err)
	}
	obj, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("load head commit: %w", err)
	}
	return Commit{Hash: obj.Hash.String(), Message: obj.Message, When: obj.Author.When}, nil
}

// History returns the commit log, most recent first, bounded to limit
// entries (0 means unbounded). Used by operator-facing tooling to audit what
// a saga actually wrote.
func (r *Repo) History(_ context.Context, limit int) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.repo.Log(&git.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// No commits yet: HEAD points at an unborn branch.
			return nil, nil
		}
		return nil, fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, Commit{Hash: c.Hash.String(), Message: c.Message, When: c.Author.When})
	}
	return out, nil
}

// Remove stages a deletion of path. A path the index does not track is
// success, per §4.6 — a compensating or archive-cleanup delete must be safe
// to run twice. A tracked path that is already gone from the working tree
// (moved away by an earlier step) still has its deletion staged. Tracking is
// checked against the index first rather than by pattern-matching Remove's
// error, since go-git's not-found error shape varies by billy filesystem
// backend.
func (r *Repo) Remove(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	if _, err := idx.Entry(path); err != nil {
		return nil
	}

	if _, err := r.worktree.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
