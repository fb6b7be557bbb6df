// Package fs implements the working-tree filesystem adapter: atomic
// create-or-verify writes and idempotent removal for the write_file,
// move_file_to_archive, and compensating delete_file steps.
//
// No pack example wraps atomic temp-file-plus-rename writes in a reusable
// library — this stays on the standard library (os, path/filepath)
// deliberately; see DESIGN.md.
package fs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// FS is the interface the saga step library consumes, so tests can swap in a
// fake without touching a real working tree.
type FS interface {
	WriteAtomic(path string, content []byte) error
	Overwrite(path string, content []byte) error
	Read(path string) ([]byte, error)
	Remove(path string) error
	Move(oldPath, newPath string) error
	Exists(path string) (bool, error)
}

// WorkingTree implements FS against a real directory rooted at Root. All
// paths passed to its methods are relative to Root.
type WorkingTree struct {
	Root string
}

// New returns a WorkingTree rooted at root. root must already exist.
func New(root string) *WorkingTree {
	return &WorkingTree{Root: root}
}

func (w *WorkingTree) abs(path string) string {
	return filepath.Join(w.Root, path)
}

// WriteAtomic creates path if absent, via a temp file in the same directory
// followed by os.Rename so a concurrent reader never observes a partial
// write. If path already exists with identical content this is a no-op
// success (the step is being retried after a crash between rename and step-
// result persistence). If it exists with different content, it fails —
// write_file never silently overwrites a hand-edited file.
func (w *WorkingTree) WriteAtomic(path string, content []byte) error {
	full := w.abs(path)

	if existing, err := os.ReadFile(full); err == nil {
		if bytes.Equal(existing, content) {
			return nil
		}
		return fmt.Errorf("write %s: existing content differs", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// Overwrite writes content to path unconditionally, via the same
// temp-file-plus-rename sequence as WriteAtomic but without the
// equal-content check. Used by compensating actions restoring a prior
// revision and by the write_file steps of UpdateRecord and PublishDraft,
// which replace an existing record file; CreateRecord's write_file goes
// through WriteAtomic.
func (w *WorkingTree) Overwrite(path string, content []byte) error {
	full := w.abs(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// Read returns the current content of path.
func (w *WorkingTree) Read(path string) ([]byte, error) {
	content, err := os.ReadFile(w.abs(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content, nil
}

// Remove deletes path. Already-absent is success, per the step authoring
// contract — a compensating delete_file or the archive step's cleanup must
// be safe to run twice.
func (w *WorkingTree) Remove(path string) error {
	if err := os.Remove(w.abs(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Move renames oldPath to newPath, used by move_file_to_archive. Creates
// newPath's parent directory if absent. If oldPath is already absent and
// newPath already exists, this is treated as success (the step retrying
// after a crash past the rename but before its result persisted).
func (w *WorkingTree) Move(oldPath, newPath string) error {
	oldFull, newFull := w.abs(oldPath), w.abs(newPath)

	if _, err := os.Stat(oldFull); os.IsNotExist(err) {
		if _, err := os.Stat(newFull); err == nil {
			return nil
		}
		return fmt.Errorf("move %s to %s: source absent and destination missing", oldPath, newPath)
	}

	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", newPath, err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return fmt.Errorf("move %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Exists reports whether path exists.
func (w *WorkingTree) Exists(path string) (bool, error) {
	_, err := os.Stat(w.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
