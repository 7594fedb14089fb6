// Package pointer maintains the "latest" reference of a backup target: the
// name by which the newest successful snapshot is found, and the link source
// for the next run.
package pointer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/homelab-backup/pkg/util"
)

const (
	// LinkName is the symlink backend's entry under the target root.
	LinkName = "latest"
	// RefFileName is the pointer-file backend's entry under the target root.
	RefFileName = "latest.ref"
)

// Kind selects a Reference implementation.
type Kind string

const (
	KindSymlink Kind = "symlink"
	KindFile    Kind = "file"
)

// Reference is a named, atomically replaceable reference to a snapshot.
type Reference interface {
	// Resolve returns the directory the reference points at, or "" when the
	// reference is absent, dangling, or does not name a directory.
	Resolve() (string, error)
	// Advance repoints the reference at snapshotPath.
	Advance(snapshotPath string) error
	// Path returns the reference's own location.
	Path() string
}

// New returns the Reference of the given kind for targetRoot.
func New(kind Kind, targetRoot string) (Reference, error) {
	switch kind {
	case KindSymlink, "":
		return &Symlink{root: targetRoot}, nil
	case KindFile:
		return &File{root: targetRoot}, nil
	default:
		return nil, fmt.Errorf("invalid pointer kind %q: must be 'symlink' or 'file'", kind)
	}
}

// relativeTo expresses snapshotPath relative to root when it lives below it,
// so the backup root can be moved without breaking the reference.
func relativeTo(root, snapshotPath string) string {
	rel, err := filepath.Rel(root, snapshotPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return snapshotPath
	}
	return rel
}

// existingDir returns path if it is a directory, else "".
func existingDir(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("cannot stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", nil
	}
	return path, nil
}

// Symlink stores the reference as a symbolic link named "latest".
type Symlink struct {
	root string
}

// Path returns the symlink location.
func (s *Symlink) Path() string {
	return filepath.Join(s.root, LinkName)
}

// Resolve follows the symlink. A plain directory named "latest" is accepted as
// is, anything else counts as absent.
func (s *Symlink) Resolve() (string, error) {
	p := s.Path()
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cannot inspect %s: %w", p, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			// Dangling.
			return "", nil
		}
		return existingDir(resolved)
	case info.IsDir():
		return p, nil
	default:
		return "", nil
	}
}

// Advance writes a fresh symlink next to "latest" and renames it into place,
// so readers never observe a missing pointer. A non-symlink entry is removed
// first; a non-empty directory is refused by the removal.
func (s *Symlink) Advance(snapshotPath string) error {
	p := s.Path()
	tmp := filepath.Join(s.root, "."+LinkName+".tmp")

	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove leftover temporary link %s: %w", tmp, err)
	}
	if err := os.Symlink(relativeTo(s.root, snapshotPath), tmp); err != nil {
		return fmt.Errorf("failed to create temporary link: %w", err)
	}

	if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink == 0 {
		if err := os.Remove(p); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to remove existing %s: %w", p, err)
		}
	}

	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// File stores the reference as a one-line file holding the snapshot path.
// It suits filesystems without symlink support.
type File struct {
	root string
}

// Path returns the pointer file location.
func (f *File) Path() string {
	return filepath.Join(f.root, RefFileName)
}

// Resolve reads the pointer file.
func (f *File) Resolve() (string, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cannot read %s: %w", f.Path(), err)
	}

	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(f.root, target)
	}
	return existingDir(target)
}

// Advance atomically rewrites the pointer file.
func (f *File) Advance(snapshotPath string) error {
	data := []byte(relativeTo(f.root, snapshotPath) + "\n")
	if err := util.WriteFileAtomic(f.Path(), data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to update %s: %w", f.Path(), err)
	}
	return nil
}
