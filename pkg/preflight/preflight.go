// Package preflight provides the checks that run before a backup or prune
// begins. They only inspect the filesystem and never change it, so a failed
// check leaves the target exactly as it was.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrSourceMissing is returned when the source directory does not exist.
	ErrSourceMissing = errors.New("source directory does not exist")
	// ErrNotDirectory is returned when the source or target is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotMounted is returned when a target that must be on its own
	// filesystem is on the root filesystem instead.
	ErrNotMounted = errors.New("target is not on a mounted filesystem")
)

// Run performs the checks selected by p.
func Run(p *Plan, sourcePath, targetPath string) error {
	if p.SourceAccessible {
		if err := CheckBackupSourceAccessible(sourcePath); err != nil {
			return err
		}
	}
	if p.TargetAccessible {
		if err := CheckBackupTargetAccessible(targetPath, p.RequireMount); err != nil {
			return err
		}
	}
	return nil
}

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s: %w", srcPath, ErrNotDirectory)
	}
	return nil
}

// CheckBackupTargetAccessible ensures the backup target is usable before
// anything is created. It provides more user-friendly errors than letting
// os.MkdirAll fail later.
//
// If the target exists it must be a directory. If it does not, the deepest
// existing ancestor must be accessible. With requireMount, the target (or that
// ancestor) must not be on the root filesystem, which catches a backup disk
// that failed to mount and left an empty "ghost" mount point behind.
func CheckBackupTargetAccessible(targetPath string, requireMount bool) error {
	info, err := os.Stat(targetPath)
	if errors.Is(err, os.ErrNotExist) {
		ancestor, err := deepestExistingAncestor(targetPath)
		if err != nil {
			return err
		}
		if requireMount {
			return platformValidateMountPoint(ancestor)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path %s exists but is %w", targetPath, ErrNotDirectory)
	}
	if requireMount {
		return platformValidateMountPoint(targetPath)
	}
	return nil
}

// deepestExistingAncestor walks up from path to the first directory that exists.
func deepestExistingAncestor(path string) (string, error) {
	ancestor := path
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return ancestor, nil // Hit root
		}
		info, err := os.Stat(parent)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("ancestor %s of target is %w", parent, ErrNotDirectory)
			}
			return parent, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("cannot access ancestor directory %s: %w", parent, err)
		}
		ancestor = parent
	}
}
