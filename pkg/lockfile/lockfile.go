// Package lockfile provides the per-target advisory lock that keeps two runs
// from mutating the same backup target at once.
//
// The lock is a kernel advisory lock (flock) on a small file in the target
// root. The kernel drops it when the holder exits, so a crashed run never
// leaves a stale lock behind; the JSON content of the file only exists to tell
// a contender who holds it.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// LockFileName is the name of the lock file created in the target directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~homelab-backup.lock"

// LockContent is the diagnostic payload written into a held lock file.
type LockContent struct {
	PID       int64     `json:"pid"`
	Hostname  string    `json:"hostname"`
	AppID     string    `json:"appID"`
	RunID     string    `json:"runId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// ErrLockActive is returned when another process already holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	RunID     string
	TimeSince time.Duration
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	if e.PID == 0 {
		return "lock is active, holder unknown"
	}
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), started %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrUnsupported is returned on platforms without flock.
var ErrUnsupported = errors.New("target locking is not supported on this platform")

// ErrCorruptLockFile indicates that the lock file on disk is unreadable, either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// maxAttempts bounds the open/lock/verify loop, which only repeats when a
// releasing holder unlinked the file between our open and our lock.
const maxAttempts = 3

func newLockContent(appID, runID string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, fmt.Errorf("failed to determine hostname: %w", err)
	}
	return LockContent{
		PID:       int64(os.Getpid()),
		Hostname:  hostname,
		AppID:     appID,
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Read returns the diagnostic content of the lock file at absLockFilePath.
func Read(absLockFilePath string) (LockContent, error) {
	return readLockContentSafely(absLockFilePath)
}

// writeLockContent marshals the LockContent and writes it to the provided io.Writer.
func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying while the holder may be
// between truncating and rewriting it.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr error
	for range 3 {
		data, err := os.ReadFile(absLockFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if len(data) == 0 {
			lastErr = fmt.Errorf("%w: file is empty", ErrCorruptLockFile)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrCorruptLockFile, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	return LockContent{}, lastErr
}

// activeError builds an ErrLockActive from whatever the holder wrote.
func activeError(absLockFilePath string) error {
	content, err := readLockContentSafely(absLockFilePath)
	if err != nil {
		return &ErrLockActive{}
	}
	return &ErrLockActive{
		PID:       content.PID,
		Hostname:  content.Hostname,
		AppID:     content.AppID,
		RunID:     content.RunID,
		TimeSince: time.Since(content.StartedAt),
	}
}
