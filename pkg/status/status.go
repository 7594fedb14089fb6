// Package status persists the outcome of the most recent run of a target as
// last_run.json, the file external monitoring reads.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// FileName is the status record's name under the target root.
const FileName = "last_run.json"

// FailureKind classifies a failed run.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureMirror            FailureKind = "mirror"
	FailureMirrorUnavailable FailureKind = "mirror-unavailable"
	FailurePointer           FailureKind = "pointer"
	FailureFilesystem        FailureKind = "filesystem"
	FailureHook              FailureKind = "hook"
	FailureCanceled          FailureKind = "canceled"
)

// PruneFailure is one snapshot the pruner could not remove.
type PruneFailure struct {
	Snapshot string `json:"snapshot"`
	Error    string `json:"error"`
}

// Record is the JSON document written to last_run.json.
// Timestamp, Success, Message and Snapshot are always present; Snapshot is null
// when the run never got as far as choosing a snapshot directory.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Snapshot  *string   `json:"snapshot"`

	Instance        string         `json:"instance,omitempty"`
	RunID           string         `json:"runId,omitempty"`
	FailureKind     FailureKind    `json:"failureKind,omitempty"`
	ExitCode        int            `json:"exitCode"`
	LinkSource      string         `json:"linkSource,omitempty"`
	Pruned          []string       `json:"pruned,omitempty"`
	PruneFailures   []PruneFailure `json:"pruneFailures,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	// LastSuccess is when the most recent successful run finished. Failed
	// runs carry it over from the record they replace.
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
}

// SnapshotPath returns the snapshot path or "" when none is recorded.
func (r Record) SnapshotPath() string {
	if r.Snapshot == nil {
		return ""
	}
	return *r.Snapshot
}

// Path returns the status file path for a target root.
func Path(targetRoot string) string {
	return filepath.Join(targetRoot, FileName)
}

// Write atomically overwrites the status record of targetRoot.
func Write(targetRoot string, r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}
	data = append(data, '\n')
	if err := util.WriteFileAtomic(Path(targetRoot), data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	return nil
}

// Read loads the status record of targetRoot. A missing file is returned as
// the underlying os error so callers can use os.IsNotExist.
func Read(targetRoot string) (Record, error) {
	data, err := os.ReadFile(Path(targetRoot))
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to parse status record %s: %w", Path(targetRoot), err)
	}
	return r, nil
}

// StringPtr returns a pointer to s, or nil for "".
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PreviousSuccess returns when the last successful run of targetRoot finished,
// as recorded by the current status record. It is the zero time when no run
// has succeeded yet or the record cannot be read.
func PreviousSuccess(targetRoot string) time.Time {
	r, err := Read(targetRoot)
	if err != nil {
		return time.Time{}
	}
	if r.LastSuccess != nil {
		return *r.LastSuccess
	}
	// Records written before LastSuccess existed.
	if r.Success {
		return r.Timestamp
	}
	return time.Time{}
}
