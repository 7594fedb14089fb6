package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulschiretz/homelab-backup/pkg/mirror"
	"github.com/paulschiretz/homelab-backup/pkg/pathretention"
	"github.com/paulschiretz/homelab-backup/pkg/status"
)

// Process exit codes. A failed mirror exits with rsync's own code instead.
const (
	ExitOK           = 0
	ExitHookFailed   = 1
	ExitPrecondition = 2
	ExitInternal     = 70
	ExitFilesystem   = 73
	ExitLocked       = 75
	ExitTimeout      = 124
	ExitUnavailable  = 127
	ExitCanceled     = 130
)

// Outcome is the result of one engine run.
type Outcome struct {
	ExitCode int
	// Record is the status record written for the run, nil when none was
	// written (preconditions, lock contention, dry runs).
	Record *status.Record
	// Prune is the result of a manual prune.
	Prune pathretention.Result
}

// classifyMirrorError maps a mirror error to a failure kind and exit code.
func classifyMirrorError(err error) (status.FailureKind, int) {
	if exitErr, ok := errors.AsType[*mirror.ExitError](err); ok {
		return status.FailureMirror, exitErr.Code
	}
	switch {
	case errors.Is(err, mirror.ErrUnavailable):
		return status.FailureMirrorUnavailable, ExitUnavailable
	case errors.Is(err, context.Canceled):
		return status.FailureCanceled, ExitCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return status.FailureMirror, ExitTimeout
	default:
		return status.FailureMirror, ExitInternal
	}
}

// mirrorFailureMessage describes a failed mirror for the status record.
func mirrorFailureMessage(err error, kind status.FailureKind) string {
	switch kind {
	case status.FailureCanceled:
		return "backup canceled during mirror"
	case status.FailureMirrorUnavailable:
		return fmt.Sprintf("mirror could not be started: %v", err)
	default:
		return fmt.Sprintf("mirror failed: %v", err)
	}
}
