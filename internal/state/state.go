// Package state is the durable, single-writer record of per-run, per-pipeline
// execution progress. One JSON record file is kept per run; every write is
// atomic (temp file + rename + directory sync) so a crash never leaves a
// half-written record behind.
package state

import (
	"fmt"
	"time"

	"github.com/seqops/autoseq/internal/pipeline"
)

// Status enumerates the lifecycle of one (run, pipeline) pair.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusExcluded   Status = "excluded"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusExcluded:
		return true
	}
	return false
}

// Distinguished exit markers for failures that never produced a process exit
// code. Real exit codes are always >= 0.
const (
	// ExitLaunchFailed records a process that could not be started at all.
	ExitLaunchFailed = -1
	// ExitInterrupted records a launch found in progress at startup with no
	// corresponding live process.
	ExitInterrupted = -2
)

// Record is the persisted state of one (run, pipeline) pair.
type Record struct {
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// Ticket proves a successful RecordStart and must be presented to record the
// terminal transition for the same dispatch.
type Ticket struct {
	ID       string
	RunID    string
	Pipeline pipeline.Key
}

// AlreadyInProgressError is the expected race between overlapping scan
// cycles: a record for the key is already in progress, so the caller must
// not dispatch.
type AlreadyInProgressError struct {
	RunID    string
	Pipeline pipeline.Key
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("state: %s %s is already in progress", e.RunID, e.Pipeline)
}

// NotEligibleError rejects a RecordStart for a key that already reached a
// terminal state. It indicates a caller bug rather than an expected race.
type NotEligibleError struct {
	RunID    string
	Pipeline pipeline.Key
	Status   Status
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("state: %s %s is %s, not startable", e.RunID, e.Pipeline, e.Status)
}
