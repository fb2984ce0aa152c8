package jobregistry

import (
	"time"

	"github.com/runguardhq/runguard/pkg/classify"
)

// JobState is the lifecycle state of a supervised job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
	JobStateFrozen    JobState = "frozen"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateFrozen:
		return true
	}
	return false
}

// ExitCodeKilled is the exit code recorded when the supervisor itself
// terminated the job (timeout or freeze). Matches the coreutils timeout(1)
// convention so callers can tell supervisor kills apart from the command's
// own failures.
const ExitCodeKilled = 124

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID    string            `json:"job_id"`
	Command  string            `json:"command"`
	Cwd      string            `json:"cwd,omitempty"`
	Category string            `json:"category,omitempty"`
	Strategy classify.Strategy `json:"strategy"`
	State    JobState          `json:"state"`
	PID      int               `json:"pid,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	OutputPath      string `json:"output_path,omitempty"`
	OutputBytes     int64  `json:"output_bytes,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`

	// ResidualProcesses flags a termination that failed to stop every
	// descendant; the operator must clean up by hand.
	ResidualProcesses bool `json:"residual_processes,omitempty"`

	// FreezeReason records which heuristic fired when State is frozen.
	FreezeReason string `json:"freeze_reason,omitempty"`
}
