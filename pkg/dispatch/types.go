// Package dispatch owns the job and worker registry: long-poll claim,
// heartbeat liveness, and exactly-once completion.
package dispatch

import (
	"errors"
	"time"

	"github.com/millwork/taskmill/pkg/factory"
)

// JobState is the dispatch lifecycle state of one job.
type JobState string

const (
	StateQueued   JobState = "queued"
	StateClaimed  JobState = "claimed"
	StateRunning  JobState = "running"
	StateDone     JobState = "done"
	StateFailed   JobState = "failed"
	StateCanceled JobState = "canceled"
)

// stateRank orders states so regressions can be rejected. Terminal
// states share the top rank; moving between them is also a regression.
func stateRank(s JobState) int {
	switch s {
	case StateQueued:
		return 0
	case StateClaimed:
		return 1
	case StateRunning:
		return 2
	case StateDone, StateFailed, StateCanceled:
		return 3
	}
	return -1
}

// Terminal reports whether a state is final.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// Task is the unit of work handed to dispatch after preflight.
type Task struct {
	ID            string   `json:"id"`
	Goal          string   `json:"goal"`
	Role          string   `json:"role"`
	Lane          string   `json:"lane"`
	TaskClassID   string   `json:"task_class_id"`
	Area          string   `json:"area"`
	Executor      string   `json:"executor"`
	Model         string   `json:"model"`
	DeclaredFiles []string `json:"declared_files,omitempty"`
	TimeoutMs     int64    `json:"timeout_ms"`
	Attempt       int      `json:"attempt"`
}

// AdmissionView converts the task to the factory controller's shape.
func (t Task) AdmissionView() factory.Task {
	return factory.Task{TaskClassID: t.TaskClassID, Area: t.Area, Lane: t.Lane}
}

// Worker is a registered execution agent. At most one running job.
type Worker struct {
	ID           string    `json:"id"`
	Executors    []string  `json:"executors"`
	Models       []string  `json:"models"`
	LastSeen     time.Time `json:"last_seen"`
	RunningJobID string    `json:"running_job_id,omitempty"`
}

// Completion is the terminal record posted by the worker.
type Completion struct {
	ExitCode     int               `json:"exit_code"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	BundleHashes map[string]string `json:"bundle_hashes,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Job is one dispatch attempt of a task to a worker.
type Job struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	WorkerID   string      `json:"worker_id,omitempty"`
	State      JobState    `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	TimeoutMs  int64       `json:"timeout_ms"`
	Completion *Completion `json:"completion,omitempty"`

	// Task is the payload the worker executes.
	Task Task `json:"task"`
}

// Sentinel errors for registry operations.
var (
	ErrUnknownWorker       = errors.New("unknown worker")
	ErrUnknownJob          = errors.New("unknown job")
	ErrTaskAlreadyActive   = errors.New("task already has an active job")
	ErrDuplicateCompletion = errors.New("job already completed")
	ErrStateRegression     = errors.New("job state cannot regress")
	ErrWorkerBusy          = errors.New("worker already runs a job")
	ErrAdmissionLimited    = errors.New("claim admission rate exceeded")
)

// Failure reason codes recorded on jobs.
const (
	ReasonHeartbeatLost = "heartbeat_lost"
	ReasonManualCancel  = "manual_cancel"
)
