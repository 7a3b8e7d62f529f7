package types

import (
	"encoding/json"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task waits for an offer.
	TaskStatePending TaskState = "pending"
	// TaskStateOffered indicates an offer for the task is outstanding.
	TaskStateOffered TaskState = "offered"
	// TaskStateAccepted indicates a runner accepted the offer.
	TaskStateAccepted TaskState = "accepted"
	// TaskStateRunning indicates the runner signalled execution start.
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the runner reported success.
	TaskStateCompleted TaskState = "completed"
	// TaskStateErrored indicates the runner reported an error, or the
	// assigned runner was lost.
	TaskStateErrored TaskState = "errored"
	// TaskStateTimedOut indicates no runner accepted within the offer
	// round limit, or the deadline passed before assignment.
	TaskStateTimedOut TaskState = "timed_out"
	// TaskStateAborted indicates broker-initiated cancellation.
	TaskStateAborted TaskState = "aborted"
)

// Terminal reports whether no further transition is permitted from s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateErrored, TaskStateTimedOut, TaskStateAborted:
		return true
	}
	return false
}

// RedactMode declares a workflow's default redaction policy.
type RedactMode string

const (
	// RedactModeNone releases results unchanged.
	RedactModeNone RedactMode = "none"
	// RedactModeAll replaces node output data with the redaction marker.
	RedactModeAll RedactMode = "all"
)

// ResultPolicy captures who asked for a task and how its result may be
// released. It never travels to the runner.
type ResultPolicy struct {
	RequesterID     string
	CanRevealRaw    bool       // requester holds the elevated reveal permission
	RevealOverride  *bool      // per-request override; true asks for raw output
	WorkflowDefault RedactMode // declared by the originating workflow
}

// TaskSubmission is what the main process hands to the broker.
type TaskSubmission struct {
	Type     string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline,omitempty"`
	Policy   ResultPolicy    `json:"-"`
}

// Task is the ledger's record of a unit of work from submission to its
// terminal state.
type Task struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	SubmittedAt time.Time
	Deadline    time.Time
	State       TaskState
	RunnerID    string // assigned runner, empty until accepted
	OfferRounds int
	Policy      ResultPolicy
	Outcome     *TaskOutcome // set once, terminal
}

// Clone returns a copy safe to hand outside the ledger. The outcome is
// copied deeply so callers transforming it cannot reach the stored record.
func (t *Task) Clone() *Task {
	c := *t
	if t.Outcome != nil {
		c.Outcome = t.Outcome.Clone()
	}
	return &c
}
