package rest

import (
	"encoding/json"
	"time"

	"nodeflow/task-broker/pkg/types"
)

// ErrorResponse is the JSON error envelope for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	TaskType  string          `json:"task_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`

	// Wait blocks the request until the task reaches a terminal state and
	// returns the outcome inline.
	Wait bool `json:"wait,omitempty"`

	// Result release policy for this submission.
	RequesterID  string `json:"requester_id,omitempty"`
	CanRevealRaw bool   `json:"can_reveal_raw,omitempty"`
	RevealRaw    *bool  `json:"reveal_raw,omitempty"`
	RedactMode   string `json:"redact_mode,omitempty"`
}

// SubmitTaskResponse is returned for a non-waiting submission.
type SubmitTaskResponse struct {
	TaskID string          `json:"task_id"`
	State  types.TaskState `json:"state"`
}

// TaskResponse is the external view of a ledger record.
type TaskResponse struct {
	TaskID      string             `json:"task_id"`
	TaskType    string             `json:"task_type"`
	State       types.TaskState    `json:"state"`
	RunnerID    string             `json:"runner_id,omitempty"`
	OfferRounds int                `json:"offer_rounds"`
	SubmittedAt time.Time          `json:"submitted_at"`
	Deadline    *time.Time         `json:"deadline,omitempty"`
	Outcome     *types.TaskOutcome `json:"outcome,omitempty"`
}

// newTaskResponse builds the external view of a ledger record. The outcome
// is passed separately and must already be relay-processed; the raw recorded
// outcome is never serialized.
func newTaskResponse(t *types.Task, outcome *types.TaskOutcome) *TaskResponse {
	resp := &TaskResponse{
		TaskID:      t.ID,
		TaskType:    t.Type,
		State:       t.State,
		RunnerID:    t.RunnerID,
		OfferRounds: t.OfferRounds,
		SubmittedAt: t.SubmittedAt,
		Outcome:     outcome,
	}
	if !t.Deadline.IsZero() {
		d := t.Deadline
		resp.Deadline = &d
	}
	return resp
}

// RunnerResponse is the external view of a registered runner.
type RunnerResponse struct {
	RunnerID       string            `json:"runner_id"`
	TaskTypes      []string          `json:"task_types"`
	MaxConcurrency int               `json:"max_concurrency"`
	Labels         map[string]string `json:"labels,omitempty"`
	State          types.RunnerState `json:"state"`
	InFlight       int               `json:"in_flight"`
	Reserved       int               `json:"reserved"`
	LastSeen       time.Time         `json:"last_seen"`
}

func newRunnerResponse(info *types.RunnerInfo, status types.RunnerStatus) *RunnerResponse {
	return &RunnerResponse{
		RunnerID:       info.ID,
		TaskTypes:      info.TaskTypes,
		MaxConcurrency: info.MaxConcurrency,
		Labels:         info.Labels,
		State:          status.State,
		InFlight:       status.InFlight,
		Reserved:       status.Reserved,
		LastSeen:       status.LastSeen,
	}
}

// HealthResponse is the body of the application health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Runners int    `json:"runners"`
	Tasks   int    `json:"tasks"`
}
