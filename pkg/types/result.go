package types

import "encoding/json"

// ErrorCode classifies a task error on the wire.
type ErrorCode string

const (
	// ErrCodeExecution indicates the user code failed inside the runner.
	ErrCodeExecution ErrorCode = "EXECUTION_ERROR"
	// ErrCodeTimeout indicates no runner accepted the task in time.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"
	// ErrCodeRunnerLost indicates the assigned runner disconnected mid-task.
	ErrCodeRunnerLost ErrorCode = "RUNNER_LOST"
	// ErrCodeAborted indicates broker-initiated cancellation.
	ErrCodeAborted ErrorCode = "ABORTED"
	// ErrCodeAuth indicates an authentication failure.
	ErrCodeAuth ErrorCode = "AUTH_ERROR"
	// ErrCodePermission indicates the requester lacked a required permission.
	ErrCodePermission ErrorCode = "PERMISSION_ERROR"
)

// TaskError is a typed error reported for a task.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// RedactionInfo records whether and why the relay redacted a result.
type RedactionInfo struct {
	Redacted bool   `json:"redacted"`
	Reason   string `json:"reason,omitempty"`
}

// RedactedMarker replaces node output data when a result is redacted.
const RedactedMarker = "[redacted]"

// TaskOutcome wraps the terminal result of a task: either an output payload
// or a typed error, never both. Redaction metadata is attached by the relay,
// never by the runner.
type TaskOutcome struct {
	TaskID    string          `json:"task_id"`
	State     TaskState       `json:"state"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
	Redaction *RedactionInfo  `json:"redaction,omitempty"`
}

// Clone returns a copy of the outcome so the relay can transform it without
// aliasing the ledger's record.
func (o *TaskOutcome) Clone() *TaskOutcome {
	c := *o
	if o.Error != nil {
		e := *o.Error
		c.Error = &e
	}
	if o.Redaction != nil {
		r := *o.Redaction
		c.Redaction = &r
	}
	if o.Output != nil {
		c.Output = append(json.RawMessage(nil), o.Output...)
	}
	return &c
}
