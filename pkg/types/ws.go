package types

import "encoding/json"

// WSMessageType defines WebSocket message types for broker-runner communication.
type WSMessageType string

const (
	// Broker -> Runner
	WSMsgRegisterAck WSMessageType = "register_ack"
	WSMsgOffer       WSMessageType = "offer"
	WSMsgTaskAssign  WSMessageType = "task_assign"
	WSMsgTaskCancel  WSMessageType = "task_cancel"
	WSMsgPing        WSMessageType = "ping"

	// Runner -> Broker
	WSMsgRegister      WSMessageType = "register"
	WSMsgOfferAccept   WSMessageType = "offer_accept"
	WSMsgOfferReject   WSMessageType = "offer_reject"
	WSMsgTaskStarted   WSMessageType = "task_started"
	WSMsgTaskCompleted WSMessageType = "task_completed"
	WSMsgTaskErrored   WSMessageType = "task_errored"
	WSMsgHeartbeat     WSMessageType = "heartbeat"
	WSMsgPong          WSMessageType = "pong"
)

// WSMessage is the unified envelope for all WebSocket messages.
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewWSMessage marshals payload into a WSMessage envelope.
func NewWSMessage(t WSMessageType, payload any) (*WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &WSMessage{Type: t, Data: data}, nil
}

// RunnerRegisterResponse acknowledges a runner handshake.
type RunnerRegisterResponse struct {
	Accepted            bool   `json:"accepted"`
	BrokerID            string `json:"broker_id,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms,omitempty"`
	Error               string `json:"error,omitempty"`
}

// OfferMessage proposes a task to an idle runner slot.
type OfferMessage struct {
	OfferID    string `json:"offer_id"`
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	ValidForMs int64  `json:"valid_for_ms"`
}

// OfferDecision is a runner's accept or reject of an offer.
type OfferDecision struct {
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason,omitempty"`
}

// TaskAssignMessage delivers the task payload after an accepted offer.
type TaskAssignMessage struct {
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
}

// TaskCancelMessage asks a runner to stop a task, best effort.
type TaskCancelMessage struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// TaskStartedMessage signals that the runner began executing a task.
type TaskStartedMessage struct {
	TaskID string `json:"task_id"`
}

// TaskResultMessage reports a terminal outcome from the runner.
type TaskResultMessage struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// HeartbeatMessage reports runner liveness and load.
type HeartbeatMessage struct {
	InFlight int `json:"in_flight"`
}
