package types

import "time"

// RunnerState represents the state of a connected runner.
type RunnerState string

const (
	// RunnerStateReady indicates the runner accepts offers.
	RunnerStateReady RunnerState = "ready"
	// RunnerStateDraining indicates the runner finishes in-flight work but
	// receives no new offers.
	RunnerStateDraining RunnerState = "draining"
	// RunnerStateLost indicates the runner missed its heartbeat window.
	RunnerStateLost RunnerState = "lost"
)

// RunnerInfo contains the identity a runner declares during the handshake.
type RunnerInfo struct {
	ID             string            `json:"runner_id"`
	TaskTypes      []string          `json:"task_types"`
	MaxConcurrency int               `json:"max_concurrency"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// Supports reports whether the runner declared the given task type.
func (r *RunnerInfo) Supports(taskType string) bool {
	for _, t := range r.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// RunnerStatus is the broker's view of a runner's current load.
type RunnerStatus struct {
	State    RunnerState
	InFlight int
	Reserved int // slots held by outstanding offers
	LastSeen time.Time
}

// FreeSlots returns the number of slots available for new offers.
func (s *RunnerStatus) FreeSlots(maxConcurrency int) int {
	free := maxConcurrency - s.InFlight - s.Reserved
	if free < 0 {
		return 0
	}
	return free
}

// RunnerEventType defines the type of runner lifecycle event.
type RunnerEventType string

const (
	// RunnerEventRegistered indicates a runner completed the handshake.
	RunnerEventRegistered RunnerEventType = "registered"
	// RunnerEventUnregistered indicates a runner disconnected or was evicted.
	RunnerEventUnregistered RunnerEventType = "unregistered"
	// RunnerEventCapacityFreed indicates a runner slot became available.
	RunnerEventCapacityFreed RunnerEventType = "capacity_freed"
)

// RunnerEvent represents a runner lifecycle event.
type RunnerEvent struct {
	Type     RunnerEventType
	RunnerID string
	Runner   *RunnerInfo
}
