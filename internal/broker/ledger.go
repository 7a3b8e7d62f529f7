package broker

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"nodeflow/task-broker/pkg/types"
)

// ledgerShardCount spreads tasks over independent locks so transitions for
// different tasks never contend globally.
const ledgerShardCount = 32

var (
	// ErrTaskNotFound indicates the ledger holds no task with the given id.
	ErrTaskNotFound = errors.New("ledger: task not found")

	// ErrTerminalState indicates a transition out of a terminal state was
	// rejected; terminal results are immutable.
	ErrTerminalState = errors.New("ledger: task already in terminal state")

	// ErrInvalidTransition indicates the requested state change is not in
	// the task state machine.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
)

// validNext is the task state machine. Absence means the transition is
// rejected. The self-transition on pending carries offer-round bookkeeping.
var validNext = map[types.TaskState]map[types.TaskState]bool{
	types.TaskStatePending: {
		types.TaskStateOffered:  true,
		types.TaskStatePending:  true,
		types.TaskStateTimedOut: true,
		types.TaskStateAborted:  true,
	},
	types.TaskStateOffered: {
		types.TaskStateAccepted: true,
		types.TaskStatePending:  true,
		types.TaskStateTimedOut: true,
		types.TaskStateAborted:  true,
	},
	types.TaskStateAccepted: {
		types.TaskStateRunning: true,
		types.TaskStateErrored: true,
		types.TaskStateAborted: true,
	},
	types.TaskStateRunning: {
		types.TaskStateCompleted: true,
		types.TaskStateErrored:   true,
		types.TaskStateAborted:   true,
	},
}

type ledgerShard struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// Ledger tracks every task from creation to terminal state. It is the source
// of truth for what is pending, assigned and done. Mutations for one task are
// serialized by its shard lock; tasks on different shards proceed in
// parallel.
type Ledger struct {
	shards [ledgerShardCount]*ledgerShard
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{}
	for i := range l.shards {
		l.shards[i] = &ledgerShard{tasks: make(map[string]*types.Task)}
	}
	return l
}

func (l *Ledger) shardFor(taskID string) *ledgerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return l.shards[h.Sum32()%ledgerShardCount]
}

// Append records a newly submitted task. The task must be pending.
func (l *Ledger) Append(task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.State != types.TaskStatePending {
		return fmt.Errorf("new task %s must be pending, got %s", task.ID, task.State)
	}

	shard := l.shardFor(task.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.tasks[task.ID]; exists {
		return fmt.Errorf("task already recorded: %s", task.ID)
	}
	shard.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a copy of the task's current record.
func (l *Ledger) Get(taskID string) (*types.Task, error) {
	shard := l.shardFor(taskID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	task, exists := shard.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Transition moves a task to the given state, applying mutate (may be nil)
// to the record under the same lock. Transitions out of terminal states are
// rejected with ErrTerminalState; anything else not in the state machine
// fails with ErrInvalidTransition. Returns a copy of the updated record.
func (l *Ledger) Transition(taskID string, to types.TaskState, mutate func(*types.Task)) (*types.Task, error) {
	shard := l.shardFor(taskID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	task, exists := shard.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	if task.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, taskID, task.State)
	}
	if !validNext[task.State][to] {
		return nil, fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidTransition, task.State, to, taskID)
	}

	task.State = to
	if mutate != nil {
		mutate(task)
	}
	return task.Clone(), nil
}

// Snapshot returns copies of all tasks matching the filter. A nil filter
// matches everything.
func (l *Ledger) Snapshot(filter func(*types.Task) bool) []*types.Task {
	out := make([]*types.Task, 0)
	for _, shard := range l.shards {
		shard.mu.RLock()
		for _, task := range shard.tasks {
			if filter == nil || filter(task) {
				out = append(out, task.Clone())
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// Count returns the number of recorded tasks.
func (l *Ledger) Count() int {
	n := 0
	for _, shard := range l.shards {
		shard.mu.RLock()
		n += len(shard.tasks)
		shard.mu.RUnlock()
	}
	return n
}
