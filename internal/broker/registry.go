package broker

import (
	"fmt"
	"sync"
	"time"

	"nodeflow/task-broker/pkg/types"
)

// RunnerConn is the transport handle the registry keeps for a connected
// runner. Closing the connection is the only destructor path for a runner.
type RunnerConn interface {
	Send(msg *types.WSMessage) error
	Close() error
}

// runnerEntry pairs a runner's declared identity with the broker's view of
// its load and its live connection.
type runnerEntry struct {
	info   *types.RunnerInfo
	status types.RunnerStatus
	conn   RunnerConn
}

// Registry tracks connected runners, their declared capacity and current
// load. Pure in-memory state; nothing survives a broker restart.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*runnerEntry

	subMu       sync.RWMutex
	subscribers []chan *types.RunnerEvent
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]*runnerEntry),
	}
}

// Register adds a runner after a successful authenticated handshake.
func (r *Registry) Register(info *types.RunnerInfo, conn RunnerConn) error {
	if info == nil {
		return fmt.Errorf("runner info cannot be nil")
	}
	if info.ID == "" {
		return fmt.Errorf("runner ID cannot be empty")
	}
	if info.MaxConcurrency <= 0 {
		return fmt.Errorf("runner %s declared non-positive capacity", info.ID)
	}

	r.mu.Lock()
	if _, exists := r.runners[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("runner already registered: %s", info.ID)
	}
	r.runners[info.ID] = &runnerEntry{
		info: info,
		status: types.RunnerStatus{
			State:    types.RunnerStateReady,
			LastSeen: time.Now(),
		},
		conn: conn,
	}
	r.mu.Unlock()

	r.notify(&types.RunnerEvent{Type: types.RunnerEventRegistered, RunnerID: info.ID, Runner: info})
	return nil
}

// Unregister removes a runner. Called only from the connection teardown path.
func (r *Registry) Unregister(runnerID string) (*types.RunnerInfo, error) {
	r.mu.Lock()
	entry, exists := r.runners[runnerID]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner not found: %s", runnerID)
	}
	delete(r.runners, runnerID)
	r.mu.Unlock()

	r.notify(&types.RunnerEvent{Type: types.RunnerEventUnregistered, RunnerID: runnerID, Runner: entry.info})
	return entry.info, nil
}

// Get returns a runner's declared identity.
func (r *Registry) Get(runnerID string) (*types.RunnerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return nil, fmt.Errorf("runner not found: %s", runnerID)
	}
	return entry.info, nil
}

// Status returns a copy of a runner's current status.
func (r *Registry) Status(runnerID string) (types.RunnerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return types.RunnerStatus{}, fmt.Errorf("runner not found: %s", runnerID)
	}
	return entry.status, nil
}

// Conn returns the live connection handle for a runner.
func (r *Registry) Conn(runnerID string) (RunnerConn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return nil, fmt.Errorf("runner not found: %s", runnerID)
	}
	return entry.conn, nil
}

// List returns all registered runners.
func (r *Registry) List() []*types.RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.RunnerInfo, 0, len(r.runners))
	for _, entry := range r.runners {
		out = append(out, entry.info)
	}
	return out
}

// Count returns the number of registered runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// Heartbeat records runner liveness and its self-reported load.
func (r *Registry) Heartbeat(runnerID string, inFlight int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return fmt.Errorf("runner not found: %s", runnerID)
	}
	entry.status.LastSeen = time.Now()
	if inFlight >= 0 {
		entry.status.InFlight = inFlight
	}
	return nil
}

// Reserve takes one idle slot for an outstanding offer. Returns false when
// the runner has no free slot or is not accepting offers.
func (r *Registry) Reserve(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runners[runnerID]
	if !exists || entry.status.State != types.RunnerStateReady {
		return false
	}
	if entry.status.FreeSlots(entry.info.MaxConcurrency) == 0 {
		return false
	}
	entry.status.Reserved++
	return true
}

// Release returns a reserved slot after an offer was rejected or expired.
func (r *Registry) Release(runnerID string) {
	r.mu.Lock()
	entry, exists := r.runners[runnerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if entry.status.Reserved > 0 {
		entry.status.Reserved--
	}
	info := entry.info
	r.mu.Unlock()

	r.notify(&types.RunnerEvent{Type: types.RunnerEventCapacityFreed, RunnerID: runnerID, Runner: info})
}

// Commit converts a reserved slot into in-flight work after an accepted offer.
func (r *Registry) Commit(runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return fmt.Errorf("runner not found: %s", runnerID)
	}
	if entry.status.Reserved > 0 {
		entry.status.Reserved--
	}
	entry.status.InFlight++
	return nil
}

// Done frees one in-flight slot after a task reached a terminal state.
func (r *Registry) Done(runnerID string) {
	r.mu.Lock()
	entry, exists := r.runners[runnerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if entry.status.InFlight > 0 {
		entry.status.InFlight--
	}
	info := entry.info
	r.mu.Unlock()

	r.notify(&types.RunnerEvent{Type: types.RunnerEventCapacityFreed, RunnerID: runnerID, Runner: info})
}

// IdleRunners returns runners that declared the task type and have at least
// one slot free of both in-flight work and outstanding offers.
func (r *Registry) IdleRunners(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0)
	for id, entry := range r.runners {
		if entry.status.State != types.RunnerStateReady {
			continue
		}
		if !entry.info.Supports(taskType) {
			continue
		}
		if entry.status.FreeSlots(entry.info.MaxConcurrency) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// StaleRunners returns runners whose last heartbeat is older than timeout.
func (r *Registry) StaleRunners(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	out := make([]string, 0)
	for id, entry := range r.runners {
		if entry.status.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Drain stops offering new work to a runner; in-flight tasks finish normally.
func (r *Registry) Drain(runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.runners[runnerID]
	if !exists {
		return fmt.Errorf("runner not found: %s", runnerID)
	}
	entry.status.State = types.RunnerStateDraining
	return nil
}

// Subscribe returns a channel of runner lifecycle events. The channel is
// closed when ctx is done.
func (r *Registry) Subscribe(done <-chan struct{}) <-chan *types.RunnerEvent {
	ch := make(chan *types.RunnerEvent, 128)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-done
		r.subMu.Lock()
		for i, sub := range r.subscribers {
			if sub == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				break
			}
		}
		r.subMu.Unlock()
		close(ch)
	}()

	return ch
}

// notify sends an event to all subscribers, dropping when a channel is full.
func (r *Registry) notify(event *types.RunnerEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
