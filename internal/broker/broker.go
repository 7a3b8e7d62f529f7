// Package broker implements the task broker core: the runner registry, the
// task ledger and the offer/assignment protocol that matches pending tasks to
// idle runner slots.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nodeflow/task-broker/internal/dblock"
	"nodeflow/task-broker/internal/relay"
	"nodeflow/task-broker/pkg/logger"
	"nodeflow/task-broker/pkg/types"
)

// reaperLockName is the advisory lock guarding the stale-task reaper so only
// one broker instance reaps in a multi-instance deployment.
const reaperLockName = "task-broker:stale-task-reaper"

// Config holds the configuration for a broker.
type Config struct {
	// ID is the unique identifier for this broker instance.
	ID string

	// OfferExpiry is the duration of one offer round.
	OfferExpiry time.Duration

	// MaxOfferRounds is the number of rounds before an unaccepted task
	// times out.
	MaxOfferRounds int

	// HeartbeatInterval is how often runner liveness is swept.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the staleness threshold before a runner is
	// considered lost.
	HeartbeatTimeout time.Duration

	// ReapInterval is how often the stale-task reaper runs.
	ReapInterval time.Duration

	// LockAcquireTimeout bounds blocking advisory lock acquisitions.
	LockAcquireTimeout time.Duration
}

// DefaultConfig returns a default broker configuration.
func DefaultConfig() *Config {
	return &Config{
		ID:                 uuid.New().String(),
		OfferExpiry:        5 * time.Second,
		MaxOfferRounds:     6,
		HeartbeatInterval:  10 * time.Second,
		HeartbeatTimeout:   30 * time.Second,
		ReapInterval:       time.Minute,
		LockAcquireTimeout: 10 * time.Second,
	}
}

// Broker accepts task submissions, matches them to registered runners and
// relays terminal outcomes back to requesters.
type Broker struct {
	config   *Config
	registry *Registry
	ledger   *Ledger
	relay    relay.Relay
	locks    dblock.Coordinator

	// FIFO queue of pending task ids, in submission order.
	queueMu sync.Mutex
	queue   []string
	queued  map[string]bool
	skip    map[string]string // task id -> runner cooled down after a reject

	offers *offerTable

	// One round timer per non-assigned task; a round spans OfferExpiry
	// whether or not an offer is outstanding, so a task with no runners
	// still consumes rounds.
	roundMu sync.Mutex
	rounds  map[string]*time.Timer

	watchMu  sync.Mutex
	watchers map[string][]chan *types.Task

	matchCh chan struct{}
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a broker from its collaborators. The relay defaults to the
// pass-through implementation when nil.
func New(config *Config, registry *Registry, ledger *Ledger, rel relay.Relay, locks dblock.Coordinator) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if rel == nil {
		rel = relay.NewNoopRelay()
	}
	if locks == nil {
		locks = dblock.NewMemoryCoordinator()
	}

	return &Broker{
		config:   config,
		registry: registry,
		ledger:   ledger,
		relay:    rel,
		locks:    locks,
		queued:   make(map[string]bool),
		skip:     make(map[string]string),
		offers:   newOfferTable(),
		rounds:   make(map[string]*time.Timer),
		watchers: make(map[string][]chan *types.Task),
		matchCh:  make(chan struct{}, 1),
	}
}

// ID returns this broker instance's identifier.
func (b *Broker) ID() string {
	return b.config.ID
}

// Registry returns the runner registry this broker dispatches to.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Ledger returns the task ledger.
func (b *Broker) Ledger() *Ledger {
	return b.ledger
}

// Start launches the matching, heartbeat and reaper loops.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("broker already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(4)
	go b.eventLoop(runCtx)
	go b.matchLoop(runCtx)
	go b.heartbeatLoop(runCtx)
	go b.reapLoop(runCtx)

	logger.Info("broker: started", "id", b.config.ID)
	return nil
}

// Stop aborts all non-terminal tasks, closes runner connections and waits
// for the loops to exit.
func (b *Broker) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}

	for _, t := range b.ledger.Snapshot(func(t *types.Task) bool { return !t.State.Terminal() }) {
		_ = b.Abort(t.ID, "broker shutting down")
	}

	for _, info := range b.registry.List() {
		if conn, err := b.registry.Conn(info.ID); err == nil {
			_ = conn.Close()
		}
	}

	b.cancel()

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Info("broker: stopped", "id", b.config.ID)
	return nil
}

// Submit records a new task and kicks the matcher. The returned id is the
// handle for Await, Get and Abort.
func (b *Broker) Submit(ctx context.Context, sub types.TaskSubmission) (string, error) {
	if !b.started.Load() {
		return "", fmt.Errorf("broker not started")
	}
	if sub.Type == "" {
		return "", fmt.Errorf("task type is required")
	}

	task := &types.Task{
		ID:          uuid.New().String(),
		Type:        sub.Type,
		Payload:     sub.Payload,
		SubmittedAt: time.Now(),
		Deadline:    sub.Deadline,
		State:       types.TaskStatePending,
		Policy:      sub.Policy,
	}

	if err := b.ledger.Append(task); err != nil {
		return "", err
	}

	b.enqueue(task.ID)
	b.startRound(task.ID)
	b.kick()

	logger.Debug("broker: task submitted", "task", task.ID, "type", task.Type)
	return task.ID, nil
}

// Get returns a copy of the task's current ledger record.
func (b *Broker) Get(taskID string) (*types.Task, error) {
	return b.ledger.Get(taskID)
}

// Outcome returns the relay-processed view of a task's recorded outcome, or
// nil when none has been recorded yet. Every externally visible result goes
// through here; the raw ledger record never leaves the broker unprocessed.
func (b *Broker) Outcome(t *types.Task) (*types.TaskOutcome, error) {
	if t == nil || t.Outcome == nil {
		return nil, nil
	}
	return b.relay.Deliver(t.Outcome, t.Policy)
}

// Await blocks until the task reaches a terminal state, then returns the
// outcome after relay post-processing. If ctx is cancelled first the task is
// aborted: a requester that went away must not leave work dangling.
func (b *Broker) Await(ctx context.Context, taskID string) (*types.TaskOutcome, error) {
	ch := make(chan *types.Task, 1)
	b.addWatcher(taskID, ch)
	defer b.removeWatcher(taskID, ch)

	t, err := b.ledger.Get(taskID)
	if err != nil {
		return nil, err
	}

	if !t.State.Terminal() {
		select {
		case t = <-ch:
		case <-ctx.Done():
			_ = b.Abort(taskID, "requester disconnected")
			return nil, ctx.Err()
		}
	}

	outcome := t.Outcome
	if outcome == nil {
		outcome = &types.TaskOutcome{TaskID: t.ID, State: t.State}
	}
	return b.relay.Deliver(outcome, t.Policy)
}

// Abort transitions a non-terminal task to aborted and, if a runner holds
// it, signals the runner to stop, best effort.
func (b *Broker) Abort(taskID, reason string) error {
	if off, ok := b.offers.resolveByTask(taskID); ok {
		b.registry.Release(off.RunnerID)
	}
	b.cancelRound(taskID)

	t, err := b.ledger.Transition(taskID, types.TaskStateAborted, func(t *types.Task) {
		t.Outcome = &types.TaskOutcome{
			TaskID: t.ID,
			State:  types.TaskStateAborted,
			Error:  &types.TaskError{Code: types.ErrCodeAborted, Message: reason},
		}
	})
	if err != nil {
		return err
	}

	b.dequeue(taskID)
	b.clearSkip(taskID)

	if t.RunnerID != "" {
		if conn, cerr := b.registry.Conn(t.RunnerID); cerr == nil {
			if msg, merr := types.NewWSMessage(types.WSMsgTaskCancel, types.TaskCancelMessage{TaskID: taskID, Reason: reason}); merr == nil {
				_ = conn.Send(msg)
			}
		}
		b.registry.Done(t.RunnerID)
	}

	b.notifyWatchers(t)
	logger.Info("broker: task aborted", "task", taskID, "reason", reason)
	return nil
}

// ─── runner-facing callbacks (driven by the transport layer) ───────────────

// RunnerConnected registers a runner after a successful handshake.
func (b *Broker) RunnerConnected(info *types.RunnerInfo, conn RunnerConn) error {
	if err := b.registry.Register(info, conn); err != nil {
		return err
	}
	logger.Info("broker: runner connected", "runner", info.ID, "capacity", info.MaxConcurrency, "types", info.TaskTypes)
	return nil
}

// RunnerDisconnected tears down a runner: outstanding offers return their
// tasks to the pool immediately, and tasks the runner held are failed with a
// runner-lost reason so nothing dangles in the ledger.
func (b *Broker) RunnerDisconnected(runnerID string) {
	for _, off := range b.offers.resolveByRunner(runnerID) {
		if _, err := b.ledger.Transition(off.TaskID, types.TaskStatePending, func(t *types.Task) {
			t.RunnerID = ""
		}); err == nil {
			b.enqueue(off.TaskID)
		}
	}

	held := b.ledger.Snapshot(func(t *types.Task) bool {
		return t.RunnerID == runnerID &&
			(t.State == types.TaskStateAccepted || t.State == types.TaskStateRunning)
	})
	for _, t := range held {
		failed, err := b.ledger.Transition(t.ID, types.TaskStateErrored, func(x *types.Task) {
			x.Outcome = &types.TaskOutcome{
				TaskID: x.ID,
				State:  types.TaskStateErrored,
				Error:  &types.TaskError{Code: types.ErrCodeRunnerLost, Message: "assigned runner disconnected"},
			}
		})
		if err != nil {
			continue
		}
		b.cancelRound(t.ID)
		b.notifyWatchers(failed)
		logger.Warn("broker: task failed, runner lost", "task", t.ID, "runner", runnerID)
	}

	if _, err := b.registry.Unregister(runnerID); err == nil {
		logger.Info("broker: runner disconnected", "runner", runnerID)
	}
	b.kick()
}

// OfferAccepted resolves an offer in the runner's favour and delivers the
// task payload. A late accept after expiry or abort is a no-op.
func (b *Broker) OfferAccepted(runnerID, offerID string) {
	off, ok := b.offers.resolve(offerID)
	if !ok || off.RunnerID != runnerID {
		return
	}

	b.cancelRound(off.TaskID)
	if err := b.registry.Commit(runnerID); err != nil {
		return
	}

	t, err := b.ledger.Transition(off.TaskID, types.TaskStateAccepted, func(t *types.Task) {
		t.RunnerID = runnerID
	})
	if err != nil {
		// Task reached a terminal state while the accept was in flight.
		b.registry.Done(runnerID)
		return
	}

	msg, err := types.NewWSMessage(types.WSMsgTaskAssign, types.TaskAssignMessage{
		TaskID:   t.ID,
		TaskType: t.Type,
		Payload:  t.Payload,
	})
	if err == nil {
		var conn RunnerConn
		if conn, err = b.registry.Conn(runnerID); err == nil {
			err = conn.Send(msg)
		}
	}
	if err != nil {
		b.failAssigned(t.ID, runnerID, "payload delivery failed")
		return
	}

	logger.Debug("broker: offer accepted", "task", t.ID, "runner", runnerID, "offer", offerID)
}

// OfferRejected resolves an offer against the runner and puts the task back
// in the pool. The rejecting runner is skipped for this task's next match
// attempt only, so a lone runner stays eligible in later rounds.
func (b *Broker) OfferRejected(runnerID, offerID, reason string) {
	off, ok := b.offers.resolve(offerID)
	if !ok || off.RunnerID != runnerID {
		return
	}

	b.registry.Release(runnerID)
	b.setSkip(off.TaskID, runnerID)

	if _, err := b.ledger.Transition(off.TaskID, types.TaskStatePending, func(t *types.Task) {
		t.RunnerID = ""
	}); err != nil {
		return
	}

	b.enqueue(off.TaskID)
	b.kick()
	logger.Debug("broker: offer rejected", "task", off.TaskID, "runner", runnerID, "reason", reason)
}

// TaskStarted records that the runner began executing the task.
func (b *Broker) TaskStarted(runnerID, taskID string) {
	t, err := b.ledger.Get(taskID)
	if err != nil || t.RunnerID != runnerID {
		return
	}
	_, _ = b.ledger.Transition(taskID, types.TaskStateRunning, nil)
}

// TaskResult records a terminal outcome reported by the runner and frees the
// runner's slot. Results for tasks already terminal (e.g. aborted) are
// dropped.
func (b *Broker) TaskResult(runnerID string, res *types.TaskResultMessage) {
	t, err := b.ledger.Get(res.TaskID)
	if err != nil || t.RunnerID != runnerID {
		return
	}

	// A fast runner may report before its started signal was processed.
	if t.State == types.TaskStateAccepted {
		_, _ = b.ledger.Transition(res.TaskID, types.TaskStateRunning, nil)
	}

	to := types.TaskStateCompleted
	if res.Error != nil {
		to = types.TaskStateErrored
	}

	updated, err := b.ledger.Transition(res.TaskID, to, func(t *types.Task) {
		t.Outcome = &types.TaskOutcome{
			TaskID: t.ID,
			State:  to,
			Output: res.Output,
			Error:  res.Error,
		}
	})
	if err != nil {
		return
	}

	b.registry.Done(runnerID)
	b.notifyWatchers(updated)
	logger.Debug("broker: task finished", "task", res.TaskID, "runner", runnerID, "state", to)
}

// Heartbeat records runner liveness.
func (b *Broker) Heartbeat(runnerID string, inFlight int) {
	_ = b.registry.Heartbeat(runnerID, inFlight)
}

// ─── matching ──────────────────────────────────────────────────────────────

// kick wakes the match loop; coalesces when one is already queued.
func (b *Broker) kick() {
	select {
	case b.matchCh <- struct{}{}:
	default:
	}
}

func (b *Broker) matchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.matchCh:
			b.matchAll()
		}
	}
}

// matchAll walks the pending queue in submission order and offers each task
// to the first compatible idle runner slot.
func (b *Broker) matchAll() {
	for _, taskID := range b.queueSnapshot() {
		t, err := b.ledger.Get(taskID)
		if err != nil || t.State != types.TaskStatePending {
			b.dequeue(taskID)
			continue
		}
		if b.offers.hasTask(taskID) {
			continue
		}
		b.tryOffer(t)
	}
}

// tryOffer reserves an idle slot and sends an offer for the task. Returns
// false when no compatible slot exists or delivery failed.
func (b *Broker) tryOffer(t *types.Task) bool {
	skip := b.skipFor(t.ID)

	runnerID := ""
	for _, id := range b.registry.IdleRunners(t.Type) {
		if id == skip {
			continue
		}
		if b.registry.Reserve(id) {
			runnerID = id
			break
		}
	}
	if runnerID == "" {
		return false
	}

	offer := Offer{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		RunnerID:  runnerID,
		ExpiresAt: time.Now().Add(b.config.OfferExpiry),
	}

	if _, err := b.ledger.Transition(t.ID, types.TaskStateOffered, nil); err != nil {
		b.registry.Release(runnerID)
		return false
	}
	if !b.offers.add(offer) {
		b.registry.Release(runnerID)
		_, _ = b.ledger.Transition(t.ID, types.TaskStatePending, nil)
		return false
	}

	msg, sendErr := types.NewWSMessage(types.WSMsgOffer, types.OfferMessage{
		OfferID:    offer.ID,
		TaskID:     t.ID,
		TaskType:   t.Type,
		ValidForMs: b.config.OfferExpiry.Milliseconds(),
	})
	if sendErr == nil {
		var conn RunnerConn
		if conn, sendErr = b.registry.Conn(runnerID); sendErr == nil {
			sendErr = conn.Send(msg)
		}
	}
	if sendErr != nil {
		b.offers.resolve(offer.ID)
		b.registry.Release(runnerID)
		_, _ = b.ledger.Transition(t.ID, types.TaskStatePending, nil)
		logger.Warn("broker: offer delivery failed, dropping runner", "task", t.ID, "runner", runnerID, "err", sendErr)

		// A connection that cannot carry an offer is dead; evict it rather
		// than retrying into the same socket.
		if conn, cerr := b.registry.Conn(runnerID); cerr == nil {
			_ = conn.Close()
		}
		b.RunnerDisconnected(runnerID)
		return false
	}

	b.dequeue(t.ID)
	logger.Debug("broker: offer sent", "task", t.ID, "runner", runnerID, "offer", offer.ID)
	return true
}

// ─── offer rounds ──────────────────────────────────────────────────────────

// startRound arms the task's round timer if none is running.
func (b *Broker) startRound(taskID string) {
	b.roundMu.Lock()
	defer b.roundMu.Unlock()

	if _, exists := b.rounds[taskID]; exists {
		return
	}
	b.rounds[taskID] = time.AfterFunc(b.config.OfferExpiry, func() {
		b.endRound(taskID)
	})
}

func (b *Broker) cancelRound(taskID string) {
	b.roundMu.Lock()
	defer b.roundMu.Unlock()

	if timer, exists := b.rounds[taskID]; exists {
		timer.Stop()
		delete(b.rounds, taskID)
	}
}

// endRound expires the task's current round: any outstanding offer is
// resolved against the runner, the round counter advances, and the task
// either times out or re-enters the pool for another round.
func (b *Broker) endRound(taskID string) {
	b.roundMu.Lock()
	delete(b.rounds, taskID)
	b.roundMu.Unlock()

	if off, ok := b.offers.resolveByTask(taskID); ok {
		b.registry.Release(off.RunnerID)
	}
	b.clearSkip(taskID)

	t, err := b.ledger.Transition(taskID, types.TaskStatePending, func(t *types.Task) {
		t.OfferRounds++
		t.RunnerID = ""
	})
	if err != nil {
		// Accepted or terminal while the timer fired; nothing to do.
		return
	}

	if t.OfferRounds >= b.config.MaxOfferRounds {
		timedOut, terr := b.ledger.Transition(taskID, types.TaskStateTimedOut, func(t *types.Task) {
			t.Outcome = &types.TaskOutcome{
				TaskID: t.ID,
				State:  types.TaskStateTimedOut,
				Error:  &types.TaskError{Code: types.ErrCodeTimeout, Message: "no runner accepted the task"},
			}
		})
		if terr != nil {
			return
		}
		b.dequeue(taskID)
		b.notifyWatchers(timedOut)
		logger.Warn("broker: task timed out", "task", taskID, "rounds", t.OfferRounds)
		return
	}

	b.enqueue(taskID)
	b.startRound(taskID)
	b.kick()
}

// failAssigned marks an accepted task errored when payload delivery to its
// runner failed; the heartbeat sweep handles the connection itself.
func (b *Broker) failAssigned(taskID, runnerID, reason string) {
	t, err := b.ledger.Transition(taskID, types.TaskStateErrored, func(t *types.Task) {
		t.Outcome = &types.TaskOutcome{
			TaskID: t.ID,
			State:  types.TaskStateErrored,
			Error:  &types.TaskError{Code: types.ErrCodeRunnerLost, Message: reason},
		}
	})
	if err != nil {
		return
	}
	b.registry.Done(runnerID)
	b.notifyWatchers(t)
}

// ─── background loops ──────────────────────────────────────────────────────

// eventLoop re-kicks the matcher whenever runner capacity appears.
func (b *Broker) eventLoop(ctx context.Context) {
	defer b.wg.Done()

	events := b.registry.Subscribe(ctx.Done())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case types.RunnerEventRegistered, types.RunnerEventCapacityFreed:
				b.kick()
			}
		}
	}
}

// heartbeatLoop evicts runners whose heartbeat went stale, failing their
// in-flight tasks within one sweep interval.
func (b *Broker) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, runnerID := range b.registry.StaleRunners(b.config.HeartbeatTimeout) {
				logger.Warn("broker: runner heartbeat stale, evicting", "runner", runnerID)
				if conn, err := b.registry.Conn(runnerID); err == nil {
					_ = conn.Close()
				}
				b.RunnerDisconnected(runnerID)
			}
		}
	}
}

// reapLoop periodically aborts tasks past their deadline. The sweep runs
// under a cross-instance advisory lock so exactly one broker reaps; when the
// lock is held elsewhere the sweep is skipped, not queued.
func (b *Broker) reapLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.locks.TryWithLock(ctx, reaperLockName, func(ctx context.Context) error {
				b.reapExpired()
				return nil
			})
			if err != nil && err != dblock.ErrLockHeld {
				logger.Error("broker: reap sweep failed", "err", err)
			}
		}
	}
}

// Reap runs one deadline sweep immediately, waiting up to the configured
// acquire timeout for the cross-instance lock.
func (b *Broker) Reap(ctx context.Context) error {
	return b.locks.WithLock(ctx, reaperLockName, b.config.LockAcquireTimeout, func(ctx context.Context) error {
		b.reapExpired()
		return nil
	})
}

// reapExpired aborts every non-terminal task whose deadline has passed.
func (b *Broker) reapExpired() {
	now := time.Now()
	expired := b.ledger.Snapshot(func(t *types.Task) bool {
		return !t.State.Terminal() && !t.Deadline.IsZero() && t.Deadline.Before(now)
	})
	for _, t := range expired {
		_ = b.Abort(t.ID, "deadline exceeded")
	}
}

// ─── pending queue and watcher bookkeeping ─────────────────────────────────

func (b *Broker) enqueue(taskID string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.queued[taskID] {
		return
	}
	b.queue = append(b.queue, taskID)
	b.queued[taskID] = true
}

func (b *Broker) dequeue(taskID string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if !b.queued[taskID] {
		return
	}
	delete(b.queued, taskID)
	for i, id := range b.queue {
		if id == taskID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
}

// queueSnapshot returns the pending queue in FIFO order.
func (b *Broker) queueSnapshot() []string {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return append([]string(nil), b.queue...)
}

func (b *Broker) setSkip(taskID, runnerID string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.skip[taskID] = runnerID
}

func (b *Broker) skipFor(taskID string) string {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return b.skip[taskID]
}

func (b *Broker) clearSkip(taskID string) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	delete(b.skip, taskID)
}

func (b *Broker) addWatcher(taskID string, ch chan *types.Task) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	b.watchers[taskID] = append(b.watchers[taskID], ch)
}

func (b *Broker) removeWatcher(taskID string, ch chan *types.Task) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	watchers := b.watchers[taskID]
	for i, w := range watchers {
		if w == ch {
			b.watchers[taskID] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	if len(b.watchers[taskID]) == 0 {
		delete(b.watchers, taskID)
	}
}

// notifyWatchers hands the terminal record to everyone awaiting the task.
func (b *Broker) notifyWatchers(t *types.Task) {
	b.watchMu.Lock()
	watchers := append([]chan *types.Task(nil), b.watchers[t.ID]...)
	b.watchMu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- t:
		default:
		}
	}
}
