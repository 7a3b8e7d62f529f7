package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodeflow/task-broker/pkg/types"
)

func testBrokerConfig() *Config {
	return &Config{
		ID:                 "test-broker",
		OfferExpiry:        80 * time.Millisecond,
		MaxOfferRounds:     3,
		HeartbeatInterval:  time.Hour,
		HeartbeatTimeout:   time.Hour,
		ReapInterval:       time.Hour,
		LockAcquireTimeout: time.Second,
	}
}

func newTestBroker(t *testing.T, cfg *Config) *Broker {
	t.Helper()
	if cfg == nil {
		cfg = testBrokerConfig()
	}

	b := New(cfg, NewRegistry(), NewLedger(), nil, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// lastOffer waits for the n-th offer message sent to the connection and
// returns its payload.
func waitOffer(t *testing.T, conn *fakeConn, n int) *types.OfferMessage {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(conn.messages(types.WSMsgOffer)) >= n
	}, 2*time.Second, 5*time.Millisecond, "offer %d never arrived", n)

	msg := conn.messages(types.WSMsgOffer)[n-1]
	var offer types.OfferMessage
	require.NoError(t, json.Unmarshal(msg.Data, &offer))
	return &offer
}

func waitAssign(t *testing.T, conn *fakeConn) *types.TaskAssignMessage {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(conn.messages(types.WSMsgTaskAssign)) >= 1
	}, 2*time.Second, 5*time.Millisecond, "assignment never arrived")

	msg := conn.messages(types.WSMsgTaskAssign)[0]
	var assign types.TaskAssignMessage
	require.NoError(t, json.Unmarshal(msg.Data, &assign))
	return &assign
}

func waitState(t *testing.T, b *Broker, taskID string, state types.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := b.Get(taskID)
		return err == nil && task.State == state
	}, 2*time.Second, 5*time.Millisecond, "task never reached %s", state)
}

func TestSubmitRequiresType(t *testing.T) {
	b := newTestBroker(t, nil)

	_, err := b.Submit(context.Background(), types.TaskSubmission{})
	assert.Error(t, err)
}

func TestFullAssignmentFlow(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{
		Type:    "javascript",
		Payload: json.RawMessage(`{"code":"return 1"}`),
	})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	assert.Equal(t, taskID, offer.TaskID)
	assert.Equal(t, "javascript", offer.TaskType)
	assert.Greater(t, offer.ValidForMs, int64(0))

	b.OfferAccepted("runner-1", offer.OfferID)

	assign := waitAssign(t, conn)
	assert.Equal(t, taskID, assign.TaskID)
	assert.JSONEq(t, `{"code":"return 1"}`, string(assign.Payload))

	b.TaskStarted("runner-1", taskID)
	waitState(t, b, taskID, types.TaskStateRunning)

	b.TaskResult("runner-1", &types.TaskResultMessage{
		TaskID: taskID,
		Output: json.RawMessage(`{"result":1}`),
	})

	outcome, err := b.Await(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, outcome.State)
	assert.JSONEq(t, `{"result":1}`, string(outcome.Output))

	// The runner's slot is free again.
	status, err := b.Registry().Status("runner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.InFlight)
	assert.Equal(t, 0, status.Reserved)
}

func TestTaskErrorReported(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	b.OfferAccepted("runner-1", offer.OfferID)
	waitAssign(t, conn)

	b.TaskResult("runner-1", &types.TaskResultMessage{
		TaskID: taskID,
		Error:  &types.TaskError{Code: types.ErrCodeExecution, Message: "ReferenceError: x is not defined"},
	})

	outcome, err := b.Await(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateErrored, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, types.ErrCodeExecution, outcome.Error.Code)
}

func TestNoRunnersTimesOutAfterAllRounds(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.OfferExpiry = 30 * time.Millisecond
	cfg.MaxOfferRounds = 2
	b := newTestBroker(t, cfg)

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	outcome, err := b.Await(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateTimedOut, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, types.ErrCodeTimeout, outcome.Error.Code)

	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxOfferRounds, task.OfferRounds)
}

func TestOfferExpiryFreesSlotAndReoffers(t *testing.T) {
	b := newTestBroker(t, nil)

	// The runner never answers; the round timer must reclaim the slot and a
	// fresh offer must follow.
	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 1), conn))

	_, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	first := waitOffer(t, conn, 1)
	second := waitOffer(t, conn, 2)
	assert.NotEqual(t, first.OfferID, second.OfferID)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestOfferDeliveryFailureEvictsRunner(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{fail: true}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 1), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	// The broken connection is evicted and the task stays schedulable.
	require.Eventually(t, func() bool {
		return b.Registry().Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, conn.closed)

	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)

	// A healthy runner picks the task up.
	good := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-2", 1), good))
	offer := waitOffer(t, good, 1)
	assert.Equal(t, taskID, offer.TaskID)
}

func TestLateAcceptIsNoOp(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 1), conn))

	_, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	first := waitOffer(t, conn, 1)
	// Wait until the round expired and a new offer replaced the first.
	waitOffer(t, conn, 2)

	b.OfferAccepted("runner-1", first.OfferID)
	assert.Empty(t, conn.messages(types.WSMsgTaskAssign))
}

func TestOfferRejectedRunnerStaysEligibleNextRound(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	b.OfferRejected("runner-1", offer.OfferID, "busy with gc")

	// Within the same round the lone rejecting runner gets no new offer.
	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)

	// After the round ends the cool-down clears and the runner is offered
	// the task again.
	second := waitOffer(t, conn, 2)
	assert.Equal(t, taskID, second.TaskID)
	assert.NotEqual(t, offer.OfferID, second.OfferID)
}

func TestAbortPendingTask(t *testing.T) {
	b := newTestBroker(t, nil)

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	require.NoError(t, b.Abort(taskID, "no longer needed"))

	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAborted, task.State)
	require.NotNil(t, task.Outcome)
	assert.Equal(t, types.ErrCodeAborted, task.Outcome.Error.Code)

	// A second abort hits the terminal guard.
	assert.ErrorIs(t, b.Abort(taskID, "again"), ErrTerminalState)
}

func TestAbortRunningTaskSignalsRunner(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	b.OfferAccepted("runner-1", offer.OfferID)
	waitAssign(t, conn)
	b.TaskStarted("runner-1", taskID)

	require.NoError(t, b.Abort(taskID, "workflow cancelled"))

	cancels := conn.messages(types.WSMsgTaskCancel)
	require.Len(t, cancels, 1)
	var cancel types.TaskCancelMessage
	require.NoError(t, json.Unmarshal(cancels[0].Data, &cancel))
	assert.Equal(t, taskID, cancel.TaskID)

	// A result arriving after the abort is dropped.
	b.TaskResult("runner-1", &types.TaskResultMessage{TaskID: taskID, Output: json.RawMessage(`{}`)})
	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAborted, task.State)
}

func TestRunnerDisconnectFailsHeldTasks(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	b.OfferAccepted("runner-1", offer.OfferID)
	waitAssign(t, conn)
	b.TaskStarted("runner-1", taskID)

	b.RunnerDisconnected("runner-1")

	outcome, err := b.Await(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateErrored, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, types.ErrCodeRunnerLost, outcome.Error.Code)
	assert.Equal(t, 0, b.Registry().Count())
}

func TestRunnerDisconnectReturnsOfferedTaskToPool(t *testing.T) {
	b := newTestBroker(t, nil)

	lost := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 1), lost))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)
	waitOffer(t, lost, 1)

	b.RunnerDisconnected("runner-1")

	// A surviving runner picks the task up.
	alive := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-2", 1), alive))

	offer := waitOffer(t, alive, 1)
	assert.Equal(t, taskID, offer.TaskID)
}

func TestCapacityLimitsOutstandingOffers(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 2), conn))

	for i := 0; i < 3; i++ {
		_, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
		require.NoError(t, err)
	}

	waitOffer(t, conn, 2)
	// The third task has no slot while two offers stand.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.messages(types.WSMsgOffer), 2)

	// Finishing one task frees a slot for the third.
	first := waitOffer(t, conn, 1)
	b.OfferAccepted("runner-1", first.OfferID)
	waitAssign(t, conn)
	b.TaskResult("runner-1", &types.TaskResultMessage{TaskID: first.TaskID, Output: json.RawMessage(`{}`)})

	waitOffer(t, conn, 3)
}

func TestAwaitCancelAbortsTask(t *testing.T) {
	b := newTestBroker(t, nil)

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Await(ctx, taskID)
	assert.ErrorIs(t, err, context.Canceled)

	waitState(t, b, taskID, types.TaskStateAborted)
}

func TestResultFromWrongRunnerIgnored(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 5), conn))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	offer := waitOffer(t, conn, 1)
	b.OfferAccepted("runner-1", offer.OfferID)
	waitAssign(t, conn)

	b.TaskResult("runner-2", &types.TaskResultMessage{TaskID: taskID, Output: json.RawMessage(`{}`)})

	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.False(t, task.State.Terminal())
}

func TestDeadlineReaped(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.ReapInterval = 30 * time.Millisecond
	cfg.OfferExpiry = time.Hour // keep the round timer out of the picture
	b := newTestBroker(t, cfg)

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{
		Type:     "javascript",
		Deadline: time.Now().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)

	waitState(t, b, taskID, types.TaskStateAborted)
}

func TestManualReap(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.OfferExpiry = time.Hour
	b := newTestBroker(t, cfg)

	expired, err := b.Submit(context.Background(), types.TaskSubmission{
		Type:     "javascript",
		Deadline: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	alive, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	require.NoError(t, b.Reap(context.Background()))

	task, err := b.Get(expired)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAborted, task.State)

	task, err = b.Get(alive)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)
}

func TestStopAbortsEverything(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.OfferExpiry = time.Hour
	b := New(cfg, NewRegistry(), NewLedger(), nil, nil)
	require.NoError(t, b.Start(context.Background()))

	taskID, err := b.Submit(context.Background(), types.TaskSubmission{Type: "javascript"})
	require.NoError(t, err)

	conn := &fakeConn{}
	require.NoError(t, b.RunnerConnected(runnerInfo("runner-1", 1), conn))

	require.NoError(t, b.Stop(context.Background()))

	task, err := b.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAborted, task.State)
	assert.True(t, conn.closed)
}
