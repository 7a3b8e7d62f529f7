package rest

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"nodeflow/task-broker/internal/broker"
	"nodeflow/task-broker/internal/dblock"
	"nodeflow/task-broker/internal/relay"
	"nodeflow/task-broker/pkg/logger"
	"nodeflow/task-broker/pkg/types"
)

// livenessProbe answers the fixed watchdog path. The body never changes and
// carries no application state.
func (s *Server) livenessProbe(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// healthCheck answers the configurable application health path with a small
// snapshot of broker state.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "ok",
		Runners: s.broker.Registry().Count(),
		Tasks:   s.broker.Ledger().Count(),
	})
}

// submitTask accepts a new task. With wait=true the request blocks until the
// task reaches a terminal state and the relay-processed outcome is returned
// inline; otherwise the task id comes back immediately.
func (s *Server) submitTask(c *fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "malformed request body: " + err.Error(),
		})
	}
	if req.TaskType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "task_type is required",
		})
	}

	sub := types.TaskSubmission{
		Type:    req.TaskType,
		Payload: req.Payload,
		Policy: types.ResultPolicy{
			RequesterID:     req.RequesterID,
			CanRevealRaw:    req.CanRevealRaw,
			RevealOverride:  req.RevealRaw,
			WorkflowDefault: types.RedactMode(req.RedactMode),
		},
	}
	if req.TimeoutMs > 0 {
		sub.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	taskID, err := s.broker.Submit(c.Context(), sub)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "submit_failed",
			Message: err.Error(),
		})
	}

	if !req.Wait {
		return c.Status(fiber.StatusAccepted).JSON(SubmitTaskResponse{
			TaskID: taskID,
			State:  types.TaskStatePending,
		})
	}

	outcome, err := s.broker.Await(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, relay.ErrRevealDenied) {
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
				Error:   "reveal_denied",
				Message: "requester may not receive raw output",
			})
		}
		logger.Error("api: await task failed", "task", taskID, "err", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "await_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(outcome)
}

// getTask returns the current ledger record for a task. A recorded outcome
// is relay-processed before it is serialized, the same as the waiting submit
// path.
func (s *Server) getTask(c *fiber.Ctx) error {
	t, err := s.broker.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "no such task",
		})
	}
	outcome, err := s.broker.Outcome(t)
	if err != nil {
		if errors.Is(err, relay.ErrRevealDenied) {
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
				Error:   "reveal_denied",
				Message: "requester may not receive raw output",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "relay_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(newTaskResponse(t, outcome))
}

// abortTask cancels a non-terminal task. Aborting a task that already reached
// a terminal state is a conflict, not a success.
func (s *Server) abortTask(c *fiber.Ctx) error {
	taskID := c.Params("id")

	err := s.broker.Abort(taskID, "aborted by requester")
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrTaskNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "no such task",
		})
	case errors.Is(err, broker.ErrTerminalState):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "already_terminal",
			Message: "task already reached a terminal state",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "abort_failed",
			Message: err.Error(),
		})
	}

	t, err := s.broker.Get(taskID)
	if err != nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	outcome, err := s.broker.Outcome(t)
	if err != nil {
		// The abort itself succeeded; report the record without the outcome.
		outcome = nil
	}
	return c.JSON(newTaskResponse(t, outcome))
}

// listRunners returns every registered runner with its current load.
func (s *Server) listRunners(c *fiber.Ctx) error {
	reg := s.broker.Registry()

	runners := make([]*RunnerResponse, 0, reg.Count())
	for _, info := range reg.List() {
		status, err := reg.Status(info.ID)
		if err != nil {
			continue
		}
		runners = append(runners, newRunnerResponse(info, status))
	}
	return c.JSON(fiber.Map{"runners": runners, "count": len(runners)})
}

// getRunner returns one runner by id.
func (s *Server) getRunner(c *fiber.Ctx) error {
	reg := s.broker.Registry()
	runnerID := c.Params("id")

	info, err := reg.Get(runnerID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "no such runner",
		})
	}
	status, err := reg.Status(runnerID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "no such runner",
		})
	}
	return c.JSON(newRunnerResponse(info, status))
}

// drainRunner stops new offers to a runner; in-flight tasks run to
// completion.
func (s *Server) drainRunner(c *fiber.Ctx) error {
	runnerID := c.Params("id")

	if err := s.broker.Registry().Drain(runnerID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "no such runner",
		})
	}
	logger.Info("api: runner draining", "runner", runnerID)
	return c.JSON(fiber.Map{"runner_id": runnerID, "state": types.RunnerStateDraining})
}

// reapNow triggers one deadline sweep, blocking on the cross-instance lock.
func (s *Server) reapNow(c *fiber.Ctx) error {
	if err := s.broker.Reap(c.Context()); err != nil {
		if errors.Is(err, dblock.ErrLockTimeout) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
				Error:   "lock_timeout",
				Message: "reaper lock held by another instance",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "reap_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
