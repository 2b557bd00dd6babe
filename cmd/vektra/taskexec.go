package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/scheduler"
	"github.com/nugget/vektra-agent/internal/stream"
	"github.com/nugget/vektra-agent/internal/tools"
)

// busyRetryDelay is how long a fired task waits for an interactive run
// in the same conversation to finish, or for a pending confirmation to
// be decided.
const busyRetryDelay = 5 * time.Second

// busyRetries bounds the waits before a fired task gives up.
const busyRetries = 12

// agentRunner abstracts the driver for task execution testing.
type agentRunner interface {
	Run(ctx context.Context, req agent.Request, sink stream.Sink) (*agent.Result, error)
}

// taskExecDeps holds the dependencies of the scheduled task executor.
type taskExecDeps struct {
	runner agentRunner
	bus    *events.Bus
	logger *slog.Logger
	delay  time.Duration // busy retry delay; zero means busyRetryDelay
}

// runScheduledTask re-enters the task's conversation with a synthetic
// user message naming the task. A conversation that is busy with an
// interactive run, or waiting on a confirmation, is retried until it is
// free or the retries run out.
func runScheduledTask(ctx context.Context, task *scheduler.Task, deps taskExecDeps) error {
	delay := deps.delay
	if delay <= 0 {
		delay = busyRetryDelay
	}

	deps.bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"task_id":         task.ID,
		"conversation_id": task.ConversationID,
		"description":     task.Description,
	})

	req := agent.Request{
		ConversationID: task.ConversationID,
		Message:        tools.ScheduledTaskPrefix + task.Description,
	}

	var res *agent.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = deps.runner.Run(ctx, req, nil)
		if !waitable(err) || attempt >= busyRetries {
			break
		}
		deps.logger.Debug("task conversation busy, waiting",
			"task_id", task.ID,
			"conversation", task.ConversationID,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	data := map[string]any{
		"task_id":         task.ID,
		"conversation_id": task.ConversationID,
	}
	if err != nil {
		data["error"] = err.Error()
		deps.bus.Emit(events.SourceScheduler, events.KindTaskComplete, data)
		return fmt.Errorf("scheduled task %s: %w", task.ID, err)
	}

	data["reason"] = res.FinishReason
	data["turns"] = res.Turns
	deps.bus.Emit(events.SourceScheduler, events.KindTaskComplete, data)

	deps.logger.Debug("task completed",
		"task_id", task.ID,
		"reason", res.FinishReason,
		"result_len", len(res.Text),
	)
	return nil
}

// waitable reports whether a run error clears once the conversation's
// current work or pending decision is done.
func waitable(err error) bool {
	return errors.Is(err, agent.ErrBusy) || errors.Is(err, agent.ErrAwaitingConfirmation)
}
