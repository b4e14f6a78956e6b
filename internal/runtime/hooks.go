package runtime

import (
	"context"
	"time"

	"github.com/drblury/taskrelay/internal/runtime/logging"
)

// TaskContext describes a task to the hooks.
type TaskContext struct {
	// TaskID is the id the task was submitted under.
	TaskID string
	// Headers are the AMQP headers of the delivery that carried the task.
	Headers map[string]any
	// Size is the task payload length in bytes.
	Size int
	// Context is the context the task was submitted with.
	Context context.Context
	// ReceivedAt is when the dispatcher took the task off the delivery queue.
	ReceivedAt time.Time
	// Duration is how long the task took (only set in OnTaskDone and OnTaskError).
	Duration time.Duration
}

// TaskHooks defines callbacks for task lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type TaskHooks struct {
	// OnTaskReceived is called before the task is submitted to the engine.
	OnTaskReceived func(ctx TaskContext)

	// OnTaskDone is called when the task's future resolves.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called when the task's future fails. The failure
	// result has already been relayed.
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks. The hooks from other run after those from h.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskReceived: chainHooks(h.OnTaskReceived, other.OnTaskReceived),
		OnTaskDone:     chainHooks(h.OnTaskDone, other.OnTaskDone),
		OnTaskError:    chainErrorHooks(h.OnTaskError, other.OnTaskError),
	}
}

func chainHooks(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h TaskHooks) received(ctx TaskContext) {
	if h.OnTaskReceived != nil {
		h.OnTaskReceived(ctx)
	}
}

func (h TaskHooks) finished(ctx TaskContext, err error) {
	if err != nil {
		if h.OnTaskError != nil {
			h.OnTaskError(ctx, err)
		}
		return
	}
	if h.OnTaskDone != nil {
		h.OnTaskDone(ctx)
	}
}

// LoggingHooks returns hooks that log task lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) TaskHooks {
	logger = logging.OrNop(logger)
	return TaskHooks{
		OnTaskReceived: func(ctx TaskContext) {
			logger.Debug("Task received", logging.LogFields{
				"task_id": ctx.TaskID,
				"size":    ctx.Size,
			})
		},
		OnTaskDone: func(ctx TaskContext) {
			logger.Info("Task completed", logging.LogFields{
				"task_id":     ctx.TaskID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			logger.Error("Task failed", err, logging.LogFields{
				"task_id":     ctx.TaskID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on task failures.
func AlertingHooks(alertFunc func(ctx TaskContext, err error)) TaskHooks {
	return TaskHooks{
		OnTaskError: alertFunc,
	}
}
