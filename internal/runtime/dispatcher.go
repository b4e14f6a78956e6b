package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/drblury/taskrelay/internal/runtime/engine"
	"github.com/drblury/taskrelay/internal/runtime/ids"
	"github.com/drblury/taskrelay/internal/runtime/jsoncodec"
	"github.com/drblury/taskrelay/internal/runtime/logging"
	"github.com/drblury/taskrelay/internal/runtime/queue"
	"github.com/drblury/taskrelay/internal/runtime/subscriber"
)

const (
	// HeaderTaskUUID is the delivery header carrying the task id.
	HeaderTaskUUID = "task_uuid"
	// BodyTaskIDField is the top-level JSON field consulted when the header
	// is missing.
	BodyTaskIDField = "task_id"
)

// TaskID returns the id a delivery carries: the task_uuid header, else the
// body's top-level task_id field. It returns "" when neither is present.
func TaskID(msg subscriber.Message) string {
	switch v := msg.Headers[HeaderTaskUUID].(type) {
	case string:
		if v != "" {
			return v
		}
	case []byte:
		if len(v) > 0 {
			return string(v)
		}
	}
	return jsoncodec.PeekString(msg.Body, BodyTaskIDField)
}

// dispatcher moves deliveries from the delivery queue into the engine.
type dispatcher struct {
	source  *queue.Queue[subscriber.Message]
	engine  engine.Engine
	hooks   TaskHooks
	clock   clock.Clock
	log     logging.ServiceLogger
	taskCtx context.Context
}

// run dispatches until the source is closed and drained (nil) or ctx ends.
func (d *dispatcher) run(ctx context.Context) error {
	for {
		msg, err := d.source.Get(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		d.dispatch(msg)
	}
}

func (d *dispatcher) dispatch(msg subscriber.Message) {
	taskID := TaskID(msg)
	if taskID == "" {
		taskID = ids.CreateULID()
		d.log.Debug("Delivery carries no task id; generated one", logging.LogFields{"task_id": taskID})
	}

	tc := TaskContext{
		TaskID:     taskID,
		Headers:    msg.Headers,
		Size:       len(msg.Body),
		Context:    d.taskCtx,
		ReceivedAt: d.clock.Now(),
	}
	d.callHook("received", tc, func() { d.hooks.received(tc) })

	f := d.engine.Submit(d.taskCtx, taskID, msg.Body)
	f.OnDone(func(_ []byte, err error) {
		tc.Duration = d.clock.Since(tc.ReceivedAt)
		d.callHook("finished", tc, func() { d.hooks.finished(tc, err) })
	})
}

// callHook runs a user hook. A panicking hook is logged and otherwise
// ignored; finished hooks run on worker goroutines.
func (d *dispatcher) callHook(stage string, tc TaskContext, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Task hook panicked", fmt.Errorf("%v", r), logging.LogFields{
				"task_id": tc.TaskID,
				"hook":    stage,
			})
		}
	}()
	fn()
}
