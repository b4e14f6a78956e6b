// Package engine accepts task submissions, turns every completion into a
// result envelope and funnels results and periodic status reports into a
// single outbound relay.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/taskrelay/internal/runtime/config"
	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	"github.com/drblury/taskrelay/internal/runtime/future"
	"github.com/drblury/taskrelay/internal/runtime/logging"
	"github.com/drblury/taskrelay/internal/runtime/messages"
	"github.com/drblury/taskrelay/internal/runtime/reporter"
)

const tracerName = "github.com/drblury/taskrelay/engine"

// Relay is the outbound queue results and status reports are placed on.
type Relay interface {
	Put(ctx context.Context, payload []byte) error
}

// Executor is the execution back end. The returned future resolves with the
// back end's packed result envelope or fails with the task error.
type Executor interface {
	Execute(ctx context.Context, taskID string, task []byte) *future.Future[[]byte]
}

// StatusProvider produces the engine's periodic status snapshot.
type StatusProvider interface {
	StatusReport(ctx context.Context) (*messages.StatusReport, error)
}

// Engine is what the service drives. PoolEngine is the bundled
// implementation.
type Engine interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, taskID string, task []byte) *future.Future[[]byte]
	StatusReport(ctx context.Context) (*messages.StatusReport, error)
	Shutdown(ctx context.Context) error
}

// BaseOptions configures a Base.
type BaseOptions struct {
	HeartbeatPeriod time.Duration
	Clock           clock.Clock
	Logger          logging.ServiceLogger
	Metrics         *Metrics
}

// Base holds the behaviour shared by every engine: completion callbacks,
// failure envelopes and heartbeat reporting.
type Base struct {
	relay    Relay
	executor Executor
	status   StatusProvider

	heartbeat time.Duration
	clock     clock.Clock
	log       logging.ServiceLogger
	metrics   *Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	reporter *reporter.Reporter
}

// submission is the per-task state carried from Submit into the completion
// callback.
type submission struct {
	ctx       context.Context
	taskID    string
	execBegin messages.TaskTransition
	started   time.Time
	span      trace.Span
}

// NewBase wires a Base to its relay and back end.
func NewBase(relay Relay, executor Executor, status StatusProvider, opts BaseOptions) (*Base, error) {
	if relay == nil {
		return nil, errspkg.ErrRelayRequired
	}
	if executor == nil {
		return nil, errspkg.ErrExecutorRequired
	}
	if status == nil {
		return nil, errspkg.ErrStatusProviderRequired
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = config.DefaultHeartbeatPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Base{
		relay:     relay,
		executor:  executor,
		status:    status,
		heartbeat: opts.HeartbeatPeriod,
		clock:     opts.Clock,
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "engine"}),
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// HeartbeatPeriod returns the status report interval.
func (b *Base) HeartbeatPeriod() time.Duration { return b.heartbeat }

// Submit hands the task to the back end. The completion callback is
// installed before Submit returns, so every task produces exactly one relay
// entry.
func (b *Base) Submit(ctx context.Context, taskID string, task []byte) *future.Future[[]byte] {
	ctx, span := b.tracer.Start(ctx, "engine.task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("task.size", len(task)),
	))
	now := b.clock.Now()
	sub := &submission{
		ctx:       ctx,
		taskID:    taskID,
		execBegin: messages.NewTransition(now, messages.ActorInterchange, messages.StateWaitingForLaunch),
		started:   now,
		span:      span,
	}

	b.metrics.taskSubmitted()
	b.log.Debug("Task submitted", logging.LogFields{"task_id": taskID})

	f := b.executor.Execute(ctx, taskID, task)
	f.OnDone(func(result []byte, err error) {
		b.complete(sub, result, err)
	})
	return f
}

func (b *Base) complete(sub *submission, result []byte, err error) {
	defer sub.span.End()
	fields := logging.LogFields{"task_id": sub.taskID}
	b.metrics.taskCompleted(err != nil, b.clock.Since(sub.started).Seconds())

	payload := result
	if err != nil {
		sub.span.RecordError(err)
		sub.span.SetStatus(codes.Error, err.Error())
		b.log.Debug("Task failed: "+err.Error(), fields)

		packed, perr := messages.Pack(b.failureResult(sub, err))
		if perr != nil {
			b.metrics.relayFailed()
			b.log.Error("Unable to pack failure result", perr, fields)
			return
		}
		payload = packed
	}

	if perr := b.relay.Put(context.WithoutCancel(sub.ctx), payload); perr != nil {
		b.metrics.relayFailed()
		b.log.Error("Unable to relay task result", perr, fields)
		return
	}
	b.log.Trace("Task result relayed", fields)
}

func (b *Base) failureResult(sub *submission, err error) *messages.Result {
	details := ErrorDetailsFor(err)
	text := ErrorString(err)
	return &messages.Result{
		TaskID:       sub.taskID,
		Data:         text,
		Exception:    text,
		ErrorDetails: &details,
		TaskStatuses: []messages.TaskTransition{
			sub.execBegin,
			messages.NewTransition(b.clock.Now(), messages.ActorInterchange, messages.StateExecEnd),
		},
	}
}

// ReportStatus packs one status report onto the relay.
func (b *Base) ReportStatus(ctx context.Context) (err error) {
	defer func() { b.metrics.statusReported(err) }()

	report, err := b.status.StatusReport(ctx)
	if err != nil {
		return err
	}
	packed, err := messages.Pack(report)
	if err != nil {
		return err
	}
	if err := b.relay.Put(ctx, packed); err != nil {
		b.metrics.relayFailed()
		return err
	}
	b.log.Trace("Status report relayed", logging.LogFields{"report_id": report.ReportID})
	return nil
}

// StartReporting begins heartbeat reporting. Calling it again while a
// reporter is active is a no-op.
func (b *Base) StartReporting(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reporter != nil {
		return nil
	}
	r, err := reporter.New(b.ReportStatus, b.heartbeat, reporter.Options{
		Name:   "status-reporter",
		Clock:  b.clock,
		Logger: b.log,
	})
	if err != nil {
		return err
	}
	b.reporter = r
	r.Start(ctx)
	return nil
}

// StopReporting stops the heartbeat and returns the captured check failure,
// if reporting ended because of one.
func (b *Base) StopReporting(ctx context.Context) error {
	b.mu.Lock()
	r := b.reporter
	b.mu.Unlock()

	if r == nil {
		return nil
	}
	r.Stop()
	return r.Wait(ctx)
}

// Reporter returns the active heartbeat reporter, or nil.
func (b *Base) Reporter() *reporter.Reporter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reporter
}
