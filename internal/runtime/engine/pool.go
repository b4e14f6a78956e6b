package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	"github.com/drblury/taskrelay/internal/runtime/future"
	"github.com/drblury/taskrelay/internal/runtime/ids"
	"github.com/drblury/taskrelay/internal/runtime/logging"
	"github.com/drblury/taskrelay/internal/runtime/messages"
)

// maxTrackedTasks bounds the transitions kept between two status reports.
const maxTrackedTasks = 10000

// TaskFunc executes one task and returns the packed result envelope.
type TaskFunc func(ctx context.Context, taskID string, task []byte) ([]byte, error)

// PoolOptions configures a PoolEngine.
type PoolOptions struct {
	EndpointID      string
	MaxWorkers      int
	HeartbeatPeriod time.Duration
	Clock           clock.Clock
	Logger          logging.ServiceLogger
	Metrics         *Metrics
}

// PoolEngine runs a TaskFunc on goroutines, at most MaxWorkers at a time.
type PoolEngine struct {
	*Base

	fn         TaskFunc
	sem        *semaphore.Weighted
	maxWorkers int
	endpointID string
	clock      clock.Clock
	log        logging.ServiceLogger
	metrics    *Metrics
	resources  *resourceTracker

	queued    atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	lifecycle sync.Mutex
	started   bool
	closed    bool
	runCtx    context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup

	transitionsMu sync.Mutex
	transitions   map[string][]messages.TaskTransition
}

var _ Engine = (*PoolEngine)(nil)

// NewPoolEngine builds an engine that relays every result onto relay.
func NewPoolEngine(relay Relay, fn TaskFunc, opts PoolOptions) (*PoolEngine, error) {
	if fn == nil {
		return nil, errspkg.ErrTaskFuncRequired
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	p := &PoolEngine{
		fn:          fn,
		sem:         semaphore.NewWeighted(int64(opts.MaxWorkers)),
		maxWorkers:  opts.MaxWorkers,
		endpointID:  opts.EndpointID,
		clock:       opts.Clock,
		log:         logging.OrNop(opts.Logger).With(logging.LogFields{"component": "pool-engine"}),
		metrics:     opts.Metrics,
		resources:   newResourceTracker(),
		transitions: make(map[string][]messages.TaskTransition),
	}

	base, err := NewBase(relay, p, p, BaseOptions{
		HeartbeatPeriod: opts.HeartbeatPeriod,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	p.Base = base
	return p, nil
}

// Start begins heartbeat reporting. Tasks submitted before Start still run.
func (p *PoolEngine) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	if p.started {
		p.lifecycle.Unlock()
		return ErrAlreadyStarted
	}
	if p.closed {
		p.lifecycle.Unlock()
		return ErrEngineClosed
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.lifecycle.Unlock()

	p.log.Info("Engine started", logging.LogFields{"max_workers": p.maxWorkers})
	return p.StartReporting(ctx)
}

// Execute implements Executor.
func (p *PoolEngine) Execute(ctx context.Context, taskID string, task []byte) *future.Future[[]byte] {
	f := future.New[[]byte]()

	p.lifecycle.Lock()
	if p.closed {
		p.lifecycle.Unlock()
		f.Fail(ErrEngineClosed)
		return f
	}
	p.inflight.Add(1)
	runCtx := p.runCtx
	p.lifecycle.Unlock()

	p.queued.Add(1)
	go func() {
		defer p.inflight.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if runCtx != nil {
			stop := context.AfterFunc(runCtx, cancel)
			defer stop()
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.queued.Add(-1)
			p.failed.Add(1)
			f.Fail(err)
			return
		}
		defer p.sem.Release(1)

		p.queued.Add(-1)
		p.metrics.setRunning(p.running.Add(1))
		p.recordTransition(taskID, messages.StateExecStart)

		result, err := p.run(ctx, taskID, task)

		p.metrics.setRunning(p.running.Add(-1))
		p.recordTransition(taskID, messages.StateExecEnd)
		if err != nil {
			p.failed.Add(1)
			f.Fail(err)
			return
		}
		p.completed.Add(1)
		f.Resolve(result)
	}()
	return f
}

func (p *PoolEngine) run(ctx context.Context, taskID string, task []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			p.log.Error("Task panicked", err, logging.LogFields{"task_id": taskID})
		}
	}()
	return p.fn(ctx, taskID, task)
}

func (p *PoolEngine) recordTransition(taskID string, state messages.TaskState) {
	p.transitionsMu.Lock()
	defer p.transitionsMu.Unlock()

	if _, ok := p.transitions[taskID]; !ok && len(p.transitions) >= maxTrackedTasks {
		return
	}
	p.transitions[taskID] = append(p.transitions[taskID],
		messages.NewTransition(p.clock.Now(), messages.ActorWorker, state))
}

func (p *PoolEngine) drainTransitions() map[string][]messages.TaskTransition {
	p.transitionsMu.Lock()
	defer p.transitionsMu.Unlock()

	if len(p.transitions) == 0 {
		return nil
	}
	out := p.transitions
	p.transitions = make(map[string][]messages.TaskTransition)
	return out
}

// StatusReport implements StatusProvider.
func (p *PoolEngine) StatusReport(ctx context.Context) (*messages.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.clock.Now()
	running := p.running.Load()

	report := &messages.StatusReport{
		EndpointID:       p.endpointID,
		ReportID:         ids.CreateULID(),
		Timestamp:        now.UTC(),
		State:            messages.StatusHeartbeat,
		HeartbeatSeconds: p.HeartbeatPeriod().Seconds(),
		Tasks: messages.TaskCounters{
			Queued:    p.queued.Load(),
			Running:   running,
			Completed: p.completed.Load(),
			Failed:    p.failed.Load(),
		},
		Workers: messages.WorkerCounters{
			Max:  p.maxWorkers,
			Idle: max(p.maxWorkers-int(running), 0),
		},
		Resources:    p.resources.Sample(now),
		TaskStatuses: p.drainTransitions(),
	}

	p.lifecycle.Lock()
	closed := p.closed
	p.lifecycle.Unlock()
	if closed {
		report.State = messages.StatusError
		report.Error = ErrEngineClosed.Error()
	}
	return report, nil
}

// Shutdown rejects new tasks, stops reporting and waits for in-flight tasks.
// If ctx ends first, running tasks are cancelled and ctx's error returned.
func (p *PoolEngine) Shutdown(ctx context.Context) error {
	p.lifecycle.Lock()
	p.closed = true
	cancel := p.cancel
	p.lifecycle.Unlock()

	reportErr := p.StopReporting(ctx)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		p.log.Error("Shutdown deadline reached; cancelled running tasks", ctx.Err(), nil)
		return ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	p.log.Info("Engine stopped", logging.LogFields{
		"completed": p.completed.Load(),
		"failed":    p.failed.Load(),
	})
	return reportErr
}
