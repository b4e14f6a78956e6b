// Package reporter runs a check on a fixed period until stopped or until the
// check fails.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	"github.com/drblury/taskrelay/internal/runtime/future"
	"github.com/drblury/taskrelay/internal/runtime/logging"
)

// ErrInvalidPeriod is returned by New for a non-positive period.
var ErrInvalidPeriod = errors.New("reporter: period must be positive")

// Check is invoked once per period.
type Check func(ctx context.Context) error

// Options configures a Reporter.
type Options struct {
	Name   string
	Clock  clock.Clock
	Logger logging.ServiceLogger
}

// Reporter invokes its check immediately and then once per period. The first
// check failure is captured into Status and ends the loop; a stop resolves
// Status without error.
type Reporter struct {
	check  Check
	period time.Duration
	clock  clock.Clock
	log    logging.ServiceLogger

	status  *future.Future[struct{}]
	started atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a reporter that has not started yet.
func New(check Check, period time.Duration, opts Options) (*Reporter, error) {
	if check == nil {
		return nil, errspkg.ErrCheckRequired
	}
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	name := opts.Name
	if name == "" {
		name = "reporter"
	}

	return &Reporter{
		check:  check,
		period: period,
		clock:  opts.Clock,
		log:    logging.OrNop(opts.Logger).With(logging.LogFields{"component": name}),
		status: future.New[struct{}](),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the loop. Calls after the first are ignored.
func (r *Reporter) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

// Stop asks the loop to end and interrupts a pending wait.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Wait blocks until the loop has ended and returns the captured check
// failure, if any. A reporter that was never started returns immediately.
func (r *Reporter) Wait(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err, _ := r.status.Result()
	return err
}

// Status is the single-shot outcome slot.
func (r *Reporter) Status() *future.Future[struct{}] { return r.status }

// Period returns the interval between checks.
func (r *Reporter) Period() time.Duration { return r.period }

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	r.log.Debug("Reporter started", logging.LogFields{"period": r.period.String()})

	for !r.stopping(ctx) {
		if err := r.invoke(ctx); err != nil {
			r.log.Error("Check failed; reporter stopping", err, nil)
			r.status.Fail(err)
			return
		}

		select {
		case <-r.stop:
		case <-ctx.Done():
		case <-r.clock.After(r.period):
		}
	}

	r.log.Debug("Reporter stopped", nil)
	r.status.Resolve(struct{}{})
}

func (r *Reporter) stopping(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Reporter) invoke(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("check panicked: %v", rec)
		}
	}()
	return r.check(ctx)
}
