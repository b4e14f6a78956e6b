package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/taskrelay/internal/runtime/config"
	"github.com/drblury/taskrelay/internal/runtime/engine"
	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/taskrelay/internal/runtime/logging"
	"github.com/drblury/taskrelay/internal/runtime/queue"
	"github.com/drblury/taskrelay/internal/runtime/relay"
	"github.com/drblury/taskrelay/internal/runtime/subscriber"
	"github.com/drblury/taskrelay/transport"
)

var (
	// ErrServiceStarted is returned by a second call to Start.
	ErrServiceStarted = errors.New("taskrelay: service already started")
	// ErrServiceNotStarted is returned by Stop before Start.
	ErrServiceNotStarted = errors.New("taskrelay: service not started")
)

// EngineFactory builds the engine tasks are submitted to. The engine must
// put every result and status report on relay.
type EngineFactory func(relay engine.Relay, opts engine.PoolOptions) (engine.Engine, error)

// ServiceDependencies holds the collaborators the Service can use.
// Leave fields nil for the defaults.
type ServiceDependencies struct {
	// TaskFunc runs tasks on the bundled PoolEngine. Required unless
	// EngineFactory is set.
	TaskFunc      engine.TaskFunc
	EngineFactory EngineFactory
	// Publisher replaces the one built from Conf.ResultPublisher. The
	// service does not close it.
	Publisher message.Publisher
	// Registry defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives the collectors when metrics are enabled. Defaults
	// to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Hooks      TaskHooks
	Clock      clock.Clock
	// Dial overrides how the subscriber reaches the broker.
	Dial subscriber.Dialer
}

// Service owns the pipeline: subscriber, delivery queue, dispatcher,
// engine, relay queue and forwarder.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deliveries *queue.Queue[subscriber.Message]
	relay      *queue.Queue[[]byte]
	subscriber *subscriber.Subscriber
	dispatcher *dispatcher
	engine     engine.Engine
	forwarder  *relay.Forwarder

	publisher     message.Publisher
	ownsPublisher bool
	capabilities  transport.Capabilities
	metrics       serviceMetrics

	httpServers   map[int]*http.ServeMux
	listeners     []*http.Server
	httpServersMu sync.Mutex

	lifecycle        sync.Mutex
	started          bool
	stopping         bool
	dispatcherCancel context.CancelFunc
	forwarderCancel  context.CancelFunc
	dispatcherDone   chan struct{}
	forwarderDone    chan struct{}
	done             chan struct{}
	stopErr          error
}

// NewService builds the pipeline for conf. Defaults are applied to a copy of
// conf before it is validated. Nothing runs until Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	log.Info("Creating task relay service", loggingpkg.LogFields{
		"result_publisher": cfg.ResultPublisher,
		"config":           cfg.String(),
	})

	s := &Service{
		Conf:       &cfg,
		Logger:     log,
		deliveries: queue.New[subscriber.Message](cfg.DeliveryQueueSize),
		relay:      queue.New[[]byte](cfg.RelayQueueSize),
		done:       make(chan struct{}),
	}

	metrics, err := newServiceMetrics(cfg.MetricsEnabled, deps.Registerer,
		queueDepth{name: "delivery", len: s.deliveries.Len},
		queueDepth{name: "relay", len: s.relay.Len},
	)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.metrics = metrics

	eng, err := buildEngine(deps, s.relay, engine.PoolOptions{
		EndpointID:      cfg.EndpointID,
		MaxWorkers:      cfg.MaxWorkers,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		Clock:           clk,
		Logger:          log,
		Metrics:         metrics.engine,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng

	if err := s.setupPublisher(ctx, deps); err != nil {
		return nil, err
	}
	decorated, err := metrics.decoratePublisher(s.publisher, cfg.ResultPublisher)
	if err != nil {
		_ = s.closePublisher()
		return nil, fmt.Errorf("decorate publisher: %w", err)
	}
	s.publisher = decorated

	s.capabilities = resultRegistry(deps).GetCapabilities(cfg.ResultPublisher)
	if !s.capabilities.SupportsReliableDelivery() {
		log.Info("Result publisher does not guarantee delivery; results may be lost", loggingpkg.LogFields{
			"result_publisher":  cfg.ResultPublisher,
			"supports_confirms": s.capabilities.SupportsConfirms,
			"durable":           s.capabilities.Durable,
		})
	}

	s.forwarder, err = relay.NewForwarder(s.relay, s.publisher, relay.Options{
		Topic:   cfg.ResultTopic,
		Logger:  log,
		Metrics: metrics.relay,
	})
	if err != nil {
		_ = s.closePublisher()
		return nil, err
	}

	subOpts := subscriber.OptionsFromConfig(cfg)
	subOpts.Clock = clk
	subOpts.Logger = log
	subOpts.Metrics = metrics.subscriber
	subOpts.Dial = deps.Dial
	s.subscriber, err = subscriber.New(subscriber.DescriptorFromConfig(cfg), s.deliveries, subOpts)
	if err != nil {
		_ = s.closePublisher()
		return nil, err
	}

	s.dispatcher = &dispatcher{
		source: s.deliveries,
		engine: eng,
		hooks:  deps.Hooks,
		clock:  clk,
		log:    log.With(loggingpkg.LogFields{"component": "dispatcher"}),
	}

	if cfg.MetricsEnabled && cfg.MetricsPort > 0 {
		s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.StatusEnabled {
		s.RegisterHTTPHandler(cfg.StatusPort, "/api/status", http.HandlerFunc(s.handleGetStatus))
	}
	return s, nil
}

func buildEngine(deps ServiceDependencies, relayQueue engine.Relay, opts engine.PoolOptions) (engine.Engine, error) {
	if deps.EngineFactory != nil {
		return deps.EngineFactory(relayQueue, opts)
	}
	if deps.TaskFunc == nil {
		return nil, errspkg.ErrTaskFuncRequired
	}
	return engine.NewPoolEngine(relayQueue, deps.TaskFunc, opts)
}

func (s *Service) setupPublisher(ctx context.Context, deps ServiceDependencies) error {
	if deps.Publisher != nil {
		s.publisher = deps.Publisher
		return nil
	}
	t, err := resultRegistry(deps).Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.publisher = t.Publisher
	s.ownsPublisher = true
	return nil
}

func resultRegistry(deps ServiceDependencies) *transport.Registry {
	if deps.Registry != nil {
		return deps.Registry
	}
	return transport.DefaultRegistry
}

// GetTransportCapabilities returns the capabilities registered for the
// configured result publisher.
func (s *Service) GetTransportCapabilities() transport.Capabilities {
	if s == nil {
		return transport.Capabilities{}
	}
	return s.capabilities
}

func (s *Service) closePublisher() error {
	if !s.ownsPublisher || s.publisher == nil {
		return nil
	}
	return s.publisher.Close()
}

// Start launches every stage and returns. Cancelling ctx stops intake only;
// call Stop (or use Run) for the ordered shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.started {
		return ErrServiceStarted
	}
	base := context.WithoutCancel(ctx)
	if err := s.engine.Start(base); err != nil {
		return err
	}
	s.started = true

	var dispatchCtx, forwardCtx context.Context
	dispatchCtx, s.dispatcherCancel = context.WithCancel(base)
	forwardCtx, s.forwarderCancel = context.WithCancel(base)
	s.dispatcher.taskCtx = base
	s.dispatcherDone = make(chan struct{})
	s.forwarderDone = make(chan struct{})

	go func() {
		defer close(s.forwarderDone)
		if err := s.forwarder.Run(forwardCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error("Forwarder stopped", err, nil)
		}
	}()
	go func() {
		defer close(s.dispatcherDone)
		if err := s.dispatcher.run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error("Dispatcher stopped", err, nil)
		}
	}()

	s.startHTTPServers()
	s.subscriber.Start(ctx)

	s.Logger.Info("Service started", loggingpkg.LogFields{
		"queue":        s.Conf.TaskQueue,
		"result_topic": s.Conf.ResultTopic,
	})
	return nil
}

// Run starts the service and blocks until ctx ends or the subscriber gives
// up, then stops within Conf.ShutdownTimeout. It returns the subscriber's
// terminal error, if any, joined with shutdown errors.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.subscriber.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Conf.ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop shuts the pipeline down front to back: the subscriber stops taking
// deliveries, queued deliveries are submitted, the engine stops reporting
// and finishes its tasks, and the forwarder publishes everything left on the
// relay. If ctx ends first the remaining stages are cut short.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	if !s.started {
		s.lifecycle.Unlock()
		return ErrServiceNotStarted
	}
	if s.stopping {
		s.lifecycle.Unlock()
		select {
		case <-s.done:
			return s.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	s.lifecycle.Unlock()

	var errs []error
	s.subscriber.Stop()
	if !wait(ctx, s.subscriber.Done()) {
		errs = append(errs, fmt.Errorf("subscriber: %w", ctx.Err()))
	} else if err := s.subscriber.Err(); err != nil {
		errs = append(errs, err)
	}

	s.deliveries.Close()
	if !wait(ctx, s.dispatcherDone) {
		s.dispatcherCancel()
		<-s.dispatcherDone
		errs = append(errs, fmt.Errorf("dispatcher: %w", ctx.Err()))
	}

	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	s.relay.Close()
	if !wait(ctx, s.forwarderDone) {
		s.forwarderCancel()
		<-s.forwarderDone
		errs = append(errs, fmt.Errorf("forwarder: %d envelopes not published: %w", s.relay.Len(), ctx.Err()))
	}
	s.dispatcherCancel()
	s.forwarderCancel()

	s.stopHTTPServers(ctx)
	if err := s.closePublisher(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}

	s.stopErr = errors.Join(errs...)
	if s.stopErr != nil {
		s.Logger.Error("Service stopped with errors", s.stopErr, nil)
	} else {
		s.Logger.Info("Service stopped", nil)
	}
	close(s.done)
	return s.stopErr
}

// Done is closed once Stop has finished.
func (s *Service) Done() <-chan struct{} { return s.done }

// Engine returns the engine tasks are submitted to.
func (s *Service) Engine() engine.Engine { return s.engine }

// Subscriber returns the broker subscriber.
func (s *Service) Subscriber() *subscriber.Subscriber { return s.subscriber }

func wait(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.listeners = append(s.listeners, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for _, srv := range s.listeners {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	s.listeners = nil
}
