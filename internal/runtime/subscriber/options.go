package subscriber

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/taskrelay/internal/runtime/config"
	"github.com/drblury/taskrelay/internal/runtime/logging"
)

// Descriptor names the broker resources the subscriber consumes from. It is
// fixed for the subscriber's lifetime.
type Descriptor struct {
	URL          string
	Queue        string
	Exchange     string
	ExchangeType string
}

// Options holds the subscriber policy. Zero values take the config package
// defaults.
type Options struct {
	// PollPeriod is the housekeeping interval.
	PollPeriod          time.Duration
	ConnectAttemptLimit int
	// ChannelCloseWindow and ChannelCloseWindowLimit bound channel churn:
	// reaching the limit within the window stops the subscriber.
	ChannelCloseWindow      time.Duration
	ChannelCloseWindowLimit int
	// StableAfter is the continuous consuming time after which the attempt
	// counter resets. Granularity is bounded by PollPeriod.
	StableAfter        time.Duration
	ChannelReopenDelay time.Duration
	ReconnectDelayMin  time.Duration
	ReconnectDelayMax  time.Duration
	TeardownInterval   time.Duration
	// HandoffTimeout bounds a single Sink.Put.
	HandoffTimeout time.Duration

	Clock   clock.Clock
	Logger  logging.ServiceLogger
	Metrics *Metrics
	Dial    Dialer
	// OnStateChange, when set, is called on the subscriber goroutine after
	// every state transition.
	OnStateChange func(State)
}

// OptionsFromConfig copies the subscriber policy out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PollPeriod:              cfg.PollPeriod,
		ConnectAttemptLimit:     cfg.ConnectAttemptLimit,
		ChannelCloseWindow:      cfg.ChannelCloseWindow,
		ChannelCloseWindowLimit: cfg.ChannelCloseWindowLimit,
		StableAfter:             cfg.StableAfter,
		ChannelReopenDelay:      cfg.ChannelReopenDelay,
		ReconnectDelayMin:       cfg.ReconnectDelayMin,
		ReconnectDelayMax:       cfg.ReconnectDelayMax,
		TeardownInterval:        cfg.TeardownInterval,
		HandoffTimeout:          cfg.HandoffTimeout,
	}
}

// DescriptorFromConfig copies the task source out of cfg.
func DescriptorFromConfig(cfg config.Config) Descriptor {
	return Descriptor{
		URL:          cfg.RabbitMQURL,
		Queue:        cfg.TaskQueue,
		Exchange:     cfg.TaskExchange,
		ExchangeType: cfg.TaskExchangeType,
	}
}

func (o Options) withDefaults() Options {
	if o.PollPeriod <= 0 {
		o.PollPeriod = config.DefaultPollPeriod
	}
	if o.ConnectAttemptLimit <= 0 {
		o.ConnectAttemptLimit = config.DefaultConnectAttemptLimit
	}
	if o.ChannelCloseWindow <= 0 {
		o.ChannelCloseWindow = config.DefaultChannelCloseWindow
	}
	if o.ChannelCloseWindowLimit <= 0 {
		o.ChannelCloseWindowLimit = config.DefaultChannelCloseWindowLimit
	}
	if o.StableAfter <= 0 {
		o.StableAfter = config.DefaultStableAfter
	}
	if o.ChannelReopenDelay <= 0 {
		o.ChannelReopenDelay = config.DefaultChannelReopenDelay
	}
	if o.ReconnectDelayMin <= 0 {
		o.ReconnectDelayMin = config.DefaultReconnectDelayMin
	}
	if o.ReconnectDelayMax < o.ReconnectDelayMin {
		o.ReconnectDelayMax = max(config.DefaultReconnectDelayMax, o.ReconnectDelayMin)
	}
	if o.TeardownInterval <= 0 {
		o.TeardownInterval = config.DefaultTeardownInterval
	}
	if o.HandoffTimeout <= 0 {
		o.HandoffTimeout = config.DefaultHandoffTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Dial == nil {
		o.Dial = DialAMQP
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}
