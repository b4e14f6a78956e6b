package taskrelay

import (
	runtimepkg "github.com/drblury/taskrelay/internal/runtime"
	configpkg "github.com/drblury/taskrelay/internal/runtime/config"
	enginepkg "github.com/drblury/taskrelay/internal/runtime/engine"
	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	futurepkg "github.com/drblury/taskrelay/internal/runtime/future"
	idspkg "github.com/drblury/taskrelay/internal/runtime/ids"
	jsoncodec "github.com/drblury/taskrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/taskrelay/internal/runtime/logging"
	messagespkg "github.com/drblury/taskrelay/internal/runtime/messages"
	queuepkg "github.com/drblury/taskrelay/internal/runtime/queue"
	subscriberpkg "github.com/drblury/taskrelay/internal/runtime/subscriber"
	"github.com/drblury/taskrelay/transport"
	_ "github.com/drblury/taskrelay/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	EngineFactory       = runtimepkg.EngineFactory
	Snapshot            = runtimepkg.Snapshot
	QueueSnapshot       = runtimepkg.QueueSnapshot

	// Task lifecycle hooks
	TaskContext = runtimepkg.TaskContext
	TaskHooks   = runtimepkg.TaskHooks

	// Execution engine
	Engine         = enginepkg.Engine
	PoolEngine     = enginepkg.PoolEngine
	PoolOptions    = enginepkg.PoolOptions
	TaskFunc       = enginepkg.TaskFunc
	Base           = enginepkg.Base
	BaseOptions    = enginepkg.BaseOptions
	Relay          = enginepkg.Relay
	Executor       = enginepkg.Executor
	StatusProvider = enginepkg.StatusProvider
	CodedError     = enginepkg.CodedError
	PanicError     = enginepkg.PanicError

	Future[T any] = futurepkg.Future[T]
	Queue[T any]  = queuepkg.Queue[T]

	// Wire envelopes
	Result         = messagespkg.Result
	StatusReport   = messagespkg.StatusReport
	TaskTransition = messagespkg.TaskTransition
	ErrorDetails   = messagespkg.ErrorDetails

	// Broker subscriber
	SubscriberState = subscriberpkg.State
	Delivery        = subscriberpkg.Message

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Result transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	RedactURL      = configpkg.RedactURL
	TaskID         = runtimepkg.TaskID

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewPoolEngine   = enginepkg.NewPoolEngine
	NewBase         = enginepkg.NewBase
	NewCodedError   = enginepkg.NewCodedError
	ErrorDetailsFor = enginepkg.ErrorDetailsFor
	ErrorString     = enginepkg.ErrorString

	Pack        = messagespkg.Pack
	Unpack      = messagespkg.Unpack
	MessageType = messagespkg.MessageType

	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceStarted    = runtimepkg.ErrServiceStarted
	ErrServiceNotStarted = runtimepkg.ErrServiceNotStarted
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrTaskFuncRequired  = errspkg.ErrTaskFuncRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrEngineClosed      = enginepkg.ErrEngineClosed
	ErrQueueClosed       = queuepkg.ErrClosed
	ErrQueueFull         = queuepkg.ErrFull
	ErrAuthentication    = subscriberpkg.ErrAuthentication
	ErrAttemptsExhausted = subscriberpkg.ErrAttemptsExhausted
	ErrChannelUnstable   = subscriberpkg.ErrChannelUnstable
	ErrUnknownTransport  = transport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Delivery header and body field consulted for the task id.
const (
	HeaderTaskUUID  = runtimepkg.HeaderTaskUUID
	BodyTaskIDField = runtimepkg.BodyTaskIDField
)

// Error codes reported in ErrorDetails.
const (
	CodeTaskExecutionFailed = enginepkg.CodeTaskExecutionFailed
	CodeTaskCancelled       = enginepkg.CodeTaskCancelled
	CodeTaskTimeout         = enginepkg.CodeTaskTimeout
	CodeWorkerPanic         = enginepkg.CodeWorkerPanic
)

// Subscriber states.
const (
	StateDisconnected   = subscriberpkg.StateDisconnected
	StateConnecting     = subscriberpkg.StateConnecting
	StateChannelOpening = subscriberpkg.StateChannelOpening
	StateConsuming      = subscriberpkg.StateConsuming
	StateClosing        = subscriberpkg.StateClosing
	StateStopped        = subscriberpkg.StateStopped
)

func NewFuture[T any]() *Future[T] {
	return futurepkg.New[T]()
}

func NewQueue[T any](capacity int) *Queue[T] {
	return queuepkg.New[T](capacity)
}
