package errors

import sterrors "errors"

var (
	ErrConfigRequired         = sterrors.New("taskrelay: configuration is required")
	ErrLoggerRequired         = sterrors.New("taskrelay: logger is required")
	ErrURLRequired            = sterrors.New("taskrelay: broker URL is required")
	ErrQueueRequired          = sterrors.New("taskrelay: task queue name is required")
	ErrSinkRequired           = sterrors.New("taskrelay: delivery sink is required")
	ErrRelayRequired          = sterrors.New("taskrelay: outbound relay is required")
	ErrExecutorRequired       = sterrors.New("taskrelay: executor is required")
	ErrStatusProviderRequired = sterrors.New("taskrelay: status provider is required")
	ErrTaskFuncRequired       = sterrors.New("taskrelay: task function is required")
	ErrPublisherRequired      = sterrors.New("taskrelay: publisher is required")
	ErrTopicRequired          = sterrors.New("taskrelay: topic is required")
	ErrCheckRequired          = sterrors.New("taskrelay: reporter check is required")
)

// ConfigValidationError marks an error produced while validating Config so
// callers can tell configuration problems apart from runtime failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	if e.Err == nil {
		return "taskrelay: invalid configuration"
	}
	return "taskrelay: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
