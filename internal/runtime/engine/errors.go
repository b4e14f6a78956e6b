package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/taskrelay/internal/runtime/messages"
)

// Error codes carried in messages.ErrorDetails.
const (
	CodeTaskExecutionFailed = "TaskExecutionFailed"
	CodeTaskCancelled       = "TaskCancelled"
	CodeTaskTimeout         = "TaskTimeout"
	CodeWorkerPanic         = "WorkerPanic"
)

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrEngineClosed   = errors.New("engine: shut down")
)

// CodedError lets a back end choose the code and user message reported for
// a failed task.
type CodedError interface {
	error
	ErrorCode() string
	UserMessage() string
}

type codedError struct {
	code        string
	userMessage string
	err         error
}

// NewCodedError wraps err with an explicit code and user-facing message.
func NewCodedError(code, userMessage string, err error) error {
	return &codedError{code: code, userMessage: userMessage, err: err}
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.userMessage
	}
	return e.err.Error()
}

func (e *codedError) Unwrap() error       { return e.err }
func (e *codedError) ErrorCode() string   { return e.code }
func (e *codedError) UserMessage() string { return e.userMessage }

// PanicError is returned for a task whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// ErrorDetailsFor classifies err. Both fields are always non-empty.
func ErrorDetailsFor(err error) messages.ErrorDetails {
	details := messages.ErrorDetails{
		Code:        CodeTaskExecutionFailed,
		UserMessage: "An error occurred during the execution of this task",
	}

	var coded CodedError
	var panicErr *PanicError
	switch {
	case err == nil:
	case errors.As(err, &coded):
		if c := coded.ErrorCode(); c != "" {
			details.Code = c
		}
		if m := coded.UserMessage(); m != "" {
			details.UserMessage = m
		}
	case errors.As(err, &panicErr):
		details.Code = CodeWorkerPanic
		details.UserMessage = "The worker executing this task panicked"
	case errors.Is(err, context.DeadlineExceeded):
		details.Code = CodeTaskTimeout
		details.UserMessage = "Task execution exceeded its deadline"
	case errors.Is(err, context.Canceled):
		details.Code = CodeTaskCancelled
		details.UserMessage = "Task was cancelled before it completed"
	}
	return details
}

// ErrorString renders err for the result's data and exception fields. A
// panic includes the worker stack.
func ErrorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) && len(panicErr.Stack) > 0 {
		return err.Error() + "\n" + string(panicErr.Stack)
	}
	return err.Error()
}
