// Package messages defines the outbound wire envelopes. Results and status
// reports share one framing, {"message_type": ..., "data": ...}, so a consumer
// decodes once and branches on the kind.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/taskrelay/internal/runtime/jsoncodec"
)

const (
	KindResult       = "result"
	KindStatusReport = "ep_status_report"
)

var (
	ErrNilMessage         = errors.New("messages: nil message")
	ErrUnknownMessageType = errors.New("messages: unknown message type")
)

// Message is anything that can be packed onto the relay.
type Message interface {
	Kind() string
}

// ActorName identifies which component recorded a transition.
type ActorName string

const (
	ActorInterchange ActorName = "interchange"
	ActorWorker      ActorName = "worker"
)

// TaskState is a task lifecycle marker.
type TaskState string

const (
	StateWaitingForLaunch TaskState = "waiting-for-launch"
	StateExecStart        TaskState = "exec-start"
	StateExecEnd          TaskState = "exec-end"
)

// TaskTransition records a lifecycle step. Timestamp is Unix nanoseconds.
type TaskTransition struct {
	Timestamp int64     `json:"timestamp"`
	Actor     ActorName `json:"actor"`
	State     TaskState `json:"state"`
}

// NewTransition stamps a transition at the given time.
func NewTransition(at time.Time, actor ActorName, state TaskState) TaskTransition {
	return TaskTransition{Timestamp: at.UnixNano(), Actor: actor, State: state}
}

// ErrorDetails is the structured failure attached to a failed Result.
type ErrorDetails struct {
	Code        string `json:"code"`
	UserMessage string `json:"user_message"`
}

// Result is the outcome of one task.
type Result struct {
	TaskID       string           `json:"task_id"`
	Data         string           `json:"data"`
	Exception    string           `json:"exception,omitempty"`
	ErrorDetails *ErrorDetails    `json:"error_details,omitempty"`
	TaskStatuses []TaskTransition `json:"task_statuses,omitempty"`
}

func (*Result) Kind() string { return KindResult }

// Failed reports whether the result carries an error.
func (r *Result) Failed() bool { return r.ErrorDetails != nil || r.Exception != "" }

type envelope struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
}

// Pack encodes m inside the shared envelope.
func Pack(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	data, err := jsoncodec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", m.Kind(), err)
	}
	return jsoncodec.Marshal(envelope{MessageType: m.Kind(), Data: data})
}

// Unpack decodes an envelope into *Result or *StatusReport.
func Unpack(data []byte) (Message, error) {
	var env envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unpack envelope: %w", err)
	}

	var m Message
	switch env.MessageType {
	case KindResult:
		m = &Result{}
	case KindStatusReport:
		m = &StatusReport{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.MessageType)
	}
	if err := jsoncodec.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", env.MessageType, err)
	}
	return m, nil
}

// MessageType reads the envelope kind without decoding the payload.
func MessageType(data []byte) string {
	return jsoncodec.PeekString(data, "message_type")
}
