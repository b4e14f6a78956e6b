package messages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackFailedResult(t *testing.T) {
	start := time.Unix(1700000000, 0)
	in := &Result{
		TaskID:       "task-1",
		Data:         "ValueError: boom",
		Exception:    "ValueError: boom",
		ErrorDetails: &ErrorDetails{Code: "TaskExecutionFailed", UserMessage: "boom"},
		TaskStatuses: []TaskTransition{
			NewTransition(start, ActorInterchange, StateWaitingForLaunch),
			NewTransition(start.Add(time.Second), ActorInterchange, StateExecEnd),
		},
	}

	packed, err := Pack(in)
	require.NoError(t, err)
	assert.Equal(t, KindResult, MessageType(packed))

	out, err := Unpack(packed)
	require.NoError(t, err)
	res, ok := out.(*Result)
	require.True(t, ok)
	assert.Equal(t, in, res)
	assert.True(t, res.Failed())
	assert.Equal(t, start.UnixNano(), res.TaskStatuses[0].Timestamp)
}

func TestPackStatusReport(t *testing.T) {
	in := &StatusReport{
		EndpointID:       "ep-1",
		ReportID:         "r-1",
		Timestamp:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		State:            StatusHeartbeat,
		HeartbeatSeconds: 30,
		Tasks:            TaskCounters{Queued: 1, Running: 2, Completed: 3, Failed: 4},
		Workers:          WorkerCounters{Max: 8, Idle: 6},
		TaskStatuses: map[string][]TaskTransition{
			"t": {{Timestamp: 1, Actor: ActorWorker, State: StateExecStart}},
		},
	}

	packed, err := Pack(in)
	require.NoError(t, err)
	assert.Equal(t, KindStatusReport, MessageType(packed))

	out, err := Unpack(packed)
	require.NoError(t, err)
	report, ok := out.(*StatusReport)
	require.True(t, ok)
	assert.Equal(t, in.Tasks, report.Tasks)
	assert.Equal(t, in.Workers, report.Workers)
	assert.True(t, in.Timestamp.Equal(report.Timestamp))
	assert.Equal(t, in.TaskStatuses, report.TaskStatuses)
}

func TestUnpackRejectsUnknownAndInvalid(t *testing.T) {
	_, err := Unpack([]byte(`{"message_type":"mystery","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Unpack([]byte(`not json`))
	assert.Error(t, err)

	_, err = Pack(nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	assert.Empty(t, MessageType([]byte(`opaque bytes`)))
}
