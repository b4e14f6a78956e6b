package messages

import "time"

// StatusState distinguishes a routine heartbeat from a degraded report.
type StatusState string

const (
	StatusHeartbeat StatusState = "heartbeat"
	StatusError     StatusState = "error"
)

// TaskCounters are cumulative since engine start, except Queued and Running
// which are current.
type TaskCounters struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type WorkerCounters struct {
	Max  int `json:"max"`
	Idle int `json:"idle"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// StatusReport is a point-in-time engine snapshot.
type StatusReport struct {
	EndpointID       string         `json:"endpoint_id,omitempty"`
	ReportID         string         `json:"report_id"`
	Timestamp        time.Time      `json:"timestamp"`
	State            StatusState    `json:"state"`
	Error            string         `json:"error,omitempty"`
	HeartbeatSeconds float64        `json:"heartbeat_period_s"`
	Tasks            TaskCounters   `json:"tasks"`
	Workers          WorkerCounters `json:"workers"`
	Resources        ResourceUsage  `json:"resources"`
	// TaskStatuses holds transitions observed since the previous report,
	// keyed by task id.
	TaskStatuses map[string][]TaskTransition `json:"task_statuses,omitempty"`
}

func (*StatusReport) Kind() string { return KindStatusReport }
