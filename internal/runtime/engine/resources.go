package engine

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/drblury/taskrelay/internal/runtime/messages"
)

const cpuMetric = "/sched/cpu:seconds"

// resourceTracker samples process CPU and memory for status reports. CPU is
// the average since the previous sample, so the first sample reports zero.
type resourceTracker struct {
	mu          sync.Mutex
	samples     []metrics.Sample
	lastCPU     float64
	lastSampled time.Time
	numCPU      float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Sample(now time.Time) messages.ResourceUsage {
	if r == nil {
		return messages.ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuMetric}}
	}
	metrics.Read(r.samples)

	usage := messages.ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastSampled.IsZero() && r.numCPU > 0 {
			if wall := now.Sub(r.lastSampled).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastSampled = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
