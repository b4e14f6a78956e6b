package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSample(t *testing.T) {
	tracker := newResourceTracker()
	now := time.Now()

	first := tracker.Sample(now)
	assert.Zero(t, first.CPUPercent, "no baseline yet")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)

	second := tracker.Sample(now.Add(50 * time.Millisecond))
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceTrackerNilAndEmpty(t *testing.T) {
	var nilTracker *resourceTracker
	assert.Equal(t, 0, nilTracker.Sample(time.Now()).Goroutines)

	empty := &resourceTracker{}
	assert.NotZero(t, empty.Sample(time.Now()).MemoryBytes)
}
