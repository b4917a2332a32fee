package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameMetricsAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.016)
	}
	assert.InDelta(t, 16.0, m.FrameTime(), 0.001)

	m.Skip()
	m.Skip()
	assert.Equal(t, uint64(2), m.Skipped())
}

func TestFrameMetricsFPS(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < 101; i++ {
		m.Update(0.01)
	}
	assert.InDelta(t, 100, m.FPS(), 1)
}
