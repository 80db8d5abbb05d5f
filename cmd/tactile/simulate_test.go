package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controller(t *testing.T, frame map[string]any, hand string) map[string]any {
	t.Helper()
	c, ok := frame[hand+"Controller"].(map[string]any)
	require.True(t, ok, "frame carries %sController", hand)
	return c
}

func TestSyntheticFrame_Cycle(t *testing.T) {
	period := 6 * time.Second

	start := controller(t, syntheticFrame("right", 0, period, 0.1), "right")
	assert.Equal(t, true, start["gripActive"])
	assert.Equal(t, 0.0, start["trigger"])
	pos := start["position"].(map[string]any)
	assert.InDelta(t, 0.0, pos["x"], 1e-12)
	assert.InDelta(t, -0.3, pos["z"], 1e-12)

	squeeze := controller(t, syntheticFrame("right", 3*time.Second, period, 0.1), "right")
	assert.Equal(t, true, squeeze["gripActive"])
	assert.Equal(t, 1.0, squeeze["trigger"])

	released := controller(t, syntheticFrame("right", 5*time.Second, period, 0.1), "right")
	assert.Equal(t, false, released["gripActive"])
	assert.Equal(t, 0.0, released["trigger"])

	again := controller(t, syntheticFrame("right", period, period, 0.1), "right")
	assert.Equal(t, start, again, "the cycle repeats")
}

func TestSyntheticFrame_MovesWhileGripping(t *testing.T) {
	c := controller(t, syntheticFrame("left", time.Second, 6*time.Second, 0.2), "left")
	pos := c["position"].(map[string]any)
	assert.NotEqual(t, 0.0, pos["x"])
	assert.LessOrEqual(t, pos["x"].(float64), 0.2)
	assert.NotContains(t, syntheticFrame("left", 0, time.Second, 0.1), "rightController")
}
