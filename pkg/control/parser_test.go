package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
)

func controller(x, y, z float64, grip bool, trigger float64) map[string]any {
	return map[string]any{
		"position":   map[string]any{"x": x, "y": y, "z": z},
		"quaternion": map[string]any{"x": 0.0, "y": 0.0, "z": 0.0, "w": 1.0},
		"gripActive": grip,
		"trigger":    trigger,
	}
}

func idle() map[string]any {
	return map[string]any{"gripActive": false, "trigger": 0.0}
}

func frame(left, right map[string]any) node.Message {
	return node.Message{Source: "operator", Payload: map[string]any{
		"leftController":  left,
		"rightController": right,
	}}
}

func handMsg(hand, flag string) node.Message {
	return node.Message{Source: "operator", Payload: map[string]any{"hand": hand, flag: true}}
}

func drainTypes(a *ParallelGripperVR, component string) []EventType {
	var out []EventType
	for _, ev := range a.queues[component].Drain() {
		out = append(out, ev.Type)
	}
	return out
}

func TestHandleData_GripLifecycle(t *testing.T) {
	a := newTestAggregator(t, Options{})
	ctx := context.Background()

	require.NoError(t, a.HandleData(ctx, frame(controller(0, 0, 0, true, 0), idle())))
	require.NoError(t, a.HandleData(ctx, frame(controller(0.1, 0, 0, true, 0), idle())))
	require.NoError(t, a.HandleData(ctx, frame(controller(0.2, 0, 0, true, 0), idle())))

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, goal.ResetReference)
	require.NotNil(t, goal.RelativeTransform)
	assert.InDelta(t, 0.2, goal.RelativeTransform[0][3], 1e-12)

	require.NoError(t, a.HandleData(ctx, frame(idle(), idle())))
	assert.Equal(t, []EventType{GripRelease}, drainTypes(a, "left"))
	assert.False(t, a.latches["left"].GripActive)
	assert.Nil(t, a.latches["left"].OriginTransform)
	assert.Empty(t, drainTypes(a, "right"))
}

func TestHandleData_EmitsEventsInOrder(t *testing.T) {
	a := newTestAggregator(t, Options{})
	require.NoError(t, a.HandleData(context.Background(), frame(idle(), controller(1, 2, 3, true, 0.9))))

	assert.Equal(t, []EventType{TriggerActive, GripActiveInit, GripActive}, drainTypes(a, "right"))
}

func TestHandleData_TriggerOnlyFrame(t *testing.T) {
	a := newTestAggregator(t, Options{})
	ctx := context.Background()

	require.NoError(t, a.HandleData(ctx, frame(controller(0, 0, 0, false, 0.8), idle())))
	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.False(t, *goal.GripperClosed)
	assert.Nil(t, goal.RelativeTransform, "trigger alone does not move the arm")

	require.NoError(t, a.HandleData(ctx, handMsg("left", "triggerReleased")))
	goal, err = a.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, *goal.GripperClosed)

	require.NoError(t, a.HandleData(ctx, handMsg("left", "triggerReleased")))
	assert.Empty(t, drainTypes(a, "left"), "release without an active trigger is ignored")
}

func TestHandleData_HandScopedMessages(t *testing.T) {
	a := newTestAggregator(t, Options{})
	ctx := context.Background()

	require.NoError(t, a.HandleData(ctx, handMsg("right", "resetEvent")))
	goal, err := a.GetControlGoal("right")
	require.NoError(t, err)
	assert.True(t, goal.ResetToInit)

	require.NoError(t, a.HandleData(ctx, handMsg("right", "gripReleased")))
	assert.Empty(t, drainTypes(a, "right"), "grip release without an active grip is ignored")

	require.NoError(t, a.HandleData(ctx, frame(idle(), controller(0, 0, 0, true, 0))))
	drainTypes(a, "right")
	require.NoError(t, a.HandleData(ctx, handMsg("right", "gripReleased")))
	assert.Equal(t, []EventType{GripRelease}, drainTypes(a, "right"))

	require.NoError(t, a.HandleData(ctx, node.Message{Payload: map[string]any{"resetEvent": true}}))
	assert.Empty(t, drainTypes(a, "right"), "messages without a hand are ignored")
}

func TestHandleData_MissingQuaternionQueuesNothing(t *testing.T) {
	a := newTestAggregator(t, Options{})

	left := controller(0, 0, 0, true, 0)
	right := controller(0, 0, 0, true, 0)
	delete(right["quaternion"].(map[string]any), "w")

	err := a.HandleData(context.Background(), frame(left, right))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "right", perr.Hand)
	assert.Contains(t, err.Error(), "quaternion")

	assert.Empty(t, drainTypes(a, "left"), "valid left hand is not queued from a rejected frame")
	assert.Empty(t, drainTypes(a, "right"))
	assert.False(t, a.latches["left"].GripActive)
}

func TestHandleData_MissingPositionField(t *testing.T) {
	a := newTestAggregator(t, Options{})
	left := controller(0, 0, 0, true, 0)
	delete(left["position"].(map[string]any), "z")

	err := a.HandleData(context.Background(), frame(left, idle()))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "position")
}

func TestHandleData_ButtonDownTracked(t *testing.T) {
	a := newTestAggregator(t, Options{})
	left := controller(0, 0, 0, true, 0)
	left["xButtonDown"] = true
	right := controller(0, 0, 0, true, 0)
	right["xButtonDown"] = true

	require.NoError(t, a.HandleData(context.Background(), frame(left, right)))
	assert.True(t, a.latches["left"].ButtonDown)
	assert.False(t, a.latches["right"].ButtonDown, "right hand reads aButtonDown")
}

func TestHandleData_HandMapping(t *testing.T) {
	a, err := NewParallelGripperVR([]string{"arm"}, Options{
		HandComponents: map[string]string{"right": "arm"},
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	require.NoError(t, a.HandleData(context.Background(), frame(controller(0, 0, 0, true, 0), controller(0, 0, 0, true, 0))))
	assert.Equal(t, []EventType{GripActiveInit, GripActive}, drainTypes(a, "arm"))
}
