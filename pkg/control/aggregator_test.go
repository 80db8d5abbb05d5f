package control

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactilerobotics/teleop/pkg/geometry"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
)

func newTestAggregator(t *testing.T, opts Options) *ParallelGripperVR {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	a, err := NewParallelGripperVR([]string{"left", "right"}, opts)
	require.NoError(t, err)
	return a
}

func pose(x, y, z float64, q geometry.Quat) *geometry.Transform {
	t := geometry.PoseToTransform(geometry.Vec3{x, y, z}, q)
	return &t
}

var identityQuat = geometry.Quat{W: 1}

func TestGetControlGoal_LastGripSampleWins(t *testing.T) {
	a := newTestAggregator(t, Options{})
	t0 := pose(0, 0, 0, identityQuat)
	t1 := pose(0.1, 0, 0, identityQuat)
	t2 := pose(0.5, 0.2, 0, identityQuat)

	a.Enqueue(Event{Type: GripActiveInit, ComponentID: "left", OriginTransform: t0, TargetTransform: t0})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: t0, TargetTransform: t1})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: t0, TargetTransform: t2})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)

	want, err := geometry.RelativeInOriginFrame(*t0, *t2)
	require.NoError(t, err)
	require.NotNil(t, goal.RelativeTransform)
	assert.True(t, goal.RelativeTransform.Equal(want, 1e-12), "got %v", goal.RelativeTransform)
	assert.InDelta(t, 0.5, goal.RelativeTransform[0][3], 1e-12)
	assert.True(t, goal.ResetReference)
	assert.False(t, goal.ResetToInit)
	assert.Equal(t, "left", goal.ComponentID)
}

func TestGetControlGoal_StickyGripperInversion(t *testing.T) {
	a := newTestAggregator(t, Options{})

	goal, err := a.GetControlGoal("right")
	require.NoError(t, err)
	require.NotNil(t, goal.GripperClosed)
	assert.True(t, *goal.GripperClosed, "fresh component defaults to closed")

	a.Enqueue(Event{Type: TriggerActive, ComponentID: "right"})
	goal, err = a.GetControlGoal("right")
	require.NoError(t, err)
	assert.False(t, *goal.GripperClosed, "trigger active opens the gripper")

	for i := 0; i < 3; i++ {
		goal, err = a.GetControlGoal("right")
		require.NoError(t, err)
		assert.False(t, *goal.GripperClosed, "state persists across empty polls")
	}

	a.Enqueue(Event{Type: TriggerRelease, ComponentID: "right"})
	goal, err = a.GetControlGoal("right")
	require.NoError(t, err)
	assert.True(t, *goal.GripperClosed)

	goal, err = a.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, *goal.GripperClosed, "components keep separate gripper state")
}

func TestGetControlGoal_DrainIsExhaustive(t *testing.T) {
	a := newTestAggregator(t, Options{})
	t0 := pose(0, 0, 0, identityQuat)
	a.Enqueue(Event{Type: ResetRelease, ComponentID: "left"})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: t0, TargetTransform: pose(1, 0, 0, identityQuat)})

	first, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.NotNil(t, first.RelativeTransform)
	assert.True(t, first.ResetToInit)

	second, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.Nil(t, second.RelativeTransform)
	assert.False(t, second.ResetToInit)
	assert.False(t, second.ResetReference)
}

func TestGetControlGoal_ResetScenario(t *testing.T) {
	a := newTestAggregator(t, Options{})
	a.Enqueue(Event{Type: ResetRelease, ComponentID: "left"})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.Equal(t, "left", goal.ComponentID)
	assert.True(t, goal.ResetToInit)
	assert.Nil(t, goal.RelativeTransform)
}

func TestGetControlGoal_GripAfterResetInSameTick(t *testing.T) {
	a := newTestAggregator(t, Options{})
	t0 := pose(0, 0, 0, identityQuat)
	t1 := pose(0, 0.3, 0, identityQuat)

	a.Enqueue(Event{Type: ResetRelease, ComponentID: "left"})
	a.Enqueue(Event{Type: GripActiveInit, ComponentID: "left", OriginTransform: t0, TargetTransform: t0})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: t0, TargetTransform: t1})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, goal.ResetToInit)
	assert.True(t, goal.ResetReference)
	require.NotNil(t, goal.RelativeTransform, "later grip in the same batch overrides the reset")
	assert.InDelta(t, 0.3, goal.RelativeTransform[1][3], 1e-12)
}

func TestGetControlGoal_GripOriginFallsBackToInit(t *testing.T) {
	a := newTestAggregator(t, Options{})
	t0 := pose(0, 0, 0, identityQuat)
	a.Enqueue(Event{Type: GripActiveInit, ComponentID: "left", TargetTransform: t0})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", TargetTransform: pose(0, 0, 0.2, identityQuat)})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	require.NotNil(t, goal.RelativeTransform)
	assert.InDelta(t, 0.2, goal.RelativeTransform[2][3], 1e-12)
}

func TestGetControlGoal_GripWithoutOrigin(t *testing.T) {
	a := newTestAggregator(t, Options{})
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", TargetTransform: pose(1, 0, 0, identityQuat)})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.Nil(t, goal.RelativeTransform)
}

func TestGetControlGoal_ReleaseKeepsGoalEmpty(t *testing.T) {
	a := newTestAggregator(t, Options{})
	a.Enqueue(Event{Type: GripRelease, ComponentID: "left"})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.Nil(t, goal.RelativeTransform)
	assert.False(t, goal.ResetReference)
}

func TestGetControlGoal_UnknownEventIsFatal(t *testing.T) {
	a := newTestAggregator(t, Options{})
	a.Enqueue(Event{Type: "idle", ComponentID: "left"})

	_, err := a.GetControlGoal("left")
	var unknown *UnknownEventError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, EventType("idle"), unknown.Type)
	assert.Equal(t, "left", unknown.ComponentID)
}

func TestGetControlGoal_SkipsOtherComponents(t *testing.T) {
	a := newTestAggregator(t, Options{})
	require.NoError(t, a.queues["left"].Push(Event{Type: TriggerActive, ComponentID: "right"}))

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	assert.True(t, *goal.GripperClosed)

	goal, err = a.GetControlGoal("right")
	require.NoError(t, err)
	assert.True(t, *goal.GripperClosed, "misrouted event was consumed by the left drain")
}

func TestGetControlGoal_UnknownComponent(t *testing.T) {
	a := newTestAggregator(t, Options{})
	_, err := a.GetControlGoal("torso")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestGetControlGoal_SingularOrigin(t *testing.T) {
	a := newTestAggregator(t, Options{})
	var zero geometry.Transform
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: &zero, TargetTransform: pose(0, 0, 0, identityQuat)})

	_, err := a.GetControlGoal("left")
	assert.ErrorIs(t, err, geometry.ErrSingular)
}

func TestGetControlGoal_RotatedOrigin(t *testing.T) {
	a := newTestAggregator(t, Options{})
	s := math.Sqrt2 / 2
	rot := geometry.Quat{Z: s, W: s}
	origin := pose(0, 0, 0, rot)
	a.Enqueue(Event{Type: GripActive, ComponentID: "left", OriginTransform: origin, TargetTransform: pose(0, 1, 0, rot)})

	goal, err := a.GetControlGoal("left")
	require.NoError(t, err)
	require.NotNil(t, goal.RelativeTransform)
	assert.InDelta(t, 1.0, goal.RelativeTransform[1][3], 1e-12, "motion stays in world-aligned axes")
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	a := newTestAggregator(t, Options{QueueSize: 2, Metrics: m})
	for i := 0; i < 5; i++ {
		a.Enqueue(Event{Type: TriggerActive, ComponentID: "left"})
	}
	a.Enqueue(Event{Type: TriggerActive, ComponentID: "torso"})

	assert.Equal(t, 2, a.queues["left"].Len())
	dropped, err := testutil.GatherAndCount(reg, "tactile_control_events_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 2, dropped, "one series per (component, reason)")

	_, err = a.GetControlGoal("left")
	require.NoError(t, err)
	assert.Equal(t, 0, a.queues["left"].Len())
}

func TestNewAggregator(t *testing.T) {
	agg, err := NewAggregator(ParallelGripperVRController, []string{"right", "left"}, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right"}, agg.Components())

	_, err = NewAggregator("JoystickController", []string{"left"}, Options{})
	assert.ErrorContains(t, err, "unknown controller")

	_, err = NewAggregator(ParallelGripperVRController, nil, Options{})
	assert.Error(t, err)

	_, err = NewAggregator(ParallelGripperVRController, []string{"left", "left"}, Options{})
	assert.ErrorContains(t, err, "duplicate")
}
