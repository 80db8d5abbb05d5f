package teleop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactilerobotics/teleop/pkg/control"
	"github.com/tactilerobotics/teleop/pkg/geometry"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/node/nodetest"
	"github.com/tactilerobotics/teleop/pkg/robot"
)

// scriptedSource serves queued goals once, then empty goals.
type scriptedSource struct {
	mu    sync.Mutex
	goals map[string][]control.Goal
	err   map[string]error
}

func (s *scriptedSource) GetControlGoal(id string) (control.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err[id]; err != nil {
		return control.Goal{}, err
	}
	q := s.goals[id]
	if len(q) == 0 {
		return control.Goal{ComponentID: id}, nil
	}
	s.goals[id] = q[1:]
	return q[0], nil
}

type armDriver struct {
	mu      sync.Mutex
	enabled bool
	pose    robot.Positions
}

func (d *armDriver) Enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
	return nil
}

func (d *armDriver) Disable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	return nil
}

func (d *armDriver) ReadPositions(ctx context.Context) (robot.Positions, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pose.Clone(), nil
}

func (d *armDriver) WritePositions(ctx context.Context, p robot.Positions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pose = p.Clone()
	return nil
}

func (d *armDriver) isEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(Config{Components: []string{"left"}})
	assert.ErrorContains(t, err, "goal source")

	_, err = NewController(Config{Source: &scriptedSource{}})
	assert.ErrorContains(t, err, "component")

	f := robot.NewFollower(&armDriver{}, robot.FollowerConfig{Logger: logging.Discard()})
	_, err = NewController(Config{Source: &scriptedSource{}, Components: []string{"left"}, Follower: f})
	assert.ErrorContains(t, err, "follower component")

	c, err := NewController(Config{Source: &scriptedSource{}, Components: []string{"left"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultHz, c.Hz())
}

func TestController_DrivesFollowerAndPublishes(t *testing.T) {
	closed := true
	rel := geometry.XYZRPYToTransform(0.1, 0.2, 0.3, 0, 0, 0)
	src := &scriptedSource{goals: map[string][]control.Goal{
		"right": {{ComponentID: "right", GripperClosed: &closed, RelativeTransform: &rel}},
	}}
	drv := &armDriver{pose: robot.Positions{robot.Gripper: 0, robot.ShoulderPan: 5}}
	follower := robot.NewFollower(drv, robot.FollowerConfig{Logger: logging.Discard()})

	pub := &nodetest.Publisher{Base: nodetest.Base{NodeID: "telemetry", NodeRole: node.RolePublisher}}
	require.NoError(t, pub.Connect(context.Background()))

	c, err := NewController(Config{
		Source:            src,
		Components:        []string{"left", "right"},
		Hz:                200,
		Follower:          follower,
		FollowerComponent: "right",
		Telemetry:         pub,
		Logger:            logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(pub.Sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, drv.isEnabled())
	assert.Equal(t, robot.DefaultGripperClosed, follower.Target()[robot.Gripper])

	var msg telemetry
	require.NoError(t, json.Unmarshal(pub.Sent()[0], &msg))
	require.Contains(t, msg.Goals, "right")
	require.NotNil(t, msg.Goals["right"].Translation)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, msg.Goals["right"].Translation[:], 1e-9)
	assert.Equal(t, &closed, msg.Goals["right"].GripperClosed)
	assert.Equal(t, robot.DefaultGripperClosed, msg.Target[robot.Gripper])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.False(t, drv.isEnabled(), "torque released on shutdown")
	assert.Len(t, pub.Sent(), 1, "idle ticks are not published")
}

func TestController_StatesAndErrors(t *testing.T) {
	src := &scriptedSource{err: map[string]error{"left": control.ErrUnknownComponent}}
	c, err := NewController(Config{Source: src, Components: []string{"left", "right"}, Hz: 200, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	select {
	case st := <-c.States():
		assert.ErrorIs(t, st.Error, control.ErrUnknownComponent)
		assert.Contains(t, st.Goals, "right")
		assert.NotContains(t, st.Goals, "left")
		assert.Nil(t, st.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("no state received")
	}

	select {
	case line := <-c.Logs():
		assert.Contains(t, line, "Teleoperation started at 200 Hz")
	case <-time.After(time.Second):
		t.Fatal("no log line")
	}
}

func TestController_RejectsSecondStart(t *testing.T) {
	c, err := NewController(Config{Source: &scriptedSource{}, Components: []string{"left"}, Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	select {
	case <-c.Logs():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not start")
	}
	assert.EqualError(t, c.Start(ctx), "already running")
}

func TestController_TelemetryNotConnectedIsQuiet(t *testing.T) {
	closed := false
	src := &scriptedSource{goals: map[string][]control.Goal{"left": {{GripperClosed: &closed}}}}
	pub := &nodetest.Publisher{Base: nodetest.Base{NodeID: "telemetry"}}
	c, err := NewController(Config{Source: src, Components: []string{"left"}, Telemetry: pub, Logger: logging.Discard()})
	require.NoError(t, err)

	c.step(context.Background())
	st := <-c.States()
	assert.NoError(t, st.Error)
	assert.Empty(t, pub.Sent())
	select {
	case line := <-c.Logs():
		t.Fatalf("unexpected log line %q", line)
	default:
	}
}
