// Package control turns operator input streams into per-tick control goals.
//
// Inbound device frames are parsed into Events and queued per component. The
// control loop polls GetControlGoal once per tick; each call drains the
// component's queue and reduces the backlog to a single Goal while keeping
// latch state (gripper, grip origin) between ticks.
package control

import (
	"errors"
	"fmt"

	"github.com/tactilerobotics/teleop/pkg/geometry"
)

// EventType discriminates operator events.
type EventType string

const (
	GripActiveInit EventType = "grip_active_init"
	GripActive     EventType = "grip_active"
	GripRelease    EventType = "grip_release"
	TriggerActive  EventType = "trigger_active"
	TriggerRelease EventType = "trigger_release"
	ResetRelease   EventType = "reset_button_release"
)

// Event is one discrete operator intent for a component.
type Event struct {
	Type            EventType
	ComponentID     string
	OriginTransform *geometry.Transform
	TargetTransform *geometry.Transform
	GripperClosed   *bool
}

// Goal is the snapshot returned to the control loop for one component.
type Goal struct {
	ComponentID string
	// RelativeTransform is the motion since the grip origin, expressed in
	// the origin's rotation frame. Nil when no grip sample arrived.
	RelativeTransform *geometry.Transform
	GripperClosed     *bool
	// ResetToInit asks the robot to return to its initial pose.
	ResetToInit bool
	// ResetReference asks the robot to re-anchor its target to its current
	// pose; set when a grip starts.
	ResetReference bool
}

// LatchState is the input-device state tracked per component between frames.
type LatchState struct {
	GripActive      bool
	TriggerActive   bool
	OriginTransform *geometry.Transform
	ButtonDown      bool
}

var (
	// ErrQueueFull is returned when a component queue has no room.
	ErrQueueFull = errors.New("event queue full")
	// ErrUnknownComponent is returned for a component without a queue.
	ErrUnknownComponent = errors.New("unknown component")
)

// UnknownEventError reports an event type the aggregator cannot reduce.
type UnknownEventError struct {
	Type        EventType
	ComponentID string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q for component %q", e.Type, e.ComponentID)
}

// ParseError reports a malformed device payload.
type ParseError struct {
	Hand   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Hand == "" {
		return "parse controller payload: " + e.Reason
	}
	return fmt.Sprintf("parse %s controller payload: %s", e.Hand, e.Reason)
}

func boolPtr(b bool) *bool { return &b }
