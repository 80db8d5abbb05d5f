package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/tactilerobotics/teleop/pkg/geometry"
	"github.com/tactilerobotics/teleop/pkg/node"
)

const triggerThreshold = 0.5

var hands = [...]string{"left", "right"}

// HandleData parses one VR controller payload and queues the resulting
// events. Two payload shapes are understood:
//
//	{"leftController": {...}, "rightController": {...}}
//	{"hand": "left", "gripReleased" | "triggerReleased" | "resetEvent": true}
//
// A malformed frame returns a *ParseError and queues nothing.
func (a *ParallelGripperVR) HandleData(_ context.Context, msg node.Message) error {
	data := msg.Payload

	a.parseMu.Lock()
	defer a.parseMu.Unlock()

	left, hasLeft := data["leftController"].(map[string]any)
	right, hasRight := data["rightController"].(map[string]any)
	if hasLeft && hasRight {
		frames := [2]map[string]any{left, right}
		var poses [2]*geometry.Transform
		for i, hand := range hands {
			if !hasPosition(frames[i]) || !frameActive(frames[i]) {
				continue
			}
			pose, err := parsePose(hand, frames[i])
			if err != nil {
				return err
			}
			poses[i] = &pose
		}
		for i, hand := range hands {
			a.handleFrame(hand, frames[i], poses[i])
		}
		return nil
	}

	hand, _ := data["hand"].(string)
	if hand == "" {
		return nil
	}
	switch {
	case truthy(data["gripReleased"]):
		a.releaseGrip(hand)
	case truthy(data["triggerReleased"]):
		a.releaseTrigger(hand)
	case truthy(data["resetEvent"]):
		a.releaseReset(hand)
	}
	return nil
}

func (a *ParallelGripperVR) component(hand string) string {
	if id, ok := a.hands[hand]; ok {
		return id
	}
	return hand
}

func (a *ParallelGripperVR) latch(hand string) (string, *LatchState) {
	id := a.component(hand)
	l, ok := a.latches[id]
	if !ok {
		a.logger.Debug("ignoring input for unmapped hand", "hand", hand, "component", id)
		return id, nil
	}
	return id, l
}

// handleFrame updates latch state from one streaming frame. pose is nil when
// the hand is idle or sent no position.
func (a *ParallelGripperVR) handleFrame(hand string, frame map[string]any, pose *geometry.Transform) {
	gripActive := truthy(frame["gripActive"])
	if pose == nil {
		if !gripActive {
			a.releaseGrip(hand)
		}
		return
	}

	id, l := a.latch(hand)
	if l == nil {
		return
	}
	l.ButtonDown = truthy(frame[buttonKey(hand)])

	triggerActive := number(frame["trigger"]) > triggerThreshold
	if triggerActive != l.TriggerActive {
		l.TriggerActive = triggerActive
		ev := TriggerRelease
		if triggerActive {
			ev = TriggerActive
		}
		a.Enqueue(Event{Type: ev, ComponentID: id, GripperClosed: boolPtr(!triggerActive)})
		a.logger.Info("trigger changed", "component", id, "active", triggerActive, "gripper_closed", !triggerActive)
	}

	if !gripActive {
		return
	}
	if !l.GripActive {
		l.GripActive = true
		origin := *pose
		l.OriginTransform = &origin
		a.Enqueue(Event{Type: GripActiveInit, ComponentID: id, OriginTransform: &origin, TargetTransform: &origin})
		a.logger.Info("grip activated", "component", id)
	}
	a.Enqueue(Event{Type: GripActive, ComponentID: id, OriginTransform: l.OriginTransform, TargetTransform: pose})
}

func (a *ParallelGripperVR) releaseGrip(hand string) {
	id, l := a.latch(hand)
	if l == nil || !l.GripActive {
		return
	}
	l.GripActive = false
	l.OriginTransform = nil
	a.Enqueue(Event{Type: GripRelease, ComponentID: id})
	a.logger.Info("grip released", "component", id)
}

func (a *ParallelGripperVR) releaseTrigger(hand string) {
	id, l := a.latch(hand)
	if l == nil || !l.TriggerActive {
		return
	}
	l.TriggerActive = false
	a.Enqueue(Event{Type: TriggerRelease, ComponentID: id, GripperClosed: boolPtr(true)})
	a.logger.Info("trigger released", "component", id)
}

func (a *ParallelGripperVR) releaseReset(hand string) {
	id, l := a.latch(hand)
	if l == nil {
		return
	}
	a.Enqueue(Event{Type: ResetRelease, ComponentID: id})
	a.logger.Info("reset requested", "component", id)
}

func buttonKey(hand string) string {
	if hand == "left" {
		return "xButtonDown"
	}
	return "aButtonDown"
}

func frameActive(frame map[string]any) bool {
	return truthy(frame["gripActive"]) || number(frame["trigger"]) > triggerThreshold
}

func hasPosition(frame map[string]any) bool {
	p, ok := frame["position"].(map[string]any)
	return ok && len(p) > 0
}

func parsePose(hand string, frame map[string]any) (geometry.Transform, error) {
	q, err := components(frame["quaternion"], "x", "y", "z", "w")
	if err != nil {
		return geometry.Transform{}, &ParseError{Hand: hand, Reason: "quaternion: " + err.Error()}
	}
	p, err := components(frame["position"], "x", "y", "z")
	if err != nil {
		return geometry.Transform{}, &ParseError{Hand: hand, Reason: "position: " + err.Error()}
	}
	return geometry.PoseToTransform(
		geometry.Vec3{p[0], p[1], p[2]},
		geometry.Quat{X: q[0], Y: q[1], Z: q[2], W: q[3]},
	), nil
}

func components(v any, keys ...string) ([]float64, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("missing")
	}
	out := make([]float64, len(keys))
	for i, k := range keys {
		f, ok := m[k].(float64)
		if !ok {
			return nil, fmt.Errorf("field %q missing or not a number", k)
		}
		out[i] = f
	}
	return out, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	default:
		return false
	}
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}
