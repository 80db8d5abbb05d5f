package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tactilerobotics/teleop/pkg/geometry"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// ParallelGripperVRController names the VR controller / parallel gripper
// aggregator kind.
const ParallelGripperVRController = "ParallelGripperVRController"

// Aggregator is one controller kind: it parses inbound device payloads into
// queued events and reduces them to goals on demand.
type Aggregator interface {
	Components() []string
	Enqueue(ev Event)
	GetControlGoal(componentID string) (Goal, error)
	HandleData(ctx context.Context, msg node.Message) error
}

// Options tunes an aggregator.
type Options struct {
	// QueueSize bounds each component queue; zero selects DefaultQueueSize.
	QueueSize int
	// HandComponents maps controller hands ("left", "right") to component
	// ids. Hands without an entry map to the component of the same name.
	HandComponents map[string]string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// NewAggregator builds the controller kind registered under name.
func NewAggregator(name string, components []string, opts Options) (Aggregator, error) {
	switch name {
	case ParallelGripperVRController, "":
		return NewParallelGripperVR(components, opts)
	default:
		return nil, fmt.Errorf("unknown controller %q (available: %s)", name, ParallelGripperVRController)
	}
}

// ParallelGripperVR aggregates VR controller events for arms fitted with a
// parallel gripper.
type ParallelGripperVR struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	hands   map[string]string

	queues map[string]*EventQueue

	// mu serialises goal computation and guards gripperClosed.
	mu            sync.Mutex
	gripperClosed map[string]bool

	// parseMu serialises payload parsing and guards latches.
	parseMu sync.Mutex
	latches map[string]*LatchState
}

// NewParallelGripperVR returns an aggregator with one queue per component.
func NewParallelGripperVR(components []string, opts Options) (*ParallelGripperVR, error) {
	if len(components) == 0 {
		return nil, errors.New("at least one component is required")
	}
	a := &ParallelGripperVR{
		logger:        logging.OrDefault(opts.Logger).With("controller", ParallelGripperVRController),
		metrics:       opts.Metrics,
		hands:         opts.HandComponents,
		queues:        make(map[string]*EventQueue, len(components)),
		gripperClosed: make(map[string]bool, len(components)),
		latches:       make(map[string]*LatchState, len(components)),
	}
	for _, id := range components {
		if _, dup := a.queues[id]; dup {
			return nil, fmt.Errorf("duplicate component %q", id)
		}
		a.queues[id] = NewEventQueue(opts.QueueSize)
		a.gripperClosed[id] = true
		a.latches[id] = &LatchState{}
	}
	return a, nil
}

// Components returns the component ids in sorted order.
func (a *ParallelGripperVR) Components() []string {
	ids := make([]string, 0, len(a.queues))
	for id := range a.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enqueue routes ev to its component queue. It never blocks: events for
// unknown components or full queues are logged and dropped.
func (a *ParallelGripperVR) Enqueue(ev Event) {
	q, ok := a.queues[ev.ComponentID]
	if !ok {
		a.logger.Error("no queue for component", "component", ev.ComponentID, "event", ev.Type)
		a.metrics.EventDropped(ev.ComponentID, "unknown_component")
		return
	}
	if err := q.Push(ev); err != nil {
		a.logger.Warn("queue full, dropping event", "component", ev.ComponentID, "event", ev.Type)
		a.metrics.EventDropped(ev.ComponentID, "queue_full")
		return
	}
	a.metrics.EventQueued(ev.ComponentID)
}

// GetControlGoal drains the component's queue and reduces the backlog to one
// goal. The gripper state persists across calls; a fresh component reports
// the gripper closed.
func (a *ParallelGripperVR) GetControlGoal(componentID string) (Goal, error) {
	q, ok := a.queues[componentID]
	if !ok {
		return Goal{}, fmt.Errorf("%w: %q", ErrUnknownComponent, componentID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	events := q.Drain()
	goal := Goal{ComponentID: componentID}
	var (
		pendingOrigin *geometry.Transform
		lastGrip      *Event
	)

	for i := range events {
		ev := &events[i]
		if ev.ComponentID != componentID {
			continue
		}
		switch ev.Type {
		case GripActiveInit:
			pendingOrigin = ev.TargetTransform
			goal.ResetReference = true
		case GripActive:
			lastGrip = ev
		case GripRelease:
			// Release only stops streaming; the arm holds its last target.
		case TriggerActive:
			a.gripperClosed[componentID] = false
		case TriggerRelease:
			a.gripperClosed[componentID] = true
		case ResetRelease:
			// Grip samples in the same batch still yield a relative
			// transform next to the reset.
			pendingOrigin = nil
			goal.ResetToInit = true
		default:
			return Goal{}, &UnknownEventError{Type: ev.Type, ComponentID: componentID}
		}
	}

	if lastGrip != nil {
		origin := lastGrip.OriginTransform
		if origin == nil {
			origin = pendingOrigin
		}
		if origin != nil && lastGrip.TargetTransform != nil {
			rel, err := geometry.RelativeInOriginFrame(*origin, *lastGrip.TargetTransform)
			if err != nil {
				return Goal{}, fmt.Errorf("component %q: %w", componentID, err)
			}
			goal.RelativeTransform = &rel
		}
	}

	goal.GripperClosed = boolPtr(a.gripperClosed[componentID])
	a.metrics.GoalServed(componentID)
	return goal, nil
}
