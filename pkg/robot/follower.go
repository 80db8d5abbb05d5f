package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tactilerobotics/teleop/pkg/control"
	"github.com/tactilerobotics/teleop/pkg/logging"
)

// ErrNotStarted is returned by Apply before Start.
var ErrNotStarted = errors.New("follower not started")

// Driver moves an arm. *Arm is the hardware implementation.
type Driver interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	ReadPositions(ctx context.Context) (Positions, error)
	WritePositions(ctx context.Context, positions Positions) error
}

const (
	DefaultGripperOpen   = 60.0
	DefaultGripperClosed = -20.0
)

// FollowerConfig sets the gripper targets in normalized units.
type FollowerConfig struct {
	GripperOpen   float64
	GripperClosed float64
	Logger        *slog.Logger
}

// Follower applies control goals to an arm. Only the gripper and the home
// pose are driven; relative transforms are reported but not solved into
// joint targets.
type Follower struct {
	driver Driver
	cfg    FollowerConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	home    Positions
	target  Positions
}

func NewFollower(d Driver, cfg FollowerConfig) *Follower {
	if cfg.GripperOpen == 0 && cfg.GripperClosed == 0 {
		cfg.GripperOpen = DefaultGripperOpen
		cfg.GripperClosed = DefaultGripperClosed
	}
	return &Follower{
		driver: d,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
	}
}

// Start enables torque and records the current pose as home.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	home, err := f.driver.ReadPositions(ctx)
	if err != nil {
		return fmt.Errorf("read home pose: %w", err)
	}
	if err := f.driver.Enable(ctx); err != nil {
		return fmt.Errorf("enable follower: %w", err)
	}
	f.home = home
	f.target = home.Clone()
	f.started = true
	f.logger.Info("follower arm started", "motors", len(home))
	return nil
}

// Apply moves the arm towards goal and returns the resulting target. A goal
// that changes nothing does not touch the bus.
func (f *Follower) Apply(ctx context.Context, goal control.Goal) (Positions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil, ErrNotStarted
	}

	next := f.target.Clone()
	if goal.ResetToInit {
		next = f.home.Clone()
		f.logger.Info("follower returning home", "component", goal.ComponentID)
	}
	if goal.GripperClosed != nil {
		if *goal.GripperClosed {
			next[Gripper] = f.cfg.GripperClosed
		} else {
			next[Gripper] = f.cfg.GripperOpen
		}
	}
	if equalPositions(next, f.target) && !goal.ResetToInit {
		return f.target.Clone(), nil
	}
	if err := f.driver.WritePositions(ctx, next); err != nil {
		return nil, err
	}
	f.target = next
	return next.Clone(), nil
}

// Target returns the last commanded positions.
func (f *Follower) Target() Positions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target.Clone()
}

// Stop releases torque.
func (f *Follower) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	if err := f.driver.Disable(ctx); err != nil {
		return fmt.Errorf("disable follower: %w", err)
	}
	f.logger.Info("follower arm stopped")
	return nil
}

func equalPositions(a, b Positions) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
