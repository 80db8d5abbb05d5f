// Package teleop runs the robot-side control loop: it polls control goals at
// a fixed rate, drives the follower arm and reports state to a dashboard and,
// optionally, to the operator as telemetry.
package teleop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tactilerobotics/teleop/pkg/control"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/robot"
)

const DefaultHz = 60

// GoalSource hands out control goals. *tactile.API and *control.Subscriber
// both satisfy it.
type GoalSource interface {
	GetControlGoal(componentID string) (control.Goal, error)
}

// State is one tick of the loop.
type State struct {
	Goals map[string]control.Goal
	// Target is the follower's commanded pose; nil without a follower.
	Target    robot.Positions
	Timestamp time.Time
	Error     error
}

// Config holds configuration for the controller.
type Config struct {
	Source     GoalSource
	Components []string
	Hz         int

	// Follower, when set, follows FollowerComponent.
	Follower          *robot.Follower
	FollowerComponent string

	// Telemetry, when set, receives a JSON summary of every active tick.
	Telemetry node.Publisher

	Logger *slog.Logger
}

// Controller manages the teleoperation control loop.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stateCh chan State
	logCh   chan string
}

// NewController validates cfg.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errors.New("goal source is required")
	}
	if len(cfg.Components) == 0 {
		return nil, errors.New("at least one component is required")
	}
	if cfg.Follower != nil && cfg.FollowerComponent == "" {
		return nil, errors.New("follower component is required with a follower")
	}
	if cfg.Hz <= 0 {
		cfg.Hz = DefaultHz
	}
	return &Controller{
		cfg:     cfg,
		logger:  logging.OrDefault(cfg.Logger),
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}, nil
}

// States returns a channel holding the latest state. Older states are
// replaced, never queued.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel of human readable log lines for a dashboard.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

func (c *Controller) Hz() int {
	return c.cfg.Hz
}

// Components returns the polled component ids.
func (c *Controller) Components() []string {
	return append([]string(nil), c.cfg.Components...)
}

func (c *Controller) log(level slog.Level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	c.logger.Log(context.Background(), level, text)
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), text)
	select {
	case c.logCh <- msg:
	default:
	}
}

// Start runs the loop until ctx is done and returns ctx.Err().
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("already running")
	}
	c.running = true
	c.mu.Unlock()

	if f := c.cfg.Follower; f != nil {
		if err := f.Start(ctx); err != nil {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return err
		}
		c.log(slog.LevelInfo, "Follower arm: torque enabled, following %s", c.cfg.FollowerComponent)
	}
	c.log(slog.LevelInfo, "Teleoperation started at %d Hz", c.cfg.Hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.Hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			c.step(ctx)
		}
	}
}

func (c *Controller) step(ctx context.Context) {
	st := State{
		Goals:     make(map[string]control.Goal, len(c.cfg.Components)),
		Timestamp: time.Now(),
	}
	for _, id := range c.cfg.Components {
		goal, err := c.cfg.Source.GetControlGoal(id)
		if err != nil {
			c.log(slog.LevelWarn, "Goal error for %s: %v", id, err)
			st.Error = err
			continue
		}
		st.Goals[id] = goal
		if goal.ResetToInit {
			c.log(slog.LevelInfo, "Reset to init requested for %s", id)
		}

		if c.cfg.Follower == nil || id != c.cfg.FollowerComponent {
			continue
		}
		target, err := c.cfg.Follower.Apply(ctx, goal)
		if err != nil {
			c.log(slog.LevelWarn, "Follower error: %v", err)
			st.Error = err
			continue
		}
		st.Target = target
	}

	if c.cfg.Telemetry != nil && active(st.Goals) {
		if err := c.publish(ctx, st); err != nil && !errors.Is(err, node.ErrNotConnected) {
			c.log(slog.LevelWarn, "Telemetry error: %v", err)
		}
	}
	c.sendState(st)
}

func active(goals map[string]control.Goal) bool {
	for _, g := range goals {
		if g.RelativeTransform != nil || g.GripperClosed != nil || g.ResetToInit || g.ResetReference {
			return true
		}
	}
	return false
}

type telemetryGoal struct {
	Translation    *[3]float64 `json:"translation,omitempty"`
	GripperClosed  *bool       `json:"gripper_closed,omitempty"`
	ResetToInit    bool        `json:"reset_to_init,omitempty"`
	ResetReference bool        `json:"reset_reference,omitempty"`
}

type telemetry struct {
	Timestamp int64                    `json:"timestamp_ms"`
	Goals     map[string]telemetryGoal `json:"goals"`
	Target    robot.Positions          `json:"target,omitempty"`
}

func (c *Controller) publish(ctx context.Context, st State) error {
	msg := telemetry{
		Timestamp: st.Timestamp.UnixMilli(),
		Goals:     make(map[string]telemetryGoal, len(st.Goals)),
		Target:    st.Target,
	}
	for id, g := range st.Goals {
		tg := telemetryGoal{
			GripperClosed:  g.GripperClosed,
			ResetToInit:    g.ResetToInit,
			ResetReference: g.ResetReference,
		}
		if g.RelativeTransform != nil {
			v := [3]float64(g.RelativeTransform.Translation())
			tg.Translation = &v
		}
		msg.Goals[id] = tg
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.cfg.Telemetry.SendData(ctx, data)
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

func (c *Controller) shutdown(ctx context.Context) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if f := c.cfg.Follower; f != nil {
		if err := f.Stop(ctx); err != nil {
			c.log(slog.LevelWarn, "Warning: %v", err)
		} else {
			c.log(slog.LevelInfo, "Follower arm: torque disabled")
		}
	}
	c.log(slog.LevelInfo, "Teleoperation stopped")
}
