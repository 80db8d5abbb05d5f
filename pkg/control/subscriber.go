package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
)

const DefaultNodeID = "control_subscriber"

// Subscriber binds an aggregator to a transport subscriber. It is itself a
// node.Subscriber so it can be cached by the connection manager like any
// other node.
type Subscriber struct {
	node.Subscriber

	agg     Aggregator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu  sync.RWMutex
	tap node.DataCallback
}

// NewSubscriber feeds every payload received by inner into agg.
func NewSubscriber(inner node.Subscriber, agg Aggregator, logger *slog.Logger, m *metrics.Metrics) *Subscriber {
	s := &Subscriber{
		Subscriber: inner,
		agg:        agg,
		logger:     logging.OrDefault(logger),
		metrics:    m,
	}
	inner.RegisterDataCallback(s.handle)
	return s
}

// RegisterDataCallback installs an observer that runs after the aggregator
// accepted a payload. The aggregator itself stays registered.
func (s *Subscriber) RegisterDataCallback(cb node.DataCallback) {
	s.mu.Lock()
	s.tap = cb
	s.mu.Unlock()
}

// GetControlGoal returns the goal for componentID.
func (s *Subscriber) GetControlGoal(componentID string) (Goal, error) {
	return s.agg.GetControlGoal(componentID)
}

// Aggregator returns the bound aggregator.
func (s *Subscriber) Aggregator() Aggregator { return s.agg }

func (s *Subscriber) handle(ctx context.Context, msg node.Message) error {
	if err := s.agg.HandleData(ctx, msg); err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			s.logger.Warn("dropping malformed controller payload", "node_id", s.ID(), "source", msg.Source, "error", err)
			s.metrics.ParseError(s.ID())
			return nil
		}
		return err
	}

	s.mu.RLock()
	tap := s.tap
	s.mu.RUnlock()
	if tap != nil {
		return tap(ctx, msg)
	}
	return nil
}

// SubscriberConfig describes a control subscriber node.
type SubscriberConfig struct {
	NodeID     string
	Controller string
	Components []string
	Sources    []string
	Options    Options
}

// ID returns the node id, defaulting to DefaultNodeID.
func (c SubscriberConfig) ID() string {
	if c.NodeID == "" {
		return DefaultNodeID
	}
	return c.NodeID
}

// CreateNode builds the transport subscriber and wraps it with a freshly
// constructed aggregator.
func (c SubscriberConfig) CreateNode(reg *node.Registry, session node.Session, role node.Role) (node.Node, error) {
	if role != node.RoleSubscriber {
		return nil, fmt.Errorf("control node %q must be a subscriber, got %s", c.ID(), role)
	}
	components := c.Components
	if len(components) == 0 {
		components = []string{"left", "right"}
	}
	agg, err := NewAggregator(c.Controller, components, c.Options)
	if err != nil {
		return nil, err
	}
	inner, err := reg.NewSubscriber(node.SubscriberConfig{
		NodeID:  c.ID(),
		Sources: c.Sources,
		Session: session,
		Logger:  c.Options.Logger,
		Metrics: c.Options.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return NewSubscriber(inner, agg, c.Options.Logger, c.Options.Metrics), nil
}
