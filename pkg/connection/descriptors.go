package connection

import (
	"fmt"
	"log/slog"

	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// RawPublisherConfig describes a publisher for custom data streams.
type RawPublisherConfig struct {
	NodeID  string
	Tracks  []node.Track
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c RawPublisherConfig) ID() string { return c.NodeID }

func (c RawPublisherConfig) CreateNode(reg *node.Registry, session node.Session, role node.Role) (node.Node, error) {
	if role != node.RolePublisher {
		return nil, fmt.Errorf("raw publisher %q requested as %s", c.NodeID, role)
	}
	return reg.NewPublisher(node.PublisherConfig{
		NodeID:  c.NodeID,
		Session: session,
		Tracks:  c.Tracks,
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
}

// RawSubscriberConfig describes a subscriber for custom data streams.
type RawSubscriberConfig struct {
	NodeID  string
	Sources []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c RawSubscriberConfig) ID() string { return c.NodeID }

func (c RawSubscriberConfig) CreateNode(reg *node.Registry, session node.Session, role node.Role) (node.Node, error) {
	if role != node.RoleSubscriber {
		return nil, fmt.Errorf("raw subscriber %q requested as %s", c.NodeID, role)
	}
	return reg.NewSubscriber(node.SubscriberConfig{
		NodeID:  c.NodeID,
		Sources: c.Sources,
		Session: session,
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
}
