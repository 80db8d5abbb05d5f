// Package tactile is the robot-side entry point: it wires authentication,
// the protocol registry and the connection manager together and exposes
// the control, camera and raw data nodes a robot program uses.
package tactile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tactilerobotics/teleop/pkg/auth"
	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/connection"
	"github.com/tactilerobotics/teleop/pkg/control"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
	"github.com/tactilerobotics/teleop/pkg/node/natsnode"
	"github.com/tactilerobotics/teleop/pkg/node/webrtcnode"
)

// ErrControlNotConnected is returned by GetControlGoal before ConnectControl.
var ErrControlNotConnected = errors.New("control subscriber not connected")

// DefaultRegistry returns a registry holding every built-in protocol.
func DefaultRegistry(w webrtcnode.Options, n natsnode.Options) *node.Registry {
	return node.NewRegistry(
		webrtcnode.NewProtocol(w),
		natsnode.NewProtocol(n),
	)
}

// Options configures an API.
type Options struct {
	Auth   auth.Config
	WebRTC webrtcnode.Options
	NATS   natsnode.Options

	// Registry replaces DefaultRegistry.
	Registry *node.Registry
	// Authenticator replaces the HTTP auth gateway.
	Authenticator connection.Authenticator

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// API owns every node of one robot process.
type API struct {
	manager *connection.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	control *control.Subscriber
}

// New builds an API. Nothing connects until a Connect method is called.
func New(opts Options) (*API, error) {
	if opts.Auth.Protocol == "" {
		return nil, errors.New("protocol is required")
	}
	logger := logging.OrDefault(opts.Logger)

	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry(opts.WebRTC, opts.NATS)
	}
	if _, err := reg.Lookup(opts.Auth.Protocol); err != nil {
		return nil, err
	}

	authn := opts.Authenticator
	if authn == nil {
		if opts.Auth.RobotID == "" || opts.Auth.APIKey == "" {
			return nil, errors.New("robot id and api key are required")
		}
		authn = auth.NewGateway(opts.Auth)
	}

	return &API{
		manager: connection.NewManager(authn, reg, connection.Config{
			Protocol: opts.Auth.Protocol,
			Logger:   logger,
			Metrics:  opts.Metrics,
		}),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// OptionsFromConfig maps loaded configuration onto API options.
func OptionsFromConfig(cfg *config.Config) Options {
	var ice []webrtc.ICEServer
	if len(cfg.Protocol.WebRTC.ICEURLs) > 0 {
		ice = []webrtc.ICEServer{{
			URLs:       cfg.Protocol.WebRTC.ICEURLs,
			Username:   cfg.Protocol.WebRTC.ICEUsername,
			Credential: cfg.Protocol.WebRTC.ICECredential,
		}}
	}
	return Options{
		Auth: auth.Config{
			BackendURL: cfg.Auth.BackendURL,
			Endpoint:   cfg.Auth.Endpoint,
			RobotID:    cfg.Auth.RobotID,
			APIKey:     cfg.Auth.APIKey,
			Protocol:   cfg.Protocol.Name,
			TTLMinutes: cfg.Auth.TTLMinutes,
			Timeout:    cfg.Auth.Timeout,
		},
		WebRTC: webrtcnode.Options{
			ICEServers:    ice,
			PollInterval:  cfg.Protocol.WebRTC.PollInterval,
			GatherTimeout: cfg.Protocol.WebRTC.GatherTimeout,
		},
		NATS: natsnode.Options{
			ConnectTimeout: cfg.Protocol.NATS.ConnectTimeout,
			MaxReconnects:  cfg.Protocol.NATS.MaxReconnects,
			ReconnectWait:  cfg.Protocol.NATS.ReconnectWait,
		},
	}
}

// ControlConfigFromConfig maps the control section onto a control node
// descriptor.
func ControlConfigFromConfig(cfg *config.Config) control.SubscriberConfig {
	return control.SubscriberConfig{
		NodeID:     cfg.Control.NodeID,
		Controller: cfg.Control.Controller,
		Components: cfg.Control.Components,
		Sources:    cfg.Control.Sources,
		Options: control.Options{
			QueueSize:      cfg.Control.QueueSize,
			HandComponents: cfg.Control.Hands,
		},
	}
}

// Manager exposes the underlying connection manager.
func (a *API) Manager() *connection.Manager { return a.manager }

// ConnectControl connects the control subscriber described by cfg and makes
// it the target of GetControlGoal.
func (a *API) ConnectControl(ctx context.Context, cfg control.SubscriberConfig) (*control.Subscriber, error) {
	cfg.Options.Logger = a.logger
	cfg.Options.Metrics = a.metrics
	n, err := a.manager.EnsureConnected(ctx, cfg, node.RoleSubscriber)
	if err != nil {
		return nil, err
	}
	sub, ok := n.(*control.Subscriber)
	if !ok {
		return nil, fmt.Errorf("node %q is a %T, not a control subscriber", cfg.ID(), n)
	}
	a.mu.Lock()
	a.control = sub
	a.mu.Unlock()
	return sub, nil
}

// GetControlGoal returns the next goal of componentID from the connected
// control subscriber.
func (a *API) GetControlGoal(componentID string) (control.Goal, error) {
	a.mu.Lock()
	sub := a.control
	a.mu.Unlock()
	if sub == nil || sub.State() != node.StateConnected {
		return control.Goal{}, ErrControlNotConnected
	}
	return sub.GetControlGoal(componentID)
}

// ConnectPublisher connects a raw data publisher.
func (a *API) ConnectPublisher(ctx context.Context, cfg connection.RawPublisherConfig) (node.Publisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	cfg.Metrics = a.metrics
	n, err := a.manager.EnsureConnected(ctx, cfg, node.RolePublisher)
	if err != nil {
		return nil, err
	}
	pub, ok := n.(node.Publisher)
	if !ok {
		return nil, fmt.Errorf("node %q is a %T, not a publisher", cfg.ID(), n)
	}
	return pub, nil
}

// ConnectSubscriber connects a raw data subscriber.
func (a *API) ConnectSubscriber(ctx context.Context, cfg connection.RawSubscriberConfig) (node.Subscriber, error) {
	if cfg.Logger == nil {
		cfg.Logger = a.logger
	}
	cfg.Metrics = a.metrics
	n, err := a.manager.EnsureConnected(ctx, cfg, node.RoleSubscriber)
	if err != nil {
		return nil, err
	}
	sub, ok := n.(node.Subscriber)
	if !ok {
		return nil, fmt.Errorf("node %q is a %T, not a subscriber", cfg.ID(), n)
	}
	return sub, nil
}

// Close disconnects every node.
func (a *API) Close(ctx context.Context) error {
	a.mu.Lock()
	a.control = nil
	a.mu.Unlock()
	return a.manager.DisconnectAll(ctx)
}
