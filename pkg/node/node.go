// Package node defines the protocol-agnostic transport endpoints of the
// control plane.
//
// A node is one authenticated connection to a room on some transport. A
// Publisher sends opaque payloads (and, for media-capable protocols, tracks)
// to the room; a Subscriber receives payloads from an allow-list of sources
// and hands each one to a registered DataCallback.
//
// Concrete protocols live in sub-packages and are made available through a
// Registry built at start-up.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/tactilerobotics/teleop/pkg/metrics"
)

// Role distinguishes the two node kinds.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// State is the connection state of a node.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Identity is the cache key of a node.
type Identity struct {
	NodeID string
	Role   Role
}

func (id Identity) String() string {
	return id.NodeID + "/" + string(id.Role)
}

// Session carries the credential a node connects with. It is produced fresh
// for every connect and never reused.
type Session struct {
	Protocol  string
	RoomName  string
	Token     string
	ServerURL string
	ExpiresAt time.Time
}

// Node is one connection endpoint.
type Node interface {
	ID() string
	Role() Role
	State() State

	// Connect establishes the transport session. Calling Connect on a
	// connected node returns ErrAlreadyConnected.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. It is a no-op when disconnected.
	Disconnect(ctx context.Context) error
}

// Publisher sends payloads to the room.
type Publisher interface {
	Node
	SendData(ctx context.Context, payload []byte) error
}

// Subscriber receives payloads from allowed sources.
type Subscriber interface {
	Node

	// RegisterDataCallback replaces the active callback. The callback runs
	// once per inbound message, each in its own goroutine.
	RegisterDataCallback(cb DataCallback)
}

// Message is one decoded inbound payload.
type Message struct {
	Source     string
	Payload    map[string]any
	ReceivedAt time.Time
}

// DataCallback handles one inbound message. The context is cancelled when the
// node disconnects.
type DataCallback func(ctx context.Context, msg Message) error

// Track is a media track a publisher can carry. Protocols accept the concrete
// track types they support and reject the rest.
type Track interface {
	ID() string
	StreamID() string
}

// PublisherConfig is everything a protocol needs to build a publisher.
type PublisherConfig struct {
	NodeID  string
	Session Session
	Tracks  []Track
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SubscriberConfig is everything a protocol needs to build a subscriber.
type SubscriberConfig struct {
	NodeID string
	// Sources is the allow-list of sender ids. Empty accepts every source.
	Sources []string
	Session Session
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}
