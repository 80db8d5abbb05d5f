// Package connection owns the lifecycle of every node a process uses.
//
// The Manager lazily authenticates, builds and connects nodes and caches them
// by (node id, role), so each identity has at most one live connection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tactilerobotics/teleop/pkg/auth"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// Authenticator exchanges a node identity for a session credential.
type Authenticator interface {
	Authenticate(ctx context.Context, nodeID, role string) (auth.Credential, error)
}

// Descriptor describes a node and knows how to build it.
type Descriptor interface {
	ID() string
	CreateNode(reg *node.Registry, session node.Session, role node.Role) (node.Node, error)
}

// Config configures a Manager.
type Config struct {
	// Protocol selects the registry entry used for every node.
	Protocol string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type entry struct {
	node  node.Node
	err   error
	ready chan struct{}
}

// Manager caches connected nodes by identity.
type Manager struct {
	auth     Authenticator
	registry *node.Registry
	protocol string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	nodes map[node.Role]map[string]*entry
}

// NewManager returns a Manager that authenticates with a and builds nodes
// from reg.
func NewManager(a Authenticator, reg *node.Registry, cfg Config) *Manager {
	return &Manager{
		auth:     a,
		registry: reg,
		protocol: cfg.Protocol,
		logger:   logging.OrDefault(cfg.Logger),
		metrics:  cfg.Metrics,
		nodes: map[node.Role]map[string]*entry{
			node.RolePublisher:  {},
			node.RoleSubscriber: {},
		},
	}
}

// EnsureConnected returns the cached node for (d.ID(), role), connecting it
// first if needed. A cached node is returned as-is. Concurrent callers for
// the same identity share one connection attempt. On failure nothing is
// cached and the error is returned to every waiting caller.
func (m *Manager) EnsureConnected(ctx context.Context, d Descriptor, role node.Role) (node.Node, error) {
	id := d.ID()

	m.mu.Lock()
	cache, ok := m.nodes[role]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if e, ok := cache[id]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
			return e.node, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{})}
	cache[id] = e
	m.mu.Unlock()

	n, err := m.connect(ctx, d, role)

	m.mu.Lock()
	if err != nil {
		if cache[id] == e {
			delete(cache, id)
		}
	} else {
		e.node = n
	}
	e.err = err
	close(e.ready)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return n, nil
}

func (m *Manager) connect(ctx context.Context, d Descriptor, role node.Role) (node.Node, error) {
	id := d.ID()
	log := m.logger.With("node_id", id, "role", role)

	n, err := func() (node.Node, error) {
		cred, err := m.auth.Authenticate(ctx, id, string(role))
		if err != nil {
			return nil, err
		}
		session := node.Session{
			Protocol:  m.protocol,
			RoomName:  cred.RoomName,
			Token:     cred.Token,
			ServerURL: cred.ServerURL,
			ExpiresAt: cred.ExpiresAt,
		}
		n, err := d.CreateNode(m.registry, session, role)
		if err != nil {
			return nil, err
		}
		if err := n.Connect(ctx); err != nil {
			return nil, err
		}
		return n, nil
	}()
	m.metrics.NodeConnect(string(role), err)
	if err != nil {
		log.Error("node connection failed", "error", err)
		return nil, err
	}
	log.Info("node connected", "protocol", m.protocol)
	return n, nil
}

// Lookup returns the connected node for (nodeID, role) without connecting.
func (m *Manager) Lookup(nodeID string, role node.Role) (node.Node, bool) {
	m.mu.Lock()
	e, ok := m.nodes[role][nodeID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.node, e.err == nil
	default:
		return nil, false
	}
}

// Connected lists the identities of every cached node, sorted.
func (m *Manager) Connected() []node.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []node.Identity
	for role, cache := range m.nodes {
		for id, e := range cache {
			select {
			case <-e.ready:
				if e.err == nil {
					out = append(out, node.Identity{NodeID: id, Role: role})
				}
			default:
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// DisconnectAll disconnects and evicts every cached node of both roles.
// Individual failures are logged and do not stop the rest; the joined errors
// are returned for callers that want them.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.Lock()
	var entries []*entry
	var ids []node.Identity
	for role, cache := range m.nodes {
		for id, e := range cache {
			entries = append(entries, e)
			ids = append(ids, node.Identity{NodeID: id, Role: role})
		}
		m.nodes[role] = map[string]*entry{}
	}
	m.mu.Unlock()

	var errs []error
	for i, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", ids[i], ctx.Err()))
			continue
		}
		if e.err != nil || e.node == nil {
			continue
		}
		if err := e.node.Disconnect(ctx); err != nil {
			m.logger.Warn("node disconnect failed", "node_id", ids[i].NodeID, "role", ids[i].Role, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ids[i], err))
			continue
		}
		m.logger.Info("node disconnected", "node_id", ids[i].NodeID, "role", ids[i].Role)
	}
	return errors.Join(errs...)
}
