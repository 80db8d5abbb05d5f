// Package natsnode implements the "nats" node protocol.
//
// A room maps to the subject prefix tactile.<room>; each publisher sends on
// tactile.<room>.<node id>, so the last subject token names the source.
// Session.ServerURL is the NATS url and Session.Token its auth token. The
// protocol carries data only; media tracks are rejected.
package natsnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node"
)

// ProtocolName is the registry name of this protocol.
const ProtocolName = "nats"

// SubjectPrefix is the root of every room subject.
const SubjectPrefix = "tactile"

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultDrainTimeout   = 5 * time.Second
)

// Options configures every node built by the protocol.
type Options struct {
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	// MaxReconnects follows nats.MaxReconnects; negative retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	return o
}

// NewProtocol returns the nats protocol for a node.Registry.
func NewProtocol(opts Options) node.Protocol {
	return node.ProtocolFuncs{
		ProtocolName: ProtocolName,
		Publisher: func(cfg node.PublisherConfig) (node.Publisher, error) {
			return NewPublisher(cfg, opts)
		},
		Subscriber: func(cfg node.SubscriberConfig) (node.Subscriber, error) {
			return NewSubscriber(cfg, opts)
		},
	}
}

// Subject returns the subject source publishes on in room.
func Subject(room, source string) string {
	return SubjectPrefix + "." + token(room) + "." + token(source)
}

// RoomWildcard matches every source in room.
func RoomWildcard(room string) string {
	return SubjectPrefix + "." + token(room) + ".*"
}

// SourceOf returns the source token of a room subject.
func SourceOf(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// token replaces characters NATS treats as subject syntax.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// conn is the connection half shared by Publisher and Subscriber.
type conn struct {
	id      string
	role    node.Role
	session node.Session
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	state node.State
	nc    *nats.Conn
}

func newConn(id string, role node.Role, session node.Session, opts Options, logger *slog.Logger) (*conn, error) {
	if id == "" {
		return nil, errors.New("node id is required")
	}
	return &conn{
		id:      id,
		role:    role,
		session: session,
		opts:    opts.withDefaults(),
		logger:  logging.OrDefault(logger).With("node_id", id, "role", role, "protocol", ProtocolName),
	}, nil
}

func (c *conn) ID() string      { return c.id }
func (c *conn) Role() node.Role { return c.role }

func (c *conn) State() node.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) dial(ctx context.Context) (*nats.Conn, error) {
	if c.session.ServerURL == "" {
		return nil, errors.New("session has no server url")
	}
	timeout := c.opts.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	opts := []nats.Option{
		nats.Name(c.id + "/" + string(c.role)),
		nats.Timeout(timeout),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.DrainTimeout(c.opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if c.session.Token != "" {
		opts = append(opts, nats.Token(c.session.Token))
	}
	nc, err := nats.Connect(c.session.ServerURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

// begin moves a disconnected node to connecting.
func (c *conn) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != node.StateDisconnected {
		return node.ErrAlreadyConnected
	}
	c.state = node.StateConnecting
	return nil
}

func (c *conn) finish(nc *nats.Conn, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = node.StateDisconnected
		return &node.ConnectionError{NodeID: c.id, Protocol: ProtocolName, Err: err}
	}
	c.nc = nc
	c.state = node.StateConnected
	c.logger.Info("node connected", "room", c.session.RoomName)
	return nil
}

// release drains the connection. It returns false when already disconnected.
func (c *conn) release() (bool, error) {
	c.mu.Lock()
	if c.state != node.StateConnected {
		c.mu.Unlock()
		return false, nil
	}
	nc := c.nc
	c.nc = nil
	c.state = node.StateDisconnected
	c.mu.Unlock()

	if err := nc.Drain(); err != nil {
		nc.Close()
		return true, fmt.Errorf("drain: %w", err)
	}
	c.logger.Info("node disconnected")
	return true, nil
}

var (
	_ node.Publisher  = (*Publisher)(nil)
	_ node.Subscriber = (*Subscriber)(nil)
)

// Publisher sends payloads on its room subject.
type Publisher struct {
	*conn
	subject string
}

// NewPublisher builds a disconnected publisher.
func NewPublisher(cfg node.PublisherConfig, opts Options) (*Publisher, error) {
	if len(cfg.Tracks) > 0 {
		return nil, fmt.Errorf("protocol %s does not carry media tracks", ProtocolName)
	}
	c, err := newConn(cfg.NodeID, node.RolePublisher, cfg.Session, opts, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: c, subject: Subject(cfg.Session.RoomName, cfg.NodeID)}, nil
}

// Subject returns the subject payloads are published on.
func (p *Publisher) Subject() string { return p.subject }

func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	nc, err := p.dial(ctx)
	return p.finish(nc, err)
}

func (p *Publisher) Disconnect(ctx context.Context) error {
	_, err := p.release()
	return err
}

func (p *Publisher) SendData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	nc := p.nc
	p.mu.Unlock()
	if nc == nil {
		return node.ErrNotConnected
	}
	return nc.Publish(p.subject, payload)
}

// Subscriber receives payloads from the allowed sources of its room.
type Subscriber struct {
	*conn
	filter     node.SourceFilter
	dispatcher *node.Dispatcher

	subs []*nats.Subscription
}

// NewSubscriber builds a disconnected subscriber.
func NewSubscriber(cfg node.SubscriberConfig, opts Options) (*Subscriber, error) {
	c, err := newConn(cfg.NodeID, node.RoleSubscriber, cfg.Session, opts, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		conn:       c,
		filter:     node.NewSourceFilter(cfg.Sources),
		dispatcher: node.NewDispatcher(cfg.NodeID, c.logger, cfg.Metrics),
	}, nil
}

func (s *Subscriber) RegisterDataCallback(cb node.DataCallback) {
	s.dispatcher.SetCallback(cb)
}

// Subjects returns the subjects the subscriber listens on: one per allowed
// source, or the room wildcard.
func (s *Subscriber) Subjects() []string {
	room := s.session.RoomName
	if s.filter.AllowsAll() {
		return []string{RoomWildcard(room)}
	}
	var out []string
	for _, src := range s.filter.Sources() {
		out = append(out, Subject(room, src))
	}
	return out
}

func (s *Subscriber) Connect(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	s.dispatcher.Start()
	nc, err := s.dial(ctx)
	if err == nil {
		err = s.subscribe(nc)
		if err != nil {
			nc.Close()
		}
	}
	if err != nil {
		s.dispatcher.Stop()
	}
	return s.finish(nc, err)
}

func (s *Subscriber) subscribe(nc *nats.Conn) error {
	s.subs = s.subs[:0]
	for _, subject := range s.Subjects() {
		sub, err := nc.Subscribe(subject, s.receive)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nc.Flush()
}

func (s *Subscriber) receive(msg *nats.Msg) {
	source := SourceOf(msg.Subject)
	if !s.accepts(source) {
		return
	}
	s.dispatcher.Dispatch(source, msg.Data)
}

// accepts reports whether a message from source is delivered. A publisher
// sharing this node's id is this node's own echo on the room wildcard.
func (s *Subscriber) accepts(source string) bool {
	return source != token(s.id) && s.filter.Allows(source)
}

// Disconnect stops accepting messages and waits for running callbacks before
// draining the connection.
func (s *Subscriber) Disconnect(ctx context.Context) error {
	if s.State() != node.StateConnected {
		return nil
	}
	if failed := s.dispatcher.Stop(); failed > 0 {
		s.logger.Warn("data callbacks failed during session", "failed", failed)
	}
	_, err := s.release()
	return err
}
