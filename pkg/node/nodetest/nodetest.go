// Package nodetest provides in-memory nodes for tests.
package nodetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tactilerobotics/teleop/pkg/node"
)

// Base implements the lifecycle shared by the fakes.
type Base struct {
	NodeID   string
	NodeRole node.Role
	Session  node.Session

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// DisconnectErr, when set, is returned by Disconnect.
	DisconnectErr error

	mu          sync.Mutex
	state       node.State
	connects    int
	disconnects int
}

func (b *Base) ID() string      { return b.NodeID }
func (b *Base) Role() node.Role { return b.NodeRole }

func (b *Base) State() node.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == node.StateConnected {
		return node.ErrAlreadyConnected
	}
	b.connects++
	if b.ConnectErr != nil {
		return &node.ConnectionError{NodeID: b.NodeID, Protocol: b.Session.Protocol, Err: b.ConnectErr}
	}
	b.state = node.StateConnected
	return nil
}

func (b *Base) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == node.StateDisconnected {
		return nil
	}
	b.disconnects++
	b.state = node.StateDisconnected
	return b.DisconnectErr
}

// Connects returns how many times Connect was attempted.
func (b *Base) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Disconnects returns how many connected sessions were torn down.
func (b *Base) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

// Subscriber is a fake subscriber. Deliver runs the callback inline;
// Dispatch goes through a node.Dispatcher the way real transports do.
type Subscriber struct {
	Base
	Sources []string

	cbMu sync.Mutex
	cb   node.DataCallback
	disp *node.Dispatcher
}

func (s *Subscriber) dispatcher() *node.Dispatcher {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.disp == nil {
		s.disp = node.NewDispatcher(s.NodeID, nil, nil)
		s.disp.SetCallback(s.cb)
	}
	return s.disp
}

func (s *Subscriber) RegisterDataCallback(cb node.DataCallback) {
	d := s.dispatcher()
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
	d.SetCallback(cb)
}

func (s *Subscriber) Connect(ctx context.Context) error {
	if err := s.Base.Connect(ctx); err != nil {
		return err
	}
	s.dispatcher().Start()
	return nil
}

// Disconnect waits for every dispatched callback before tearing down.
func (s *Subscriber) Disconnect(ctx context.Context) error {
	s.dispatcher().Stop()
	return s.Base.Disconnect(ctx)
}

// Dispatch encodes payload and hands it to the dispatcher. It reports
// whether a callback was scheduled.
func (s *Subscriber) Dispatch(source string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return s.dispatcher().Dispatch(source, data)
}

// Deliver runs the registered callback synchronously on payload.
func (s *Subscriber) Deliver(ctx context.Context, source string, payload any) error {
	if s.State() != node.StateConnected {
		return node.ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.cbMu.Lock()
	cb := s.cb
	s.cbMu.Unlock()
	if cb == nil {
		return errors.New("no callback registered")
	}
	return cb(ctx, node.Message{Source: source, Payload: decoded})
}

// Publisher is a fake publisher that records sent payloads.
type Publisher struct {
	Base
	Tracks []node.Track

	sentMu sync.Mutex
	sent   [][]byte
}

func (p *Publisher) SendData(ctx context.Context, payload []byte) error {
	if p.State() != node.StateConnected {
		return node.ErrNotConnected
	}
	p.sentMu.Lock()
	p.sent = append(p.sent, append([]byte(nil), payload...))
	p.sentMu.Unlock()
	return nil
}

// Sent returns copies of every payload sent so far.
func (p *Publisher) Sent() [][]byte {
	p.sentMu.Lock()
	defer p.sentMu.Unlock()
	return append([][]byte(nil), p.sent...)
}

// Protocol builds fakes and remembers them.
type Protocol struct {
	ProtocolName string
	// ConnectErr is copied into every node built.
	ConnectErr error

	mu          sync.Mutex
	subscribers []*Subscriber
	publishers  []*Publisher
}

// NewProtocol returns a fake protocol registered under name.
func NewProtocol(name string) *Protocol {
	return &Protocol{ProtocolName: name}
}

func (p *Protocol) Name() string { return p.ProtocolName }

func (p *Protocol) NewPublisher(cfg node.PublisherConfig) (node.Publisher, error) {
	pub := &Publisher{
		Base:   Base{NodeID: cfg.NodeID, NodeRole: node.RolePublisher, Session: cfg.Session, ConnectErr: p.ConnectErr},
		Tracks: cfg.Tracks,
	}
	p.mu.Lock()
	p.publishers = append(p.publishers, pub)
	p.mu.Unlock()
	return pub, nil
}

func (p *Protocol) NewSubscriber(cfg node.SubscriberConfig) (node.Subscriber, error) {
	sub := &Subscriber{
		Base:    Base{NodeID: cfg.NodeID, NodeRole: node.RoleSubscriber, Session: cfg.Session, ConnectErr: p.ConnectErr},
		Sources: cfg.Sources,
	}
	p.mu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.mu.Unlock()
	return sub, nil
}

// Subscribers returns every subscriber built so far.
func (p *Protocol) Subscribers() []*Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Subscriber(nil), p.subscribers...)
}

// Publishers returns every publisher built so far.
func (p *Protocol) Publishers() []*Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Publisher(nil), p.publishers...)
}
