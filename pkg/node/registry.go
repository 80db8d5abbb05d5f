package node

import (
	"fmt"
	"sort"
	"sync"
)

// Protocol builds nodes for one transport.
type Protocol interface {
	Name() string
	NewPublisher(cfg PublisherConfig) (Publisher, error)
	NewSubscriber(cfg SubscriberConfig) (Subscriber, error)
}

// ProtocolFuncs adapts a pair of constructors to the Protocol interface.
type ProtocolFuncs struct {
	ProtocolName string
	Publisher    func(cfg PublisherConfig) (Publisher, error)
	Subscriber   func(cfg SubscriberConfig) (Subscriber, error)
}

func (p ProtocolFuncs) Name() string { return p.ProtocolName }

func (p ProtocolFuncs) NewPublisher(cfg PublisherConfig) (Publisher, error) {
	if p.Publisher == nil {
		return nil, fmt.Errorf("protocol %q has no publisher", p.ProtocolName)
	}
	return p.Publisher(cfg)
}

func (p ProtocolFuncs) NewSubscriber(cfg SubscriberConfig) (Subscriber, error) {
	if p.Subscriber == nil {
		return nil, fmt.Errorf("protocol %q has no subscriber", p.ProtocolName)
	}
	return p.Subscriber(cfg)
}

// Registry maps protocol names to implementations. It is populated at
// start-up and read afterwards; the zero value is not usable, use
// NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

// NewRegistry returns a registry holding protocols.
func NewRegistry(protocols ...Protocol) *Registry {
	r := &Registry{protocols: make(map[string]Protocol, len(protocols))}
	for _, p := range protocols {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any protocol of the same name.
func (r *Registry) Register(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.Name()] = p
}

// Lookup returns the protocol registered under name.
func (r *Registry) Lookup(name string) (Protocol, error) {
	r.mu.RLock()
	p, ok := r.protocols[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownProtocolError{Name: name, Available: r.Protocols()}
	}
	return p, nil
}

// Protocols returns the registered names in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPublisher builds a publisher with the protocol named by cfg.Session.
func (r *Registry) NewPublisher(cfg PublisherConfig) (Publisher, error) {
	p, err := r.Lookup(cfg.Session.Protocol)
	if err != nil {
		return nil, err
	}
	return p.NewPublisher(cfg)
}

// NewSubscriber builds a subscriber with the protocol named by cfg.Session.
func (r *Registry) NewSubscriber(cfg SubscriberConfig) (Subscriber, error) {
	p, err := r.Lookup(cfg.Session.Protocol)
	if err != nil {
		return nil, err
	}
	return p.NewSubscriber(cfg)
}
