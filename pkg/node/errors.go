package node

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyConnected is returned by Connect on a connected node.
var ErrAlreadyConnected = errors.New("node already connected")

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("node not connected")

// ConnectionError reports a failed transport handshake.
type ConnectionError struct {
	NodeID   string
	Protocol string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s node %q: %v", e.Protocol, e.NodeID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownProtocolError is returned when a protocol name is not registered.
type UnknownProtocolError struct {
	Name      string
	Available []string
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("unknown protocol %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}
