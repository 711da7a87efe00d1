package broker

import (
	"errors"
	"fmt"
	"strings"
)

// State represents the current state of a broker connection
type State string

const (
	// StateUninitialized indicates no connection has been requested yet
	StateUninitialized State = "uninitialized"
	// StateConnecting indicates a handshake is in flight
	StateConnecting State = "connecting"
	// StateConnected indicates the broker is connected and subscriptions are issued
	StateConnected State = "connected"
	// StateDisconnected indicates the broker is not connected, either waiting
	// for a reconnect or torn down on request
	StateDisconnected State = "disconnected"
)

var (
	// ErrClosed is reported when the connection was closed locally.
	ErrClosed = errors.New("connection closed")
	// ErrHeartbeatTimeout is reported when no inbound traffic arrived within
	// the heartbeat detection window.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrNotConnected is returned by operations on a connection that ended.
	ErrNotConnected = errors.New("not connected to broker")
)

// ProtocolError is a fault reported by the broker itself, such as a STOMP
// ERROR frame.
type ProtocolError struct {
	Message string
	Details string
	Headers map[string]string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("broker error: %s", e.Message)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Message, strings.TrimSpace(e.Details))
}
