// Package broker defines the transport contract between the realtime channel
// and a message broker, plus helpers shared by the backend implementations.
package broker

import (
	"context"
)

// MessageHandler receives the raw body of a message delivered on a
// destination. Handlers for one connection are invoked sequentially, in the
// order the broker delivered the messages.
type MessageHandler func(body []byte)

// ErrorHandler receives protocol-level errors reported by the broker. Such
// errors do not close the connection by themselves.
type ErrorHandler func(err error)

// Dialer establishes broker connections. Dial performs exactly one handshake
// and never retries; retry policy belongs to the caller. onError, which may be
// nil, receives protocol errors for the lifetime of the returned Conn.
type Dialer interface {
	Dial(ctx context.Context, onError ErrorHandler) (Conn, error)

	// String describes the backend and address for logs.
	String() string
}

// Conn is one established broker connection.
type Conn interface {
	// Subscribe registers interest in destination. handler is called for
	// every message until the connection ends.
	Subscribe(destination string, handler MessageHandler) error

	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}

	// Err reports why Done was closed. It returns nil while the connection
	// is alive.
	Err() error

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}
