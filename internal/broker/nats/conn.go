package nats

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

// Conn is an established NATS connection.
type Conn struct {
	nc      connection
	logger  *logger.Logger
	signal  *broker.CloseSignal
	onError broker.ErrorHandler

	mu       sync.RWMutex
	handlers map[string]broker.MessageHandler // keyed by subject

	// nats.go runs one goroutine per subscription; deliverMu keeps handler
	// calls sequential across subjects.
	deliverMu sync.Mutex
}

// Done implements broker.Conn
func (c *Conn) Done() <-chan struct{} { return c.signal.Done() }

// Err implements broker.Conn
func (c *Conn) Err() error { return c.signal.Err() }

// Subscribe implements broker.Conn
func (c *Conn) Subscribe(destination string, handler broker.MessageHandler) error {
	if err := broker.ValidateDestination(destination); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if c.signal.Fired() {
		return broker.ErrNotConnected
	}

	subject := broker.ToNATSSubject(destination)

	c.mu.Lock()
	c.handlers[subject] = handler
	c.mu.Unlock()

	if _, err := c.nc.Subscribe(subject, c.handleMsg); err != nil {
		c.mu.Lock()
		delete(c.handlers, subject)
		c.mu.Unlock()
		c.logger.Error("failed to subscribe to subject",
			"subject", subject,
			"error", err)
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	c.logger.Debug("subscribed to subject", "subject", subject)
	return nil
}

// Close implements broker.Conn
func (c *Conn) Close() error {
	if !c.signal.Fire(broker.ErrClosed) {
		return nil
	}
	c.logger.Info("disconnecting from NATS server")
	c.nc.Close()
	return nil
}

func (c *Conn) handleMsg(msg *nats.Msg) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.signal.Fired() {
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[msg.Subject]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("message for unknown subject", "subject", msg.Subject)
		return
	}

	handler(msg.Data)
}

func (c *Conn) handleDisconnect(_ *nats.Conn, err error) {
	switch {
	case err == nil:
		err = fmt.Errorf("disconnected from NATS server")
	case errors.Is(err, nats.ErrStaleConnection):
		err = fmt.Errorf("%w: %w", broker.ErrHeartbeatTimeout, err)
	}
	if c.signal.Fire(err) {
		c.logger.Error("disconnected from NATS server", "error", err)
	}
}

func (c *Conn) handleClosed(_ *nats.Conn) {
	if c.signal.Fire(fmt.Errorf("NATS connection closed")) {
		c.logger.Warn("NATS connection closed")
	}
}

func (c *Conn) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error",
		"subject", subject,
		"error", err)
	if c.onError != nil {
		c.onError(&broker.ProtocolError{Message: err.Error(), Headers: map[string]string{"subject": subject}})
	}
}
