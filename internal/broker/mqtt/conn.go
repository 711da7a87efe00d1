package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

const subscribeTimeout = 10 * time.Second

// Conn is a connected paho client.
type Conn struct {
	client  mqtt.Client
	logger  *logger.Logger
	signal  *broker.CloseSignal
	qos     byte
	quiesce time.Duration

	mu       sync.RWMutex
	handlers map[string]broker.MessageHandler // keyed by MQTT topic
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

	topic := broker.ToMQTTTopic(destination)

	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		c.removeHandler(topic)
		return fmt.Errorf("timed out subscribing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		c.removeHandler(topic)
		c.logger.Error("failed to subscribe to topic",
			"topic", topic,
			"error", err)
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	c.logger.Debug("subscribed to topic", "topic", topic)
	return nil
}

func (c *Conn) removeHandler(topic string) {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()
}

// Close implements broker.Conn. The paho disconnect runs in the background:
// it waits for paho's workers, one of which may be the caller if Close is
// invoked from a message handler.
func (c *Conn) Close() error {
	if !c.signal.Fire(broker.ErrClosed) {
		return nil
	}
	c.logger.Info("disconnecting from mqtt broker")
	go c.client.Disconnect(uint(c.quiesce.Milliseconds()))
	return nil
}

// handleMessage receives every message paho routes to one of our topics.
// With OrderMatters set paho calls it sequentially in arrival order.
func (c *Conn) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.signal.Fired() {
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[msg.Topic()]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("message for unknown topic", "topic", msg.Topic())
		return
	}

	handler(msg.Payload())
}

func (c *Conn) handleConnectionLost(_ mqtt.Client, err error) {
	if err == nil {
		err = fmt.Errorf("connection lost")
	}
	if c.signal.Fire(fmt.Errorf("mqtt connection lost: %w", err)) {
		c.logger.Error("mqtt connection lost", "error", err)
	}
}
