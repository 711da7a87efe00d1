package stomp

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

const writeTimeout = 10 * time.Second

var heartbeatPayload = []byte{'\n'}

type subscription struct {
	id          string
	destination string
	handler     broker.MessageHandler
}

// Conn is an established STOMP session over one WebSocket.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	clock   clockwork.Clock
	logger  *logger.Logger
	onError broker.ErrorHandler
	signal  *broker.CloseSignal

	version  string
	server   string
	endpoint string

	heartbeatOut time.Duration
	heartbeatIn  time.Duration
	tolerance    float64
	lastRead     atomic.Int64 // clock unix nanos

	subsMu sync.RWMutex
	subs   map[string]*subscription
	nextID int
}

func newConn(ws *websocket.Conn, connected *Frame, endpoint string, out, in time.Duration, opts *Options, onError broker.ErrorHandler) *Conn {
	c := &Conn{
		ws:           ws,
		clock:        opts.Clock,
		logger:       opts.Logger,
		onError:      onError,
		signal:       broker.NewCloseSignal(),
		version:      connected.Value(HdrVersion),
		server:       connected.Value(HdrServer),
		endpoint:     endpoint,
		heartbeatOut: out,
		heartbeatIn:  in,
		tolerance:    opts.HeartbeatTolerance,
		subs:         make(map[string]*subscription),
	}
	c.markRead()

	go c.readLoop()
	if c.heartbeatOut > 0 {
		go c.sendHeartbeats()
	}
	if c.heartbeatIn > 0 {
		go c.monitorHeartbeats()
	}

	return c
}

// Version returns the protocol version agreed with the broker.
func (c *Conn) Version() string { return c.version }

// Server returns the broker's self-description from CONNECTED, if any.
func (c *Conn) Server() string { return c.server }

// Endpoint returns the URL the WebSocket was opened on.
func (c *Conn) Endpoint() string { return c.endpoint }

// Heartbeats returns the negotiated outgoing and incoming intervals. Zero
// means disabled.
func (c *Conn) Heartbeats() (outgoing, incoming time.Duration) {
	return c.heartbeatOut, c.heartbeatIn
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

	c.subsMu.Lock()
	id := "sub-" + strconv.Itoa(c.nextID)
	c.nextID++
	c.subs[id] = &subscription{id: id, destination: destination, handler: handler}
	c.subsMu.Unlock()

	frame := NewFrame(CmdSubscribe,
		HdrID, id,
		HdrDestination, destination,
		HdrAck, "auto",
	)
	if err := c.writeFrame(frame); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}

	c.logger.Debug("subscribed to destination",
		"destination", destination,
		"id", id)
	return nil
}

// Close implements broker.Conn. It sends a best-effort DISCONNECT and closes
// the socket; it does not wait for the reader to exit so it is safe to call
// from a message handler.
func (c *Conn) Close() error {
	if !c.signal.Fire(broker.ErrClosed) {
		return nil
	}
	if err := c.writeFrame(NewFrame(CmdDisconnect)); err != nil {
		c.logger.Debug("failed to send DISCONNECT", "error", err)
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// fail ends the connection with cause unless it already ended.
func (c *Conn) fail(cause error) {
	if c.signal.Fire(cause) {
		c.logger.Warn("stomp connection lost",
			"endpoint", c.endpoint,
			"error", cause)
		_ = c.ws.Close()
	}
}

func (c *Conn) writeFrame(f *Frame) error {
	return c.write(f.Marshal())
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) markRead() {
	c.lastRead.Store(c.clock.Now().UnixNano())
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read failed: %w", err))
			return
		}
		c.markRead()

		frames, err := Parse(data)
		if err != nil {
			// Frames before the malformed one are still dispatched.
			c.logger.Warn("malformed stomp frame",
				"error", err,
				"size", len(data))
		}
		for _, f := range frames {
			c.dispatch(f)
		}
	}
}

func (c *Conn) dispatch(f *Frame) {
	switch f.Command {
	case CmdMessage:
		sub := c.lookup(f)
		if sub == nil {
			c.logger.Debug("message for unknown subscription",
				"destination", f.Value(HdrDestination),
				"subscription", f.Value(HdrSubscription))
			return
		}
		sub.handler(f.Body)
	case CmdError:
		perr := &broker.ProtocolError{
			Message: f.Value(HdrMessage),
			Details: string(f.Body),
			Headers: make(map[string]string, len(f.Headers)),
		}
		for _, h := range f.Headers {
			if _, ok := perr.Headers[h.Key]; !ok {
				perr.Headers[h.Key] = h.Value
			}
		}
		c.logger.Error("broker reported error",
			"message", perr.Message,
			"endpoint", c.endpoint)
		if c.onError != nil {
			c.onError(perr)
		}
	case CmdReceipt:
		c.logger.Debug("receipt", "id", f.Value(HdrReceiptID))
	default:
		c.logger.Debug("ignoring frame", "command", f.Command)
	}
}

func (c *Conn) lookup(f *Frame) *subscription {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	if id, ok := f.Get(HdrSubscription); ok {
		if sub, ok := c.subs[id]; ok {
			return sub
		}
	}
	dest := f.Value(HdrDestination)
	for _, sub := range c.subs {
		if sub.destination == dest {
			return sub
		}
	}
	return nil
}

func (c *Conn) sendHeartbeats() {
	ticker := c.clock.NewTicker(c.heartbeatOut)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := c.write(heartbeatPayload); err != nil {
				c.fail(fmt.Errorf("heartbeat write failed: %w", err))
				return
			}
		case <-c.signal.Done():
			return
		}
	}
}

func (c *Conn) monitorHeartbeats() {
	window := time.Duration(float64(c.heartbeatIn) * c.tolerance)
	ticker := c.clock.NewTicker(c.heartbeatIn)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			last := time.Unix(0, c.lastRead.Load())
			if c.clock.Since(last) > window {
				c.fail(fmt.Errorf("%w: nothing received for %s", broker.ErrHeartbeatTimeout, window))
				return
			}
		case <-c.signal.Done():
			return
		}
	}
}

