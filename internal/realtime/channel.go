// Package realtime maintains the process-wide broker connection and fans out
// decoded order, drone and cart updates to in-process listeners.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
	"dronefood-realtime/internal/metrics"
	"dronefood-realtime/internal/stats"
)

// DefaultReconnectDelay is the fixed pause between a failure and the next
// connection attempt.
const DefaultReconnectDelay = 5 * time.Second

const tracerName = "dronefood-realtime/internal/realtime"

// Option configures a Channel.
type Option func(*Channel)

// WithClock sets the clock driving the reconnect timer.
func WithClock(c clockwork.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(ch *Channel) { ch.logger = l }
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ch *Channel) { ch.metrics = m }
}

// WithStats sets the statistics collector, e.g. to share it with a
// metrics.MetricsCollector.
func WithStats(s *stats.StatsCollector) Option {
	return func(ch *Channel) { ch.stats = s }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(ch *Channel) { ch.tracer = t }
}

// WithReconnectDelay sets the fixed retry delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.reconnectDelay = d
		}
	}
}

// Channel owns one broker connection and the listener sets for every topic.
// All methods are safe for concurrent use and none of them block on the
// network.
type Channel struct {
	dialer         broker.Dialer
	clock          clockwork.Clock
	logger         *logger.Logger
	metrics        *metrics.Metrics
	stats          *stats.StatsCollector
	tracer         trace.Tracer
	reconnectDelay time.Duration

	orders *Listeners[OrderUpdate]
	drone  *Listeners[DroneUpdate]
	cart   *Listeners[CartUpdate]
	reg    *registry

	// epoch identifies the current connection attempt. Deliveries from a
	// connection whose epoch is no longer current are dropped.
	epoch atomic.Uint64

	mu         sync.Mutex
	active     bool // Connect called and not yet undone by Disconnect
	state      broker.State
	epochID    string
	conn       broker.Conn
	cancelDial context.CancelFunc
	retry      clockwork.Timer
}

// New creates a channel that connects through dialer. Nothing happens on the
// network until Connect is called or the first listener registers.
func New(dialer broker.Dialer, opts ...Option) *Channel {
	ch := &Channel{
		dialer:         dialer,
		reconnectDelay: DefaultReconnectDelay,
		state:          broker.StateUninitialized,
		orders:         NewListeners[OrderUpdate](),
		drone:          NewListeners[DroneUpdate](),
		cart:           NewListeners[CartUpdate](),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.clock == nil {
		ch.clock = clockwork.NewRealClock()
	}
	if ch.logger == nil {
		ch.logger = logger.NewNop()
	}
	if ch.stats == nil {
		ch.stats = stats.NewStatsCollector()
	}
	if ch.tracer == nil {
		ch.tracer = otel.Tracer(tracerName)
	}

	ch.reg = &registry{
		routes: []route{
			bind(TopicOrders, ch.orders),
			bind(TopicDrone, ch.drone),
			bind(TopicCart, ch.cart),
		},
		system:  dialer.String(),
		clock:   ch.clock,
		logger:  ch.logger,
		metrics: ch.metrics,
		stats:   ch.stats,
		tracer:  ch.tracer,
	}
	return ch
}

// State returns the connection state.
func (c *Channel) State() broker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() stats.Snapshot {
	return c.stats.GetStats()
}

// LastMessage returns when the latest message arrived, or the zero time.
// Callers that need liveness can compare it against their own staleness
// threshold.
func (c *Channel) LastMessage() time.Time {
	return c.stats.LastMessage()
}

// Connect starts connecting in the background. It does nothing if the channel
// is already connected, connecting, or waiting to reconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return
	}
	c.active = true
	c.logger.Info("realtime channel starting", "broker", c.dialer.String())
	c.dialLocked()
}

// Disconnect tears the connection down. Pending dials and reconnects are
// cancelled and no listener is invoked afterwards until Connect is called
// again. Listener registrations are kept.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.epoch.Add(1)
	wasActive := c.active
	c.active = false
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	if c.state != broker.StateUninitialized {
		c.state = broker.StateDisconnected
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("error closing broker connection", "error", err)
		}
	}
	if wasActive {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConnectionStatus(false)
		})
		c.logger.Info("realtime channel disconnected")
	}
}

// OnOrderUpdate registers fn for order updates and connects if needed.
func (c *Channel) OnOrderUpdate(fn func(OrderUpdate)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.OnOrderUpdateHandler(HandlerFunc[OrderUpdate](fn))
}

// OnOrderUpdateHandler registers h for order updates and connects if needed.
// Registering the same comparable handler twice has no effect.
func (c *Channel) OnOrderUpdateHandler(h Handler[OrderUpdate]) (unsubscribe func()) {
	return subscribe(c, c.orders, h)
}

// OnDroneUpdate registers fn for drone updates and connects if needed.
func (c *Channel) OnDroneUpdate(fn func(DroneUpdate)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.OnDroneUpdateHandler(HandlerFunc[DroneUpdate](fn))
}

// OnDroneUpdateHandler registers h for drone updates and connects if needed.
func (c *Channel) OnDroneUpdateHandler(h Handler[DroneUpdate]) (unsubscribe func()) {
	return subscribe(c, c.drone, h)
}

// OnCartUpdate registers fn for cart updates and connects if needed.
func (c *Channel) OnCartUpdate(fn func(CartUpdate)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.OnCartUpdateHandler(HandlerFunc[CartUpdate](fn))
}

// OnCartUpdateHandler registers h for cart updates and connects if needed.
func (c *Channel) OnCartUpdateHandler(h Handler[CartUpdate]) (unsubscribe func()) {
	return subscribe(c, c.cart, h)
}

func subscribe[T any](c *Channel, ls *Listeners[T], h Handler[T]) func() {
	if h == nil {
		return func() {}
	}
	remove := ls.Add(h)
	c.reg.updateListenerGauges()
	c.Connect()

	return func() {
		remove()
		c.reg.updateListenerGauges()
	}
}

// dialLocked starts a new epoch and dials in the background.
func (c *Channel) dialLocked() {
	epoch := c.epoch.Add(1)
	c.epochID = uuid.NewString()
	c.state = broker.StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	c.stats.ConnectAttempts.Add(1)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncConnectAttempts()
	})

	log := c.logger.With("epoch", c.epochID)
	log.Debug("dialing broker", "broker", c.dialer.String())

	go c.establish(ctx, epoch, log)
}

func (c *Channel) establish(ctx context.Context, epoch uint64, log *logger.Logger) {
	conn, err := c.dialer.Dial(ctx, c.handleBrokerError)

	c.mu.Lock()
	if !c.isCurrent(epoch) {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.scheduleReconnectLocked(epoch, err, log)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// Subscribe outside the lock; Disconnect may close conn meanwhile, in
	// which case the epoch check below discards the result.
	live := func() bool { return c.isCurrent(epoch) }
	err = c.reg.subscribeAll(conn, live)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrent(epoch) {
		return
	}
	if err != nil {
		c.conn = nil
		_ = conn.Close()
		c.scheduleReconnectLocked(epoch, err, log)
		return
	}

	c.state = broker.StateConnected
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(true)
	})
	log.Info("realtime channel connected", "broker", c.dialer.String())

	go c.watch(conn, epoch, log)
}

// watch waits for conn to end and schedules a reconnect if it was still the
// current connection.
func (c *Channel) watch(conn broker.Conn, epoch uint64, log *logger.Logger) {
	<-conn.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrent(epoch) {
		return
	}
	c.conn = nil
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(false)
	})
	c.scheduleReconnectLocked(epoch, conn.Err(), log)
}

func (c *Channel) scheduleReconnectLocked(epoch uint64, cause error, log *logger.Logger) {
	c.state = broker.StateDisconnected

	level := log.Warn
	if errors.Is(cause, broker.ErrHeartbeatTimeout) {
		level = log.Error
	}
	level("broker connection unavailable, scheduling reconnect",
		"error", cause,
		"delay", c.reconnectDelay)

	c.retry = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.reconnect(epoch)
	})
}

func (c *Channel) reconnect(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || !c.isCurrent(epoch) {
		return
	}
	c.retry = nil

	c.stats.Reconnects.Add(1)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncReconnects()
	})
	c.dialLocked()
}

func (c *Channel) isCurrent(epoch uint64) bool {
	return c.epoch.Load() == epoch
}

// handleBrokerError receives protocol errors reported by the broker. They are
// logged and counted; the connection stays up unless the transport itself
// ends it.
func (c *Channel) handleBrokerError(err error) {
	c.stats.ProtocolErrors.Add(1)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncProtocolErrors()
	})
	c.logger.Error("broker reported a protocol error", "error", err)
}

// safeMetricsUpdate runs fn only when metrics are enabled
func (c *Channel) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
