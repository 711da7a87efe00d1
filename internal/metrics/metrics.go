package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"dronefood-realtime/internal/stats"
)

const namespace = "realtime"

// Metrics holds the prometheus collectors for the realtime channel.
type Metrics struct {
	connectionStatus prometheus.Gauge
	connectAttempts  prometheus.Counter
	reconnects       prometheus.Counter
	protocolErrors   prometheus.Counter
	messagesTotal    *prometheus.CounterVec
	listenerPanics   *prometheus.CounterVec
	listeners        *prometheus.GaugeVec
	lastMessageAge   prometheus.Gauge
	messageRate      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Broker connection status (1 connected, 0 otherwise)",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of broker handshake attempts",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnections",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of broker-reported protocol errors",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by topic and status",
		}, []string{"topic", "status"}),
		listenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Listener callbacks that panicked, by topic",
		}, []string{"topic"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Registered listeners by topic",
		}, []string{"topic"}),
		lastMessageAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_message_age_seconds",
			Help:      "Seconds since the last inbound message (-1 if none yet)",
		}),
		messageRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_rate",
			Help:      "Average inbound messages per second since start",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.connectionStatus,
		m.connectAttempts,
		m.reconnects,
		m.protocolErrors,
		m.messagesTotal,
		m.listenerPanics,
		m.listeners,
		m.lastMessageAge,
		m.messageRate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) IncConnectAttempts() {
	m.connectAttempts.Inc()
}

func (m *Metrics) IncReconnects() {
	m.reconnects.Inc()
}

func (m *Metrics) IncProtocolErrors() {
	m.protocolErrors.Inc()
}

// IncMessagesTotal counts a message for topic; status is one of received,
// delivered, decode_error or dropped.
func (m *Metrics) IncMessagesTotal(topic, status string) {
	m.messagesTotal.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) IncListenerPanics(topic string) {
	m.listenerPanics.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetListeners(topic string, n int) {
	m.listeners.WithLabelValues(topic).Set(float64(n))
}

// StatsSource provides the snapshot the collector exports.
type StatsSource interface {
	GetStats() stats.Snapshot
}

// MetricsCollector periodically copies derived statistics into gauges.
type MetricsCollector struct {
	metrics  *Metrics
	source   StatsSource
	interval time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector that samples source every interval.
func NewMetricsCollector(m *Metrics, source StatsSource, interval time.Duration, clock clockwork.Clock) *MetricsCollector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MetricsCollector{
		metrics:  m,
		source:   source,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.Chan():
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Collect samples the stats source once.
func (c *MetricsCollector) Collect() {
	snap := c.source.GetStats()
	if snap.LastMessage.IsZero() {
		c.metrics.lastMessageAge.Set(-1)
	} else {
		c.metrics.lastMessageAge.Set(c.clock.Since(snap.LastMessage).Seconds())
	}
	uptime, err := time.ParseDuration(snap.Uptime)
	if err == nil && uptime > 0 {
		c.metrics.messageRate.Set(float64(snap.MessagesReceived) / uptime.Seconds())
	}
}

// Stop halts collection and waits for the loop to exit.
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
