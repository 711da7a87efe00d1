package realtime

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
	"dronefood-realtime/internal/metrics"
	"dronefood-realtime/internal/stats"
)

// route binds a topic to the decode step and listener set for its payload.
type route struct {
	topic    Topic
	dispatch func(body []byte, live func() bool, onPanic func(any)) (int, error)
	count    func() int
}

func bind[T Update](topic Topic, ls *Listeners[T]) route {
	return route{
		topic: topic,
		dispatch: func(body []byte, live func() bool, onPanic func(any)) (int, error) {
			update, err := Decode[T](body)
			if err != nil {
				return 0, err
			}
			return ls.Dispatch(update, live, onPanic), nil
		},
		count: ls.Len,
	}
}

// registry issues the fixed topic subscriptions on each connection and turns
// raw message bodies into listener calls.
type registry struct {
	routes  []route
	system  string
	clock   clockwork.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
	tracer  trace.Tracer
}

// subscribeAll subscribes every topic on conn, whether or not it currently
// has listeners. live reports whether conn still belongs to the current
// connection epoch.
func (r *registry) subscribeAll(conn broker.Conn, live func() bool) error {
	for _, rt := range r.routes {
		err := conn.Subscribe(rt.topic.Destination(), func(body []byte) {
			r.handle(rt, body, live)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", rt.topic, err)
		}
	}
	r.logger.Debug("subscribed to all topics", "count", len(r.routes))
	return nil
}

func (r *registry) handle(rt route, body []byte, live func() bool) {
	topic := string(rt.topic)

	if !live() {
		r.stats.MessagesDropped.Add(1)
		r.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal(topic, "dropped")
		})
		return
	}

	r.stats.MessagesReceived.Add(1)
	r.stats.MarkMessage(r.clock.Now())
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal(topic, "received")
	})

	_, span := r.tracer.Start(context.Background(), "realtime.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", r.system),
			attribute.String("messaging.destination", rt.topic.Destination()),
			attribute.Int("messaging.message.body.size", len(body)),
		))
	defer span.End()

	onPanic := func(recovered any) {
		r.stats.ListenerPanics.Add(1)
		r.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncListenerPanics(topic)
		})
		span.AddEvent("listener panic", trace.WithAttributes(
			attribute.String("panic", fmt.Sprint(recovered))))
		r.logger.Error("listener panicked",
			"topic", topic,
			"panic", recovered)
	}

	delivered, err := rt.dispatch(body, live, onPanic)
	if err != nil {
		r.stats.DecodeErrors.Add(1)
		r.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal(topic, "decode_error")
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		r.logger.Warn("dropping undecodable message",
			"topic", topic,
			"error", err,
			"size", len(body))
		return
	}

	span.SetAttributes(attribute.Int("realtime.listeners", delivered))
	r.stats.MessagesDelivered.Add(1)
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal(topic, "delivered")
	})
}

// updateListenerGauges publishes the current listener counts.
func (r *registry) updateListenerGauges() {
	r.safeMetricsUpdate(func(m *metrics.Metrics) {
		for _, rt := range r.routes {
			m.SetListeners(string(rt.topic), rt.count())
		}
	})
}

// safeMetricsUpdate runs fn only when metrics are enabled
func (r *registry) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}
