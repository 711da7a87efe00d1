package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector manages realtime channel statistics. All counters are safe
// for concurrent use.
type StatsCollector struct {
	StartTime         time.Time
	MessagesReceived  atomic.Uint64
	MessagesDelivered atomic.Uint64
	DecodeErrors      atomic.Uint64
	MessagesDropped   atomic.Uint64
	ListenerPanics    atomic.Uint64
	ConnectAttempts   atomic.Uint64
	Reconnects        atomic.Uint64
	ProtocolErrors    atomic.Uint64
	lastMessage       atomic.Int64 // unix nanos, 0 = never
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	Uptime            string    `json:"uptime"`
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesDelivered uint64    `json:"messages_delivered"`
	DecodeErrors      uint64    `json:"decode_errors"`
	MessagesDropped   uint64    `json:"messages_dropped"`
	ListenerPanics    uint64    `json:"listener_panics"`
	ConnectAttempts   uint64    `json:"connect_attempts"`
	Reconnects        uint64    `json:"reconnects"`
	ProtocolErrors    uint64    `json:"protocol_errors"`
	LastMessage       time.Time `json:"last_message,omitempty"`
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
	}
}

// MarkMessage records the arrival time of the latest inbound message.
func (s *StatsCollector) MarkMessage(at time.Time) {
	s.lastMessage.Store(at.UnixNano())
}

// LastMessage returns when the last inbound message arrived, or the zero
// time if none has.
func (s *StatsCollector) LastMessage() time.Time {
	n := s.lastMessage.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() Snapshot {
	return Snapshot{
		Uptime:            time.Since(s.StartTime).Round(time.Second).String(),
		MessagesReceived:  s.MessagesReceived.Load(),
		MessagesDelivered: s.MessagesDelivered.Load(),
		DecodeErrors:      s.DecodeErrors.Load(),
		MessagesDropped:   s.MessagesDropped.Load(),
		ListenerPanics:    s.ListenerPanics.Load(),
		ConnectAttempts:   s.ConnectAttempts.Load(),
		Reconnects:        s.Reconnects.Load(),
		ProtocolErrors:    s.ProtocolErrors.Load(),
		LastMessage:       s.LastMessage(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the inbound message rate per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(s.MessagesReceived.Load()) / uptime
}
