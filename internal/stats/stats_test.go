package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewStatsCollector verifies the initialization of a new StatsCollector
func TestNewStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	assert.NotNil(t, collector, "StatsCollector should be created")
	assert.WithinDuration(t, time.Now(), collector.StartTime, 100*time.Millisecond, "StartTime should be close to current time")

	snap := collector.GetStats()
	assert.Zero(t, snap.MessagesReceived, "MessagesReceived should be zero")
	assert.Zero(t, snap.MessagesDelivered, "MessagesDelivered should be zero")
	assert.Zero(t, snap.DecodeErrors, "DecodeErrors should be zero")
	assert.Zero(t, snap.ListenerPanics, "ListenerPanics should be zero")
	assert.True(t, snap.LastMessage.IsZero(), "LastMessage should be unset")
}

// TestCountersConcurrent verifies counters survive concurrent increments
func TestCountersConcurrent(t *testing.T) {
	collector := NewStatsCollector()

	const goroutines = 10
	const incrementsPerGoroutine = 1000

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				collector.MessagesReceived.Add(1)
				collector.MessagesDelivered.Add(1)
			}
		}()
	}
	wg.Wait()

	snap := collector.GetStats()
	assert.Equal(t, uint64(goroutines*incrementsPerGoroutine), snap.MessagesReceived)
	assert.Equal(t, uint64(goroutines*incrementsPerGoroutine), snap.MessagesDelivered)
}

func TestMarkMessage(t *testing.T) {
	collector := NewStatsCollector()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	collector.MarkMessage(at)

	assert.True(t, at.Equal(collector.LastMessage()))
	assert.True(t, at.Equal(collector.GetStats().LastMessage))
}

// TestGetStatsJSON verifies JSON serialization of stats
func TestGetStatsJSON(t *testing.T) {
	collector := NewStatsCollector()
	collector.MessagesReceived.Add(10)
	collector.DecodeErrors.Add(2)
	collector.Reconnects.Add(1)

	jsonData, err := collector.GetStatsJSON()
	require.NoError(t, err, "GetStatsJSON should not return an error")

	var parsedStats map[string]interface{}
	err = json.Unmarshal(jsonData, &parsedStats)
	require.NoError(t, err, "Should be able to unmarshal JSON")

	expectedKeys := []string{
		"uptime",
		"messages_received",
		"messages_delivered",
		"decode_errors",
		"messages_dropped",
		"listener_panics",
		"connect_attempts",
		"reconnects",
		"protocol_errors",
	}
	for _, key := range expectedKeys {
		assert.Contains(t, parsedStats, key, "JSON should contain key: %s", key)
	}

	assert.Equal(t, float64(10), parsedStats["messages_received"])
	assert.Equal(t, float64(2), parsedStats["decode_errors"])
	assert.Equal(t, float64(1), parsedStats["reconnects"])
}

// TestCalculateRate verifies the message rate calculation
func TestCalculateRate(t *testing.T) {
	collector := NewStatsCollector()
	collector.StartTime = time.Now().Add(-10 * time.Second)
	collector.MessagesReceived.Add(100)

	rate := collector.CalculateRate()
	assert.InDelta(t, 10.0, rate, 0.5, "Rate should be approximately 10 messages per second")
}

// TestCalculateRateFutureStart verifies no division by a non-positive uptime
func TestCalculateRateFutureStart(t *testing.T) {
	collector := NewStatsCollector()
	collector.StartTime = time.Now().Add(time.Hour)
	collector.MessagesReceived.Add(5)

	assert.Zero(t, collector.CalculateRate())
}
