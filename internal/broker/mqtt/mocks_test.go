package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                       { return false }
func (pendingToken) WaitTimeout(d time.Duration) bool { return false }
func (pendingToken) Error() error                     { return nil }
func (pendingToken) Done() <-chan struct{}            { return make(chan struct{}) }

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 0 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	opts *mqtt.ClientOptions

	connectToken   mqtt.Token
	subscribeToken mqtt.Token

	connected     atomic.Bool
	disconnectedC chan uint

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	qos      map[string]byte
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts:           opts,
		connectToken:   NewMockToken(nil),
		subscribeToken: NewMockToken(nil),
		disconnectedC:  make(chan uint, 1),
		handlers:       make(map[string]mqtt.MessageHandler),
		qos:            make(map[string]byte),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	m.connected.Store(m.connectToken.Error() == nil)
	return m.connectToken
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.connected.Store(false)
	select {
	case m.disconnectedC <- quiesce:
	default:
	}
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	if m.subscribeToken.Error() == nil {
		m.mu.Lock()
		m.handlers[topic] = callback
		m.qos[topic] = qos
		m.mu.Unlock()
	}
	return m.subscribeToken
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token            { return NewMockToken(nil) }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                   { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                              { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader          { return mqtt.ClientOptionsReader{} }

// deliver simulates the broker routing a message to a subscribed topic.
func (m *MockClient) deliver(topic string, payload string) bool {
	m.mu.Lock()
	h, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(m, &MockMessage{topic: topic, payload: []byte(payload)})
	return true
}

// loseConnection simulates paho noticing a dead connection.
func (m *MockClient) loseConnection(err error) {
	m.connected.Store(false)
	m.opts.OnConnectionLost(m, err)
}
