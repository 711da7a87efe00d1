package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronefood-realtime/internal/broker"
)

// mockConnection implements connection for testing
type mockConnection struct {
	opts nats.Options

	mu           sync.Mutex
	subs         map[string]nats.MsgHandler
	subscribeErr error
	closed       bool
}

func (m *mockConnection) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.subs[subject] = cb
	return &nats.Subscription{Subject: subject}, nil
}

func (m *mockConnection) ConnectedUrl() string { return "nats://mock:4222" }

func (m *mockConnection) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConnection) publish(subject, data string) bool {
	m.mu.Lock()
	cb, ok := m.subs[subject]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cb(&nats.Msg{Subject: subject, Data: []byte(data)})
	return true
}

// withMock makes the dialer connect to a mock, applying the nats options to
// it so tests can inspect them and invoke the registered callbacks.
func withMock(mock *mockConnection, connectErr error) Option {
	return func(o *Options) {
		o.connect = func(url string, opts ...nats.Option) (connection, error) {
			mock.opts = nats.GetDefaultOptions()
			for _, opt := range opts {
				if err := opt(&mock.opts); err != nil {
					return nil, err
				}
			}
			if connectErr != nil {
				return nil, connectErr
			}
			return mock, nil
		}
	}
}

func newMock() *mockConnection {
	return &mockConnection{subs: make(map[string]nats.MsgHandler)}
}

func dialMock(t *testing.T, mock *mockConnection, opts ...Option) *Conn {
	t.Helper()
	return dialMockWithErrors(t, mock, nil, opts...)
}

func dialMockWithErrors(t *testing.T, mock *mockConnection, onError broker.ErrorHandler, opts ...Option) *Conn {
	t.Helper()
	d, err := NewDialer("nats://mock:4222", append(opts, withMock(mock, nil))...)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), onError)
	require.NoError(t, err)
	return conn.(*Conn)
}

func TestNewDialer(t *testing.T) {
	_, err := NewDialer("  ")
	assert.Error(t, err)

	d, err := NewDialer("nats://a:4222,nats://b:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats nats://a:4222,nats://b:4222", d.String())
}

func TestDialOptions(t *testing.T) {
	mock := newMock()
	dialMock(t, mock,
		WithName("tail"),
		WithCredentials("user", "pass"),
		WithPingInterval(4*time.Second),
		WithConnectTimeout(3*time.Second),
	)

	assert.Equal(t, "tail", mock.opts.Name)
	assert.False(t, mock.opts.AllowReconnect, "reconnect is owned by the caller")
	assert.Equal(t, 4*time.Second, mock.opts.PingInterval)
	assert.Equal(t, 2, mock.opts.MaxPingsOut)
	assert.Equal(t, 3*time.Second, mock.opts.Timeout)
	assert.Equal(t, "user", mock.opts.User)
	assert.Equal(t, "pass", mock.opts.Password)
}

func TestDialGeneratesName(t *testing.T) {
	mock := newMock()
	dialMock(t, mock)
	assert.Contains(t, mock.opts.Name, "realtime-")
}

func TestDialFailure(t *testing.T) {
	d, err := NewDialer("nats://mock:4222", withMock(newMock(), nats.ErrNoServers))
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), nil)
	assert.ErrorIs(t, err, nats.ErrNoServers)
}

func TestDialContextCancelled(t *testing.T) {
	release := make(chan struct{})
	mock := newMock()
	d, err := NewDialer("nats://mock:4222", func(o *Options) {
		o.connect = func(string, ...nats.Option) (connection, error) {
			<-release
			return mock, nil
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Dial(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Eventually(t, mock.isClosed, time.Second, 10*time.Millisecond,
		"late connection should be closed")
}

func TestSubscribeAndDeliver(t *testing.T) {
	mock := newMock()
	conn := dialMock(t, mock)

	var got []string
	require.NoError(t, conn.Subscribe("/topic/drone", func(body []byte) {
		got = append(got, string(body))
	}))

	require.True(t, mock.publish("topic.drone", `{"droneId":"d1"}`))
	require.True(t, mock.publish("topic.drone", `{"droneId":"d2"}`))
	assert.False(t, mock.publish("topic.orders", `{}`))

	assert.Equal(t, []string{`{"droneId":"d1"}`, `{"droneId":"d2"}`}, got)
}

func TestSubscribeErrors(t *testing.T) {
	mock := newMock()
	conn := dialMock(t, mock)

	assert.Error(t, conn.Subscribe("topic.drone", func([]byte) {}))
	assert.Error(t, conn.Subscribe("/topic/drone", nil))

	mock.subscribeErr = nats.ErrBadSubject
	assert.ErrorIs(t, conn.Subscribe("/topic/drone", func([]byte) {}), nats.ErrBadSubject)

	mock.subscribeErr = nil
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Subscribe("/topic/drone", func([]byte) {}), broker.ErrNotConnected)
}

func TestDisconnectHandlers(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(o *nats.Options)
		check   func(t *testing.T, err error)
	}{
		{
			name:    "stale connection is a heartbeat timeout",
			trigger: func(o *nats.Options) { o.DisconnectedErrCB(nil, nats.ErrStaleConnection) },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, broker.ErrHeartbeatTimeout)
				assert.ErrorIs(t, err, nats.ErrStaleConnection)
			},
		},
		{
			name:    "socket error",
			trigger: func(o *nats.Options) { o.DisconnectedErrCB(nil, errors.New("connection reset")) },
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "connection reset")
			},
		},
		{
			name:    "disconnect without error",
			trigger: func(o *nats.Options) { o.DisconnectedErrCB(nil, nil) },
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
		{
			name:    "closed by server",
			trigger: func(o *nats.Options) { o.ClosedCB(nil) },
			check: func(t *testing.T, err error) {
				assert.NotErrorIs(t, err, broker.ErrClosed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock()
			conn := dialMock(t, mock)

			delivered := 0
			require.NoError(t, conn.Subscribe("/topic/cart", func([]byte) { delivered++ }))

			tt.trigger(&mock.opts)

			select {
			case <-conn.Done():
			default:
				t.Fatal("Done should be closed")
			}
			tt.check(t, conn.Err())

			mock.publish("topic.cart", `{"userId":"u1"}`)
			assert.Zero(t, delivered)
		})
	}
}

func TestAsyncErrorReported(t *testing.T) {
	var got error
	mock := newMock()
	conn := dialMockWithErrors(t, mock, func(err error) { got = err })

	mock.opts.AsyncErrorCB(nil, &nats.Subscription{Subject: "topic.orders"}, fmt.Errorf("permissions violation"))

	var perr *broker.ProtocolError
	require.True(t, errors.As(got, &perr))
	assert.Equal(t, "permissions violation", perr.Message)
	assert.Equal(t, "topic.orders", perr.Headers["subject"])

	select {
	case <-conn.Done():
		t.Fatal("async errors must not end the connection")
	default:
	}
}

func TestClose(t *testing.T) {
	mock := newMock()
	conn := dialMock(t, mock)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, mock.isClosed())
	assert.ErrorIs(t, conn.Err(), broker.ErrClosed)

	// The closed callback nats fires afterwards must not change the cause.
	mock.opts.ClosedCB(nil)
	assert.ErrorIs(t, conn.Err(), broker.ErrClosed)
}
