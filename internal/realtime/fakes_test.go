package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"dronefood-realtime/internal/broker"
)

// fakeConn is an in-memory broker.Conn. inject delivers regardless of
// whether the connection was closed, the way a misbehaving transport might.
type fakeConn struct {
	signal *broker.CloseSignal

	mu           sync.Mutex
	handlers     map[string]broker.MessageHandler
	order        []string
	subscribeErr error
	closes       int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		signal:   broker.NewCloseSignal(),
		handlers: make(map[string]broker.MessageHandler),
	}
}

func (f *fakeConn) Subscribe(destination string, handler broker.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[destination] = handler
	f.order = append(f.order, destination)
	return nil
}

func (f *fakeConn) Done() <-chan struct{} { return f.signal.Done() }
func (f *fakeConn) Err() error            { return f.signal.Err() }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.signal.Fire(broker.ErrClosed)
	return nil
}

func (f *fakeConn) inject(t *testing.T, destination, body string) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[destination]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", destination)
	h([]byte(body))
}

func (f *fakeConn) lose(err error) {
	f.signal.Fire(err)
}

func (f *fakeConn) destinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeDialer hands out fakeConns. Queued failures are returned by successive
// dials before any succeeds; a non-nil gate holds every dial until closed.
type fakeDialer struct {
	mu           sync.Mutex
	dials        int
	conns        []*fakeConn
	failures     []error
	gate         chan struct{}
	subscribeErr error
	onError      broker.ErrorHandler
}

func (d *fakeDialer) Dial(ctx context.Context, onError broker.ErrorHandler) (broker.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.onError = onError
	gate := d.gate
	var failure error
	if len(d.failures) > 0 {
		failure = d.failures[0]
		d.failures = d.failures[1:]
	}
	subscribeErr := d.subscribeErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	conn := newFakeConn()
	conn.subscribeErr = subscribeErr

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) String() string { return "fake" }

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) reportError(err error) {
	d.mu.Lock()
	h := d.onError
	d.mu.Unlock()
	h(err)
}

// fakeClock is the subset of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

const testReconnectDelay = time.Second

func newTestChannel(t *testing.T, d *fakeDialer, clock clockwork.Clock, opts ...Option) *Channel {
	t.Helper()
	base := []Option{WithClock(clock), WithReconnectDelay(testReconnectDelay)}
	ch := New(d, append(base, opts...)...)
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitForState(t *testing.T, ch *Channel, want broker.State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

// fireReconnect waits for the reconnect timer to be armed and fires it.
func fireReconnect(t *testing.T, clock fakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testReconnectDelay)
}

// recorder collects updates; it is comparable by pointer.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) Handle(update T) {
	r.mu.Lock()
	r.got = append(r.got, update)
	r.mu.Unlock()
}

func (r *recorder[T]) updates() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}
