package broker

import (
	"sync"
)

// CloseSignal records the end of a connection exactly once. Backends embed it
// to implement Conn.Done and Conn.Err.
type CloseSignal struct {
	once sync.Once
	done chan struct{}
	mu   sync.RWMutex
	err  error
}

// NewCloseSignal returns an open signal.
func NewCloseSignal() *CloseSignal {
	return &CloseSignal{done: make(chan struct{})}
}

// Fire closes the signal with cause. Only the first call has an effect; it
// reports whether this call was that first one.
func (s *CloseSignal) Fire(cause error) bool {
	fired := false
	s.once.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)
		fired = true
	})
	return fired
}

// Done is closed once Fire has been called.
func (s *CloseSignal) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause passed to Fire, or nil while the signal is open.
func (s *CloseSignal) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Fired reports whether the signal has been closed.
func (s *CloseSignal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
