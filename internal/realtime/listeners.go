package realtime

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler receives decoded updates of type T.
type Handler[T any] interface {
	Handle(update T)
}

// HandlerFunc adapts a function to Handler. Functions are not comparable in
// Go, so every registration of a HandlerFunc is distinct.
type HandlerFunc[T any] func(update T)

// Handle implements Handler
func (f HandlerFunc[T]) Handle(update T) { f(update) }

type listener[T any] struct {
	handler Handler[T]
	key     any // nil unless handler is comparable
	removed atomic.Bool
}

// Listeners is an ordered set of handlers for one topic. Handlers whose
// dynamic value is comparable (pointers, for instance) are identified by
// that value, so registering the same one twice is a no-op.
type Listeners[T any] struct {
	mu      sync.Mutex
	entries []*listener[T]
	index   map[any]*listener[T]
}

// NewListeners creates an empty set.
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{index: make(map[any]*listener[T])}
}

// Add registers h and returns a function removing exactly that registration.
// The returned function is safe to call any number of times.
func (l *Listeners[T]) Add(h Handler[T]) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := identity(h)
	if key != nil {
		if existing, ok := l.index[key]; ok {
			return l.remover(existing)
		}
	}

	e := &listener[T]{handler: h, key: key}
	l.entries = append(l.entries, e)
	if key != nil {
		l.index[key] = e
	}
	return l.remover(e)
}

// Remove unregisters a comparable handler. It reports whether h was
// registered; removing an unknown or non-comparable handler does nothing.
func (l *Listeners[T]) Remove(h Handler[T]) bool {
	key := identity(h)
	if key == nil {
		return false
	}

	l.mu.Lock()
	e, ok := l.index[key]
	l.mu.Unlock()
	if !ok {
		return false
	}
	l.remove(e)
	return true
}

func (l *Listeners[T]) remover(e *listener[T]) func() {
	return func() { l.remove(e) }
}

func (l *Listeners[T]) remove(e *listener[T]) {
	if e.removed.Swap(true) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			break
		}
	}
	if e.key != nil && l.index[e.key] == e {
		delete(l.index, e.key)
	}
}

// Len returns the number of registered handlers.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dispatch invokes every handler registered when the call starts, in
// registration order. Handlers removed in the meantime are skipped, and
// dispatch stops as soon as live reports false. A panicking handler is
// recovered and passed to onPanic; the remaining handlers still run.
// It returns the number of handlers that returned normally.
func (l *Listeners[T]) Dispatch(update T, live func() bool, onPanic func(recovered any)) int {
	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	delivered := 0
	for _, e := range snapshot {
		if live != nil && !live() {
			break
		}
		if e.removed.Load() {
			continue
		}
		if invoke(e.handler, update, onPanic) {
			delivered++
		}
	}
	return delivered
}

func invoke[T any](h Handler[T], update T, onPanic func(any)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if onPanic != nil {
				onPanic(r)
			}
		}
	}()
	h.Handle(update)
	return true
}

// identity returns the map key for h, or nil when h cannot be compared.
func identity[T any](h Handler[T]) any {
	if h == nil {
		return nil
	}
	v := reflect.ValueOf(h)
	if !v.Comparable() {
		return nil
	}
	return h
}
