package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenersOrder(t *testing.T) {
	ls := NewListeners[int]()

	var calls []string
	for _, name := range []string{"a", "b", "c"} {
		ls.Add(HandlerFunc[int](func(int) { calls = append(calls, name) }))
	}

	n := ls.Dispatch(1, nil, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestListenersFuncsAreDistinct(t *testing.T) {
	ls := NewListeners[int]()

	count := 0
	fn := HandlerFunc[int](func(int) { count++ })
	ls.Add(fn)
	ls.Add(fn)

	assert.Equal(t, 2, ls.Len())
	ls.Dispatch(1, nil, nil)
	assert.Equal(t, 2, count)
}

func TestListenersComparableDedup(t *testing.T) {
	ls := NewListeners[int]()
	rec := &recorder[int]{}

	removeA := ls.Add(rec)
	removeB := ls.Add(rec)
	assert.Equal(t, 1, ls.Len())

	ls.Dispatch(7, nil, nil)
	assert.Equal(t, []int{7}, rec.updates())

	removeB()
	assert.Equal(t, 0, ls.Len())
	removeA()

	// Re-adding after removal registers it again.
	ls.Add(rec)
	assert.Equal(t, 1, ls.Len())
}

// valueHandler is comparable by value.
type valueHandler struct{ id int }

func (valueHandler) Handle(int) {}

// funcHolder has a comparable type but holds a func, which is not.
type funcHolder struct{ h Handler[int] }

func (f funcHolder) Handle(v int) { f.h.Handle(v) }

func TestListenersIdentity(t *testing.T) {
	ls := NewListeners[int]()

	ls.Add(valueHandler{id: 1})
	ls.Add(valueHandler{id: 1})
	ls.Add(valueHandler{id: 2})
	assert.Equal(t, 2, ls.Len())

	holder := funcHolder{h: HandlerFunc[int](func(int) {})}
	require.NotPanics(t, func() {
		ls.Add(holder)
		ls.Add(holder)
	})
	assert.Equal(t, 4, ls.Len())
}

func TestListenersRemove(t *testing.T) {
	ls := NewListeners[int]()
	rec := &recorder[int]{}
	never := &recorder[int]{}

	ls.Add(rec)
	assert.False(t, ls.Remove(never), "removing an unknown handler is a no-op")
	assert.False(t, ls.Remove(HandlerFunc[int](func(int) {})))
	assert.False(t, ls.Remove(nil))
	assert.Equal(t, 1, ls.Len())

	assert.True(t, ls.Remove(rec))
	assert.False(t, ls.Remove(rec))
	assert.Equal(t, 0, ls.Len())
}

func TestListenersRemoveDuringDispatch(t *testing.T) {
	ls := NewListeners[int]()

	var calls []string
	var removeB func()
	ls.Add(HandlerFunc[int](func(int) {
		calls = append(calls, "a")
		removeB()
	}))
	removeB = ls.Add(HandlerFunc[int](func(int) { calls = append(calls, "b") }))
	ls.Add(HandlerFunc[int](func(int) { calls = append(calls, "c") }))

	ls.Dispatch(1, nil, nil)
	assert.Equal(t, []string{"a", "c"}, calls)

	calls = nil
	ls.Dispatch(2, nil, nil)
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestListenersAddDuringDispatch(t *testing.T) {
	ls := NewListeners[int]()

	late := &recorder[int]{}
	ls.Add(HandlerFunc[int](func(int) { ls.Add(late) }))

	ls.Dispatch(1, nil, nil)
	assert.Zero(t, late.count(), "handlers added mid-dispatch start with the next update")

	ls.Dispatch(2, nil, nil)
	assert.Equal(t, []int{2}, late.updates())
}

func TestListenersPanicIsolation(t *testing.T) {
	ls := NewListeners[string]()
	rec := &recorder[string]{}

	ls.Add(HandlerFunc[string](func(string) { panic("first") }))
	ls.Add(rec)
	ls.Add(HandlerFunc[string](func(string) {
		var m map[string]int
		m["x"] = 1
	}))

	var recovered []any
	n := ls.Dispatch("update", nil, func(r any) { recovered = append(recovered, r) })

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"update"}, rec.updates())
	require.Len(t, recovered, 2)
	assert.Equal(t, "first", recovered[0])
}

func TestListenersLiveStopsDispatch(t *testing.T) {
	ls := NewListeners[int]()

	alive := true
	calls := 0
	ls.Add(HandlerFunc[int](func(int) {
		calls++
		alive = false
	}))
	ls.Add(HandlerFunc[int](func(int) { calls++ }))

	ls.Dispatch(1, func() bool { return alive }, nil)
	assert.Equal(t, 1, calls)
}
