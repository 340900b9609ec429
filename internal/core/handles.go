package core

import (
	"sync"
	"sync/atomic"
)

// HandleTable maps small integer ids to Go values so native code can carry
// a reference to host state through a single pointer-sized slot. Id 0 is
// never issued and stands for "no value".
type HandleTable[T any] struct {
	counter atomic.Uint64
	entries sync.Map // uint64 -> T
}

// Store registers v and returns its id.
func (h *HandleTable[T]) Store(v T) uint64 {
	id := h.counter.Add(1)
	h.entries.Store(id, v)
	return id
}

// Load returns the value registered under id.
func (h *HandleTable[T]) Load(id uint64) (T, bool) {
	v, ok := h.entries.Load(id)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Delete removes id and returns the value it held. Only the first Delete
// of an id observes ok == true.
func (h *HandleTable[T]) Delete(id uint64) (T, bool) {
	v, ok := h.entries.LoadAndDelete(id)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Len returns the number of live entries.
func (h *HandleTable[T]) Len() int {
	n := 0
	h.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
