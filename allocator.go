package jsrt

import (
	"io"
	"sync"
	"sync/atomic"

	"modernc.org/memory"
)

// Allocator supplies the memory of a runtime created with NewWithAllocator.
// Memory must not be managed by the Go garbage collector. Malloc and
// Realloc return 0 on failure. The receiver plays the role of the engine's
// allocator context pointer.
type Allocator interface {
	Malloc(size uint64) uintptr
	Realloc(ptr uintptr, size uint64) uintptr
	Free(ptr uintptr)
	UsableSize(ptr uintptr) uint64
}

// allocatorHolder is what the engine actually calls. It keeps the caller's
// allocator alive until after the native runtime is freed and stops panics
// from unwinding into engine frames.
type allocatorHolder struct {
	a Allocator

	mu       sync.Mutex
	panicked *capturedPanic
}

func newAllocatorHolder(a Allocator) *allocatorHolder {
	return &allocatorHolder{a: a}
}

// catch must be deferred directly by each callback.
func (h *allocatorHolder) catch() {
	if v := recover(); v != nil {
		h.mu.Lock()
		if h.panicked == nil {
			h.panicked = &capturedPanic{value: v}
		}
		h.mu.Unlock()
	}
}

func (h *allocatorHolder) Malloc(size uint64) (p uintptr) {
	defer h.catch()
	return h.a.Malloc(size)
}

func (h *allocatorHolder) Realloc(ptr uintptr, size uint64) (p uintptr) {
	defer h.catch()
	return h.a.Realloc(ptr, size)
}

func (h *allocatorHolder) Free(ptr uintptr) {
	defer h.catch()
	h.a.Free(ptr)
}

func (h *allocatorHolder) UsableSize(ptr uintptr) (n uint64) {
	defer h.catch()
	return h.a.UsableSize(ptr)
}

func (h *allocatorHolder) takePanic() (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicked == nil {
		return nil, false
	}
	p := h.panicked
	h.panicked = nil
	return p.value, true
}

// close releases the caller's allocator once the engine no longer uses it.
func (h *allocatorHolder) close() error {
	if c, ok := h.a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MemoryAllocator allocates outside the Go heap with modernc.org/memory.
// Close releases every block at once; the runtime that owns it does that
// after teardown.
type MemoryAllocator struct {
	mu sync.Mutex
	a  memory.Allocator
}

// NewMemoryAllocator returns an empty MemoryAllocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{}
}

func (m *MemoryAllocator) Malloc(size uint64) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.a.UintptrMalloc(int(size))
	if err != nil {
		return 0
	}
	return p
}

func (m *MemoryAllocator) Realloc(ptr uintptr, size uint64) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.a.UintptrRealloc(ptr, int(size))
	if err != nil {
		return 0
	}
	return p
}

func (m *MemoryAllocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.a.UintptrFree(ptr)
}

func (m *MemoryAllocator) UsableSize(ptr uintptr) uint64 {
	if ptr == 0 {
		return 0
	}
	return uint64(memory.UintptrUsableSize(ptr))
}

// Close frees all memory still held by the allocator.
func (m *MemoryAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.a.Close()
}

// AllocatorStats is a snapshot of a CountingAllocator.
type AllocatorStats struct {
	Mallocs  uint64
	Reallocs uint64
	Frees    uint64
	Failures uint64
	Live     int64 // blocks allocated and not yet freed
}

// CountingAllocator wraps another Allocator and counts calls. A positive
// FailAfter makes every Malloc past that many successful ones fail.
type CountingAllocator struct {
	Allocator

	// FailAfter limits successful Mallocs; 0 means no limit.
	FailAfter uint64

	mallocs  atomic.Uint64
	reallocs atomic.Uint64
	frees    atomic.Uint64
	failures atomic.Uint64
	live     atomic.Int64
}

// NewCountingAllocator wraps a.
func NewCountingAllocator(a Allocator) *CountingAllocator {
	return &CountingAllocator{Allocator: a}
}

func (c *CountingAllocator) Malloc(size uint64) uintptr {
	if c.FailAfter > 0 && c.mallocs.Load() >= c.FailAfter {
		c.failures.Add(1)
		return 0
	}
	p := c.Allocator.Malloc(size)
	if p == 0 {
		c.failures.Add(1)
		return 0
	}
	c.mallocs.Add(1)
	c.live.Add(1)
	return p
}

func (c *CountingAllocator) Realloc(ptr uintptr, size uint64) uintptr {
	p := c.Allocator.Realloc(ptr, size)
	switch {
	case p == 0 && size > 0:
		c.failures.Add(1)
	case ptr != 0 && size == 0:
		c.live.Add(-1)
	case ptr == 0 && p != 0:
		c.live.Add(1)
	}
	c.reallocs.Add(1)
	return p
}

func (c *CountingAllocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	c.Allocator.Free(ptr)
	c.frees.Add(1)
	c.live.Add(-1)
}

// Stats returns the current counters.
func (c *CountingAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		Mallocs:  c.mallocs.Load(),
		Reallocs: c.reallocs.Load(),
		Frees:    c.frees.Load(),
		Failures: c.failures.Load(),
		Live:     c.live.Load(),
	}
}

// Close closes the wrapped allocator if it has a Close method.
func (c *CountingAllocator) Close() error {
	if cl, ok := c.Allocator.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
