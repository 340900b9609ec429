// Package eventloop queues host tasks and timers that must run on a
// runtime's owning goroutine. It never runs anything itself: the driver
// pops ready callbacks and invokes them with its own lock discipline.
package eventloop

import (
	"sync"
	"time"
)

// Callback is a queued unit of host work.
type Callback[T any] func(T) error

// timerEntry is a callback scheduled for a wall-clock deadline.
type timerEntry[T any] struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot timers
	id       int
	fn       Callback[T]
	cleared  bool
}

// EventLoop holds posted callbacks and timers. It is safe for concurrent
// use; Wake is signalled whenever new work arrives.
type EventLoop[T any] struct {
	mu     sync.Mutex
	tasks  []Callback[T]
	timers map[int]*timerEntry[T]
	nextID int
	closed bool
	wake   chan struct{}
	now    func() time.Time
}

// New creates an empty EventLoop.
func New[T any]() *EventLoop[T] {
	return &EventLoop[T]{
		timers: make(map[int]*timerEntry[T]),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake returns a channel that receives a value after new work is queued.
func (el *EventLoop[T]) Wake() <-chan struct{} {
	return el.wake
}

func (el *EventLoop[T]) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the next drain. It reports false once the loop
// is closed.
func (el *EventLoop[T]) Post(fn Callback[T]) bool {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return false
	}
	el.tasks = append(el.tasks, fn)
	el.mu.Unlock()
	el.signal()
	return true
}

// RegisterTimer schedules fn after delay and returns its ID. Interval timers
// re-arm after every run. It returns 0 once the loop is closed.
func (el *EventLoop[T]) RegisterTimer(delay time.Duration, isInterval bool, fn Callback[T]) int {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry[T]{
		deadline: el.now().Add(delay),
		id:       id,
		fn:       fn,
	}
	if isInterval {
		if delay < time.Millisecond {
			delay = time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	el.mu.Unlock()
	el.signal()
	return id
}

// ClearTimer cancels a timer by ID. It reports whether the timer was live.
func (el *EventLoop[T]) ClearTimer(id int) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	t, ok := el.timers[id]
	if !ok {
		return false
	}
	t.cleared = true
	delete(el.timers, id)
	return true
}

// Ready removes and returns every posted task plus every timer whose
// deadline has passed, in that order. Interval timers are re-armed.
func (el *EventLoop[T]) Ready() []Callback[T] {
	el.mu.Lock()
	defer el.mu.Unlock()
	ready := el.tasks
	el.tasks = nil

	now := el.now()
	var due []*timerEntry[T]
	for _, t := range el.timers {
		if !t.cleared && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	// Fire in deadline order, ties broken by registration order.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].before(due[j-1]); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	for _, t := range due {
		ready = append(ready, t.fn)
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
	}
	return ready
}

func (t *timerEntry[T]) before(o *timerEntry[T]) bool {
	if t.deadline.Equal(o.deadline) {
		return t.id < o.id
	}
	return t.deadline.Before(o.deadline)
}

// NextDeadline returns the earliest live timer deadline.
func (el *EventLoop[T]) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// HasPending returns true if there are queued tasks or live timers.
func (el *EventLoop[T]) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.tasks) > 0 || len(el.timers) > 0
}

// Close drops all queued work and rejects new work.
func (el *EventLoop[T]) Close() {
	el.mu.Lock()
	el.closed = true
	el.tasks = nil
	el.timers = make(map[int]*timerEntry[T])
	el.nextID = 0
	el.mu.Unlock()
	el.signal()
}

// Closed reports whether Close was called.
func (el *EventLoop[T]) Closed() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.closed
}
