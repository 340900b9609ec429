package jsrt

import (
	"context"
	"errors"
	"time"

	"github.com/cryguy/jsrt/internal/eventloop"
	"go.uber.org/zap"
)

// Task is host work run by an Executor with a strong handle to the
// runtime. The handle is only valid for the duration of the call.
type Task func(rt *Runtime) error

// TimerID identifies a delayed task.
type TimerID int

// Spawner queues tasks for the runtime's Executor. It is safe for
// concurrent use and lives as long as the runtime.
type Spawner struct {
	loop *eventloop.EventLoop[*Runtime]
}

func newSpawner() *Spawner {
	return &Spawner{loop: eventloop.New[*Runtime]()}
}

// Spawner returns the runtime's spawner, creating it on first use. It
// returns nil if r is closed.
func (r *Runtime) Spawner() *Spawner {
	var sp *Spawner
	r.with(func(in *inner) {
		if rec := in.record(); rec != nil {
			sp = rec.ensureSpawner()
		}
	})
	return sp
}

func (o *opaque) ensureSpawner() *Spawner {
	if o.spawner == nil {
		o.spawner = newSpawner()
	}
	return o.spawner
}

// Spawn queues t to run on the next executor pass.
func (s *Spawner) Spawn(t Task) error {
	if !s.loop.Post(eventloop.Callback[*Runtime](t)) {
		return ErrClosed
	}
	return nil
}

// SpawnAfter queues t to run once delay has passed.
func (s *Spawner) SpawnAfter(delay time.Duration, t Task) (TimerID, error) {
	id := s.loop.RegisterTimer(delay, false, eventloop.Callback[*Runtime](t))
	if id == 0 {
		return 0, ErrClosed
	}
	return TimerID(id), nil
}

// SpawnEvery runs t every interval until cancelled.
func (s *Spawner) SpawnEvery(interval time.Duration, t Task) (TimerID, error) {
	id := s.loop.RegisterTimer(interval, true, eventloop.Callback[*Runtime](t))
	if id == 0 {
		return 0, ErrClosed
	}
	return TimerID(id), nil
}

// Cancel stops a delayed task. It reports whether the task was still
// scheduled.
func (s *Spawner) Cancel(id TimerID) bool {
	return s.loop.ClearTimer(int(id))
}

// Pending reports whether tasks or timers are queued.
func (s *Spawner) Pending() bool {
	return s.loop.HasPending()
}

func (s *Spawner) close() {
	s.loop.Close()
}

// Executor drives a runtime's spawned tasks and job queue. It holds only a
// weak reference, so a running executor does not keep the runtime alive.
type Executor struct {
	// OnError receives task and job errors during Run. When nil they are
	// logged.
	OnError func(error)

	weak WeakRuntime
	sp   *Spawner
	log  *zap.Logger
}

// Executor returns an executor for r, creating the spawner if needed.
func (r *Runtime) Executor() *Executor {
	ex := &Executor{log: r.s.log}
	r.with(func(in *inner) {
		if rec := in.record(); rec != nil {
			ex.sp = rec.ensureSpawner()
			ex.weak = rec.weak
		}
	})
	return ex
}

// step runs every ready task and then drains the job queue. It reports
// whether anything ran.
func (e *Executor) step(rt *Runtime) (bool, error) {
	var errs []error
	progressed := false
	for _, fn := range e.sp.loop.Ready() {
		progressed = true
		if err := fn(rt); err != nil {
			errs = append(errs, err)
		}
	}
	for {
		ran, err := rt.ExecutePendingJob()
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			// The throwing job was consumed; keep draining.
			progressed = true
			errs = append(errs, err)
			continue
		}
		if !ran {
			break
		}
		progressed = true
	}
	return progressed, errors.Join(errs...)
}

// errGone reports that every strong handle of the runtime is closed.
var errGone = errors.New("jsrt: runtime gone")

// pass upgrades the weak reference and runs one step.
func (e *Executor) pass() (bool, error) {
	if e.sp == nil {
		return false, errGone
	}
	rt, ok := e.weak.TryRef()
	if !ok {
		return false, errGone
	}
	defer rt.Close()
	return e.step(rt)
}

// wait blocks until new work is posted, the next timer is due, or ctx is
// done.
func (e *Executor) wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if next, ok := e.sp.loop.NextDeadline(); ok {
		t := time.NewTimer(time.Until(next))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.sp.loop.Wake():
	case <-timeout:
	}
	return nil
}

// RunUntilIdle runs tasks, timers and jobs until none are left. It stops
// at the first pass that reports an error and returns it; work not yet run
// stays queued. It returns ErrClosed if the runtime is gone.
func (e *Executor) RunUntilIdle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := e.pass()
		if err == errGone {
			return ErrClosed
		}
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		if !e.sp.loop.HasPending() {
			return nil
		}
		if err := e.wait(ctx); err != nil {
			return err
		}
	}
}

// Run drives the runtime until ctx is done or every strong handle is
// closed. Errors go to OnError. It returns ctx.Err() when cancelled and nil
// once the runtime is gone.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed, err := e.pass()
		if err == errGone {
			return nil
		}
		if err != nil {
			e.report(err)
		}
		if progressed {
			continue
		}
		if err := e.wait(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) report(err error) {
	if e.OnError != nil {
		e.OnError(err)
		return
	}
	e.log.Error("executor pass failed", zap.Error(err))
}
