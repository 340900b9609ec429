package jsrt

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cryguy/jsrt/internal/core"
	"go.uber.org/zap"
)

// MemoryUsage is a snapshot of the engine's allocation counters.
type MemoryUsage = core.MemoryUsage

// shared is the state every handle of one runtime points at.
type shared struct {
	refs atomic.Int64 // strong handles; 0 is final

	mu    sync.Mutex
	inner *inner // nil once torn down
	log   *zap.Logger
}

// handleState is the per-handle part that must outlive the *Runtime for the
// leak cleanup to see it.
type handleState struct {
	released atomic.Bool
}

// Runtime is a strong, reference-counted handle to a native runtime. All
// engine calls go through one mutex, so a Runtime may be shared between
// goroutines. Each handle, including those from Clone and TryRef, must be
// closed exactly once.
type Runtime struct {
	s       *shared
	h       *handleState
	cleanup runtime.Cleanup
}

// WeakRuntime refers to a runtime without keeping it alive.
type WeakRuntime struct {
	s *shared
}

// TryRef returns a new strong handle if at least one strong handle is
// still open. The caller must Close it.
func (w WeakRuntime) TryRef() (*Runtime, bool) {
	if w.s == nil {
		return nil, false
	}
	for {
		n := w.s.refs.Load()
		if n == 0 {
			return nil, false
		}
		if w.s.refs.CompareAndSwap(n, n+1) {
			return newHandle(w.s), true
		}
	}
}

// Alive reports whether a strong handle was open at the time of the call.
func (w WeakRuntime) Alive() bool {
	return w.s != nil && w.s.refs.Load() > 0
}

type leakedHandle struct {
	s *shared
	h *handleState
}

func newHandle(s *shared) *Runtime {
	r := &Runtime{s: s, h: &handleState{}}
	r.cleanup = runtime.AddCleanup(r, func(l leakedHandle) {
		if l.h.released.Swap(true) {
			return
		}
		l.s.log.Warn("runtime handle garbage collected without Close")
		l.s.release()
	}, leakedHandle{s: s, h: r.h})
	return r
}

// release drops one strong reference and tears the runtime down on the
// last one.
func (s *shared) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.mu.Lock()
	in := s.inner
	s.inner = nil
	s.mu.Unlock()
	if in != nil {
		in.teardown()
	}
}

// Option configures a runtime at construction.
type Option func(*options)

type options struct {
	log      *zap.Logger
	cfg      Config
	registry bool
	engine   core.Engine
}

// WithLogger sets the logger of the runtime. The default is Logger().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithConfig applies cfg once the runtime is created.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
		if cfg.Registry {
			o.registry = true
		}
	}
}

// WithRegistry enables the tracked-key registry.
func WithRegistry() Option {
	return func(o *options) { o.registry = true }
}

// withEngine replaces the native engine.
func withEngine(e core.Engine) Option {
	return func(o *options) { o.engine = e }
}

// New creates a runtime that uses the engine's own allocator. It fails
// only with ErrAllocation when the engine cannot create the runtime, or
// with the error of an invalid configured Info.
func New(opts ...Option) (*Runtime, error) {
	return newRuntime(nil, opts)
}

// NewWithAllocator creates a runtime whose memory comes from a. The
// runtime owns a from then on: if a has a Close method, it is called after
// the native runtime is freed.
func NewWithAllocator(a Allocator, opts ...Option) (*Runtime, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrAllocation)
	}
	return newRuntime(newAllocatorHolder(a), opts)
}

func newRuntime(alloc *allocatorHolder, opts []Option) (*Runtime, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.engine == nil {
		o.engine = defaultEngine()
	}
	if o.log == nil {
		o.log = Logger()
	}

	var rt core.RuntimePtr
	if alloc != nil {
		rt = o.engine.NewRuntimeWithAllocator(alloc)
	} else {
		rt = o.engine.NewRuntime()
	}
	if rt.IsNull() {
		if alloc != nil {
			if p, ok := alloc.takePanic(); ok {
				_ = alloc.close()
				return nil, fmt.Errorf("%w: %w", ErrAllocation, &PanicError{Value: p})
			}
			_ = alloc.close()
		}
		return nil, ErrAllocation
	}

	in := &inner{engine: o.engine, rt: rt, log: o.log, alloc: alloc}
	s := &shared{inner: in, log: o.log}
	s.refs.Store(1)

	rec := &opaque{weak: WeakRuntime{s: s}}
	if o.registry {
		rec.registry = make(map[RegistryKey]struct{})
	}
	installOpaque(o.engine, rt, rec)

	// A panic during construction leaves nothing for the caller to resume
	// from, so it fails the construction instead.
	if alloc != nil {
		if p, ok := alloc.takePanic(); ok {
			in.teardown()
			return nil, fmt.Errorf("%w: %w", ErrAllocation, &PanicError{Value: p})
		}
	}

	r := newHandle(s)
	if err := o.cfg.apply(r); err != nil {
		_ = r.Close()
		return nil, err
	}
	o.log.Debug("runtime created", zap.Uintptr("rt", uintptr(rt)), zap.Bool("allocator", alloc != nil))
	return r, nil
}

// Clone returns a new strong handle to the same runtime. It returns nil if
// r is closed.
func (r *Runtime) Clone() *Runtime {
	if r.h.released.Load() {
		return nil
	}
	r.s.refs.Add(1)
	return newHandle(r.s)
}

// Weak returns a weak reference to the runtime.
func (r *Runtime) Weak() WeakRuntime {
	return WeakRuntime{s: r.s}
}

// Close releases this handle. The runtime is torn down when the last strong
// handle is closed. Closing a handle twice returns ErrClosed.
func (r *Runtime) Close() error {
	if r.h.released.Swap(true) {
		return ErrClosed
	}
	r.cleanup.Stop()
	r.s.release()
	return nil
}

// with runs fn on the live runtime under the lock and then re-raises any
// host panic captured during fn, after the lock is released. It reports
// false if r is closed.
func (r *Runtime) with(fn func(in *inner)) bool {
	if r.h.released.Load() {
		return false
	}
	var (
		p        any
		panicked bool
	)
	live := func() bool {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		in := r.s.inner
		if in == nil {
			return false
		}
		fn(in)
		p, panicked = in.takePanic()
		return true
	}()
	if panicked {
		panic(p)
	}
	return live
}

// SetLoader installs the module resolver and loader used by imports. A nil
// resolver resolves relative specifiers like RelativeResolver; a nil loader
// removes the installed pair.
func (r *Runtime) SetLoader(resolver Resolver, loader Loader) {
	r.with(func(in *inner) {
		if loader == nil {
			in.engine.SetModuleLoader(in.rt, nil)
			in.loader = nil
			return
		}
		if resolver == nil {
			resolver = RelativeResolver
		}
		h := &loaderHolder{engine: in.engine, rt: in.rt, resolver: resolver, loader: loader}
		in.engine.SetModuleLoader(in.rt, h)
		in.loader = h
	})
}

// SetInfo sets the diagnostic label of the runtime. It fails with
// *EncodingError if info contains a NUL byte.
func (r *Runtime) SetInfo(info string) error {
	for i := 0; i < len(info); i++ {
		if info[i] == 0 {
			return &EncodingError{Offset: i}
		}
	}
	buf := make([]byte, len(info)+1)
	copy(buf, info)
	if !r.with(func(in *inner) {
		in.engine.SetRuntimeInfo(in.rt, buf)
		in.info = buf
	}) {
		return ErrClosed
	}
	return nil
}

// SetMemoryLimit caps the engine heap. 0 means unlimited.
func (r *Runtime) SetMemoryLimit(limit uint64) {
	r.with(func(in *inner) { in.engine.SetMemoryLimit(in.rt, limit) })
}

// SetMaxStackSize caps the script stack. 0 disables the check.
func (r *Runtime) SetMaxStackSize(size uint64) {
	r.with(func(in *inner) { in.engine.SetMaxStackSize(in.rt, size) })
}

// SetGCThreshold sets the allocation volume that triggers an automatic
// cycle collection.
func (r *Runtime) SetGCThreshold(threshold uint64) {
	r.with(func(in *inner) { in.engine.SetGCThreshold(in.rt, threshold) })
}

// RunGC runs the cycle collector. Acyclic garbage is freed by reference
// counting as soon as it becomes unreachable, so this is only needed for
// cycles.
func (r *Runtime) RunGC() {
	r.with(func(in *inner) { in.engine.RunGC(in.rt) })
}

// MemoryUsage returns the allocation counters of the runtime, or the zero
// value if r is closed.
func (r *Runtime) MemoryUsage() MemoryUsage {
	var u MemoryUsage
	r.with(func(in *inner) { u = in.engine.ComputeMemoryUsage(in.rt) })
	return u
}
