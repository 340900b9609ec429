package jsrt

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryguy/jsrt/internal/core"
	"github.com/cryguy/jsrt/internal/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFake(t *testing.T, opts ...Option) (*Runtime, *enginetest.Engine) {
	t.Helper()
	e := enginetest.New()
	r, err := New(append([]Option{withEngine(e)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, e
}

// nativeOf returns the engine handle behind r.
func nativeOf(t *testing.T, r *Runtime) core.RuntimePtr {
	t.Helper()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	require.NotNil(t, r.s.inner, "runtime already torn down")
	return r.s.inner.rt
}

// countReleases installs opaqueReleaseHook for the duration of the test.
func countReleases(t *testing.T) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	opaqueReleaseHook = func(uint64) { n.Add(1) }
	t.Cleanup(func() { opaqueReleaseHook = nil })
	return &n
}

func TestNew_NeverNull(t *testing.T) {
	r, e := newFake(t)
	assert.False(t, nativeOf(t, r).IsNull())
	assert.Equal(t, 1, e.LiveRuntimes())
}

func TestNew_AllocationFailure(t *testing.T) {
	e := enginetest.New()
	e.FailNextRuntimes(1)

	r, err := New(withEngine(e))
	require.ErrorIs(t, err, ErrAllocation)
	assert.Nil(t, r)
	assert.Zero(t, e.LiveRuntimes())
	assert.Equal(t, []string{"NewRuntime:null"}, e.Events())

	// The next attempt succeeds.
	r, err = New(withEngine(e))
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestClose_TeardownOrder(t *testing.T) {
	releases := countReleases(t)
	e := enginetest.New()
	r, err := New(withEngine(e))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	events := e.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, []string{"RuntimeOpaque", "SetRuntimeOpaque", "FreeRuntime"}, events[len(events)-3:],
		"the record is detached while the runtime is still valid, then the runtime is freed")
	assert.Equal(t, int64(1), releases.Load())
	assert.Zero(t, e.LiveRuntimes())
}

func TestClose_Twice(t *testing.T) {
	r, e := newFake(t)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Close(), ErrClosed)
	assert.Equal(t, 1, e.FreedRuntimes())
}

func TestClone_KeepsRuntimeAlive(t *testing.T) {
	r, e := newFake(t)
	c := r.Clone()
	require.NotNil(t, c)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, e.LiveRuntimes(), "clone still owns the runtime")
	require.NoError(t, c.SetInfo("still here"))

	require.NoError(t, c.Close())
	assert.Zero(t, e.LiveRuntimes())
	assert.Nil(t, c.Clone())
}

func TestWeak_TryRef(t *testing.T) {
	r, e := newFake(t)
	w := r.Weak()
	assert.True(t, w.Alive())

	h, ok := w.TryRef()
	require.True(t, ok)
	require.NoError(t, r.Close())
	assert.Equal(t, 1, e.LiveRuntimes(), "upgraded handle keeps the runtime alive")
	assert.True(t, w.Alive())

	require.NoError(t, h.Close())
	assert.False(t, w.Alive())
	_, ok = w.TryRef()
	assert.False(t, ok)

	_, ok = WeakRuntime{}.TryRef()
	assert.False(t, ok)
}

func TestWeak_ConcurrentUpgradeAndDrop(t *testing.T) {
	releases := countReleases(t)
	for i := 0; i < 50; i++ {
		e := enginetest.New()
		r, err := New(withEngine(e))
		require.NoError(t, err)
		w := r.Weak()

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 100; j++ {
					h, ok := w.TryRef()
					if !ok {
						return
					}
					// A successful upgrade must see a live native runtime.
					_ = h.MemoryUsage()
					_ = h.Close()
				}
			}()
		}
		close(start)
		require.NoError(t, r.Close())
		wg.Wait()

		assert.False(t, w.Alive())
		_, ok := w.TryRef()
		assert.False(t, ok)
		assert.Equal(t, 1, e.FreedRuntimes())
	}
	assert.Equal(t, int64(50), releases.Load())
}

func TestClosedHandle(t *testing.T) {
	r, e := newFake(t)
	rt := nativeOf(t, r)
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.SetInfo("x"), ErrClosed)
	assert.False(t, r.IsJobPending())
	assert.Equal(t, MemoryUsage{}, r.MemoryUsage())
	_, err := r.ExecutePendingJob()
	assert.ErrorIs(t, err, ErrClosed)

	// Setters are no-ops and must not reach the freed runtime.
	r.SetMemoryLimit(1)
	r.SetMaxStackSize(1)
	r.SetGCThreshold(1)
	r.RunGC()
	r.SetLoader(nil, nil)
	assert.Panics(t, func() { e.GCRuns(rt) }, "fake engine reports the runtime as freed")
}

func TestSetInfo(t *testing.T) {
	r, e := newFake(t)
	rt := nativeOf(t, r)

	require.NoError(t, r.SetInfo("worker-1"))
	assert.Equal(t, "worker-1", e.Info(rt))
	require.NoError(t, r.SetInfo("worker-2"))
	assert.Equal(t, "worker-2", e.Info(rt), "last write wins")

	err := r.SetInfo("bad\x00label")
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, 3, encErr.Offset)
	assert.Equal(t, "worker-2", e.Info(rt), "a rejected label leaves the old one")

	require.NoError(t, r.SetInfo(""))
	assert.Equal(t, "", e.Info(rt))
}

func TestLimits(t *testing.T) {
	r, e := newFake(t)
	rt := nativeOf(t, r)

	r.SetMemoryLimit(8 << 20)
	r.SetMaxStackSize(256 << 10)
	r.SetGCThreshold(1 << 20)
	mem, stack, gc := e.Limits(rt)
	assert.Equal(t, uint64(8<<20), mem)
	assert.Equal(t, uint64(256<<10), stack)
	assert.Equal(t, uint64(1<<20), gc)
	assert.Equal(t, int64(8<<20), r.MemoryUsage().MallocLimit)

	r.SetMemoryLimit(0)
	assert.Equal(t, int64(-1), r.MemoryUsage().MallocLimit, "0 means unlimited")
}

func TestJobQueue(t *testing.T) {
	r, e := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, r.IsJobPending())
	ran, err := r.ExecutePendingJob()
	require.NoError(t, err)
	assert.False(t, ran, "empty queue is a no-op")

	var order []int
	for i := 1; i <= 3; i++ {
		e.EnqueueJob(c.ptr, func() *core.Exception {
			order = append(order, i)
			if i == 2 {
				return &core.Exception{Message: "Error: job 2", Stack: "    at job (main.js:2)"}
			}
			return nil
		})
	}
	assert.True(t, r.IsJobPending())

	ran, err = r.ExecutePendingJob()
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = r.ExecutePendingJob()
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "Error: job 2", scriptErr.Message)
	assert.Contains(t, scriptErr.Error(), "main.js:2")
	assert.True(t, r.IsJobPending(), "job 3 is still queued")

	ran, err = r.ExecutePendingJob()
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = r.ExecutePendingJob()
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRunGC_Cycles(t *testing.T) {
	r, e := newFake(t)
	rt := nativeOf(t, r)

	r.RunGC() // nothing live
	base := r.MemoryUsage()

	// Acyclic values are freed by reference counting alone.
	a, err := e.NewObject(rt, 64)
	require.NoError(t, err)
	b, err := e.NewObject(rt, 64)
	require.NoError(t, err)
	e.Link(rt, a, b)
	e.Release(rt, a)
	e.Release(rt, b)
	assert.Equal(t, base, r.MemoryUsage())

	// A cycle survives until collected.
	x, err := e.NewObject(rt, 128)
	require.NoError(t, err)
	y, err := e.NewObject(rt, 128)
	require.NoError(t, err)
	e.Link(rt, x, y)
	e.Link(rt, y, x)
	e.Release(rt, x)
	e.Release(rt, y)
	assert.Greater(t, r.MemoryUsage().MallocSize, base.MallocSize)

	r.RunGC()
	assert.LessOrEqual(t, r.MemoryUsage().MallocSize, base.MallocSize)
	assert.Equal(t, 2, e.GCRuns(rt))
}

func TestLeakedHandleIsReleased(t *testing.T) {
	e := enginetest.New()
	func() {
		r, err := New(withEngine(e))
		require.NoError(t, err)
		_ = r.MemoryUsage()
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return e.LiveRuntimes() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestContext(t *testing.T) {
	r, e := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)

	got, err := c.Eval("main.js", "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)

	_, err = c.Eval("main.js", "throw Error: nope")
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "Error: nope", scriptErr.Message)
	assert.Equal(t, "    at main.js", scriptErr.Stack)
	assert.True(t, errors.Is(err, &ScriptError{}))

	require.NoError(t, r.Close())
	assert.Equal(t, 1, e.LiveRuntimes(), "a live context keeps the runtime")
	w := c.Runtime()
	assert.True(t, w.Alive())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClosed)
	assert.Zero(t, e.LiveRuntimes())
	_, err = c.Eval("main.js", "1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContext_CloseReleasesRuntimeOnPanic(t *testing.T) {
	releases := countReleases(t)
	r, e := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r.s.mu.Lock()
	r.s.inner.record().capture("host failure")
	r.s.mu.Unlock()

	assert.PanicsWithValue(t, "host failure", func() { _ = c.Close() })
	assert.Zero(t, e.LiveRuntimes(), "the context's runtime handle is released")
	assert.Equal(t, int64(1), releases.Load())
	assert.False(t, c.Runtime().Alive())
}

func TestNewContext_ClosedRuntime(t *testing.T) {
	r, _ := newFake(t)
	require.NoError(t, r.Close())
	_, err := NewContext(r)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoader(t *testing.T) {
	r, e := newFake(t)
	rt := nativeOf(t, r)
	c, err := NewContext(r)
	require.NoError(t, err)
	defer c.Close()

	err = c.EvalModule("main.js", `import "./dep.js";`)
	require.Error(t, err, "no loader installed")

	modules := map[string]string{"lib/dep.js": "export const v = 1;"}
	r.SetLoader(nil, LoaderFunc(func(name string) (string, error) {
		src, ok := modules[name]
		if !ok {
			return "", errors.New("no such module")
		}
		return src, nil
	}))
	require.NoError(t, c.EvalModule("lib/main.js", `import { v } from "./dep.js";`))
	src, ok := e.Module(rt, "lib/dep.js")
	require.True(t, ok)
	assert.Equal(t, "export const v = 1;", src)

	err = c.EvalModule("lib/main.js", `import "./gone.js";`)
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "no such module")

	// A replacement resolver maps everything to one module.
	r.SetLoader(ResolverFunc(func(_, _ string) (string, error) { return "lib/dep.js", nil }), LoaderFunc(func(name string) (string, error) {
		return modules[name], nil
	}))
	require.NoError(t, c.EvalModule("main.js", `import "anything";`))

	r.SetLoader(nil, nil)
	require.Error(t, c.EvalModule("main.js", `import "./dep.js";`))
}

func TestLoader_PanicIsResumedAfterTheCall(t *testing.T) {
	r, _ := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)
	defer c.Close()

	r.SetLoader(nil, LoaderFunc(func(string) (string, error) { panic("loader exploded") }))
	assert.PanicsWithValue(t, "loader exploded", func() {
		_ = c.EvalModule("main.js", `import "./dep.js";`)
	})

	// The lock was released and the panic consumed.
	require.NoError(t, r.SetInfo("after panic"))
	_, err = c.Eval("main.js", "1")
	require.NoError(t, err)
}

func TestResolveRelative(t *testing.T) {
	got, err := RelativeResolver.Resolve("a/b/main.js", "../c.js")
	require.NoError(t, err)
	assert.Equal(t, "a/c.js", got)

	got, err = RelativeResolver.Resolve("a/main.js", "pkg")
	require.NoError(t, err)
	assert.Equal(t, "pkg", got)

	_, err = RelativeResolver.Resolve("main.js", "../../etc/passwd")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r, _ := newFake(t)
		assert.ErrorIs(t, r.Register(NewRegistryKey()), ErrRegistryDisabled)
		_, err := r.Unregister(NewRegistryKey())
		assert.ErrorIs(t, err, ErrRegistryDisabled)
		assert.False(t, r.Owns(NewRegistryKey()))
	})

	t.Run("enabled", func(t *testing.T) {
		r, _ := newFake(t, WithRegistry())
		k1, k2 := NewRegistryKey(), NewRegistryKey()
		assert.NotEqual(t, k1, k2)

		require.NoError(t, r.Register(k1))
		require.NoError(t, r.Register(k1))
		require.NoError(t, r.Register(k2))
		assert.Equal(t, 2, r.RegistryLen())
		assert.True(t, r.Owns(k1))

		found, err := r.Unregister(k1)
		require.NoError(t, err)
		assert.True(t, found)
		found, err = r.Unregister(k1)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, r.Close())
		assert.ErrorIs(t, r.Register(k2), ErrClosed)
		assert.False(t, r.Owns(k2))
	})
}
