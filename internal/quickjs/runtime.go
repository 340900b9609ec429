// Package quickjs implements core.Engine on the transpiled QuickJS C API
// (modernc.org/libquickjs). Every native runtime gets its own *libc.TLS;
// callers serialize calls per runtime, as the engine itself is
// single-threaded.
package quickjs

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cryguy/jsrt/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
)

// Engine-side constants from quickjs.h.
const (
	jsTagUndefined = 3
	jsTagException = 6

	evalTypeModule      = 1 << 0
	evalFlagCompileOnly = 1 << 5
)

// rtState is the Go bookkeeping kept next to one native runtime.
type rtState struct {
	tls      *libc.TLS
	allocID  uint64 // 0 when the engine allocates on its own
	loaderID uint64 // 0 when no module hooks are installed
}

// Engine is the production core.Engine.
type Engine struct {
	mu       sync.Mutex
	runtimes map[core.RuntimePtr]*rtState
	contexts map[core.ContextPtr]core.RuntimePtr
}

var _ core.Engine = (*Engine)(nil)

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// NewEngine returns the process-wide QuickJS engine.
func NewEngine() *Engine {
	defaultEngineOnce.Do(func() {
		defaultEngine = &Engine{
			runtimes: make(map[core.RuntimePtr]*rtState),
			contexts: make(map[core.ContextPtr]core.RuntimePtr),
		}
	})
	return defaultEngine
}

func (e *Engine) state(rt core.RuntimePtr) *rtState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.runtimes[rt]
	if !ok {
		panic(fmt.Sprintf("quickjs: unknown runtime %#x", uintptr(rt)))
	}
	return s
}

func (e *Engine) contextTLS(ctx core.ContextPtr) *libc.TLS {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.contexts[ctx]
	if !ok {
		panic(fmt.Sprintf("quickjs: unknown context %#x", uintptr(ctx)))
	}
	return e.runtimes[rt].tls
}

// NewRuntime calls JS_NewRuntime.
func (e *Engine) NewRuntime() core.RuntimePtr {
	tls := libc.NewTLS()
	rt := core.RuntimePtr(lib.XJS_NewRuntime(tls))
	if rt.IsNull() {
		tls.Close()
		return 0
	}
	e.mu.Lock()
	e.runtimes[rt] = &rtState{tls: tls}
	e.mu.Unlock()
	return rt
}

// NewRuntimeWithAllocator calls JS_NewRuntime2 with a function table that
// forwards to a. The engine copies the table, so it only needs to live for
// the duration of the call.
func (e *Engine) NewRuntimeWithAllocator(a core.Allocator) core.RuntimePtr {
	tls := libc.NewTLS()
	id := allocators.Store(a)

	table := tls.Alloc(int(unsafe.Sizeof(mallocFunctions{})))
	*(*mallocFunctions)(unsafe.Pointer(table)) = mallocFunctions{
		malloc:  funcPtr(jsMalloc),
		free:    funcPtr(jsFree),
		realloc: funcPtr(jsRealloc),
	}
	rt := core.RuntimePtr(lib.XJS_NewRuntime2(tls, table, uintptr(id)))
	tls.Free(int(unsafe.Sizeof(mallocFunctions{})))

	if rt.IsNull() {
		allocators.Delete(id)
		tls.Close()
		return 0
	}
	e.mu.Lock()
	e.runtimes[rt] = &rtState{tls: tls, allocID: id}
	e.mu.Unlock()
	return rt
}

// FreeRuntime calls JS_FreeRuntime and then drops the callback handles,
// which the engine may still use while freeing.
func (e *Engine) FreeRuntime(rt core.RuntimePtr) {
	s := e.state(rt)
	lib.XJS_FreeRuntime(s.tls, uintptr(rt))

	e.mu.Lock()
	delete(e.runtimes, rt)
	e.mu.Unlock()

	if s.loaderID != 0 {
		moduleHooks.Delete(s.loaderID)
	}
	if s.allocID != 0 {
		allocators.Delete(s.allocID)
	}
	s.tls.Close()
}

func (e *Engine) SetRuntimeOpaque(rt core.RuntimePtr, opaque uintptr) {
	lib.XJS_SetRuntimeOpaque(e.state(rt).tls, uintptr(rt), opaque)
}

func (e *Engine) RuntimeOpaque(rt core.RuntimePtr) uintptr {
	return lib.XJS_GetRuntimeOpaque(e.state(rt).tls, uintptr(rt))
}

// SetRuntimeInfo hands the engine a pointer into info. The slice is owned
// by the caller for the runtime's lifetime.
func (e *Engine) SetRuntimeInfo(rt core.RuntimePtr, info []byte) {
	if len(info) == 0 || info[len(info)-1] != 0 {
		panic("quickjs: runtime info must be NUL-terminated")
	}
	lib.XJS_SetRuntimeInfo(e.state(rt).tls, uintptr(rt), uintptr(unsafe.Pointer(&info[0])))
}

func (e *Engine) SetMemoryLimit(rt core.RuntimePtr, limit uint64) {
	lib.XJS_SetMemoryLimit(e.state(rt).tls, uintptr(rt), lib.Tsize_t(limit))
}

func (e *Engine) SetMaxStackSize(rt core.RuntimePtr, size uint64) {
	lib.XJS_SetMaxStackSize(e.state(rt).tls, uintptr(rt), lib.Tsize_t(size))
}

func (e *Engine) SetGCThreshold(rt core.RuntimePtr, threshold uint64) {
	lib.XJS_SetGCThreshold(e.state(rt).tls, uintptr(rt), lib.Tsize_t(threshold))
}

func (e *Engine) RunGC(rt core.RuntimePtr) {
	lib.XJS_RunGC(e.state(rt).tls, uintptr(rt))
}

// ComputeMemoryUsage copies JSMemoryUsage out of TLS scratch memory.
func (e *Engine) ComputeMemoryUsage(rt core.RuntimePtr) core.MemoryUsage {
	tls := e.state(rt).tls
	size := int(unsafe.Sizeof(core.MemoryUsage{}))
	p := tls.Alloc(size)
	defer tls.Free(size)
	lib.XJS_ComputeMemoryUsage(tls, uintptr(rt), p)
	return *(*core.MemoryUsage)(unsafe.Pointer(p))
}

func (e *Engine) IsJobPending(rt core.RuntimePtr) bool {
	return lib.XJS_IsJobPending(e.state(rt).tls, uintptr(rt)) != 0
}

// ExecutePendingJob calls JS_ExecutePendingJob, which reports the context
// of the job through an out-pointer.
func (e *Engine) ExecutePendingJob(rt core.RuntimePtr) (core.JobStatus, core.ContextPtr) {
	tls := e.state(rt).tls
	pctx := tls.Alloc(int(unsafe.Sizeof(uintptr(0))))
	defer tls.Free(int(unsafe.Sizeof(uintptr(0))))
	*(*uintptr)(unsafe.Pointer(pctx)) = 0

	ret := lib.XJS_ExecutePendingJob(tls, uintptr(rt), pctx)
	ctx := core.ContextPtr(*(*uintptr)(unsafe.Pointer(pctx)))
	switch {
	case ret == 0:
		return core.JobNone, 0
	case ret > 0:
		return core.JobRan, ctx
	default:
		return core.JobThrew, ctx
	}
}

// SetModuleLoader installs the normalize and load trampolines. A nil hooks
// value restores the engine's built-in behaviour.
func (e *Engine) SetModuleLoader(rt core.RuntimePtr, hooks core.ModuleHooks) {
	s := e.state(rt)
	old := s.loaderID
	if hooks == nil {
		lib.XJS_SetModuleLoaderFunc(s.tls, uintptr(rt), 0, 0, 0)
		s.loaderID = 0
	} else {
		id := moduleHooks.Store(hooks)
		lib.XJS_SetModuleLoaderFunc(s.tls, uintptr(rt), funcPtr(jsModuleNormalize), funcPtr(jsModuleLoader), uintptr(id))
		s.loaderID = id
	}
	if old != 0 {
		moduleHooks.Delete(old)
	}
}

func (e *Engine) NewContext(rt core.RuntimePtr) core.ContextPtr {
	ctx := core.ContextPtr(lib.XJS_NewContext(e.state(rt).tls, uintptr(rt)))
	if ctx.IsNull() {
		return 0
	}
	e.mu.Lock()
	e.contexts[ctx] = rt
	e.mu.Unlock()
	return ctx
}

func (e *Engine) FreeContext(ctx core.ContextPtr) {
	lib.XJS_FreeContext(e.contextTLS(ctx), uintptr(ctx))
	e.mu.Lock()
	delete(e.contexts, ctx)
	e.mu.Unlock()
}

// Eval calls JS_Eval and stringifies the completion value.
func (e *Engine) Eval(ctx core.ContextPtr, source, filename string, flags core.EvalFlags) (string, bool) {
	tls := e.contextTLS(ctx)
	v, ok := eval(tls, uintptr(ctx), source, filename, evalFlags(flags))
	if !ok {
		return "", false
	}
	defer lib.XFreeValue(tls, uintptr(ctx), v)
	return toString(tls, uintptr(ctx), v), true
}

// Exception takes the pending exception and extracts its message and stack.
func (e *Engine) Exception(ctx core.ContextPtr) core.Exception {
	tls := e.contextTLS(ctx)
	exc := lib.XJS_GetException(tls, uintptr(ctx))
	defer lib.XFreeValue(tls, uintptr(ctx), exc)

	out := core.Exception{Message: toString(tls, uintptr(ctx), exc)}

	name, err := libc.CString("stack")
	if err != nil {
		return out
	}
	stack := lib.XJS_GetPropertyStr(tls, uintptr(ctx), exc, name)
	libc.Xfree(tls, name)
	if tag := valueTag(stack); tag != jsTagUndefined && tag != jsTagException {
		out.Stack = toString(tls, uintptr(ctx), stack)
	}
	lib.XFreeValue(tls, uintptr(ctx), stack)
	return out
}

func evalFlags(flags core.EvalFlags) int32 {
	if flags == core.EvalModule {
		return evalTypeModule
	}
	return 0
}

// eval runs JS_Eval. On exception the value is not returned and the
// exception stays pending on ctx.
func eval(tls *libc.TLS, ctx uintptr, source, filename string, flags int32) (lib.TJSValue, bool) {
	src, err := libc.CString(source)
	if err != nil {
		panic(fmt.Sprintf("quickjs: allocating source: %v", err))
	}
	defer libc.Xfree(tls, src)
	name, err := libc.CString(filename)
	if err != nil {
		panic(fmt.Sprintf("quickjs: allocating filename: %v", err))
	}
	defer libc.Xfree(tls, name)

	v := lib.XJS_Eval(tls, ctx, src, lib.Tsize_t(len(source)), name, flags)
	if valueTag(v) == jsTagException {
		return v, false
	}
	return v, true
}

func toString(tls *libc.TLS, ctx uintptr, v lib.TJSValue) string {
	p := lib.XJS_ToCStringLen2(tls, ctx, 0, v, 0)
	if p == 0 {
		// Conversion threw; drop that exception so it does not mask the
		// original one.
		lib.XFreeValue(tls, ctx, lib.XJS_GetException(tls, ctx))
		return ""
	}
	defer lib.XJS_FreeCString(tls, ctx, p)
	return libc.GoString(p)
}

// valueTag reads the tag word of a non-NaN-boxed JSValue ({union; int64 tag}).
func valueTag(v lib.TJSValue) int64 {
	return *(*int64)(unsafe.Add(unsafe.Pointer(&v), unsafe.Sizeof(uintptr(0))))
}

// valuePtr reads the pointer member of a JSValue's union.
func valuePtr(v lib.TJSValue) uintptr {
	return *(*uintptr)(unsafe.Pointer(&v))
}
