package quickjs

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/cryguy/jsrt/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
)

// Go values reachable from engine callbacks. The engine only ever sees the
// ids, passed through its opaque pointers.
var (
	allocators  core.HandleTable[core.Allocator]
	moduleHooks core.HandleTable[core.ModuleHooks]
)

// mallocFunctions is JSMallocFunctions. usableSize stays null: the engine
// passes that callback no state, so it cannot tell which allocator owns a
// block, and falls back to its own estimate. Accounting below asks the
// owning allocator directly.
type mallocFunctions struct {
	malloc     uintptr
	free       uintptr
	realloc    uintptr
	usableSize uintptr
}

// mallocState is JSMallocState. The engine passes it to every allocator
// call; the callbacks keep its counters current so memory limits work.
type mallocState struct {
	mallocCount uintptr
	mallocSize  uintptr
	mallocLimit uintptr
	opaque      uintptr
}

// mallocOverhead matches the per-block bookkeeping the default allocator
// reports.
const mallocOverhead = 8

// funcPtr turns a top-level Go function into the function pointer form the
// transpiled engine calls through.
func funcPtr(f any) uintptr {
	type iface [2]uintptr
	return (*iface)(unsafe.Pointer(&f))[1]
}

func allocatorFor(s uintptr) (*mallocState, core.Allocator) {
	st := (*mallocState)(unsafe.Pointer(s))
	a, ok := allocators.Load(uint64(st.opaque))
	if !ok {
		panic("quickjs: allocator callback without a registered allocator")
	}
	return st, a
}

// The allocator is expected to recover its own panics; a panic reaching
// these frames is reported as an allocation failure.

func jsMalloc(tls *libc.TLS, s uintptr, size lib.Tsize_t) (r uintptr) {
	defer func() {
		if recover() != nil {
			r = 0
		}
	}()
	st, a := allocatorFor(s)
	if st.mallocSize+uintptr(size) > st.mallocLimit {
		return 0
	}
	p := a.Malloc(uint64(size))
	if p == 0 {
		return 0
	}
	st.mallocCount++
	st.mallocSize += uintptr(a.UsableSize(p)) + mallocOverhead
	return p
}

func jsFree(tls *libc.TLS, s uintptr, ptr uintptr) {
	if ptr == 0 {
		return
	}
	defer func() { _ = recover() }()
	st, a := allocatorFor(s)
	st.mallocCount--
	st.mallocSize -= uintptr(a.UsableSize(ptr)) + mallocOverhead
	a.Free(ptr)
}

func jsRealloc(tls *libc.TLS, s uintptr, ptr uintptr, size lib.Tsize_t) (r uintptr) {
	if ptr == 0 {
		if size == 0 {
			return 0
		}
		return jsMalloc(tls, s, size)
	}
	if size == 0 {
		jsFree(tls, s, ptr)
		return 0
	}
	defer func() {
		if recover() != nil {
			r = 0
		}
	}()
	st, a := allocatorFor(s)
	old := uintptr(a.UsableSize(ptr))
	if st.mallocSize+uintptr(size)-old > st.mallocLimit {
		return 0
	}
	p := a.Realloc(ptr, uint64(size))
	if p == 0 {
		return 0
	}
	st.mallocSize += uintptr(a.UsableSize(p)) - old
	return p
}

func hooksFor(opaque uintptr) core.ModuleHooks {
	h, ok := moduleHooks.Load(uint64(opaque))
	if !ok {
		return nil
	}
	return h
}

// jsModuleNormalize is JSModuleNormalizeFunc. The result must come from
// js_malloc; a zero return tells the engine resolution failed.
func jsModuleNormalize(tls *libc.TLS, ctx, base, name, opaque uintptr) (r uintptr) {
	defer func() {
		if p := recover(); p != nil {
			throwReference(tls, ctx, fmt.Sprintf("module resolver panicked: %v", p))
			r = 0
		}
	}()
	hooks := hooksFor(opaque)
	if hooks == nil {
		throwReference(tls, ctx, "no module loader installed")
		return 0
	}
	resolved, err := hooks.Normalize(core.ContextPtr(ctx), libc.GoString(base), libc.GoString(name))
	if err != nil {
		throwReference(tls, ctx, err.Error())
		return 0
	}
	p := lib.Xjs_malloc(tls, ctx, lib.Tsize_t(len(resolved)+1))
	if p == 0 {
		return 0
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(p)), len(resolved)+1)
	copy(buf, resolved)
	buf[len(resolved)] = 0
	return p
}

// jsModuleLoader is JSModuleLoaderFunc: it compiles the loaded source as a
// module and returns the JSModuleDef pointer.
func jsModuleLoader(tls *libc.TLS, ctx, name, opaque uintptr) (r uintptr) {
	defer func() {
		if p := recover(); p != nil {
			throwReference(tls, ctx, fmt.Sprintf("module loader panicked: %v", p))
			r = 0
		}
	}()
	hooks := hooksFor(opaque)
	if hooks == nil {
		throwReference(tls, ctx, "no module loader installed")
		return 0
	}
	moduleName := libc.GoString(name)
	src, err := hooks.Load(core.ContextPtr(ctx), moduleName)
	if err != nil {
		throwReference(tls, ctx, err.Error())
		return 0
	}
	fn, ok := eval(tls, ctx, src, moduleName, evalTypeModule|evalFlagCompileOnly)
	if !ok {
		return 0
	}
	m := valuePtr(fn)
	lib.XFreeValue(tls, ctx, fn)
	return m
}

func throwReference(tls *libc.TLS, ctx uintptr, msg string) {
	format, err := libc.CString(strings.ReplaceAll(msg, "%", "%%"))
	if err != nil {
		return
	}
	defer libc.Xfree(tls, format)
	lib.XFreeValue(tls, ctx, lib.XJS_ThrowReferenceError(tls, ctx, format, 0))
}
