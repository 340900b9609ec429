package jsrt

import (
	"github.com/cryguy/jsrt/internal/core"
	"go.uber.org/zap"
)

// inner owns one native runtime and everything the engine borrows from the
// host for as long as the runtime lives.
type inner struct {
	engine core.Engine
	rt     core.RuntimePtr
	log    *zap.Logger

	info   []byte // NUL-terminated; the engine keeps a pointer into it
	alloc  *allocatorHolder
	loader *loaderHolder
}

// record returns the bookkeeping record of the runtime.
func (in *inner) record() *opaque {
	return opaqueOf(in.engine, in.rt)
}

// takePanic returns a panic captured by a host callback since the last
// call, checking the bookkeeping record first.
func (in *inner) takePanic() (any, bool) {
	if rec := in.record(); rec != nil {
		if p, ok := rec.takePanic(); ok {
			return p, true
		}
	}
	if in.alloc != nil {
		return in.alloc.takePanic()
	}
	return nil, false
}

// teardown releases the runtime. The record goes first while the native
// runtime is still valid, then the runtime itself, then the host storage
// the engine was borrowing.
func (in *inner) teardown() {
	if id, rec := takeOpaque(in.engine, in.rt); rec != nil {
		rec.release(id, in.log)
	}

	in.engine.FreeRuntime(in.rt)
	in.rt = 0

	if in.alloc != nil {
		if p, ok := in.alloc.takePanic(); ok {
			in.log.Warn("dropping allocator panic at teardown", zap.Any("panic", p))
		}
		if err := in.alloc.close(); err != nil {
			in.log.Warn("closing allocator", zap.Error(err))
		}
		in.alloc = nil
	}
	in.info = nil
	in.loader = nil
	in.log.Debug("runtime freed")
}
