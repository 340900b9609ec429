package jsrt

import (
	"sync"

	"github.com/cryguy/jsrt/internal/core"
)

// Context is a script execution context on a runtime. It holds a strong
// handle to its runtime until Close, so the native runtime is never freed
// with contexts still attached.
type Context struct {
	rt *Runtime

	mu  sync.Mutex
	ptr core.ContextPtr // 0 once closed
}

// NewContext creates an execution context on rt.
func NewContext(rt *Runtime) (*Context, error) {
	owner := rt.Clone()
	if owner == nil {
		return nil, ErrClosed
	}
	var ptr core.ContextPtr
	if !owner.with(func(in *inner) { ptr = in.engine.NewContext(in.rt) }) {
		_ = owner.Close()
		return nil, ErrClosed
	}
	if ptr.IsNull() {
		_ = owner.Close()
		return nil, ErrAllocation
	}
	return &Context{rt: owner, ptr: ptr}, nil
}

// Runtime returns a weak reference to the owning runtime.
func (c *Context) Runtime() WeakRuntime {
	return c.rt.Weak()
}

func (c *Context) eval(name, source string, flags core.EvalFlags) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ptr.IsNull() {
		return "", ErrClosed
	}
	var (
		result string
		err    error
	)
	c.rt.with(func(in *inner) {
		var ok bool
		result, ok = in.engine.Eval(c.ptr, source, name, flags)
		if !ok {
			exc := in.engine.Exception(c.ptr)
			err = &ScriptError{Message: exc.Message, Stack: exc.Stack}
		}
	})
	return result, err
}

// Eval runs source as a global script and returns its completion value
// converted to a string. A thrown exception is returned as *ScriptError.
func (c *Context) Eval(name, source string) (string, error) {
	return c.eval(name, source, core.EvalGlobal)
}

// EvalModule evaluates source as an ES module. Imports are resolved and
// loaded through the runtime's loader. Top-level await and module
// evaluation continue on the job queue.
func (c *Context) EvalModule(name, source string) error {
	_, err := c.eval(name, source, core.EvalModule)
	return err
}

// Close frees the native context and releases the runtime handle it held.
// Closing twice returns ErrClosed.
func (c *Context) Close() error {
	c.mu.Lock()
	ptr := c.ptr
	c.ptr = 0
	c.mu.Unlock()
	if ptr.IsNull() {
		return ErrClosed
	}
	defer c.rt.Close()
	c.rt.with(func(in *inner) { in.engine.FreeContext(ptr) })
	return nil
}
