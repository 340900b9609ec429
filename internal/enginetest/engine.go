// Package enginetest provides an in-memory core.Engine for tests. It keeps
// the native contract (null handles on allocation failure, a single opaque
// slot, a job queue popped one entry at a time, a cycle collector) while
// making every call observable.
package enginetest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cryguy/jsrt/internal/core"
)

const (
	runtimeHeaderSize = 256
	contextSize       = 128
)

// ErrOutOfMemory is returned by NewObject when the memory limit is reached.
var ErrOutOfMemory = errors.New("enginetest: out of memory")

// Job is a queued continuation. A non-nil exception means the job threw.
type Job func() *core.Exception

// EvalFunc overrides the default Eval behaviour.
type EvalFunc func(ctx core.ContextPtr, source, filename string, flags core.EvalFlags) (string, *core.Exception)

type queuedJob struct {
	ctx core.ContextPtr
	fn  Job
}

type object struct {
	size    uint64
	mem     uintptr
	roots   int
	inbound int
	edges   []ObjectID
}

// ObjectID names a heap object created with NewObject.
type ObjectID int

type runtimeState struct {
	opaque      uintptr
	info        []byte
	memoryLimit uint64
	stackSize   uint64
	gcThreshold uint64
	gcRuns      int
	allocator   core.Allocator
	header      uintptr
	hooks       core.ModuleHooks
	modules     map[string]string
	jobs        []queuedJob
	objects     map[ObjectID]*object
	nextObject  ObjectID
	contexts    map[core.ContextPtr]bool
}

type contextState struct {
	rt      core.RuntimePtr
	pending *core.Exception
}

// Engine is a fake native engine. The zero value is not usable; call New.
type Engine struct {
	// EvalFunc, if set, replaces the default Eval implementation.
	EvalFunc EvalFunc

	mu       sync.Mutex
	next     uintptr
	failNext int
	runtimes map[core.RuntimePtr]*runtimeState
	freed    map[core.RuntimePtr]bool
	contexts map[core.ContextPtr]*contextState
	events   []string
}

var _ core.Engine = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		next:     0x1000,
		runtimes: make(map[core.RuntimePtr]*runtimeState),
		freed:    make(map[core.RuntimePtr]bool),
		contexts: make(map[core.ContextPtr]*contextState),
	}
}

// FailNextRuntimes makes the next n runtime creations return a null handle.
func (e *Engine) FailNextRuntimes(n int) {
	e.mu.Lock()
	e.failNext = n
	e.mu.Unlock()
}

// Events returns the recorded lifecycle calls in order.
func (e *Engine) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// LiveRuntimes returns the number of runtimes not yet freed.
func (e *Engine) LiveRuntimes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runtimes)
}

// FreedRuntimes returns the number of FreeRuntime calls.
func (e *Engine) FreedRuntimes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.freed)
}

// Info returns the diagnostic label last installed on rt.
func (e *Engine) Info(rt core.RuntimePtr) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "Info")
	info := s.info
	if i := strings.IndexByte(string(info), 0); i >= 0 {
		info = info[:i]
	}
	return string(info)
}

// Limits returns the memory limit, stack size and GC threshold of rt.
func (e *Engine) Limits(rt core.RuntimePtr) (memory, stack, gc uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "Limits")
	return s.memoryLimit, s.stackSize, s.gcThreshold
}

// GCRuns returns how many times RunGC ran on rt.
func (e *Engine) GCRuns(rt core.RuntimePtr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mustRuntime(rt, "GCRuns").gcRuns
}

// Module returns the source loaded for a normalized module name.
func (e *Engine) Module(rt core.RuntimePtr, name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.mustRuntime(rt, "Module").modules[name]
	return src, ok
}

// mustRuntime panics on freed or unknown handles. Callers hold e.mu and
// release it with defer.
func (e *Engine) mustRuntime(rt core.RuntimePtr, op string) *runtimeState {
	s, ok := e.runtimes[rt]
	if !ok {
		panic(e.badRuntime(rt, op))
	}
	return s
}

// lockRuntime locks e.mu and returns the state of rt. On a bad handle it
// unlocks before panicking.
func (e *Engine) lockRuntime(rt core.RuntimePtr, op string) *runtimeState {
	e.mu.Lock()
	s, ok := e.runtimes[rt]
	if !ok {
		msg := e.badRuntime(rt, op)
		e.mu.Unlock()
		panic(msg)
	}
	return s
}

func (e *Engine) badRuntime(rt core.RuntimePtr, op string) string {
	if e.freed[rt] {
		return fmt.Sprintf("enginetest: %s on freed runtime %#x", op, uintptr(rt))
	}
	return fmt.Sprintf("enginetest: %s on unknown runtime %#x", op, uintptr(rt))
}

func (e *Engine) mustContext(ctx core.ContextPtr, op string) *contextState {
	c, ok := e.contexts[ctx]
	if !ok {
		panic(fmt.Sprintf("enginetest: %s on unknown context %#x", op, uintptr(ctx)))
	}
	return c
}

// lockContext is lockRuntime for contexts.
func (e *Engine) lockContext(ctx core.ContextPtr, op string) *contextState {
	e.mu.Lock()
	c, ok := e.contexts[ctx]
	if !ok {
		e.mu.Unlock()
		panic(fmt.Sprintf("enginetest: %s on unknown context %#x", op, uintptr(ctx)))
	}
	return c
}

func (e *Engine) record(ev string) {
	e.events = append(e.events, ev)
}

func (e *Engine) alloc() uintptr {
	e.next += 0x100
	return e.next
}

// NewRuntime creates a runtime with the engine's own allocation.
func (e *Engine) NewRuntime() core.RuntimePtr {
	return e.NewRuntimeWithAllocator(nil)
}

// NewRuntimeWithAllocator creates a runtime whose memory comes from a.
func (e *Engine) NewRuntimeWithAllocator(a core.Allocator) core.RuntimePtr {
	e.mu.Lock()
	if e.failNext > 0 {
		e.failNext--
		e.record("NewRuntime:null")
		e.mu.Unlock()
		return 0
	}
	e.mu.Unlock()

	var header uintptr
	if a != nil {
		header = a.Malloc(runtimeHeaderSize)
		if header == 0 {
			e.mu.Lock()
			e.record("NewRuntime:null")
			e.mu.Unlock()
			return 0
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rt := core.RuntimePtr(e.alloc())
	e.runtimes[rt] = &runtimeState{
		allocator: a,
		header:    header,
		modules:   make(map[string]string),
		objects:   make(map[ObjectID]*object),
		contexts:  make(map[core.ContextPtr]bool),
	}
	e.record("NewRuntime")
	return rt
}

// FreeRuntime releases rt and everything it allocated.
func (e *Engine) FreeRuntime(rt core.RuntimePtr) {
	s := e.lockRuntime(rt, "FreeRuntime")
	if len(s.contexts) > 0 {
		e.mu.Unlock()
		panic(fmt.Sprintf("enginetest: FreeRuntime with %d live contexts", len(s.contexts)))
	}
	delete(e.runtimes, rt)
	e.freed[rt] = true
	e.record("FreeRuntime")
	var mems []uintptr
	for _, o := range s.objects {
		if o.mem != 0 {
			mems = append(mems, o.mem)
		}
	}
	s.jobs = nil
	e.mu.Unlock()

	if s.allocator != nil {
		for _, m := range mems {
			s.allocator.Free(m)
		}
		s.allocator.Free(s.header)
	}
}

// SetRuntimeOpaque sets rt's user-data slot.
func (e *Engine) SetRuntimeOpaque(rt core.RuntimePtr, opaque uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetRuntimeOpaque").opaque = opaque
	e.record("SetRuntimeOpaque")
}

// RuntimeOpaque reads rt's user-data slot.
func (e *Engine) RuntimeOpaque(rt core.RuntimePtr) uintptr {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "RuntimeOpaque")
	e.record("RuntimeOpaque")
	return s.opaque
}

// SetRuntimeInfo borrows info until rt is freed.
func (e *Engine) SetRuntimeInfo(rt core.RuntimePtr, info []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetRuntimeInfo").info = info
}

func (e *Engine) SetMemoryLimit(rt core.RuntimePtr, limit uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetMemoryLimit").memoryLimit = limit
}

func (e *Engine) SetMaxStackSize(rt core.RuntimePtr, size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetMaxStackSize").stackSize = size
}

func (e *Engine) SetGCThreshold(rt core.RuntimePtr, threshold uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetGCThreshold").gcThreshold = threshold
}

// RunGC frees every object not reachable from a host root.
func (e *Engine) RunGC(rt core.RuntimePtr) {
	s := e.lockRuntime(rt, "RunGC")
	s.gcRuns++

	marked := make(map[ObjectID]bool, len(s.objects))
	var mark func(id ObjectID)
	mark = func(id ObjectID) {
		if marked[id] {
			return
		}
		marked[id] = true
		for _, to := range s.objects[id].edges {
			if _, ok := s.objects[to]; ok {
				mark(to)
			}
		}
	}
	for id, o := range s.objects {
		if o.roots > 0 {
			mark(id)
		}
	}

	var mems []uintptr
	for id, o := range s.objects {
		if marked[id] {
			continue
		}
		for _, to := range o.edges {
			if t, ok := s.objects[to]; ok && marked[to] {
				t.inbound--
			}
		}
		delete(s.objects, id)
		if o.mem != 0 {
			mems = append(mems, o.mem)
		}
	}
	a := s.allocator
	e.mu.Unlock()

	if a != nil {
		for _, m := range mems {
			a.Free(m)
		}
	}
}

// ComputeMemoryUsage reports allocation counters for rt.
func (e *Engine) ComputeMemoryUsage(rt core.RuntimePtr) core.MemoryUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "ComputeMemoryUsage")
	u := core.MemoryUsage{
		MallocLimit: -1,
		MallocSize:  runtimeHeaderSize + int64(len(s.info)) + int64(len(s.contexts))*contextSize,
		MallocCount: 1 + int64(len(s.contexts)),
	}
	if s.memoryLimit > 0 {
		u.MallocLimit = int64(s.memoryLimit)
	}
	for _, o := range s.objects {
		u.ObjCount++
		u.ObjSize += int64(o.size)
		u.MallocSize += int64(o.size)
		u.MallocCount++
	}
	u.MemoryUsedSize = u.MallocSize
	u.MemoryUsedCount = u.MallocCount
	return u
}

// IsJobPending reports whether rt has queued jobs.
func (e *Engine) IsJobPending(rt core.RuntimePtr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mustRuntime(rt, "IsJobPending").jobs) > 0
}

// ExecutePendingJob pops and runs one job. The job runs without e.mu held
// so it may call back into the engine.
func (e *Engine) ExecutePendingJob(rt core.RuntimePtr) (core.JobStatus, core.ContextPtr) {
	s := e.lockRuntime(rt, "ExecutePendingJob")
	if len(s.jobs) == 0 {
		e.mu.Unlock()
		return core.JobNone, 0
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	e.mu.Unlock()

	exc := job.fn()
	if exc == nil {
		return core.JobRan, job.ctx
	}
	e.mu.Lock()
	if c, ok := e.contexts[job.ctx]; ok {
		c.pending = exc
	}
	e.mu.Unlock()
	return core.JobThrew, job.ctx
}

// EnqueueJob schedules fn on the runtime that owns ctx.
func (e *Engine) EnqueueJob(ctx core.ContextPtr, fn Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.mustContext(ctx, "EnqueueJob")
	s := e.mustRuntime(c.rt, "EnqueueJob")
	s.jobs = append(s.jobs, queuedJob{ctx: ctx, fn: fn})
}

// SetModuleLoader installs the module hooks of rt.
func (e *Engine) SetModuleLoader(rt core.RuntimePtr, hooks core.ModuleHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mustRuntime(rt, "SetModuleLoader").hooks = hooks
}

// NewContext creates an execution context on rt.
func (e *Engine) NewContext(rt core.RuntimePtr) core.ContextPtr {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "NewContext")
	ctx := core.ContextPtr(e.alloc())
	e.contexts[ctx] = &contextState{rt: rt}
	s.contexts[ctx] = true
	return ctx
}

// FreeContext releases ctx.
func (e *Engine) FreeContext(ctx core.ContextPtr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.mustContext(ctx, "FreeContext")
	delete(e.contexts, ctx)
	if s, ok := e.runtimes[c.rt]; ok {
		delete(s.contexts, ctx)
	}
	e.record("FreeContext")
}

var importPattern = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"]*\s+from\s+)?['"]([^'"]+)['"]`)

// Eval runs EvalFunc when set. Otherwise a source starting with "throw "
// throws the rest of the line, module sources resolve and load their
// static imports through the installed hooks, and everything else
// completes with "undefined".
func (e *Engine) Eval(ctx core.ContextPtr, source, filename string, flags core.EvalFlags) (string, bool) {
	c := e.lockContext(ctx, "Eval")
	fn := e.EvalFunc
	e.mu.Unlock()

	if fn != nil {
		res, exc := fn(ctx, source, filename, flags)
		if exc != nil {
			e.setPending(c, exc)
			return "", false
		}
		return res, true
	}

	if msg, ok := strings.CutPrefix(source, "throw "); ok {
		e.setPending(c, &core.Exception{Message: msg, Stack: "    at " + filename})
		return "", false
	}
	if flags == core.EvalModule {
		for _, m := range importPattern.FindAllStringSubmatch(source, -1) {
			if _, err := e.Import(ctx, filename, m[1]); err != nil {
				e.setPending(c, &core.Exception{Message: "ReferenceError: " + err.Error()})
				return "", false
			}
		}
		return "[object Promise]", true
	}
	return "undefined", true
}

func (e *Engine) setPending(c *contextState, exc *core.Exception) {
	e.mu.Lock()
	c.pending = exc
	e.mu.Unlock()
}

// Import resolves and loads name the way a static import would.
// It returns the normalized module name.
func (e *Engine) Import(ctx core.ContextPtr, base, name string) (string, error) {
	c := e.lockContext(ctx, "Import")
	s, ok := e.runtimes[c.rt]
	if !ok {
		e.mu.Unlock()
		panic(fmt.Sprintf("enginetest: Import on context %#x of a freed runtime", uintptr(ctx)))
	}
	hooks := s.hooks
	e.mu.Unlock()

	if hooks == nil {
		return "", fmt.Errorf("could not load module %q: no module loader", name)
	}
	resolved, err := hooks.Normalize(ctx, base, name)
	if err != nil {
		return "", err
	}
	src, err := hooks.Load(ctx, resolved)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	s.modules[resolved] = src
	e.mu.Unlock()
	return resolved, nil
}

// Exception takes the pending exception off ctx.
func (e *Engine) Exception(ctx core.ContextPtr) core.Exception {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.mustContext(ctx, "Exception")
	if c.pending == nil {
		return core.Exception{Message: "undefined"}
	}
	exc := *c.pending
	c.pending = nil
	return exc
}

// NewObject allocates a host-rooted object of the given size on rt.
func (e *Engine) NewObject(rt core.RuntimePtr, size uint64) (ObjectID, error) {
	s := e.lockRuntime(rt, "NewObject")
	if s.memoryLimit > 0 {
		used := uint64(runtimeHeaderSize + len(s.info))
		for _, o := range s.objects {
			used += o.size
		}
		if used+size > s.memoryLimit {
			e.mu.Unlock()
			return 0, ErrOutOfMemory
		}
	}
	a := s.allocator
	e.mu.Unlock()

	var mem uintptr
	if a != nil {
		if mem = a.Malloc(size); mem == 0 {
			return 0, ErrOutOfMemory
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.nextObject++
	id := s.nextObject
	s.objects[id] = &object{size: size, mem: mem, roots: 1}
	return id, nil
}

// Link stores a reference from one object to another.
func (e *Engine) Link(rt core.RuntimePtr, from, to ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.mustRuntime(rt, "Link")
	f, ok := s.objects[from]
	if !ok {
		panic(fmt.Sprintf("enginetest: Link from dead object %d", from))
	}
	t, ok := s.objects[to]
	if !ok {
		panic(fmt.Sprintf("enginetest: Link to dead object %d", to))
	}
	f.edges = append(f.edges, to)
	t.inbound++
}

// Release drops the host root of id. Objects with no roots and no inbound
// references are freed at once, the way reference counting would.
func (e *Engine) Release(rt core.RuntimePtr, id ObjectID) {
	s := e.lockRuntime(rt, "Release")
	o, ok := s.objects[id]
	if !ok || o.roots == 0 {
		e.mu.Unlock()
		panic(fmt.Sprintf("enginetest: Release of unrooted object %d", id))
	}
	o.roots--

	var mems []uintptr
	var drop func(id ObjectID)
	drop = func(id ObjectID) {
		o, ok := s.objects[id]
		if !ok || o.roots > 0 || o.inbound > 0 {
			return
		}
		delete(s.objects, id)
		if o.mem != 0 {
			mems = append(mems, o.mem)
		}
		for _, to := range o.edges {
			if t, ok := s.objects[to]; ok {
				t.inbound--
				drop(to)
			}
		}
	}
	drop(id)
	a := s.allocator
	e.mu.Unlock()

	if a != nil {
		for _, m := range mems {
			a.Free(m)
		}
	}
}
