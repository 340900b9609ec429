package core

// RuntimePtr is the native engine's opaque runtime handle. Zero is null.
type RuntimePtr uintptr

// IsNull reports whether the handle is null.
func (p RuntimePtr) IsNull() bool { return p == 0 }

// ContextPtr is a native execution context handle. Zero is null.
type ContextPtr uintptr

// IsNull reports whether the handle is null.
func (p ContextPtr) IsNull() bool { return p == 0 }

// JobStatus is the three-way outcome of ExecutePendingJob.
type JobStatus int

const (
	JobThrew JobStatus = -1 // the job threw; the exception is pending on the returned context
	JobNone  JobStatus = 0  // the queue was empty
	JobRan   JobStatus = 1  // exactly one job ran to completion
)

// EvalFlags select how Eval treats its input.
type EvalFlags int

const (
	EvalGlobal EvalFlags = 0
	EvalModule EvalFlags = 1
)

// MemoryUsage mirrors the engine's memory usage struct field for field.
// Backends fill it with a single copy, so the order must not change.
type MemoryUsage struct {
	MallocSize         int64
	MallocLimit        int64
	MemoryUsedSize     int64
	MallocCount        int64
	MemoryUsedCount    int64
	AtomCount          int64
	AtomSize           int64
	StrCount           int64
	StrSize            int64
	ObjCount           int64
	ObjSize            int64
	PropCount          int64
	PropSize           int64
	ShapeCount         int64
	ShapeSize          int64
	JSFuncCount        int64
	JSFuncSize         int64
	JSFuncCodeSize     int64
	JSFuncPC2LineCount int64
	JSFuncPC2LineSize  int64
	CFuncCount         int64
	ArrayCount         int64
	FastArrayCount     int64
	FastArrayElements  int64
	BinaryObjectCount  int64
	BinaryObjectSize   int64
}

// Exception is a thrown engine value converted to host strings.
type Exception struct {
	Message string
	Stack   string
}

// Allocator is the allocation function table handed to the engine at
// runtime creation. A zero pointer from Malloc or Realloc means failure.
type Allocator interface {
	Malloc(size uint64) uintptr
	Realloc(ptr uintptr, size uint64) uintptr
	Free(ptr uintptr)
	UsableSize(ptr uintptr) uint64
}

// ModuleHooks resolve and load ES modules on behalf of the engine.
// Load returns module source; the backend compiles it.
type ModuleHooks interface {
	Normalize(ctx ContextPtr, base, name string) (string, error)
	Load(ctx ContextPtr, name string) (string, error)
}

// Engine is the fixed C-style entry-point table of a native script engine.
// Implementations are not required to be safe for concurrent use on the
// same runtime; callers serialize all calls per RuntimePtr.
type Engine interface {
	NewRuntime() RuntimePtr
	NewRuntimeWithAllocator(a Allocator) RuntimePtr
	FreeRuntime(rt RuntimePtr)

	SetRuntimeOpaque(rt RuntimePtr, opaque uintptr)
	RuntimeOpaque(rt RuntimePtr) uintptr

	// SetRuntimeInfo borrows info, which must be NUL-terminated and must
	// stay alive until FreeRuntime returns.
	SetRuntimeInfo(rt RuntimePtr, info []byte)
	SetMemoryLimit(rt RuntimePtr, limit uint64)
	SetMaxStackSize(rt RuntimePtr, size uint64)
	SetGCThreshold(rt RuntimePtr, threshold uint64)
	RunGC(rt RuntimePtr)
	ComputeMemoryUsage(rt RuntimePtr) MemoryUsage

	IsJobPending(rt RuntimePtr) bool
	ExecutePendingJob(rt RuntimePtr) (JobStatus, ContextPtr)

	// SetModuleLoader installs hooks; nil restores the engine default.
	SetModuleLoader(rt RuntimePtr, hooks ModuleHooks)

	NewContext(rt RuntimePtr) ContextPtr
	FreeContext(ctx ContextPtr)
	// Eval returns the completion value as a string. ok is false when an
	// exception is pending on ctx.
	Eval(ctx ContextPtr, source, filename string, flags EvalFlags) (result string, ok bool)
	// Exception takes the pending exception off ctx.
	Exception(ctx ContextPtr) Exception
}
