// Package jsrt owns the lifecycle of embedded QuickJS runtimes.
//
// A Runtime is a reference-counted, mutex-guarded handle over one native
// engine instance. Every strong handle is released with Close; the native
// instance is torn down when the last one goes. WeakRuntime observes a
// runtime without keeping it alive and is what child contexts and executors
// use to reach their owner.
//
// The host drives asynchronous engine work explicitly: IsJobPending polls
// the engine's job queue and ExecutePendingJob runs exactly one job,
// returning a *ScriptError when it throws.
//
//	rt, err := jsrt.New(jsrt.WithConfig(cfg))
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//	for {
//		ran, err := rt.ExecutePendingJob()
//		if err != nil || !ran {
//			break
//		}
//	}
//
// Panics raised by host callbacks that the engine invokes (allocator,
// resolver, loader) never unwind through engine frames. They are recorded
// and re-raised by the next Runtime or Context method once the engine call
// has returned.
package jsrt
