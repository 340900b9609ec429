package jsrt

import (
	"github.com/cryguy/jsrt/internal/core"
)

// IsJobPending reports whether the engine's job queue holds at least one
// job. It never runs script code. A closed handle reports false.
func (r *Runtime) IsJobPending() bool {
	pending := false
	r.with(func(in *inner) { pending = in.engine.IsJobPending(in.rt) })
	return pending
}

// ExecutePendingJob runs exactly one queued job. It returns false when the
// queue was empty and true when a job ran to completion. If the job threw,
// the exception is returned as a *ScriptError; the remaining jobs stay
// queued.
func (r *Runtime) ExecutePendingJob() (bool, error) {
	var (
		ran bool
		err error
	)
	if !r.with(func(in *inner) { ran, err = executePendingJob(in) }) {
		return false, ErrClosed
	}
	return ran, err
}

func executePendingJob(in *inner) (bool, error) {
	status, ctx := in.engine.ExecutePendingJob(in.rt)
	switch status {
	case core.JobNone:
		return false, nil
	case core.JobRan:
		return true, nil
	}
	if ctx.IsNull() {
		return false, &ScriptError{Message: "job threw without a context"}
	}
	exc := in.engine.Exception(ctx)
	return false, &ScriptError{Message: exc.Message, Stack: exc.Stack}
}
