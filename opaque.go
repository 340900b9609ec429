package jsrt

import (
	"github.com/cryguy/jsrt/internal/core"
	"go.uber.org/zap"
)

// opaque is the bookkeeping record attached to one native runtime. The
// engine's user-data slot holds its id in the records table; callbacks
// running inside an engine call reach it through that slot.
type opaque struct {
	panicked *capturedPanic
	weak     WeakRuntime
	registry map[RegistryKey]struct{} // nil unless WithRegistry
	spawner  *Spawner
}

type capturedPanic struct {
	value any
}

// records maps opaque-slot ids to bookkeeping records.
var records core.HandleTable[*opaque]

// opaqueReleaseHook, when set, observes every record release.
var opaqueReleaseHook func(id uint64)

// installOpaque stores rec and publishes its id in the engine slot.
func installOpaque(e core.Engine, rt core.RuntimePtr, rec *opaque) uint64 {
	id := records.Store(rec)
	e.SetRuntimeOpaque(rt, uintptr(id))
	return id
}

// opaqueOf returns the record installed on rt, or nil.
func opaqueOf(e core.Engine, rt core.RuntimePtr) *opaque {
	id := e.RuntimeOpaque(rt)
	if id == 0 {
		return nil
	}
	rec, _ := records.Load(uint64(id))
	return rec
}

// capture stores a panic payload. Only the first one is kept until taken.
func (o *opaque) capture(v any) {
	if o.panicked == nil {
		o.panicked = &capturedPanic{value: v}
	}
}

// takePanic returns and clears the captured panic.
func (o *opaque) takePanic() (any, bool) {
	if o.panicked == nil {
		return nil, false
	}
	p := o.panicked
	o.panicked = nil
	return p.value, true
}

// takeOpaque detaches the record from rt and removes it from the table.
// It returns nil if rt carries no record or it was already taken.
func takeOpaque(e core.Engine, rt core.RuntimePtr) (uint64, *opaque) {
	id := uint64(e.RuntimeOpaque(rt))
	if id == 0 {
		return 0, nil
	}
	e.SetRuntimeOpaque(rt, 0)
	rec, ok := records.Delete(id)
	if !ok {
		return id, nil
	}
	return id, rec
}

// release drops everything the record owns.
func (o *opaque) release(id uint64, log *zap.Logger) {
	if p, ok := o.takePanic(); ok {
		log.Warn("dropping unretrieved host panic at teardown", zap.Any("panic", p))
	}
	if o.registry != nil {
		if n := len(o.registry); n > 0 {
			log.Debug("clearing registry", zap.Int("keys", n))
		}
		clear(o.registry)
		o.registry = nil
	}
	if o.spawner != nil {
		o.spawner.close()
		o.spawner = nil
	}
	o.weak = WeakRuntime{}
	if opaqueReleaseHook != nil {
		opaqueReleaseHook(id)
	}
}
