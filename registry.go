package jsrt

import (
	"github.com/google/uuid"
)

// RegistryKey identifies a host value tracked by a runtime.
type RegistryKey uuid.UUID

// NewRegistryKey returns a fresh random key.
func NewRegistryKey() RegistryKey {
	return RegistryKey(uuid.New())
}

func (k RegistryKey) String() string {
	return uuid.UUID(k).String()
}

// registry returns the key set of the runtime, or ErrRegistryDisabled.
// Callers hold the lock.
func (in *inner) registry() (map[RegistryKey]struct{}, error) {
	rec := in.record()
	if rec == nil || rec.registry == nil {
		return nil, ErrRegistryDisabled
	}
	return rec.registry, nil
}

// Register adds key to the registry. Registering a key twice is a no-op.
func (r *Runtime) Register(key RegistryKey) error {
	err := ErrClosed
	r.with(func(in *inner) {
		var reg map[RegistryKey]struct{}
		if reg, err = in.registry(); err == nil {
			reg[key] = struct{}{}
		}
	})
	return err
}

// Unregister removes key and reports whether it was registered.
func (r *Runtime) Unregister(key RegistryKey) (bool, error) {
	var found bool
	err := ErrClosed
	r.with(func(in *inner) {
		var reg map[RegistryKey]struct{}
		if reg, err = in.registry(); err == nil {
			_, found = reg[key]
			delete(reg, key)
		}
	})
	return found, err
}

// Owns reports whether key is registered with r.
func (r *Runtime) Owns(key RegistryKey) bool {
	var found bool
	r.with(func(in *inner) {
		if reg, err := in.registry(); err == nil {
			_, found = reg[key]
		}
	})
	return found
}

// RegistryLen returns the number of registered keys.
func (r *Runtime) RegistryLen() int {
	n := 0
	r.with(func(in *inner) {
		if reg, err := in.registry(); err == nil {
			n = len(reg)
		}
	})
	return n
}
