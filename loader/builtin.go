package loader

import (
	"sync"
)

// Builtin serves modules registered by name. Specifiers resolve to
// themselves when registered. It is safe for concurrent use.
type Builtin struct {
	mu      sync.RWMutex
	modules map[string]string
}

// NewBuiltin returns a Builtin holding a copy of modules.
func NewBuiltin(modules map[string]string) *Builtin {
	b := &Builtin{modules: make(map[string]string, len(modules))}
	for name, src := range modules {
		b.modules[name] = src
	}
	return b
}

// Add registers or replaces a module.
func (b *Builtin) Add(name, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modules == nil {
		b.modules = make(map[string]string)
	}
	b.modules[name] = source
}

func (b *Builtin) Resolve(_, name string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.modules[name]; !ok {
		return "", notFound(name)
	}
	return name, nil
}

func (b *Builtin) Load(name string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src, ok := b.modules[name]
	if !ok {
		return "", notFound(name)
	}
	return src, nil
}
