package jsrt

import (
	"fmt"
	"path"
	"strings"

	"github.com/cryguy/jsrt/internal/core"
)

// Resolver turns an import specifier into a module name. base is the name
// of the importing module.
type Resolver interface {
	Resolve(base, name string) (string, error)
}

// Loader returns the source of a resolved module.
type Loader interface {
	Load(name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(base, name string) (string, error)

func (f ResolverFunc) Resolve(base, name string) (string, error) { return f(base, name) }

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(name string) (string, error)

func (f LoaderFunc) Load(name string) (string, error) { return f(name) }

// RelativeResolver resolves "./" and "../" specifiers against the
// directory of the importing module and leaves bare names untouched, the
// way the engine does by default.
var RelativeResolver Resolver = ResolverFunc(resolveRelative)

func resolveRelative(base, name string) (string, error) {
	if !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") {
		return name, nil
	}
	resolved := path.Join(path.Dir(base), name)
	if strings.HasPrefix(resolved, "../") || resolved == ".." {
		return "", fmt.Errorf("jsrt: %q escapes the module root from %q", name, base)
	}
	return resolved, nil
}

// loaderHolder is the module hook pair the engine calls. Panics are
// recorded in the runtime's bookkeeping record and reported to the engine
// as a failed resolution or load.
type loaderHolder struct {
	engine   core.Engine
	rt       core.RuntimePtr
	resolver Resolver
	loader   Loader
}

var _ core.ModuleHooks = (*loaderHolder)(nil)

func (h *loaderHolder) Normalize(_ core.ContextPtr, base, name string) (resolved string, err error) {
	defer h.catch(&err, "resolver")
	return h.resolver.Resolve(base, name)
}

func (h *loaderHolder) Load(_ core.ContextPtr, name string) (src string, err error) {
	defer h.catch(&err, "loader")
	return h.loader.Load(name)
}

// catch must be deferred directly by each hook.
func (h *loaderHolder) catch(err *error, who string) {
	if v := recover(); v != nil {
		if rec := opaqueOf(h.engine, h.rt); rec != nil {
			rec.capture(v)
		}
		*err = fmt.Errorf("jsrt: module %s panicked", who)
	}
}
