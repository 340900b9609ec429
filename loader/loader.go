// Package loader provides module resolvers and loaders for jsrt runtimes:
// in-memory builtins, files from an fs.FS (optionally brotli-compressed),
// an SQLite-backed module store, esbuild transpilation and chaining.
package loader

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a resolver or loader does not know a module.
// Chain moves on to the next collaborator only on this error.
var ErrNotFound = errors.New("loader: module not found")

// Resolver turns an import specifier into a module name.
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

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// ChainResolver asks each resolver in turn.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(base, name string) (string, error) {
	for _, r := range c {
		resolved, err := r.Resolve(base, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return resolved, err
	}
	return "", notFound(name)
}

// ChainLoader asks each loader in turn.
type ChainLoader []Loader

func (c ChainLoader) Load(name string) (string, error) {
	for _, l := range c {
		src, err := l.Load(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return src, err
	}
	return "", notFound(name)
}
