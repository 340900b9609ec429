package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxSourceSize bounds a decompressed module.
const maxSourceSize = 16 << 20

// DefaultExtensions are probed when a relative specifier has no match as
// written.
var DefaultExtensions = []string{".js", ".mjs", ".ts"}

// FileResolver resolves relative and root-absolute specifiers against an
// fs.FS. Bare specifiers are left to other resolvers.
type FileResolver struct {
	FS         fs.FS
	Extensions []string // nil means DefaultExtensions
}

func (r FileResolver) Resolve(base, name string) (string, error) {
	var joined string
	switch {
	case strings.HasPrefix(name, "./"), strings.HasPrefix(name, "../"):
		joined = path.Join(path.Dir(base), name)
	case strings.HasPrefix(name, "/"):
		joined = path.Clean(strings.TrimPrefix(name, "/"))
	default:
		return "", notFound(name)
	}
	if !fs.ValidPath(joined) {
		return "", fmt.Errorf("loader: %q escapes the module root from %q", name, base)
	}

	exts := r.Extensions
	if exts == nil {
		exts = DefaultExtensions
	}
	candidates := []string{joined}
	if path.Ext(joined) == "" {
		for _, ext := range exts {
			candidates = append(candidates, joined+ext)
		}
	}
	for _, c := range candidates {
		if exists(r.FS, c) || exists(r.FS, c+".br") {
			return c, nil
		}
	}
	return "", notFound(name)
}

func exists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

// FileLoader reads module source from an fs.FS. When name is missing but
// name+".br" exists, the brotli-compressed file is decompressed.
type FileLoader struct {
	FS fs.FS
}

func (l FileLoader) Load(name string) (string, error) {
	data, err := fs.ReadFile(l.FS, name)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("loader: reading %s: %w", name, err)
	}

	compressed, err := fs.ReadFile(l.FS, name+".br")
	if errors.Is(err, fs.ErrNotExist) {
		return "", notFound(name)
	}
	if err != nil {
		return "", fmt.Errorf("loader: reading %s.br: %w", name, err)
	}
	return decompress(name, compressed)
}

func decompress(name string, data []byte) (string, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, maxSourceSize+1))
	if err != nil {
		return "", fmt.Errorf("loader: decompressing %s: %w", name, err)
	}
	if len(out) > maxSourceSize {
		return "", fmt.Errorf("loader: %s exceeds %d bytes decompressed", name, maxSourceSize)
	}
	return string(out), nil
}
