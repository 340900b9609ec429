package jsrt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cryguy/jsrt/internal/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
info: edge-worker
memory_limit: 64MiB
max_stack_size: 262144
gc_threshold: 1 MB
registry: true
`))
	require.NoError(t, err)
	assert.Equal(t, Config{
		Info:         "edge-worker",
		MemoryLimit:  64 << 20,
		MaxStackSize: 256 << 10,
		GCThreshold:  1_000_000,
		Registry:     true,
	}, cfg)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "memory: 1MiB"},
		{"bad size", "memory_limit: lots"},
		{"non-scalar size", "gc_threshold: [1, 2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_limit: 2KiB\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(2048), cfg.MemoryLimit)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestByteSize_RoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Config{MemoryLimit: 64 << 20})
	require.NoError(t, err)
	assert.Contains(t, string(out), "memory_limit: 64 MiB")

	cfg, err := ParseConfig(out)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(64<<20), cfg.MemoryLimit)
}

func TestWithConfig(t *testing.T) {
	r, e := newFake(t, WithConfig(Config{
		Info:        "configured",
		MemoryLimit: 16 << 20,
		GCThreshold: 512 << 10,
		Registry:    true,
	}))
	rt := nativeOf(t, r)
	assert.Equal(t, "configured", e.Info(rt))
	mem, stack, gc := e.Limits(rt)
	assert.Equal(t, uint64(16<<20), mem)
	assert.Zero(t, stack, "zero leaves the engine default")
	assert.Equal(t, uint64(512<<10), gc)
	assert.NoError(t, r.Register(NewRegistryKey()))
}

func TestWithConfig_InvalidInfo(t *testing.T) {
	e := enginetest.New()
	_, err := New(withEngine(e), WithConfig(Config{Info: "a\x00b"}))
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Zero(t, e.LiveRuntimes(), "a failed construction holds nothing")
}
