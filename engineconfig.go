package jsrt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes. In YAML it accepts plain integers as well as
// humanized strings such as "64MiB" or "512 kB".
type ByteSize uint64

// String formats b with binary prefixes.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("jsrt: line %d: size must be a scalar", value.Line)
	}
	if n, err := strconv.ParseUint(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("jsrt: line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Config holds runtime settings applied at construction. Zero values leave
// the engine defaults in place.
type Config struct {
	Info         string   `yaml:"info"`           // diagnostic label
	MemoryLimit  ByteSize `yaml:"memory_limit"`   // engine heap cap
	MaxStackSize ByteSize `yaml:"max_stack_size"` // script stack cap
	GCThreshold  ByteSize `yaml:"gc_threshold"`   // allocation volume between automatic collections
	Registry     bool     `yaml:"registry"`       // enable the tracked-key registry
}

// ParseConfig decodes a YAML document. Unknown keys are rejected. An empty
// document yields the zero Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("jsrt: parsing config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("jsrt: reading config: %w", err)
	}
	return ParseConfig(data)
}

// apply pushes every non-zero setting to r.
func (c Config) apply(r *Runtime) error {
	if c.Info != "" {
		if err := r.SetInfo(c.Info); err != nil {
			return err
		}
	}
	if c.MemoryLimit > 0 {
		r.SetMemoryLimit(uint64(c.MemoryLimit))
	}
	if c.MaxStackSize > 0 {
		r.SetMaxStackSize(uint64(c.MaxStackSize))
	}
	if c.GCThreshold > 0 {
		r.SetGCThreshold(uint64(c.GCThreshold))
	}
	return nil
}
