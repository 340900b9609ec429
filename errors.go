package jsrt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllocation is returned when the engine cannot allocate a runtime.
	ErrAllocation = errors.New("jsrt: runtime allocation failed")

	// ErrClosed is returned by operations on a released handle, or on a
	// runtime whose last strong owner is gone.
	ErrClosed = errors.New("jsrt: runtime closed")

	// ErrRegistryDisabled is returned by registry operations on a runtime
	// created without WithRegistry.
	ErrRegistryDisabled = errors.New("jsrt: registry not enabled")
)

// EncodingError reports a diagnostic label that cannot be passed to the
// engine because it contains a NUL byte.
type EncodingError struct {
	Offset int // index of the first NUL
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("jsrt: info contains NUL byte at offset %d", e.Offset)
}

// ScriptError is an exception thrown by script code, converted to strings.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString("jsrt: script error: ")
	b.WriteString(e.Message)
	if e.Stack != "" {
		b.WriteByte('\n')
		b.WriteString(strings.TrimRight(e.Stack, "\n"))
	}
	return b.String()
}

// Is matches any *ScriptError, so errors.Is(err, &ScriptError{}) reports
// whether script code threw.
func (e *ScriptError) Is(target error) bool {
	_, ok := target.(*ScriptError)
	return ok
}

// PanicError wraps a host panic that was captured inside an engine callback
// and could not be re-raised, for example during runtime construction.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jsrt: host callback panicked: %v", e.Value)
}
