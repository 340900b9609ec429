package jsrt

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the package logger used by runtimes created without
// WithLogger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	logger.CompareAndSwap(nil, zap.NewNop())
	return logger.Load()
}

// SetLogger configures the package logger. Runtimes already created keep
// the logger they were created with. A nil logger restores the default.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}
