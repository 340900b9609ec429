package jsrt

import (
	"github.com/cryguy/jsrt/internal/core"
	"github.com/cryguy/jsrt/internal/quickjs"
)

// defaultEngine returns the engine used when no other is configured.
func defaultEngine() core.Engine {
	return quickjs.NewEngine()
}
