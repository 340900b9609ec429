package loader

import (
	"fmt"
	"path"

	"github.com/evanw/esbuild/pkg/api"
)

// Transform compiles the sources of Next with esbuild so the engine only
// sees plain ES modules. TypeScript and JSX are picked by file extension.
type Transform struct {
	Next   Loader
	Target api.Target // zero means ES2020
}

func (t Transform) Load(name string) (string, error) {
	src, err := t.Next.Load(name)
	if err != nil {
		return "", err
	}
	target := t.Target
	if target == api.DefaultTarget {
		target = api.ES2020
	}
	result := api.Transform(src, api.TransformOptions{
		Loader:     loaderFor(name),
		Format:     api.FormatESModule,
		Target:     target,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if loc := msg.Location; loc != nil {
			return "", fmt.Errorf("loader: transforming %s:%d:%d: %s", name, loc.Line, loc.Column, msg.Text)
		}
		return "", fmt.Errorf("loader: transforming %s: %s", name, msg.Text)
	}
	return string(result.Code), nil
}

func loaderFor(name string) api.Loader {
	switch path.Ext(name) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	case ".json":
		return api.LoaderJSON
	default:
		return api.LoaderJS
	}
}
