// Package generators holds the built-in content generators. Each generator
// registers itself from init(), so pulling one into the server is a blank
// import. The package doubles as a plugin.Loader over the registered set;
// a platform dynamic loader can replace it without touching the registry
// logic.
package generators

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/plugin"
)

var (
	mu          sync.Mutex
	gGenerators = map[string]func() *plugin.Definition{}
)

// Register adds a generator factory under its internal name
// ("scene_boxes"). The factory runs on every load so a failed generate
// can't poison later attempts with stale state.
func Register(internalName string, factory func() *plugin.Definition) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := gGenerators[internalName]; dup {
		panic("generators: duplicate registration of " + internalName)
	}
	gGenerators[internalName] = factory
}

// Loader serves registered generators to a plugin.Registry.
type Loader struct{}

func (Loader) Load(internalName string) (*plugin.Definition, error) {
	mu.Lock()
	factory, ok := gGenerators[internalName]
	mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no generator registered under %q", internalName)
	}
	return factory(), nil
}
