// Package plugin manages content-generator extensions. A generator
// procedurally produces geometry, a volume or a whole sub-scene from a
// parameter bag. The loading mechanism is a capability (Loader) so the
// registry logic is independent of how generator code gets into the
// process.
package plugin

import (
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/bound"
	"github.com/mogri/sceneserver/render"
)

type Kind int

const (
	Geometry Kind = iota
	Volume
	Scene
)

func (k Kind) String() string {
	switch k {
	case Geometry:
		return "geometry"
	case Volume:
		return "volume"
	case Scene:
		return "scene"
	}
	return "unknown"
}

// KindFromString maps the wire name of a plugin kind.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "geometry":
		return Geometry, nil
	case "volume":
		return Volume, nil
	case "scene":
		return Scene, nil
	}
	return 0, errors.Errorf("unknown plugin kind %q", s)
}

type ParamType int

const (
	ParamInt ParamType = iota
	ParamFloat
	ParamString
	ParamUser
)

func (t ParamType) String() string {
	switch t {
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamString:
		return "string"
	case ParamUser:
		return "user"
	}
	return "unknown"
}

const (
	// FlagOptional marks a parameter the client may omit.
	FlagOptional uint32 = 1 << iota
)

// Parameter is one entry of a generator's declared schema. Length 1 means
// scalar, greater than 1 an array of that arity.
type Parameter struct {
	Name        string
	Type        ParamType
	Length      int
	Flags       uint32
	Description string
}

// GroupInstance pairs a generated group with its local transform,
// composed with the placing object's transform at instantiation time.
type GroupInstance struct {
	Group     render.Group
	Transform mgl32.Mat4
}

// State is the mutable output bundle a generate function populates.
type State struct {
	RendererKind     string
	UsesRendererKind bool
	Parameters       map[string]interface{}
	Properties       map[string]interface{}

	Geometry        render.Geometry
	Volume          render.Volume
	VolumeDataRange [2]float32
	GroupInstances  []GroupInstance
	Lights          []render.Light
	Bound           *bound.Mesh
}

// GenerateFunc produces content into state using dev. A nil error with the
// kind's expected output field unset is treated as a failure by the caller.
type GenerateFunc func(dev render.Device, state *State) error

// Definition is what a loaded extension declares about itself.
type Definition struct {
	Kind             Kind
	UsesRendererKind bool
	Parameters       []Parameter
	Generate         GenerateFunc
}

// Loader resolves an internal extension name ("scene_boxes") to its
// definition. Implementations: the built-in init()-registered generator
// set, or a platform dynamic loader.
type Loader interface {
	Load(internalName string) (*Definition, error)
}

// Registry caches loaded definitions for the process lifetime. Load
// failures are not cached: each request retries.
type Registry struct {
	loader Loader
	defs   map[string]*Definition
}

func NewRegistry(loader Loader) *Registry {
	return &Registry{
		loader: loader,
		defs:   map[string]*Definition{},
	}
}

// InternalName is the platform-independent extension identifier for a
// (kind, name) pair.
func InternalName(kind Kind, name string) string {
	return kind.String() + "_" + name
}

// EnsureLoaded returns the cached definition for (kind, name), loading and
// validating it on first use.
func (r *Registry) EnsureLoaded(kind Kind, name string) (*Definition, error) {
	if name == "" {
		return nil, errors.Errorf("no plugin name provided")
	}

	internal := InternalName(kind, name)

	if def, ok := r.defs[internal]; ok {
		return def, nil
	}

	log.Printf("[plugin] loading %q", internal)

	def, err := r.loader.Load(internal)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load plugin %q", internal)
	}
	if def.Generate == nil {
		return nil, errors.Errorf("plugin %q has no generate function", internal)
	}
	if def.Kind != kind {
		return nil, errors.Errorf("plugin %q declares kind %s, requested as %s", internal, def.Kind, kind)
	}

	for _, p := range def.Parameters {
		log.Printf("[plugin] ... [%s] type %s, length %d, flags 0x%02x - %s",
			p.Name, p.Type, p.Length, p.Flags, p.Description)
	}

	r.defs[internal] = def
	return def, nil
}

// Definitions returns the currently cached definitions, for diagnostics.
func (r *Registry) Definitions() map[string]*Definition {
	out := make(map[string]*Definition, len(r.defs))
	for k, v := range r.defs {
		out[k] = v
	}
	return out
}

// ValidateParameters checks an actual parameter bag (decoded JSON) against
// a declared schema. All violations are accumulated so the client gets a
// complete diagnostic in one response.
func ValidateParameters(declared []Parameter, actual map[string]interface{}) []error {
	var errs []error

	for _, p := range declared {
		value, present := actual[p.Name]
		if !present {
			if p.Flags&FlagOptional == 0 {
				errs = append(errs, errors.Errorf("missing parameter %q", p.Name))
			}
			continue
		}

		if p.Length > 1 {
			arr, ok := value.([]interface{})
			if !ok {
				errs = append(errs, errors.Errorf("expected array of length %d for parameter %q", p.Length, p.Name))
				continue
			}
			for i, item := range arr {
				if err := checkScalar(p, item); err != nil {
					errs = append(errs, errors.Wrapf(err, "element %d of parameter %q", i, p.Name))
				}
			}
			continue
		}

		if _, isArray := value.([]interface{}); isArray {
			errs = append(errs, errors.Errorf("expected scalar value for parameter %q, but got an array", p.Name))
			continue
		}
		if err := checkScalar(p, value); err != nil {
			errs = append(errs, errors.Wrapf(err, "parameter %q", p.Name))
		}
	}

	return errs
}

func checkScalar(p Parameter, value interface{}) error {
	switch p.Type {
	case ParamInt:
		// JSON numbers decode as float64; integers must be whole.
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return errors.Errorf("expected integer value, got %v", value)
		}
	case ParamFloat:
		if _, ok := value.(float64); !ok {
			return errors.Errorf("expected float value, got %v", value)
		}
	case ParamString:
		if _, ok := value.(string); !ok {
			return errors.Errorf("expected string value, got %v", value)
		}
	case ParamUser:
		// Opaque, anything goes.
	}
	return nil
}
