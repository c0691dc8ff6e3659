package generators

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/bound"
	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/render"
)

// geometry_spheres generates a ring of spheres as a single geometry.
func init() {
	Register("geometry_spheres", func() *plugin.Definition {
		return &plugin.Definition{
			Kind: plugin.Geometry,
			Parameters: []plugin.Parameter{
				{Name: "count", Type: plugin.ParamInt, Length: 1, Description: "number of spheres"},
				{Name: "radius", Type: plugin.ParamFloat, Length: 1, Description: "sphere radius"},
				{Name: "center", Type: plugin.ParamFloat, Length: 3, Flags: plugin.FlagOptional, Description: "ring center"},
			},
			Generate: generateSpheres,
		}
	})
}

func generateSpheres(dev render.Device, state *plugin.State) error {
	count := int(state.Parameters["count"].(float64))
	radius := float32(state.Parameters["radius"].(float64))

	if count <= 0 {
		return errors.Errorf("sphere count must be positive, got %d", count)
	}
	if radius <= 0 {
		return errors.Errorf("sphere radius must be positive, got %f", radius)
	}

	center := mgl32.Vec3{}
	if v, ok := state.Parameters["center"].([]interface{}); ok && len(v) == 3 {
		for i := 0; i < 3; i++ {
			center[i] = float32(v[i].(float64))
		}
	}

	geom := dev.NewGeometry("sphere")
	geom.SetParam("count", count)
	geom.SetParam("radius", radius)
	geom.SetParam("center", center)
	geom.Commit()

	state.Geometry = geom

	ring := float32(count) * radius
	state.Bound = bound.Box(
		center.Sub(mgl32.Vec3{ring, ring, radius}),
		center.Add(mgl32.Vec3{ring, ring, radius}),
	)

	return nil
}
