package generators

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/mogri/sceneserver/bound"
	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/render"
)

// scene_boxes generates a grid of unit box groups, one group instance per
// cell. Its per-backend material makes the output depend on the renderer
// kind.
func init() {
	Register("scene_boxes", func() *plugin.Definition {
		return &plugin.Definition{
			Kind:             plugin.Scene,
			UsesRendererKind: true,
			Parameters: []plugin.Parameter{
				{Name: "side", Type: plugin.ParamInt, Length: 1, Flags: plugin.FlagOptional, Description: "boxes per grid side"},
				{Name: "spacing", Type: plugin.ParamFloat, Length: 1, Flags: plugin.FlagOptional, Description: "cell spacing"},
			},
			Generate: generateBoxes,
		}
	})
}

func generateBoxes(dev render.Device, state *plugin.State) error {
	side := 2
	if v, ok := state.Parameters["side"].(float64); ok {
		side = int(v)
	}
	spacing := float32(2.0)
	if v, ok := state.Parameters["spacing"].(float64); ok {
		spacing = float32(v)
	}

	mat := dev.NewMaterial(state.RendererKind, "OBJMaterial")
	mat.SetParam("Kd", [3]float32{0.8, 0.3, 0.3})
	mat.Commit()
	defer mat.Release()

	for ix := 0; ix < side; ix++ {
		for iy := 0; iy < side; iy++ {
			geom := dev.NewGeometry("box")
			geom.SetParam("size", [3]float32{1, 1, 1})
			geom.Commit()

			gmodel := dev.NewGeometricModel(geom)
			gmodel.SetParam("material", mat)
			gmodel.Commit()
			geom.Release()

			grp := dev.NewGroup()
			grp.SetParam("geometry", gmodel)
			grp.Commit()
			gmodel.Release()

			xform := mgl32.Translate3D(float32(ix)*spacing, float32(iy)*spacing, 0)
			state.GroupInstances = append(state.GroupInstances, plugin.GroupInstance{
				Group:     grp,
				Transform: xform,
			})
		}
	}

	extent := float32(side-1)*spacing + 1
	state.Bound = bound.Box(mgl32.Vec3{-0.5, -0.5, -0.5}, mgl32.Vec3{extent, extent, 0.5})

	return nil
}
