package generators

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/bound"
	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/render"
)

// volume_raw loads a raw structured grid from disk: uchar or float32
// voxels, optional header skip, little endian.
func init() {
	Register("volume_raw", func() *plugin.Definition {
		return &plugin.Definition{
			Kind: plugin.Volume,
			Parameters: []plugin.Parameter{
				{Name: "file", Type: plugin.ParamString, Length: 1, Description: "path of the raw voxel file"},
				{Name: "dimensions", Type: plugin.ParamInt, Length: 3, Description: "grid dimensions"},
				{Name: "voxel_type", Type: plugin.ParamString, Length: 1, Description: "uchar or float"},
				{Name: "header_skip", Type: plugin.ParamInt, Length: 1, Flags: plugin.FlagOptional, Description: "bytes to skip before voxel data"},
			},
			Generate: generateRawVolume,
		}
	})
}

func generateRawVolume(dev render.Device, state *plugin.State) error {
	fname := state.Parameters["file"].(string)
	voxelType := state.Parameters["voxel_type"].(string)

	var dims [3]int
	for i, v := range state.Parameters["dimensions"].([]interface{}) {
		dims[i] = int(v.(float64))
	}
	numVoxels := dims[0] * dims[1] * dims[2]
	if numVoxels <= 0 {
		return errors.Errorf("invalid dimensions %v", dims)
	}

	skip := 0
	if v, ok := state.Parameters["header_skip"].(float64); ok {
		skip = int(v)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		return errors.Wrapf(err, "could not read voxel file %q", fname)
	}
	if len(raw) < skip {
		return errors.Errorf("voxel file %q shorter than header skip %d", fname, skip)
	}
	raw = raw[skip:]

	voxels := make([]float32, numVoxels)
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))

	switch voxelType {
	case "uchar":
		if len(raw) < numVoxels {
			return errors.Errorf("voxel file %q holds %d bytes, need %d", fname, len(raw), numVoxels)
		}
		for i := 0; i < numVoxels; i++ {
			voxels[i] = float32(raw[i])
		}
	case "float":
		if len(raw) < numVoxels*4 {
			return errors.Errorf("voxel file %q holds %d bytes, need %d", fname, len(raw), numVoxels*4)
		}
		for i := 0; i < numVoxels; i++ {
			voxels[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	default:
		return errors.Errorf("unsupported voxel type %q", voxelType)
	}

	for _, v := range voxels {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	vol := dev.NewVolume("structured_regular")
	vol.SetParam("data", voxels)
	vol.SetParam("dimensions", dims)
	vol.SetParam("gridOrigin", [3]float32{0, 0, 0})
	vol.SetParam("gridSpacing", [3]float32{1, 1, 1})
	vol.Commit()

	state.Volume = vol
	state.VolumeDataRange = [2]float32{lo, hi}
	state.Bound = bound.Box(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{float32(dims[0]), float32(dims[1]), float32(dims[2])},
	)

	return nil
}
