// Package render defines the renderer capability consumed by the scene
// server. The actual rendering engine is an external collaborator hidden
// behind Device: the server only creates handles, sets parameters, commits
// and renders frames. Every handle has exactly one owner, which calls
// Release when the owning entity is destroyed or replaced.
package render

// PixelFormat of a framebuffer.
type PixelFormat int

const (
	FormatSRGBA PixelFormat = iota // 8 bit sRGB encoded color, linear alpha
	FormatRGBA32F                  // 32 bit float components
)

func (f PixelFormat) String() string {
	switch f {
	case FormatSRGBA:
		return "srgba"
	case FormatRGBA32F:
		return "rgba32f"
	}
	return "unknown"
}

// Object is the base contract shared by all renderer handles. Parameters
// set on an object only take effect after Commit. RemoveParam clears a
// parameter which persisted from an earlier commit.
type Object interface {
	SetParam(name string, value interface{})
	RemoveParam(name string)
	Commit()
	Release()
}

type Geometry interface{ Object }
type Texture interface{ Object }
type Volume interface{ Object }
type TransferFunction interface{ Object }
type Material interface{ Object }
type Light interface{ Object }
type Camera interface{ Object }
type Renderer interface{ Object }

// GeometricModel binds a geometry to a material.
type GeometricModel interface{ Object }

// VolumetricModel binds a volume to a transfer function.
type VolumetricModel interface{ Object }

// Group aggregates geometric/volumetric models.
type Group interface{ Object }

// Instance places a group in the world with an affine transform
// (parameter "xfm", a mgl32.Mat4).
type Instance interface{ Object }

// World aggregates instances ("instance") and lights ("light").
type World interface{ Object }

// Framebuffer accumulates samples. MapColor returns the current color
// buffer as RGBA float32, row major, and is only valid between renders.
type Framebuffer interface {
	Object
	Width() int
	Height() int
	Format() PixelFormat
	ResetAccumulation()
	MapColor() []float32
}

// Device creates renderer handles. Implementations must be safe for the
// single-connection usage pattern of the server: all calls happen on the
// connection goroutine, except RenderFrame which runs on the session's
// render goroutine while no mutations are in flight.
type Device interface {
	NewRenderer(kind string) (Renderer, error)
	NewTriangleGeometry() Geometry
	NewGeometry(kind string) Geometry
	NewVolume(kind string) Volume
	NewGeometricModel(g Geometry) GeometricModel
	NewVolumetricModel(v Volume) VolumetricModel
	NewTransferFunction(kind string) TransferFunction
	NewTexture(kind string) Texture
	NewMaterial(rendererKind, family string) Material
	NewLight(kind string) Light
	NewCamera(kind string) Camera
	NewGroup() Group
	NewInstance(g Group) Instance
	NewWorld() World
	NewFramebuffer(width, height int, format PixelFormat) Framebuffer

	// RenderFrame renders one accumulation pass and returns the variance
	// estimate of the accumulated image, or +Inf when the backend does
	// not support variance estimation.
	RenderFrame(fb Framebuffer, r Renderer, c Camera, w World) (float64, error)

	// SetErrorHandler installs the out-of-band error callback. Backend
	// errors are reported here, not through RenderFrame.
	SetErrorHandler(func(error))
	SetStatusHandler(func(string))
}
