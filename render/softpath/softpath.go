// Package softpath is the built-in reference implementation of the render
// capability. It supports the two backend kinds the server exposes
// ("scivis" and "pathtracer") with a deterministic accumulator instead of
// an actual ray tracer, which is enough to drive the full protocol and the
// progressive render loop end to end.
package softpath

import (
	"hash/fnv"
	"log"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/render"
)

type object struct {
	dev    *Device
	kind   string
	mu     sync.Mutex
	params map[string]interface{}
	// committed snapshot, read by RenderFrame
	committed map[string]interface{}
	released  bool
}

func (d *Device) newObject(kind string) *object {
	return &object{
		dev:       d,
		kind:      kind,
		params:    map[string]interface{}{},
		committed: map[string]interface{}{},
	}
}

func (o *object) SetParam(name string, value interface{}) {
	o.mu.Lock()
	o.params[name] = value
	o.mu.Unlock()
}

func (o *object) RemoveParam(name string) {
	o.mu.Lock()
	delete(o.params, name)
	delete(o.committed, name)
	o.mu.Unlock()
}

func (o *object) Commit() {
	o.mu.Lock()
	for k, v := range o.params {
		o.committed[k] = v
	}
	o.mu.Unlock()
}

func (o *object) Release() {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		o.dev.reportError(errors.Errorf("double release of %s handle", o.kind))
		return
	}
	o.released = true
	o.mu.Unlock()
	o.dev.trackRelease()
}

func (o *object) param(name string) interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed[name]
}

type geometry struct{ *object }
type texture struct{ *object }
type volume struct{ *object }
type transferFunction struct{ *object }
type material struct{ *object }
type light struct{ *object }
type camera struct{ *object }
type renderer struct{ *object }
type geometricModel struct{ *object }
type volumetricModel struct{ *object }
type group struct{ *object }
type instance struct{ *object }
type world struct{ *object }

type framebuffer struct {
	*object
	width, height int
	format        render.PixelFormat

	mu     sync.Mutex
	accum  []float64
	weight int
}

func (f *framebuffer) Width() int                 { return f.width }
func (f *framebuffer) Height() int                { return f.height }
func (f *framebuffer) Format() render.PixelFormat { return f.format }

func (f *framebuffer) ResetAccumulation() {
	f.mu.Lock()
	for i := range f.accum {
		f.accum[i] = 0
	}
	f.weight = 0
	f.mu.Unlock()
}

func (f *framebuffer) MapColor() []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float32, len(f.accum))
	w := f.weight
	if w == 0 {
		w = 1
	}
	for i, v := range f.accum {
		out[i] = float32(v / float64(w))
	}
	return out
}

// Device implements render.Device.
type Device struct {
	mu        sync.Mutex
	onError   func(error)
	onStatus  func(string)
	liveCount int
	released  int
}

func New() *Device {
	return &Device{}
}

func (d *Device) reportError(err error) {
	d.mu.Lock()
	h := d.onError
	d.mu.Unlock()
	if h != nil {
		h(err)
		return
	}
	log.Printf("[softpath] error: %v", err)
}

func (d *Device) status(msg string) {
	d.mu.Lock()
	h := d.onStatus
	d.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (d *Device) trackNew() {
	d.mu.Lock()
	d.liveCount++
	d.mu.Unlock()
}

func (d *Device) trackRelease() {
	d.mu.Lock()
	d.liveCount--
	d.released++
	d.mu.Unlock()
}

// LiveHandles reports handles that have been created but not released.
// The resource-ownership tests are built on this counter.
func (d *Device) LiveHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveCount
}

func (d *Device) make(kind string) *object {
	d.trackNew()
	return d.newObject(kind)
}

func (d *Device) NewRenderer(kind string) (render.Renderer, error) {
	if kind != "scivis" && kind != "pathtracer" {
		return nil, errors.Errorf("unknown renderer kind %q", kind)
	}
	return &renderer{d.make("renderer:" + kind)}, nil
}

func (d *Device) NewTriangleGeometry() render.Geometry {
	return &geometry{d.make("geometry:triangles")}
}

func (d *Device) NewGeometry(kind string) render.Geometry {
	return &geometry{d.make("geometry:" + kind)}
}

func (d *Device) NewGeometricModel(g render.Geometry) render.GeometricModel {
	m := &geometricModel{d.make("gmodel")}
	m.SetParam("geometry", g)
	return m
}

func (d *Device) NewVolumetricModel(v render.Volume) render.VolumetricModel {
	m := &volumetricModel{d.make("vmodel")}
	m.SetParam("volume", v)
	return m
}

func (d *Device) NewVolume(kind string) render.Volume {
	return &volume{d.make("volume:" + kind)}
}

func (d *Device) NewTexture(kind string) render.Texture {
	return &texture{d.make("texture:" + kind)}
}

func (d *Device) NewTransferFunction(kind string) render.TransferFunction {
	return &transferFunction{d.make("tf:" + kind)}
}

func (d *Device) NewMaterial(rendererKind, family string) render.Material {
	return &material{d.make("material:" + rendererKind + ":" + family)}
}

func (d *Device) NewLight(kind string) render.Light {
	return &light{d.make("light:" + kind)}
}

func (d *Device) NewCamera(kind string) render.Camera {
	return &camera{d.make("camera:" + kind)}
}

func (d *Device) NewGroup() render.Group {
	return &group{d.make("group")}
}

func (d *Device) NewInstance(g render.Group) render.Instance {
	in := &instance{d.make("instance")}
	in.SetParam("group", g)
	in.SetParam("xfm", mgl32.Ident4())
	return in
}

func (d *Device) NewWorld() render.World {
	return &world{d.make("world")}
}

func (d *Device) NewFramebuffer(width, height int, format render.PixelFormat) render.Framebuffer {
	return &framebuffer{
		object: d.make("framebuffer"),
		width:  width,
		height: height,
		format: format,
		accum:  make([]float64, width*height*4),
	}
}

func (d *Device) SetErrorHandler(h func(error)) {
	d.mu.Lock()
	d.onError = h
	d.mu.Unlock()
}

func (d *Device) SetStatusHandler(h func(string)) {
	d.mu.Lock()
	d.onStatus = h
	d.mu.Unlock()
}

// RenderFrame accumulates one deterministic sample. The image depends on
// the committed world content (instance and light counts seed a pattern),
// so scene edits are visible in the output without an actual ray tracer.
// The returned variance decreases as 1/weight, mimicking a progressive
// estimator; the scivis kind reports +Inf as it has no variance channel.
func (d *Device) RenderFrame(rfb render.Framebuffer, r render.Renderer, c render.Camera, w render.World) (float64, error) {
	fb, ok := rfb.(*framebuffer)
	if !ok {
		return 0, errors.Errorf("framebuffer handle is not a softpath handle")
	}
	ren, ok := r.(*renderer)
	if !ok {
		return 0, errors.Errorf("renderer handle is not a softpath handle")
	}
	if c == nil || w == nil {
		return 0, errors.Errorf("camera and world are required")
	}

	seed := worldSeed(w.(*world))
	d.status("rendering one sample")

	fb.mu.Lock()
	fb.weight++
	for y := 0; y < fb.height; y++ {
		for x := 0; x < fb.width; x++ {
			i := (y*fb.width + x) * 4
			fx := float64(x) / float64(fb.width)
			fy := float64(y) / float64(fb.height)
			fb.accum[i+0] += 0.5 + 0.5*math.Sin(fx*7+float64(seed&0xff))
			fb.accum[i+1] += fy
			fb.accum[i+2] += 0.5 + 0.5*math.Cos(fy*5+float64(seed>>8&0xff))
			fb.accum[i+3] += 1
		}
	}
	weight := fb.weight
	fb.mu.Unlock()

	if ren.kind == "renderer:scivis" {
		return math.Inf(1), nil
	}
	return 1 / float64(weight), nil
}

func worldSeed(w *world) uint32 {
	h := fnv.New32a()
	if v := w.param("instance"); v != nil {
		if list, ok := v.([]render.Instance); ok {
			for range list {
				h.Write([]byte{'i'})
			}
		}
	}
	if v := w.param("light"); v != nil {
		if list, ok := v.([]render.Light); ok {
			for range list {
				h.Write([]byte{'l'})
			}
		}
	}
	return h.Sum32()
}
