// Package scene maintains the server-side mirror of the client's scene:
// named data entities (raw meshes, generated content), named placed
// objects, and per-backend materials. All catalogs hang off a single Scene
// value owned by the connection, not off package globals.
package scene

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render"
	"github.com/mogri/sceneserver/utils"
)

// The two renderer backend kinds the server exposes.
var rendererKinds = []string{"scivis", "pathtracer"}

type Scene struct {
	dev     render.Device
	plugins *plugin.Registry

	rendererKind     string
	renderers        map[string]render.Renderer
	defaultMaterials map[string]render.Material
	ambient          render.Light

	materials map[string]*Material

	data    map[string]*Data
	objects map[string]*Object

	camera  render.Camera
	samples int
}

// New prepares renderers and default materials for every backend kind and
// starts out on the scivis backend.
func New(dev render.Device, loader plugin.Loader) (*Scene, error) {
	s := &Scene{
		dev:              dev,
		plugins:          plugin.NewRegistry(loader),
		rendererKind:     rendererKinds[0],
		renderers:        map[string]render.Renderer{},
		defaultMaterials: map[string]render.Material{},
		materials:        map[string]*Material{},
		data:             map[string]*Data{},
		objects:          map[string]*Object{},
		samples:          1,
	}

	for _, kind := range rendererKinds {
		r, err := dev.NewRenderer(kind)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %q renderer", kind)
		}
		r.Commit()
		s.renderers[kind] = r

		m := dev.NewMaterial(kind, "OBJMaterial")
		m.SetParam("Kd", [3]float32{0.8, 0.8, 0.8})
		m.Commit()
		s.defaultMaterials[kind] = m
	}

	s.ambient = dev.NewLight("ambient")
	s.ambient.Commit()

	return s, nil
}

func (s *Scene) Device() render.Device { return s.dev }
func (s *Scene) RendererKind() string  { return s.rendererKind }
func (s *Scene) Samples() int          { return s.samples }
func (s *Scene) Camera() render.Camera { return s.camera }

func (s *Scene) Renderer() render.Renderer {
	return s.renderers[s.rendererKind]
}

// SetRendererKind switches the active backend. Material handles are
// backend-specific, so the whole material registry is invalidated.
func (s *Scene) SetRendererKind(kind string) error {
	if kind == s.rendererKind {
		return nil
	}
	if _, ok := s.renderers[kind]; !ok {
		return errors.Errorf("unknown renderer kind %q", kind)
	}

	log.Printf("[scene] switching renderer kind %q -> %q, dropping %d materials",
		s.rendererKind, kind, len(s.materials))

	for _, m := range s.materials {
		m.Handle.Release()
	}
	s.materials = map[string]*Material{}

	s.rendererKind = kind
	return nil
}

// ApplyRenderSettings configures the active renderer. Settings for the
// other backend family are ignored.
func (s *Scene) ApplyRenderSettings(rs *protocol.RenderSettings) {
	s.samples = rs.Samples

	r := s.Renderer()
	r.SetParam("maxDepth", rs.MaxDepth)
	r.SetParam("minContribution", rs.MinContribution)
	r.SetParam("varianceThreshold", rs.VarianceThreshold)

	if s.rendererKind == "scivis" {
		r.SetParam("aoSamples", rs.AOSamples)
		r.SetParam("aoRadius", rs.AORadius)
		r.SetParam("aoIntensity", rs.AOIntensity)
	} else {
		r.SetParam("rouletteDepth", rs.RouletteDepth)
		r.SetParam("maxContribution", rs.MaxContribution)
		r.SetParam("geometryLights", rs.GeometryLights)
	}

	r.Commit()
}

// ApplyWorldSettings updates the ambient light and the background. The
// pathtracer has no background color parameter, so the background goes in
// as a 1x1 backplate texture instead.
func (s *Scene) ApplyWorldSettings(ws *protocol.WorldSettings) {
	s.ambient.SetParam("color", ws.AmbientColor)
	s.ambient.SetParam("intensity", ws.AmbientIntensity)
	s.ambient.Commit()

	r := s.Renderer()
	if s.rendererKind == "scivis" {
		r.SetParam("bgColor", ws.BackgroundColor)
	} else {
		backplate := s.dev.NewTexture("texture2d")
		backplate.SetParam("format", "rgba32f")
		backplate.SetParam("size", [2]int{1, 1})
		backplate.SetParam("data", []float32{
			ws.BackgroundColor[0], ws.BackgroundColor[1],
			ws.BackgroundColor[2], ws.BackgroundColor[3],
		})
		backplate.Commit()
		r.SetParam("backplate", backplate)
		backplate.Release()
	}
	r.Commit()
}

// UpdateCamera recreates the camera from the settings. Cameras are cheap
// and carry no client-visible identity, so no in-place update here.
func (s *Scene) UpdateCamera(cs *protocol.CameraSettings) error {
	var cam render.Camera

	switch cs.Type {
	case "perspective":
		cam = s.dev.NewCamera("perspective")
		cam.SetParam("fovy", cs.FovY)
	case "orthographic":
		cam = s.dev.NewCamera("orthographic")
		cam.SetParam("height", cs.Height)
	case "panoramic":
		cam = s.dev.NewCamera("panoramic")
	default:
		return errors.Errorf("unknown camera type %q", cs.Type)
	}

	cam.SetParam("aspect", cs.Aspect)
	cam.SetParam("nearClip", cs.ClipStart)
	cam.SetParam("position", cs.Position)
	cam.SetParam("direction", cs.ViewDir)
	cam.SetParam("up", cs.UpDir)

	// A zero focus distance hangs some backends, skip DOF entirely then.
	if cs.DOFFocusDistance > 0 {
		cam.SetParam("focusDistance", cs.DOFFocusDistance)
		cam.SetParam("apertureRadius", cs.DOFAperture)
	}

	if len(cs.Border) == 4 {
		cam.SetParam("imageStart", [2]float32{cs.Border[0], cs.Border[1]})
		cam.SetParam("imageEnd", [2]float32{cs.Border[2], cs.Border[3]})
	}

	cam.Commit()

	if s.camera != nil {
		s.camera.Release()
	}
	s.camera = cam
	return nil
}

// ClearScene destroys all placed objects. Data entities and materials
// stay cached: the client re-sends placements on its next sync and the
// content hashes make regeneration a no-op.
func (s *Scene) ClearScene() {
	log.Printf("[scene] clearing scene, destroying %d objects", len(s.objects))
	for name := range s.objects {
		s.RemoveObject(name)
	}
}

// Close releases every handle the scene owns. The scene is unusable
// afterwards; connections call this on teardown.
func (s *Scene) Close() {
	s.ClearScene()
	for name := range s.data {
		s.RemoveData(name)
	}
	for _, m := range s.materials {
		m.Handle.Release()
	}
	s.materials = map[string]*Material{}

	for _, r := range s.renderers {
		r.Release()
	}
	for _, m := range s.defaultMaterials {
		m.Release()
	}
	s.ambient.Release()
	if s.camera != nil {
		s.camera.Release()
		s.camera = nil
	}
}

// ActiveContent recomputes the instance and light lists from the current
// object store. Membership is strictly derived from store contents at
// every render start so it can never drift out of sync with replaced or
// deleted objects.
func (s *Scene) ActiveContent() ([]render.Instance, []render.Light) {
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)

	var instances []render.Instance
	lights := []render.Light{s.ambient}

	for _, name := range names {
		obj := s.objects[name]
		if !s.dataLinkValid(obj) {
			log.Printf("[scene] object %q links stale data %q, leaving it out of the world",
				name, obj.DataLink)
			continue
		}
		switch obj.Kind {
		case ObjectMesh, ObjectGeometry, ObjectVolume, ObjectIsosurfaces:
			instances = append(instances, obj.Instance)
		case ObjectSlice:
			for _, part := range obj.SliceParts {
				instances = append(instances, part.instance)
			}
		case ObjectScene:
			instances = append(instances, obj.Instances...)
			lights = append(lights, obj.Lights...)
		case ObjectLight:
			lights = append(lights, obj.Light)
		}
	}

	return instances, lights
}

// BuildWorld snapshots the active content into a fresh world aggregate.
// The caller owns the returned world and releases it when the render
// session ends; aggregate membership is not mutated in place.
func (s *Scene) BuildWorld() render.World {
	instances, lights := s.ActiveContent()
	log.Printf("[scene] world with %d instance(s), %d light(s)", len(instances), len(lights))

	w := s.dev.NewWorld()
	if len(instances) > 0 {
		w.SetParam("instance", instances)
	}
	if len(lights) > 0 {
		w.SetParam("light", lights)
	}
	w.Commit()
	return w
}

// ServerState dumps every catalog for the get-server-state diagnostic.
func (s *Scene) ServerState() json.RawMessage {
	state := map[string]interface{}{}

	objects := map[string]interface{}{}
	for name, obj := range s.objects {
		entry := map[string]interface{}{
			"kind":      obj.Kind.String(),
			"data_link": obj.DataLink,
		}
		switch obj.Kind {
		case ObjectMesh, ObjectGeometry, ObjectVolume, ObjectIsosurfaces, ObjectScene:
			entry["object2world"] = utils.Mat4ToRowMajor(obj.Object2World)
		}
		objects[name] = entry
	}
	state["scene_objects"] = objects

	materials := map[string]interface{}{}
	for name, m := range s.materials {
		materials[name] = m.Family
	}
	state["scene_materials"] = materials
	state["renderer_kind"] = s.rendererKind

	data := map[string]interface{}{}
	for name, d := range s.data {
		entry := map[string]interface{}{
			"kind": d.Kind.String(),
		}
		if d.Kind == DataPlugin {
			entry["plugin_kind"] = d.PluginKind.String()
			entry["plugin_name"] = d.PluginName
			entry["parameters_hash"] = d.ParametersHash
			entry["custom_properties_hash"] = d.PropertiesHash
			entry["renderer_kind"] = d.State.RendererKind
			entry["uses_renderer_kind"] = d.State.UsesRendererKind
			entry["group_instances"] = len(d.State.GroupInstances)
			entry["lights"] = len(d.State.Lights)
			entry["has_bound"] = d.State.Bound != nil
		} else {
			entry["num_vertices"] = d.NumVertices
			entry["num_triangles"] = d.NumTriangles
		}
		data[name] = entry
	}
	state["scene_data"] = data

	definitions := map[string]interface{}{}
	for name, def := range s.plugins.Definitions() {
		definitions[name] = map[string]interface{}{
			"kind":               def.Kind.String(),
			"uses_renderer_kind": def.UsesRendererKind,
			"parameters":         len(def.Parameters),
		}
	}
	state["plugin_definitions"] = definitions

	instances, lights := s.ActiveContent()
	state["scene"] = map[string]interface{}{
		"instances": len(instances),
		"lights":    len(lights),
	}

	raw, err := json.Marshal(state)
	if err != nil {
		log.Printf("[scene] failed to marshal server state: %v", err)
		return json.RawMessage(`{}`)
	}
	return raw
}
