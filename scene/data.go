package scene

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render"
	"github.com/mogri/sceneserver/utils"
)

type DataKind int

const (
	DataMesh DataKind = iota
	DataPlugin
)

func (k DataKind) String() string {
	switch k {
	case DataMesh:
		return "mesh"
	case DataPlugin:
		return "plugin"
	}
	return "unknown"
}

// Data is one named entity of the scene data store. Mesh entities own a
// triangle geometry handle; plugin entities own everything their generator
// produced, captured in State.
type Data struct {
	Kind DataKind

	Geometry     render.Geometry
	NumVertices  uint32
	NumTriangles uint32

	PluginKind     plugin.Kind
	PluginName     string
	ParametersHash string
	PropertiesHash string
	State          *plugin.State
}

// UpsertMesh stores raw triangle mesh data under a name. A same-name mesh
// entity keeps its geometry handle and only swaps buffer contents; an
// entity of a different kind is destroyed first.
func (s *Scene) UpsertMesh(u *protocol.UpdateMeshData, bufs *protocol.MeshBuffers) error {
	if u.NumVertices == 0 || u.NumTriangles == 0 {
		return errors.Errorf("mesh %q is degenerate (%d vertices, %d triangles)",
			u.Name, u.NumVertices, u.NumTriangles)
	}

	var geom render.Geometry

	if existing, ok := s.data[u.Name]; ok {
		if existing.Kind == DataMesh {
			geom = existing.Geometry
			geom.RemoveParam("vertex.normal")
			geom.RemoveParam("vertex.color")
		} else {
			log.Printf("[scene] data %q changes kind %s -> mesh, destroying old entity",
				u.Name, existing.Kind)
			s.RemoveData(u.Name)
		}
	}

	if geom == nil {
		geom = s.dev.NewTriangleGeometry()
	}

	// The caller reuses its receive buffers, so the geometry gets copies.
	geom.SetParam("vertex.position", append([]float32(nil), bufs.Vertices...))
	if u.HasNormals {
		geom.SetParam("vertex.normal", append([]float32(nil), bufs.Normals...))
	}
	if u.HasVertexColors {
		geom.SetParam("vertex.color", append([]float32(nil), bufs.Colors...))
	}
	geom.SetParam("index", append([]uint32(nil), bufs.Triangles...))
	geom.Commit()

	s.data[u.Name] = &Data{
		Kind:         DataMesh,
		Geometry:     geom,
		NumVertices:  u.NumVertices,
		NumTriangles: u.NumTriangles,
	}

	log.Printf("[scene] mesh data %q: %d vertices, %d triangles (normals %v, vertex colors %v)",
		u.Name, u.NumVertices, u.NumTriangles, u.HasNormals, u.HasVertexColors)
	return nil
}

// UpsertPluginInstance creates or refreshes generated content under a
// name. When the plugin identity, both request hashes and (for generators
// that depend on it) the renderer kind all match the stored entity, the
// request is a no-op and the cached content is kept as is.
func (s *Scene) UpsertPluginInstance(u *protocol.UpdatePluginInstance) (cached bool, err error) {
	kind, err := plugin.KindFromString(u.Kind)
	if err != nil {
		return false, err
	}

	parametersHash := utils.ContentHash(u.Parameters)
	propertiesHash := utils.ContentHash(u.CustomProperties)

	if existing, ok := s.data[u.Name]; ok {
		if existing.Kind == DataPlugin &&
			existing.PluginKind == kind &&
			existing.PluginName == u.PluginName &&
			existing.ParametersHash == parametersHash &&
			existing.PropertiesHash == propertiesHash &&
			(!existing.State.UsesRendererKind || existing.State.RendererKind == s.rendererKind) {
			log.Printf("[scene] plugin instance %q unchanged, using cached content", u.Name)
			return true, nil
		}
		log.Printf("[scene] plugin instance %q changed, destroying old content", u.Name)
		s.RemoveData(u.Name)
	}

	def, err := s.plugins.EnsureLoaded(kind, u.PluginName)
	if err != nil {
		return false, err
	}

	parameters := map[string]interface{}{}
	if len(u.Parameters) > 0 {
		if err := json.Unmarshal(u.Parameters, &parameters); err != nil {
			return false, errors.Wrapf(err, "malformed parameters for plugin instance %q", u.Name)
		}
	}
	properties := map[string]interface{}{}
	if len(u.CustomProperties) > 0 {
		if err := json.Unmarshal(u.CustomProperties, &properties); err != nil {
			return false, errors.Wrapf(err, "malformed custom properties for plugin instance %q", u.Name)
		}
	}

	if errs := plugin.ValidateParameters(def.Parameters, parameters); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return false, errors.Errorf("parameter validation failed: %s", strings.Join(msgs, "; "))
	}

	state := &plugin.State{
		RendererKind:     s.rendererKind,
		UsesRendererKind: def.UsesRendererKind,
		Parameters:       parameters,
		Properties:       properties,
	}

	started := time.Now()
	if err := def.Generate(s.dev, state); err != nil {
		releasePluginState(state)
		return false, errors.Wrapf(err, "plugin %q failed to generate %q",
			plugin.InternalName(kind, u.PluginName), u.Name)
	}
	log.Printf("[scene] plugin %q generated %q in %s",
		plugin.InternalName(kind, u.PluginName), u.Name, time.Since(started))

	if err := checkGeneratedOutput(kind, state); err != nil {
		releasePluginState(state)
		return false, err
	}

	s.data[u.Name] = &Data{
		Kind:           DataPlugin,
		PluginKind:     kind,
		PluginName:     u.PluginName,
		ParametersHash: parametersHash,
		PropertiesHash: propertiesHash,
		State:          state,
	}
	return false, nil
}

// checkGeneratedOutput rejects generators that returned success without
// producing the output their kind promises.
func checkGeneratedOutput(kind plugin.Kind, state *plugin.State) error {
	switch kind {
	case plugin.Geometry:
		if state.Geometry == nil {
			return errors.Errorf("geometry plugin did not produce a geometry")
		}
	case plugin.Volume:
		if state.Volume == nil {
			return errors.Errorf("volume plugin did not produce a volume")
		}
	case plugin.Scene:
		if len(state.GroupInstances) == 0 && len(state.Lights) == 0 {
			return errors.Errorf("scene plugin produced neither group instances nor lights")
		}
	}
	return nil
}

func releasePluginState(state *plugin.State) {
	if state.Geometry != nil {
		state.Geometry.Release()
	}
	if state.Volume != nil {
		state.Volume.Release()
	}
	for _, gi := range state.GroupInstances {
		gi.Group.Release()
	}
	for _, l := range state.Lights {
		l.Release()
	}
}

// RemoveData destroys a data entity and releases the renderer handles it
// owns. Objects still linking to the name are left in place and fail
// their next data resolution.
func (s *Scene) RemoveData(name string) bool {
	d, ok := s.data[name]
	if !ok {
		return false
	}

	switch d.Kind {
	case DataMesh:
		d.Geometry.Release()
	case DataPlugin:
		releasePluginState(d.State)
	}

	delete(s.data, name)
	return true
}

// meshData resolves a data link that must name a mesh entity.
func (s *Scene) meshData(link string) (*Data, error) {
	d, ok := s.data[link]
	if !ok {
		return nil, errors.Errorf("linked data %q does not exist", link)
	}
	if d.Kind != DataMesh {
		return nil, errors.Errorf("linked data %q is %s data, not mesh data", link, d.Kind)
	}
	return d, nil
}

// pluginData resolves a data link that must name generated content of the
// given plugin kind.
func (s *Scene) pluginData(link string, kind plugin.Kind) (*Data, error) {
	d, ok := s.data[link]
	if !ok {
		return nil, errors.Errorf("linked data %q does not exist", link)
	}
	if d.Kind != DataPlugin {
		return nil, errors.Errorf("linked data %q is %s data, not generated content", link, d.Kind)
	}
	if d.PluginKind != kind {
		return nil, errors.Errorf("linked data %q holds %s content, need %s content",
			link, d.PluginKind, kind)
	}
	return d, nil
}

// Bound returns the serialized bounding mesh of a generated entity, if its
// generator provided one.
func (s *Scene) Bound(name string) ([]byte, error) {
	d, ok := s.data[name]
	if !ok {
		return nil, errors.Errorf("data %q does not exist", name)
	}
	if d.Kind != DataPlugin || d.State.Bound == nil {
		return nil, errors.Errorf("data %q has no bounding mesh", name)
	}
	return d.State.Bound.EncodeGLTF()
}
