package scene

import (
	"encoding/json"
	"log"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/plugin"
	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render"
	"github.com/mogri/sceneserver/utils"
)

type ObjectKind int

const (
	ObjectMesh ObjectKind = iota
	ObjectGeometry
	ObjectVolume
	ObjectIsosurfaces
	ObjectSlice
	ObjectScene
	ObjectLight
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectMesh:
		return "mesh"
	case ObjectGeometry:
		return "geometry"
	case ObjectVolume:
		return "volume"
	case ObjectIsosurfaces:
		return "isosurfaces"
	case ObjectSlice:
		return "slices"
	case ObjectScene:
		return "scene"
	case ObjectLight:
		return "light"
	}
	return "unknown"
}

func objectKindFromString(s string) (ObjectKind, error) {
	for _, k := range []ObjectKind{
		ObjectMesh, ObjectGeometry, ObjectVolume, ObjectIsosurfaces,
		ObjectSlice, ObjectScene, ObjectLight,
	} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown object kind %q", s)
}

type slicePart struct {
	geometry render.Geometry
	gmodel   render.GeometricModel
	group    render.Group
	instance render.Instance
}

// Object is one named placement in the scene. The populated handle fields
// depend on Kind; every handle listed here is owned by the object, except
// Lights of scene objects, which the linked data entity owns.
type Object struct {
	Kind     ObjectKind
	DataLink string

	// Object2World is the placement transform of the last successful
	// update; slice objects carry per-part transforms instead.
	Object2World mgl32.Mat4

	GeometricModel   render.GeometricModel
	VolumetricModel  render.VolumetricModel
	TransferFunction render.TransferFunction
	IsoGeometry      render.Geometry
	Group            render.Group
	Instance         render.Instance

	Instances []render.Instance
	Lights    []render.Light

	SliceParts []slicePart

	Light     render.Light
	LightType string
}

// UpsertObject routes an object update to its kind-specific handler. A
// same-name object of a different kind is destroyed before the new one is
// built, so a name never holds two placements at once.
func (s *Scene) UpsertObject(u *protocol.UpdateObject) error {
	kind, err := objectKindFromString(u.Kind)
	if err != nil {
		return err
	}

	if existing, ok := s.objects[u.Name]; ok && existing.Kind != kind {
		log.Printf("[scene] object %q changes kind %s -> %s, destroying old object",
			u.Name, existing.Kind, kind)
		s.RemoveObject(u.Name)
	}

	switch kind {
	case ObjectMesh:
		return s.updateMeshObject(u)
	case ObjectGeometry:
		return s.updateGeometryObject(u)
	case ObjectVolume:
		return s.updateVolumeObject(u)
	case ObjectIsosurfaces:
		return s.updateIsosurfacesObject(u)
	case ObjectSlice:
		return s.updateSliceObject(u)
	case ObjectScene:
		return s.updateSceneObject(u)
	case ObjectLight:
		return s.updateLightObject(u)
	}
	return errors.Errorf("unhandled object kind %q", u.Kind)
}

// RemoveObject destroys an object and releases every handle it owns.
func (s *Scene) RemoveObject(name string) bool {
	obj, ok := s.objects[name]
	if !ok {
		return false
	}

	switch obj.Kind {
	case ObjectMesh, ObjectGeometry:
		obj.GeometricModel.Release()
		obj.Group.Release()
		obj.Instance.Release()
	case ObjectVolume:
		obj.VolumetricModel.Release()
		obj.TransferFunction.Release()
		obj.Group.Release()
		obj.Instance.Release()
	case ObjectIsosurfaces:
		obj.GeometricModel.Release()
		obj.IsoGeometry.Release()
		obj.VolumetricModel.Release()
		obj.TransferFunction.Release()
		obj.Group.Release()
		obj.Instance.Release()
	case ObjectSlice:
		for _, part := range obj.SliceParts {
			part.gmodel.Release()
			part.geometry.Release()
			part.group.Release()
			part.instance.Release()
		}
		obj.VolumetricModel.Release()
		obj.TransferFunction.Release()
	case ObjectScene:
		// Groups and lights belong to the linked data entity.
		for _, in := range obj.Instances {
			in.Release()
		}
	case ObjectLight:
		obj.Light.Release()
	}

	delete(s.objects, name)
	return true
}

// dataLinkValid reports whether an object's linked data entity still
// resolves with the kind the object was built against. A cross kind data
// replacement releases the entity's handles; placements that still
// reference them stay out of the world until the client re-upserts them.
func (s *Scene) dataLinkValid(obj *Object) bool {
	var err error
	switch obj.Kind {
	case ObjectLight:
		return true
	case ObjectMesh:
		_, err = s.meshData(obj.DataLink)
	case ObjectGeometry:
		_, err = s.pluginData(obj.DataLink, plugin.Geometry)
	case ObjectVolume, ObjectIsosurfaces, ObjectSlice:
		_, err = s.pluginData(obj.DataLink, plugin.Volume)
	case ObjectScene:
		_, err = s.pluginData(obj.DataLink, plugin.Scene)
	}
	return err == nil
}

// resolveMaterial maps a material link to a handle, falling back to the
// backend's default material when the link is empty or dangling.
func (s *Scene) resolveMaterial(link string) render.Material {
	if link == "" {
		return s.defaultMaterials[s.rendererKind]
	}
	if m, ok := s.materials[link]; ok {
		return m.Handle
	}
	log.Printf("[scene] material %q not found, using default material", link)
	return s.defaultMaterials[s.rendererKind]
}

func (s *Scene) updateMeshObject(u *protocol.UpdateObject) error {
	d, err := s.meshData(u.DataLink)
	if err != nil {
		return errors.Wrapf(err, "mesh object %q", u.Name)
	}
	return s.placeGeometry(u, d.Geometry)
}

func (s *Scene) updateGeometryObject(u *protocol.UpdateObject) error {
	d, err := s.pluginData(u.DataLink, plugin.Geometry)
	if err != nil {
		return errors.Wrapf(err, "geometry object %q", u.Name)
	}
	return s.placeGeometry(u, d.State.Geometry)
}

// placeGeometry is the shared mesh/geometry placement: model, group and
// instance are created once and updated in place on later upserts.
func (s *Scene) placeGeometry(u *protocol.UpdateObject, geom render.Geometry) error {
	kind, _ := objectKindFromString(u.Kind)

	obj, ok := s.objects[u.Name]
	if !ok {
		gmodel := s.dev.NewGeometricModel(geom)
		group := s.dev.NewGroup()
		group.SetParam("geometry", []render.GeometricModel{gmodel})
		group.Commit()

		obj = &Object{
			Kind:           kind,
			GeometricModel: gmodel,
			Group:          group,
			Instance:       s.dev.NewInstance(group),
		}
		s.objects[u.Name] = obj
	}

	obj.DataLink = u.DataLink
	obj.Object2World = utils.Mat4FromRowMajor(u.Object2World)
	obj.GeometricModel.SetParam("geometry", geom)
	obj.GeometricModel.SetParam("material", s.resolveMaterial(u.MaterialLink))
	obj.GeometricModel.Commit()

	obj.Instance.SetParam("xfm", obj.Object2World)
	obj.Instance.Commit()
	return nil
}

// cool to warm, the default color map for volume rendering
var transferFunctionColors = []float32{
	0.230, 0.299, 0.754,
	0.552, 0.690, 0.996,
	0.865, 0.865, 0.865,
	0.956, 0.604, 0.486,
	0.706, 0.016, 0.150,
}

func (s *Scene) makeTransferFunction(dataRange [2]float32) render.TransferFunction {
	tf := s.dev.NewTransferFunction("piecewiseLinear")
	tf.SetParam("color", transferFunctionColors)
	tf.SetParam("opacity", []float32{0, 1})
	tf.SetParam("valueRange", dataRange)
	tf.Commit()
	return tf
}

func (s *Scene) updateVolumeObject(u *protocol.UpdateObject) error {
	d, err := s.pluginData(u.DataLink, plugin.Volume)
	if err != nil {
		return errors.Wrapf(err, "volume object %q", u.Name)
	}

	obj, ok := s.objects[u.Name]
	if !ok {
		tf := s.makeTransferFunction(d.State.VolumeDataRange)
		vmodel := s.dev.NewVolumetricModel(d.State.Volume)
		vmodel.SetParam("transferFunction", tf)

		group := s.dev.NewGroup()
		group.SetParam("volume", []render.VolumetricModel{vmodel})
		group.Commit()

		obj = &Object{
			Kind:             ObjectVolume,
			VolumetricModel:  vmodel,
			TransferFunction: tf,
			Group:            group,
			Instance:         s.dev.NewInstance(group),
		}
		s.objects[u.Name] = obj
	}

	obj.DataLink = u.DataLink
	obj.Object2World = utils.Mat4FromRowMajor(u.Object2World)
	obj.TransferFunction.SetParam("valueRange", d.State.VolumeDataRange)
	obj.TransferFunction.Commit()

	obj.VolumetricModel.SetParam("volume", d.State.Volume)
	if u.Volume != nil && u.Volume.SamplingRate > 0 {
		obj.VolumetricModel.SetParam("samplingRate", u.Volume.SamplingRate)
	}
	obj.VolumetricModel.Commit()

	obj.Instance.SetParam("xfm", obj.Object2World)
	obj.Instance.Commit()
	return nil
}

func (s *Scene) updateIsosurfacesObject(u *protocol.UpdateObject) error {
	d, err := s.pluginData(u.DataLink, plugin.Volume)
	if err != nil {
		return errors.Wrapf(err, "isosurfaces object %q", u.Name)
	}

	var props struct {
		Isovalues []float32 `json:"isovalues"`
	}
	if len(u.CustomProperties) > 0 {
		if err := json.Unmarshal(u.CustomProperties, &props); err != nil {
			return errors.Wrapf(err, "malformed custom properties of isosurfaces object %q", u.Name)
		}
	}
	if len(props.Isovalues) == 0 {
		return errors.Errorf("isosurfaces object %q sets no isovalues", u.Name)
	}

	obj, ok := s.objects[u.Name]
	if !ok {
		tf := s.makeTransferFunction(d.State.VolumeDataRange)
		vmodel := s.dev.NewVolumetricModel(d.State.Volume)
		vmodel.SetParam("transferFunction", tf)
		vmodel.Commit()

		iso := s.dev.NewGeometry("isosurface")
		gmodel := s.dev.NewGeometricModel(iso)
		group := s.dev.NewGroup()
		group.SetParam("geometry", []render.GeometricModel{gmodel})
		group.Commit()

		obj = &Object{
			Kind:             ObjectIsosurfaces,
			IsoGeometry:      iso,
			GeometricModel:   gmodel,
			VolumetricModel:  vmodel,
			TransferFunction: tf,
			Group:            group,
			Instance:         s.dev.NewInstance(group),
		}
		s.objects[u.Name] = obj
	}

	obj.DataLink = u.DataLink
	obj.Object2World = utils.Mat4FromRowMajor(u.Object2World)
	obj.VolumetricModel.SetParam("volume", d.State.Volume)
	obj.VolumetricModel.Commit()

	obj.IsoGeometry.SetParam("isovalue", append([]float32(nil), props.Isovalues...))
	obj.IsoGeometry.SetParam("volume", obj.VolumetricModel)
	obj.IsoGeometry.Commit()

	obj.GeometricModel.SetParam("material", s.resolveMaterial(u.MaterialLink))
	obj.GeometricModel.Commit()

	obj.Instance.SetParam("xfm", obj.Object2World)
	obj.Instance.Commit()
	return nil
}

// updateSliceObject rebuilds all slice placements on every update. Slice
// counts change freely between syncs, so in-place reuse buys nothing here.
// The replacement parts are fully built before the previous ones are
// released: a failed update leaves the old placement intact.
func (s *Scene) updateSliceObject(u *protocol.UpdateObject) error {
	d, err := s.pluginData(u.DataLink, plugin.Volume)
	if err != nil {
		return errors.Wrapf(err, "slices object %q", u.Name)
	}
	if len(u.Slices) == 0 {
		return errors.Errorf("slices object %q defines no slices", u.Name)
	}

	obj, ok := s.objects[u.Name]

	var vmodel render.VolumetricModel
	var tf render.TransferFunction
	if ok {
		vmodel = obj.VolumetricModel
	} else {
		tf = s.makeTransferFunction(d.State.VolumeDataRange)
		vmodel = s.dev.NewVolumetricModel(d.State.Volume)
		vmodel.SetParam("transferFunction", tf)
		vmodel.Commit()
	}

	discard := func(parts []slicePart) {
		for _, part := range parts {
			part.gmodel.Release()
			part.geometry.Release()
			part.group.Release()
			part.instance.Release()
		}
		if !ok {
			vmodel.Release()
			tf.Release()
		}
	}

	var parts []slicePart
	for i, sl := range u.Slices {
		geom := s.dev.NewGeometry("slices")
		geom.SetParam("volume", vmodel)
		geom.SetParam("plane", sl.Plane)
		if sl.LinkedMeshData != "" {
			md, err := s.meshData(sl.LinkedMeshData)
			if err != nil {
				geom.Release()
				discard(parts)
				return errors.Wrapf(err, "slice %d of object %q", i, u.Name)
			}
			geom.SetParam("mesh", md.Geometry)
		}
		geom.Commit()

		gmodel := s.dev.NewGeometricModel(geom)
		gmodel.SetParam("material", s.resolveMaterial(u.MaterialLink))
		gmodel.Commit()

		group := s.dev.NewGroup()
		group.SetParam("geometry", []render.GeometricModel{gmodel})
		group.Commit()

		instance := s.dev.NewInstance(group)
		instance.SetParam("xfm", utils.Mat4FromRowMajor(sl.Object2World))
		instance.Commit()

		parts = append(parts, slicePart{
			geometry: geom,
			gmodel:   gmodel,
			group:    group,
			instance: instance,
		})
	}

	if ok {
		for _, part := range obj.SliceParts {
			part.gmodel.Release()
			part.geometry.Release()
			part.group.Release()
			part.instance.Release()
		}
	} else {
		obj = &Object{
			Kind:             ObjectSlice,
			VolumetricModel:  vmodel,
			TransferFunction: tf,
		}
		s.objects[u.Name] = obj
	}

	obj.SliceParts = parts
	obj.DataLink = u.DataLink
	obj.VolumetricModel.SetParam("volume", d.State.Volume)
	obj.VolumetricModel.Commit()
	return nil
}

// updateSceneObject places generated sub-scene content. Updates replace
// the previous placement instead of merging into it; the group handles
// stay with the data entity and survive the replacement.
func (s *Scene) updateSceneObject(u *protocol.UpdateObject) error {
	d, err := s.pluginData(u.DataLink, plugin.Scene)
	if err != nil {
		return errors.Wrapf(err, "scene object %q", u.Name)
	}

	obj, ok := s.objects[u.Name]
	if ok {
		for _, in := range obj.Instances {
			in.Release()
		}
		obj.Instances = nil
	} else {
		obj = &Object{Kind: ObjectScene}
		s.objects[u.Name] = obj
	}

	obj.DataLink = u.DataLink
	obj.Object2World = utils.Mat4FromRowMajor(u.Object2World)

	for _, gi := range d.State.GroupInstances {
		in := s.dev.NewInstance(gi.Group)
		in.SetParam("xfm", obj.Object2World.Mul4(gi.Transform))
		in.Commit()
		obj.Instances = append(obj.Instances, in)
	}
	obj.Lights = d.State.Lights

	log.Printf("[scene] scene object %q placed %d instance(s), references %d light(s)",
		u.Name, len(obj.Instances), len(obj.Lights))
	return nil
}

var lightKinds = map[string]string{
	"point": "sphere",
	"sun":   "distant",
	"spot":  "spot",
	"area":  "quad",
}

func (s *Scene) updateLightObject(u *protocol.UpdateObject) error {
	if u.Light == nil {
		return errors.Errorf("light object %q carries no light settings", u.Name)
	}

	kind, ok := lightKinds[u.Light.Type]
	if !ok {
		return errors.Errorf("light object %q has unknown light type %q", u.Name, u.Light.Type)
	}

	obj, exists := s.objects[u.Name]
	if exists && obj.LightType != u.Light.Type {
		log.Printf("[scene] light %q changes type %s -> %s", u.Name, obj.LightType, u.Light.Type)
		obj.Light.Release()
		exists = false
	}
	if !exists {
		obj = &Object{
			Kind:      ObjectLight,
			Light:     s.dev.NewLight(kind),
			LightType: u.Light.Type,
		}
		s.objects[u.Name] = obj
	}

	l := obj.Light
	l.SetParam("color", u.Light.Color)
	l.SetParam("intensity", u.Light.Intensity)
	l.SetParam("visible", u.Light.Visible)

	switch u.Light.Type {
	case "point":
		l.SetParam("position", u.Light.Position)
		l.SetParam("radius", u.Light.Radius)
	case "sun":
		l.SetParam("direction", u.Light.Direction)
		l.SetParam("angularDiameter", u.Light.AngularDiameter)
	case "spot":
		l.SetParam("position", u.Light.Position)
		l.SetParam("direction", u.Light.Direction)
		l.SetParam("openingAngle", u.Light.OpeningAngle)
		l.SetParam("penumbraAngle", u.Light.PenumbraAngle)
		l.SetParam("radius", u.Light.Radius)
	case "area":
		l.SetParam("position", u.Light.Position)
		l.SetParam("edge1", u.Light.Edge1)
		l.SetParam("edge2", u.Light.Edge2)
	}

	l.Commit()
	return nil
}
