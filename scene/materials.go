package scene

import (
	"log"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render"
)

// Material is one named registry entry. The handle is specific to the
// backend kind it was created under; switching backends drops all entries.
type Material struct {
	Family string
	Handle render.Material
}

// backend material names per family; families missing from a backend fall
// back to OBJMaterial there.
var materialFamilies = map[string]string{
	"obj":            "OBJMaterial",
	"principled":     "Principled",
	"car_paint":      "CarPaint",
	"metallic_paint": "MetallicPaint",
	"glass":          "Glass",
	"luminous":       "Luminous",
}

// UpdateMaterial creates or refreshes a named material. Same-family
// updates reuse the handle; a family change recreates it, and placements
// referencing the name pick the new handle up on their own next update.
func (s *Scene) UpdateMaterial(u *protocol.MaterialUpdate) error {
	backendName, ok := materialFamilies[u.Family]
	if !ok {
		return errors.Errorf("unknown material family %q", u.Family)
	}
	if s.rendererKind == "scivis" && u.Family != "obj" {
		log.Printf("[scene] material %q: family %q not supported by scivis, substituting obj",
			u.Name, u.Family)
		backendName = "OBJMaterial"
	}

	m, exists := s.materials[u.Name]
	if exists && m.Family != u.Family {
		log.Printf("[scene] material %q changes family %s -> %s", u.Name, m.Family, u.Family)
		m.Handle.Release()
		exists = false
	}
	if !exists {
		m = &Material{
			Family: u.Family,
			Handle: s.dev.NewMaterial(s.rendererKind, backendName),
		}
		s.materials[u.Name] = m
	}

	h := m.Handle
	switch {
	case u.Family == "obj" || s.rendererKind == "scivis":
		set := u.OBJ
		if set == nil {
			set = &protocol.OBJMaterialSettings{Kd: [3]float32{0.8, 0.8, 0.8}, D: 1}
		}
		h.SetParam("Kd", set.Kd)
		h.SetParam("Ks", set.Ks)
		h.SetParam("Ns", set.Ns)
		h.SetParam("d", set.D)

	case u.Family == "principled":
		set := u.Principled
		if set == nil {
			return errors.Errorf("material %q: missing principled settings", u.Name)
		}
		h.SetParam("baseColor", set.BaseColor)
		h.SetParam("edgeColor", set.EdgeColor)
		h.SetParam("metallic", set.Metallic)
		h.SetParam("diffuse", set.Diffuse)
		h.SetParam("specular", set.Specular)
		h.SetParam("ior", set.IOR)
		h.SetParam("transmission", set.Transmission)
		h.SetParam("transmissionColor", set.TransmissionColor)
		h.SetParam("transmissionDepth", set.TransmissionDepth)
		h.SetParam("roughness", set.Roughness)
		h.SetParam("anisotropy", set.Anisotropy)
		h.SetParam("rotation", set.Rotation)
		h.SetParam("thin", set.Thin)
		h.SetParam("thickness", set.Thickness)
		h.SetParam("backlight", set.Backlight)
		h.SetParam("coat", set.Coat)
		h.SetParam("coatIor", set.CoatIOR)
		h.SetParam("coatColor", set.CoatColor)
		h.SetParam("coatThickness", set.CoatThickness)
		h.SetParam("coatRoughness", set.CoatRoughness)
		h.SetParam("sheen", set.Sheen)
		h.SetParam("sheenColor", set.SheenColor)
		h.SetParam("sheenTint", set.SheenTint)
		h.SetParam("sheenRoughness", set.SheenRoughness)
		h.SetParam("opacity", set.Opacity)

	case u.Family == "car_paint":
		set := u.CarPaint
		if set == nil {
			return errors.Errorf("material %q: missing car paint settings", u.Name)
		}
		h.SetParam("baseColor", set.BaseColor)
		h.SetParam("roughness", set.Roughness)
		h.SetParam("flakeDensity", set.FlakeDensity)
		h.SetParam("flakeScale", set.FlakeScale)
		h.SetParam("flakeSpread", set.FlakeSpread)
		h.SetParam("flakeJitter", set.FlakeJitter)
		h.SetParam("flakeRoughness", set.FlakeRoughness)
		h.SetParam("coat", set.Coat)
		h.SetParam("coatIor", set.CoatIOR)
		h.SetParam("coatColor", set.CoatColor)
		h.SetParam("coatThickness", set.CoatThickness)
		h.SetParam("coatRoughness", set.CoatRoughness)
		h.SetParam("flipflopColor", set.FlipflopColor)
		h.SetParam("flipflopFalloff", set.FlipflopFalloff)

	case u.Family == "metallic_paint":
		set := u.MetallicPaint
		if set == nil {
			return errors.Errorf("material %q: missing metallic paint settings", u.Name)
		}
		h.SetParam("baseColor", set.BaseColor)
		h.SetParam("flakeColor", set.FlakeColor)
		h.SetParam("flakeAmount", set.FlakeAmount)
		h.SetParam("flakeSpread", set.FlakeSpread)
		h.SetParam("eta", set.Eta)

	case u.Family == "glass":
		set := u.Glass
		if set == nil {
			return errors.Errorf("material %q: missing glass settings", u.Name)
		}
		h.SetParam("eta", set.Eta)
		h.SetParam("attenuationColor", set.AttenuationColor)
		h.SetParam("attenuationDistance", set.AttenuationDistance)

	case u.Family == "luminous":
		set := u.Luminous
		if set == nil {
			return errors.Errorf("material %q: missing luminous settings", u.Name)
		}
		h.SetParam("color", set.Color)
		h.SetParam("intensity", set.Intensity)
		h.SetParam("transparency", set.Transparency)
	}

	h.Commit()
	return nil
}

// MaterialCount reports the registry size, for diagnostics.
func (s *Scene) MaterialCount() int { return len(s.materials) }
