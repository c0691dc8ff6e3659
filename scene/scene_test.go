package scene

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mogri/sceneserver/plugin/generators"
	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render/softpath"
)

func newTestScene(t *testing.T) (*Scene, *softpath.Device) {
	t.Helper()
	dev := softpath.New()
	dev.SetErrorHandler(func(err error) {
		t.Errorf("render device error: %v", err)
	})
	s, err := New(dev, generators.Loader{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dev
}

func quadMesh() (*protocol.UpdateMeshData, *protocol.MeshBuffers) {
	u := &protocol.UpdateMeshData{
		Name:         "quad",
		NumVertices:  4,
		NumTriangles: 2,
	}
	bufs := &protocol.MeshBuffers{
		Vertices: []float32{
			0, 0, 0,
			1, 0, 0,
			1, 1, 0,
			0, 1, 0,
		},
		Triangles: []uint32{0, 1, 2, 0, 2, 3},
	}
	return u, bufs
}

func boxesInstance(name, params string) *protocol.UpdatePluginInstance {
	return &protocol.UpdatePluginInstance{
		Name:       name,
		Kind:       "scene",
		PluginName: "boxes",
		Parameters: json.RawMessage(params),
	}
}

func TestMeshDataHandleReuse(t *testing.T) {
	s, dev := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}

	live := dev.LiveHandles()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh again: %v", err)
	}
	if got := dev.LiveHandles(); got != live {
		t.Errorf("same-name mesh update changed handle count %d -> %d, want reuse", live, got)
	}
}

func TestDegenerateMeshRejected(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	u.NumTriangles = 0
	bufs.Triangles = nil

	if err := s.UpsertMesh(u, bufs); err == nil {
		t.Fatal("degenerate mesh accepted")
	}
	if _, exists := s.data["quad"]; exists {
		t.Error("degenerate mesh was stored")
	}
}

func TestPluginInstanceCache(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	cached, err := s.UpsertPluginInstance(boxesInstance("grid", `{"side": 2}`))
	if err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	if cached {
		t.Error("first upsert reported cached content")
	}

	cached, err = s.UpsertPluginInstance(boxesInstance("grid", `{"side": 2}`))
	if err != nil {
		t.Fatalf("UpsertPluginInstance repeat: %v", err)
	}
	if !cached {
		t.Error("identical upsert regenerated instead of using the cache")
	}

	cached, err = s.UpsertPluginInstance(boxesInstance("grid", `{"side": 3}`))
	if err != nil {
		t.Fatalf("UpsertPluginInstance changed: %v", err)
	}
	if cached {
		t.Error("changed parameters still hit the cache")
	}
}

func TestPluginInstanceCacheMissesAfterBackendSwitch(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(boxesInstance("grid", `{}`)); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	if err := s.SetRendererKind("pathtracer"); err != nil {
		t.Fatalf("SetRendererKind: %v", err)
	}

	// scene_boxes declares a renderer kind dependency, so the cached
	// content is stale now.
	cached, err := s.UpsertPluginInstance(boxesInstance("grid", `{}`))
	if err != nil {
		t.Fatalf("UpsertPluginInstance after switch: %v", err)
	}
	if cached {
		t.Error("renderer kind change did not invalidate the cached instance")
	}
}

func TestPluginParameterValidation(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	_, err := s.UpsertPluginInstance(&protocol.UpdatePluginInstance{
		Name:       "ring",
		Kind:       "geometry",
		PluginName: "spheres",
		Parameters: json.RawMessage(`{"count": 2.5}`),
	})
	if err == nil {
		t.Fatal("missing and non-integer parameters accepted")
	}
	if _, exists := s.data["ring"]; exists {
		t.Error("failed instance was stored")
	}
}

func TestCrossKindDataReplacement(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	u.Name = "thing"
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}

	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "obj", DataLink: "thing",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	if _, err := s.UpsertPluginInstance(boxesInstance("thing", `{}`)); err != nil {
		t.Fatalf("UpsertPluginInstance over mesh name: %v", err)
	}

	if d := s.data["thing"]; d.Kind != DataPlugin {
		t.Fatalf("data kind = %s, want plugin", d.Kind)
	}

	// The mesh object still exists but its link now points at scene
	// content, so refreshing it must fail.
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "obj", DataLink: "thing",
	}); err == nil {
		t.Error("mesh object refresh succeeded against plugin data")
	}
}

func TestObjectKindChange(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "obj", DataLink: "quad",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "light", Name: "obj",
		Light: &protocol.LightSettings{Type: "point", Intensity: 1},
	}); err != nil {
		t.Fatalf("UpsertObject kind change: %v", err)
	}

	if obj := s.objects["obj"]; obj.Kind != ObjectLight {
		t.Errorf("object kind = %s, want light", obj.Kind)
	}
}

func TestActiveContentDerivedFromStore(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "floor", DataLink: "quad",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "light", Name: "sun",
		Light: &protocol.LightSettings{Type: "sun", Intensity: 3},
	}); err != nil {
		t.Fatalf("UpsertObject light: %v", err)
	}

	instances, lights := s.ActiveContent()
	if len(instances) != 1 {
		t.Errorf("instances = %d, want 1", len(instances))
	}
	// ambient plus the sun
	if len(lights) != 2 {
		t.Errorf("lights = %d, want 2", len(lights))
	}

	s.RemoveObject("floor")
	s.RemoveObject("sun")

	instances, lights = s.ActiveContent()
	if len(instances) != 0 || len(lights) != 1 {
		t.Errorf("after removal: %d instances, %d lights, want 0 and 1",
			len(instances), len(lights))
	}
}

func TestBackendSwitchDropsMaterials(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	if err := s.UpdateMaterial(&protocol.MaterialUpdate{
		Name: "red", Family: "obj",
		OBJ: &protocol.OBJMaterialSettings{Kd: [3]float32{1, 0, 0}, D: 1},
	}); err != nil {
		t.Fatalf("UpdateMaterial: %v", err)
	}
	if s.MaterialCount() != 1 {
		t.Fatalf("MaterialCount = %d, want 1", s.MaterialCount())
	}

	if err := s.SetRendererKind("pathtracer"); err != nil {
		t.Fatalf("SetRendererKind: %v", err)
	}
	if s.MaterialCount() != 0 {
		t.Errorf("MaterialCount = %d after backend switch, want 0", s.MaterialCount())
	}
}

func TestMaterialFamilyChangeRecreates(t *testing.T) {
	s, dev := newTestScene(t)
	defer s.Close()

	if err := s.SetRendererKind("pathtracer"); err != nil {
		t.Fatalf("SetRendererKind: %v", err)
	}
	if err := s.UpdateMaterial(&protocol.MaterialUpdate{
		Name: "m", Family: "glass",
		Glass: &protocol.GlassSettings{Eta: 1.5},
	}); err != nil {
		t.Fatalf("UpdateMaterial: %v", err)
	}
	live := dev.LiveHandles()

	if err := s.UpdateMaterial(&protocol.MaterialUpdate{
		Name: "m", Family: "luminous",
		Luminous: &protocol.LuminousSettings{Intensity: 2},
	}); err != nil {
		t.Fatalf("UpdateMaterial family change: %v", err)
	}
	if got := dev.LiveHandles(); got != live {
		t.Errorf("family change should release and recreate, handles %d -> %d", live, got)
	}
	if s.materials["m"].Family != "luminous" {
		t.Errorf("family = %q, want luminous", s.materials["m"].Family)
	}
}

func TestClearSceneKeepsDataCache(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "floor", DataLink: "quad",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	s.ClearScene()

	if len(s.objects) != 0 {
		t.Errorf("objects left after clear: %d", len(s.objects))
	}
	if _, ok := s.data["quad"]; !ok {
		t.Error("mesh data evicted by clear, should stay cached")
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	s, dev := newTestScene(t)

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "floor", DataLink: "quad",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if _, err := s.UpsertPluginInstance(boxesInstance("grid", `{}`)); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "scene", Name: "boxes", DataLink: "grid",
	}); err != nil {
		t.Fatalf("UpsertObject scene: %v", err)
	}
	if err := s.UpdateCamera(&protocol.CameraSettings{
		Type: "perspective", FovY: 60, Aspect: 1,
	}); err != nil {
		t.Fatalf("UpdateCamera: %v", err)
	}

	s.Close()

	if got := dev.LiveHandles(); got != 0 {
		t.Errorf("%d handles still live after Close", got)
	}
}

func TestSceneObjectReplacesPlacement(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(boxesInstance("grid", `{"side": 2}`)); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	place := &protocol.UpdateObject{Kind: "scene", Name: "boxes", DataLink: "grid"}
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	instances, _ := s.ActiveContent()
	first := len(instances)
	if first != 4 {
		t.Fatalf("instances = %d, want 4", first)
	}

	// Repeating the placement must replace it, not accumulate.
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject repeat: %v", err)
	}
	instances, _ = s.ActiveContent()
	if len(instances) != first {
		t.Errorf("instances grew to %d after re-placement, want %d", len(instances), first)
	}
}

func rawVolumeInstance(t *testing.T, name string) *protocol.UpdatePluginInstance {
	t.Helper()
	file := filepath.Join(t.TempDir(), "voxels.raw")
	if err := os.WriteFile(file, []byte{0, 32, 64, 96, 128, 160, 192, 255}, 0644); err != nil {
		t.Fatalf("write voxel file: %v", err)
	}
	params := fmt.Sprintf(`{"file": %q, "dimensions": [2, 2, 2], "voxel_type": "uchar"}`, file)
	return &protocol.UpdatePluginInstance{
		Name:       name,
		Kind:       "volume",
		PluginName: "raw",
		Parameters: json.RawMessage(params),
	}
}

func TestVolumeObjectHandleReuse(t *testing.T) {
	s, dev := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(rawVolumeInstance(t, "vox")); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}

	place := &protocol.UpdateObject{
		Kind: "volume", Name: "cloud", DataLink: "vox",
		Volume: &protocol.VolumeObjectSettings{SamplingRate: 2},
	}
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if instances, _ := s.ActiveContent(); len(instances) != 1 {
		t.Fatalf("active instances = %d, want 1", len(instances))
	}

	live := dev.LiveHandles()
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject again: %v", err)
	}
	if got := dev.LiveHandles(); got != live {
		t.Errorf("same-kind volume update changed handle count %d -> %d, want reuse", live, got)
	}
}

func TestIsosurfacesObjectRequiresIsovalues(t *testing.T) {
	s, dev := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(rawVolumeInstance(t, "vox")); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}

	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "isosurfaces", Name: "iso", DataLink: "vox",
	}); err == nil {
		t.Fatal("isosurfaces object accepted without isovalues")
	}
	if _, exists := s.objects["iso"]; exists {
		t.Error("failed isosurfaces create left an object behind")
	}

	place := &protocol.UpdateObject{
		Kind: "isosurfaces", Name: "iso", DataLink: "vox",
		CustomProperties: json.RawMessage(`{"isovalues": [64, 192]}`),
	}
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	live := dev.LiveHandles()
	place.CustomProperties = json.RawMessage(`{"isovalues": [128]}`)
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject again: %v", err)
	}
	if got := dev.LiveHandles(); got != live {
		t.Errorf("isovalue update changed handle count %d -> %d, want reuse", live, got)
	}
}

func TestSliceObjectPlacement(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(rawVolumeInstance(t, "vox")); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}

	place := &protocol.UpdateObject{
		Kind: "slices", Name: "cuts", DataLink: "vox",
		Slices: []protocol.SliceSettings{
			{Plane: [4]float32{1, 0, 0, -1}},
			{Plane: [4]float32{0, 1, 0, -1}},
		},
	}
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if instances, _ := s.ActiveContent(); len(instances) != 2 {
		t.Fatalf("active instances = %d, want one per slice", len(instances))
	}

	place.Slices = place.Slices[:1]
	if err := s.UpsertObject(place); err != nil {
		t.Fatalf("UpsertObject with fewer slices: %v", err)
	}
	if instances, _ := s.ActiveContent(); len(instances) != 1 {
		t.Errorf("active instances = %d, want 1 after the update", len(instances))
	}
}

func TestFailedSliceUpdateKeepsPlacement(t *testing.T) {
	s, dev := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(rawVolumeInstance(t, "vox")); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "slices", Name: "cuts", DataLink: "vox",
		Slices: []protocol.SliceSettings{{Plane: [4]float32{1, 0, 0, -1}}},
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	live := dev.LiveHandles()
	err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "slices", Name: "cuts", DataLink: "vox",
		Slices: []protocol.SliceSettings{
			{Plane: [4]float32{1, 0, 0, -1}},
			{Plane: [4]float32{0, 1, 0, -1}, LinkedMeshData: "nope"},
		},
	})
	if err == nil {
		t.Fatal("slice update with a dangling mesh link succeeded")
	}
	if got := dev.LiveHandles(); got != live {
		t.Errorf("failed update changed handle count %d -> %d, want old placement kept", live, got)
	}
	if instances, _ := s.ActiveContent(); len(instances) != 1 {
		t.Errorf("active instances = %d, want the previous placement intact", len(instances))
	}
}

func TestActiveContentSkipsStaleDataLinks(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	if _, err := s.UpsertPluginInstance(boxesInstance("thing", `{}`)); err != nil {
		t.Fatalf("UpsertPluginInstance: %v", err)
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "scene", Name: "obj", DataLink: "thing",
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}
	if instances, _ := s.ActiveContent(); len(instances) == 0 {
		t.Fatal("scene object placed no instances")
	}

	// Reusing the data name for a mesh destroys the generated content the
	// object was built from.
	u, bufs := quadMesh()
	u.Name = "thing"
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh over plugin name: %v", err)
	}

	if instances, _ := s.ActiveContent(); len(instances) != 0 {
		t.Errorf("active instances = %d, want stale placements skipped", len(instances))
	}
}

func TestServerStateDumpsPlacementTransforms(t *testing.T) {
	s, _ := newTestScene(t)
	defer s.Close()

	u, bufs := quadMesh()
	if err := s.UpsertMesh(u, bufs); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}

	xfm := [16]float32{
		1, 0, 0, 5,
		0, 1, 0, 6,
		0, 0, 1, 7,
		0, 0, 0, 1,
	}
	if err := s.UpsertObject(&protocol.UpdateObject{
		Kind: "mesh", Name: "floor", DataLink: "quad", Object2World: xfm,
	}); err != nil {
		t.Fatalf("UpsertObject: %v", err)
	}

	var state struct {
		Objects map[string]struct {
			Kind         string      `json:"kind"`
			Object2World [16]float32 `json:"object2world"`
		} `json:"scene_objects"`
	}
	if err := json.Unmarshal(s.ServerState(), &state); err != nil {
		t.Fatalf("unmarshal server state: %v", err)
	}
	obj, ok := state.Objects["floor"]
	if !ok {
		t.Fatal("placed object missing from the server state dump")
	}
	if obj.Object2World != xfm {
		t.Errorf("dumped transform %v, want the row major wire transform %v", obj.Object2World, xfm)
	}
}
