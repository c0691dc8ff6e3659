// Package protocol defines the client protocol: one websocket connection
// carries a stream of typed JSON envelopes, with bulk payloads (mesh
// buffers, rendered images) in binary frames immediately following the
// envelope that announces them.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Version of the client protocol. A handshake with any other version is a
// hard error closing the connection.
const Version = 2

type MessageType string

const (
	// client -> server
	TypeHello                MessageType = "hello"
	TypeBye                  MessageType = "bye"
	TypeQuit                 MessageType = "quit"
	TypeClearScene           MessageType = "clear_scene"
	TypeUpdateRendererKind   MessageType = "update_renderer_kind"
	TypeUpdateRenderSettings MessageType = "update_render_settings"
	TypeUpdateWorldSettings  MessageType = "update_world_settings"
	TypeUpdatePluginInstance MessageType = "update_plugin_instance"
	TypeUpdateMeshData       MessageType = "update_mesh_data"
	TypeUpdateObject         MessageType = "update_object"
	TypeUpdateFramebuffer    MessageType = "update_framebuffer"
	TypeUpdateCamera         MessageType = "update_camera"
	TypeUpdateMaterial       MessageType = "update_material"
	TypeGetServerState       MessageType = "get_server_state"
	TypeQueryBound           MessageType = "query_bound"
	TypeStartRendering       MessageType = "start_rendering"
	TypeCancelRendering      MessageType = "cancel_rendering"
	TypeRequestOutputChannel MessageType = "request_output_channel"

	// server -> client
	TypeResult       MessageType = "result"
	TypeRenderResult MessageType = "render_result"
	TypeServerState  MessageType = "server_state"
	TypeBoundResult  MessageType = "bound_result"
)

// Envelope is the framing shared by every protocol message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrapf(err, "malformed envelope")
	}
	if e.Type == "" {
		return nil, errors.Errorf("envelope without message type")
	}
	return &e, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("message %s carries no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return errors.Wrapf(err, "malformed %s payload", e.Type)
	}
	return nil
}

// Encode wraps a payload into a marshaled envelope.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal %s payload", t)
		}
		raw = data
	}
	return json.Marshal(&Envelope{Type: t, Payload: raw})
}

type Hello struct {
	Version uint32 `json:"version"`
}

// Result is the generic success/failure response.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type UpdateRendererKind struct {
	Kind string `json:"kind"`
}

type RenderSettings struct {
	Samples           int     `json:"samples"`
	MaxDepth          int     `json:"max_depth"`
	MinContribution   float32 `json:"min_contribution"`
	VarianceThreshold float32 `json:"variance_threshold"`

	// scivis only
	AOSamples   int     `json:"ao_samples,omitempty"`
	AORadius    float32 `json:"ao_radius,omitempty"`
	AOIntensity float32 `json:"ao_intensity,omitempty"`

	// pathtracer only
	RouletteDepth   int     `json:"roulette_depth,omitempty"`
	MaxContribution float32 `json:"max_contribution,omitempty"`
	GeometryLights  bool    `json:"geometry_lights,omitempty"`
}

type WorldSettings struct {
	AmbientColor     [3]float32 `json:"ambient_color"`
	AmbientIntensity float32    `json:"ambient_intensity"`
	BackgroundColor  [4]float32 `json:"background_color"`
}

type UpdatePluginInstance struct {
	Name             string          `json:"name"`
	Kind             string          `json:"kind"`
	PluginName       string          `json:"plugin_name"`
	Parameters       json.RawMessage `json:"parameters"`
	CustomProperties json.RawMessage `json:"custom_properties"`
}

// UpdateMeshData announces raw triangle mesh data; the vertex, optional
// normal, optional color and triangle buffers follow as binary frames, in
// that order.
type UpdateMeshData struct {
	Name            string `json:"name"`
	NumVertices     uint32 `json:"num_vertices"`
	NumTriangles    uint32 `json:"num_triangles"`
	HasNormals      bool   `json:"has_normals,omitempty"`
	HasVertexColors bool   `json:"has_vertex_colors,omitempty"`
}

type UpdateObject struct {
	Kind             string          `json:"kind"`
	Name             string          `json:"name"`
	Object2World     [16]float32     `json:"object2world"`
	DataLink         string          `json:"data_link,omitempty"`
	MaterialLink     string          `json:"material_link,omitempty"`
	CustomProperties json.RawMessage `json:"custom_properties,omitempty"`

	Volume *VolumeObjectSettings `json:"volume,omitempty"`
	Slices []SliceSettings       `json:"slices,omitempty"`
	Light  *LightSettings        `json:"light,omitempty"`
}

type VolumeObjectSettings struct {
	SamplingRate float32 `json:"sampling_rate"`
}

type SliceSettings struct {
	LinkedMeshData string      `json:"linked_mesh_data"`
	Plane          [4]float32  `json:"plane"`
	Object2World   [16]float32 `json:"object2world"`
}

type LightSettings struct {
	Type      string     `json:"type"` // point, spot, sun, area
	Color     [3]float32 `json:"color"`
	Intensity float32    `json:"intensity"`
	Visible   bool       `json:"visible"`
	Position  [3]float32 `json:"position"`
	Direction [3]float32 `json:"direction"`

	Radius          float32    `json:"radius,omitempty"`           // point, spot
	OpeningAngle    float32    `json:"opening_angle,omitempty"`    // spot
	PenumbraAngle   float32    `json:"penumbra_angle,omitempty"`   // spot
	AngularDiameter float32    `json:"angular_diameter,omitempty"` // sun
	Edge1           [3]float32 `json:"edge1,omitempty"`            // area
	Edge2           [3]float32 `json:"edge2,omitempty"`            // area
}

type UpdateFramebuffer struct {
	Format string `json:"format"` // srgba, rgba32f
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type CameraSettings struct {
	Type string `json:"type"` // perspective, orthographic, panoramic

	Position [3]float32 `json:"position"`
	ViewDir  [3]float32 `json:"view_dir"`
	UpDir    [3]float32 `json:"up_dir"`

	FovY      float32 `json:"fov_y,omitempty"`  // perspective
	Height    float32 `json:"height,omitempty"` // orthographic
	Aspect    float32 `json:"aspect"`
	ClipStart float32 `json:"clip_start"`

	DOFFocusDistance float32 `json:"dof_focus_distance,omitempty"`
	DOFAperture      float32 `json:"dof_aperture,omitempty"`

	// Border render region, [x0 y0 x1 y1] in normalized image
	// coordinates; empty when disabled.
	Border []float32 `json:"border,omitempty"`
}

type MaterialUpdate struct {
	Name   string `json:"name"`
	Family string `json:"family"` // obj, principled, car_paint, metallic_paint, glass, luminous

	OBJ           *OBJMaterialSettings   `json:"obj,omitempty"`
	Principled    *PrincipledSettings    `json:"principled,omitempty"`
	CarPaint      *CarPaintSettings      `json:"car_paint,omitempty"`
	MetallicPaint *MetallicPaintSettings `json:"metallic_paint,omitempty"`
	Glass         *GlassSettings         `json:"glass,omitempty"`
	Luminous      *LuminousSettings      `json:"luminous,omitempty"`
}

type OBJMaterialSettings struct {
	Kd [3]float32 `json:"kd"`
	Ks [3]float32 `json:"ks"`
	Ns float32    `json:"ns"`
	D  float32    `json:"d"`
}

type PrincipledSettings struct {
	BaseColor         [3]float32 `json:"base_color"`
	EdgeColor         [3]float32 `json:"edge_color"`
	Metallic          float32    `json:"metallic"`
	Diffuse           float32    `json:"diffuse"`
	Specular          float32    `json:"specular"`
	IOR               float32    `json:"ior"`
	Transmission      float32    `json:"transmission"`
	TransmissionColor [3]float32 `json:"transmission_color"`
	TransmissionDepth float32    `json:"transmission_depth"`
	Roughness         float32    `json:"roughness"`
	Anisotropy        float32    `json:"anisotropy"`
	Rotation          float32    `json:"rotation"`
	Thin              bool       `json:"thin"`
	Thickness         float32    `json:"thickness"`
	Backlight         float32    `json:"backlight"`
	Coat              float32    `json:"coat"`
	CoatIOR           float32    `json:"coat_ior"`
	CoatColor         [3]float32 `json:"coat_color"`
	CoatThickness     float32    `json:"coat_thickness"`
	CoatRoughness     float32    `json:"coat_roughness"`
	Sheen             float32    `json:"sheen"`
	SheenColor        [3]float32 `json:"sheen_color"`
	SheenTint         float32    `json:"sheen_tint"`
	SheenRoughness    float32    `json:"sheen_roughness"`
	Opacity           float32    `json:"opacity"`
}

type CarPaintSettings struct {
	BaseColor       [3]float32 `json:"base_color"`
	Roughness       float32    `json:"roughness"`
	FlakeDensity    float32    `json:"flake_density"`
	FlakeScale      float32    `json:"flake_scale"`
	FlakeSpread     float32    `json:"flake_spread"`
	FlakeJitter     float32    `json:"flake_jitter"`
	FlakeRoughness  float32    `json:"flake_roughness"`
	Coat            float32    `json:"coat"`
	CoatIOR         float32    `json:"coat_ior"`
	CoatColor       [3]float32 `json:"coat_color"`
	CoatThickness   float32    `json:"coat_thickness"`
	CoatRoughness   float32    `json:"coat_roughness"`
	FlipflopColor   [3]float32 `json:"flipflop_color"`
	FlipflopFalloff float32    `json:"flipflop_falloff"`
}

type MetallicPaintSettings struct {
	BaseColor   [3]float32 `json:"base_color"`
	FlakeColor  [3]float32 `json:"flake_color"`
	FlakeAmount float32    `json:"flake_amount"`
	FlakeSpread float32    `json:"flake_spread"`
	Eta         float32    `json:"eta"`
}

type GlassSettings struct {
	Eta                 float32    `json:"eta"`
	AttenuationColor    [3]float32 `json:"attenuation_color"`
	AttenuationDistance float32    `json:"attenuation_distance"`
}

type LuminousSettings struct {
	Color        [3]float32 `json:"color"`
	Intensity    float32    `json:"intensity"`
	Transparency float32    `json:"transparency"`
}

type QueryBound struct {
	Name string `json:"name"`
}

// BoundResult precedes a binary frame of Size bytes holding the
// serialized bounding mesh when Success is set.
type BoundResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Size    uint32 `json:"size,omitempty"`
}

type ServerStateResult struct {
	State json.RawMessage `json:"state"`
}

type StartRendering struct {
	Mode            string `json:"mode"` // final, interactive
	Samples         int    `json:"samples"`
	ReductionFactor int    `json:"reduction_factor,omitempty"`
}

type RenderResultType string

const (
	RenderFrame    RenderResultType = "FRAME"
	RenderCanceled RenderResultType = "CANCELED"
	RenderDone     RenderResultType = "DONE"
)

// RenderResult is one progress record of a render session. FRAME records
// are followed by a binary frame: an encoded image file of FileSize bytes
// for final renders, a raw pixel buffer for interactive renders.
type RenderResult struct {
	Type   RenderResultType `json:"type"`
	Sample int              `json:"sample,omitempty"`

	// Variance is the progressive quality estimate; VarianceUnbounded is
	// set instead when the backend has no variance channel (JSON cannot
	// carry infinity).
	Variance          float64 `json:"variance,omitempty"`
	VarianceUnbounded bool    `json:"variance_unbounded,omitempty"`

	ElapsedSeconds  float64 `json:"elapsed_seconds,omitempty"`
	FileSize        uint32  `json:"file_size,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	ReductionFactor int     `json:"reduction_factor,omitempty"`
	MemoryUsage     float32 `json:"memory_usage,omitempty"`
	PeakMemoryUsage float32 `json:"peak_memory_usage,omitempty"`
}
