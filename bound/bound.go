// Package bound holds server-side bounding meshes for generated scene
// content. A client that cannot see the generated geometry itself uses the
// bound as a stand-in while modeling.
package bound

import (
	"bytes"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Mesh is a lightweight triangle mesh approximating generated content.
type Mesh struct {
	Vertices  [][3]float32
	Triangles []uint32
}

// Box returns the 12-triangle bounding box mesh for the given extents.
func Box(min, max mgl32.Vec3) *Mesh {
	x0, y0, z0 := min.X(), min.Y(), min.Z()
	x1, y1, z1 := max.X(), max.Y(), max.Z()

	m := &Mesh{
		Vertices: [][3]float32{
			{x0, y0, z0}, {x1, y0, z0}, {x1, y1, z0}, {x0, y1, z0},
			{x0, y0, z1}, {x1, y0, z1}, {x1, y1, z1}, {x0, y1, z1},
		},
		Triangles: []uint32{
			0, 1, 2, 0, 2, 3,
			4, 6, 5, 4, 7, 6,
			0, 4, 5, 0, 5, 1,
			3, 2, 6, 3, 6, 7,
			0, 3, 7, 0, 7, 4,
			1, 5, 6, 1, 6, 2,
		},
	}
	return m
}

// Extend grows the bound to cover another mesh.
func (m *Mesh) Extend(other *Mesh) {
	base := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, other.Vertices...)
	for _, i := range other.Triangles {
		m.Triangles = append(m.Triangles, base+i)
	}
}

// EncodeGLTF serializes the bound as a binary glTF document, the wire
// representation query-bound responds with.
func (m *Mesh) EncodeGLTF() ([]byte, error) {
	if len(m.Vertices) == 0 || len(m.Triangles) == 0 {
		return nil, errors.Errorf("empty bounding mesh")
	}

	doc := gltf.NewDocument()

	positionAccessor := modeler.WritePosition(doc, m.Vertices)
	indicesAccessor := modeler.WriteIndices(doc, m.Triangles)

	doc.Meshes = append(doc.Meshes, &gltf.Mesh{
		Name: "bound",
		Primitives: []*gltf.Primitive{
			{
				Indices: &indicesAccessor,
				Attributes: map[string]uint32{
					"POSITION": positionAccessor,
				},
			},
		},
	})

	doc.Nodes = append(doc.Nodes, &gltf.Node{
		Name: "bound",
		Mesh: gltf.Index(uint32(len(doc.Meshes) - 1)),
	})
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, uint32(len(doc.Nodes)-1))

	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrapf(err, "failed to encode bounding mesh")
	}

	return buf.Bytes(), nil
}
