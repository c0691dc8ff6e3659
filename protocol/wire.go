package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Bulk buffers cross the wire as little-endian binary frames: float32 for
// vertex attributes, uint32 for triangle indices.

func DecodeFloats(dst []float32, data []byte) error {
	if len(data) != len(dst)*4 {
		return errors.Errorf("binary frame holds %d bytes, expected %d", len(data), len(dst)*4)
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

func DecodeUints(dst []uint32, data []byte) error {
	if len(data) != len(dst)*4 {
		return errors.Errorf("binary frame holds %d bytes, expected %d", len(data), len(dst)*4)
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return nil
}

func EncodeFloats(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, f := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func EncodeUints(src []uint32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// MeshBuffers are the reusable scratch buffers a connection receives
// vertex and triangle streams into. Slices grow to the largest mesh seen
// and are reused across updates.
type MeshBuffers struct {
	Vertices  []float32
	Normals   []float32
	Colors    []float32
	Triangles []uint32
}

func grow32(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

// Reserve sizes the buffers for a mesh announcement. Absent optional
// attributes get zero-length (non-nil capacity is kept).
func (b *MeshBuffers) Reserve(m *UpdateMeshData) {
	nv := int(m.NumVertices)
	nt := int(m.NumTriangles)

	b.Vertices = grow32(b.Vertices, nv*3)
	if m.HasNormals {
		b.Normals = grow32(b.Normals, nv*3)
	} else {
		b.Normals = b.Normals[:0]
	}
	if m.HasVertexColors {
		b.Colors = grow32(b.Colors, nv*4)
	} else {
		b.Colors = b.Colors[:0]
	}

	if cap(b.Triangles) < nt*3 {
		b.Triangles = make([]uint32, nt*3)
	} else {
		b.Triangles = b.Triangles[:nt*3]
	}
}
