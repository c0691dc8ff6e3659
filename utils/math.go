package utils

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Mat4FromRowMajor builds a matrix from the row major 16 float layout the
// wire protocol uses. mgl32 stores matrices column major.
func Mat4FromRowMajor(m [16]float32) mgl32.Mat4 {
	return mgl32.Mat4(m).Transpose()
}

// Mat4ToRowMajor is the inverse, for diagnostics output.
func Mat4ToRowMajor(m mgl32.Mat4) [16]float32 {
	return [16]float32(m.Transpose())
}
