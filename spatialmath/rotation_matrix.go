package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 rotation matrix in column-major order.
type RotationMatrix struct {
	mat mgl64.Mat3
}

// QuatToRotationMatrix converts a quaternion to the equivalent rotation matrix. The quaternion is
// normalized first.
func QuatToRotationMatrix(q quat.Number) *RotationMatrix {
	q = Normalize(q)
	mq := mgl64.Quat{W: q.Real, V: mgl64.Vec3{q.Imag, q.Jmag, q.Kmag}}
	return &RotationMatrix{mat: mq.Mat4().Mat3()}
}

// At returns the value of the matrix at the given row and column.
func (rm *RotationMatrix) At(row, col int) float64 {
	return rm.mat.At(row, col)
}

// Mul returns the product R * v.
func (rm *RotationMatrix) Mul(v r3.Vector) r3.Vector {
	out := rm.mat.Mul3x1(mgl64.Vec3{v.X, v.Y, v.Z})
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}
