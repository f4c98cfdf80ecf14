package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform made of a translation and a unit quaternion rotation. Applied to a
// point p it yields R*p + Point.
type Pose struct {
	Point       r3.Vector
	Orientation quat.Number
}

// NewPose returns a pose with the given translation and a normalized copy of the rotation.
func NewPose(pt r3.Vector, o quat.Number) Pose {
	return Pose{Point: pt, Orientation: Normalize(o)}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{Orientation: NewZeroOrientation()}
}

func (p Pose) String() string {
	return fmt.Sprintf("{X:%.3f Y:%.3f Z:%.3f QX:%.5f QY:%.5f QZ:%.5f QW:%.5f}",
		p.Point.X, p.Point.Y, p.Point.Z,
		p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag, p.Orientation.Real)
}

// RotationMatrix returns the rotation part of the pose as a matrix.
func (p Pose) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(p.Orientation)
}

// TransformPoint applies the pose to a point.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return rotate(p.Orientation, v).Add(p.Point)
}

// Compose returns the pose that applies b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		Point:       a.TransformPoint(b.Point),
		Orientation: Normalize(quat.Mul(a.Orientation, b.Orientation)),
	}
}

// PoseInverse returns the pose that undoes p.
func PoseInverse(p Pose) Pose {
	inv := quat.Conj(Normalize(p.Orientation))
	return Pose{
		Point:       rotate(inv, p.Point).Mul(-1),
		Orientation: inv,
	}
}

// Interpolate returns the pose a fraction `by` of the way from a to b. Translation is linear and
// rotation is spherical.
func Interpolate(a, b Pose, by float64) Pose {
	return Pose{
		Point:       a.Point.Add(b.Point.Sub(a.Point).Mul(by)),
		Orientation: slerp(a.Orientation, b.Orientation, by),
	}
}

// rotate computes q * v * q^-1 for a unit quaternion q.
func rotate(q quat.Number, v r3.Vector) r3.Vector {
	q = Normalize(q)
	out := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}
