// Package spatialmath defines the rigid-transform math used to move points between frames.
package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// NewZeroOrientation returns the identity rotation.
func NewZeroOrientation() quat.Number {
	return quat.Number{Real: 1}
}

// NewQuaternion builds a unit quaternion from its (x, y, z, w) components, in the order used by
// transform messages. A zero quaternion is treated as the identity.
func NewQuaternion(x, y, z, w float64) quat.Number {
	return Normalize(quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z})
}

// Normalize scales the quaternion to unit length.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return NewZeroOrientation()
	}
	return quat.Scale(1/norm, q)
}

// slerp spherically interpolates between two unit quaternions, by is in [0, 1].
func slerp(qN1, qN2 quat.Number, by float64) quat.Number {
	qN1 = Normalize(qN1)
	qN2 = Normalize(qN2)

	dot := qN1.Real*qN2.Real + qN1.Imag*qN2.Imag + qN1.Jmag*qN2.Jmag + qN1.Kmag*qN2.Kmag
	// Take the short way around.
	if dot < 0 {
		qN2 = quat.Scale(-1, qN2)
		dot = -dot
	}

	// Nearly parallel: fall back to a normalized lerp to avoid dividing by sin(~0).
	if dot > 0.9995 {
		return Normalize(quat.Add(qN1, quat.Scale(by, quat.Sub(qN2, qN1))))
	}

	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	s1 := math.Sin((1-by)*theta) / sinTheta
	s2 := math.Sin(by*theta) / sinTheta
	return Normalize(quat.Add(quat.Scale(s1, qN1), quat.Scale(s2, qN2)))
}
