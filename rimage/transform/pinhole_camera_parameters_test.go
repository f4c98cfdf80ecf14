package transform

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestPixelToPoint(t *testing.T) {
	intrinsics := NewCenteredIntrinsics(640, 480, 381.98)
	test.That(t, intrinsics.CheckValid(), test.ShouldBeNil)
	test.That(t, intrinsics.Ppx, test.ShouldEqual, 320.0)
	test.That(t, intrinsics.Ppy, test.ShouldEqual, 240.0)

	pt := intrinsics.PixelToVector(r2.Point{X: 320, Y: 240}, 1000)
	test.That(t, pt.X, test.ShouldEqual, 0.0)
	test.That(t, pt.Y, test.ShouldEqual, 0.0)
	test.That(t, pt.Z, test.ShouldEqual, 1000.0)

	pt = intrinsics.PixelToVector(r2.Point{X: 110, Y: 60}, 500)
	test.That(t, pt.X, test.ShouldAlmostEqual, (110.0-320.0)*500/381.98)
	test.That(t, pt.Y, test.ShouldAlmostEqual, (60.0-240.0)*500/381.98)
	test.That(t, pt.Z, test.ShouldEqual, 500.0)

	odd := NewCenteredIntrinsics(5, 3, 1)
	test.That(t, odd.Ppx, test.ShouldEqual, 2.5)
	test.That(t, odd.Ppy, test.ShouldEqual, 1.5)

	var missing *PinholeCameraIntrinsics
	x, y, z := missing.PixelToPoint(1, 2, 3)
	test.That(t, []float64{x, y, z}, test.ShouldResemble, []float64{0, 0, 0})
}

func TestCheckValid(t *testing.T) {
	var missing *PinholeCameraIntrinsics
	test.That(t, errors.Is(missing.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	for _, bad := range []*PinholeCameraIntrinsics{
		{Width: 0, Height: 480, Fx: 1, Fy: 1},
		{Width: 640, Height: 480, Fx: 0, Fy: 1},
		{Width: 640, Height: 480, Fx: 1, Fy: -1},
		{Width: 640, Height: 480, Fx: 1, Fy: 1, Ppx: -1},
		{Width: 640, Height: 480, Fx: 1, Fy: 1, Ppy: -1},
	} {
		err := bad.CheckValid()
		test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	}

	// Messages carrying format verbs are kept verbatim.
	err := NewNoIntrinsicsError("bad focal 100%")
	test.That(t, err.Error(), test.ShouldEqual, "bad focal 100%: "+ErrNoIntrinsics.Error())
}
