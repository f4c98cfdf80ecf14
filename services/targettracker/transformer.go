package targettracker

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/spatialmath"
	"go.viam.com/targetfusion/utils"
)

// TransformTree is the part of the transform tree the tracker needs.
type TransformTree interface {
	Lookup(target, source string, at time.Time) (referenceframe.StampedTransform, error)
	CanTransform(target, source string, at time.Time) bool
	Insert(tf referenceframe.StampedTransform) error
	Frames() []string
	Parent(frame string) (string, bool)
}

const (
	mmPerMeter    = 1000.0
	decimalPlaces = 3
)

// FrameTransformer moves points measured by the depth sensor into the sensor's colour frame.
type FrameTransformer struct {
	tree        TransformTree
	colorFrame  string
	sensorFrame string
}

// NewFrameTransformer returns a transformer using the latest `sensorFrame` -> `colorFrame`
// transform in the tree.
func NewFrameTransformer(tree TransformTree, colorFrame, sensorFrame string) *FrameTransformer {
	return &FrameTransformer{tree: tree, colorFrame: colorFrame, sensorFrame: sensorFrame}
}

// Transform takes a camera point in millimeters and returns the target position in meters,
// rounded to millimeters. The camera's optical axes are remapped so that depth (camera z) becomes
// x, camera x becomes y and camera y becomes z.
func (ft *FrameTransformer) Transform(cameraPoint r3.Vector) (r3.Vector, error) {
	tf, err := ft.tree.Lookup(ft.colorFrame, ft.sensorFrame, time.Time{})
	if err != nil {
		return r3.Vector{}, errors.Wrapf(err, "failed to lookup transform %q -> %q", ft.colorFrame, ft.sensorFrame)
	}

	rotated := tf.Pose.RotationMatrix().Mul(cameraPoint)
	world := rotated.Add(tf.Pose.Point.Mul(mmPerMeter))
	return r3.Vector{
		X: utils.RoundToPlaces(world.Z/mmPerMeter, decimalPlaces),
		Y: utils.RoundToPlaces(world.X/mmPerMeter, decimalPlaces),
		Z: utils.RoundToPlaces(world.Y/mmPerMeter, decimalPlaces),
	}, nil
}

// TransformPublisher inserts the target frame into the tree.
type TransformPublisher struct {
	tree     TransformTree
	clock    clock.Clock
	parent   string
	child    string
	rotation quat.Number

	published *atomic.Int64
}

// NewTransformPublisher publishes `child` under `parent` with a fixed rotation.
func NewTransformPublisher(tree TransformTree, clk clock.Clock, parent, child string, rotation quat.Number) *TransformPublisher {
	if clk == nil {
		clk = clock.New()
	}
	return &TransformPublisher{
		tree:      tree,
		clock:     clk,
		parent:    parent,
		child:     child,
		rotation:  rotation,
		published: atomic.NewInt64(0),
	}
}

// Publish stamps the translation with the current time and inserts it.
func (tp *TransformPublisher) Publish(translation r3.Vector) (referenceframe.StampedTransform, error) {
	tf := referenceframe.StampedTransform{
		Parent: tp.parent,
		Child:  tp.child,
		Stamp:  tp.clock.Now(),
		Pose:   spatialmath.NewPose(translation, tp.rotation),
	}
	if err := tp.tree.Insert(tf); err != nil {
		return referenceframe.StampedTransform{}, errors.Wrapf(err, "failed to publish %q", tp.child)
	}
	tp.published.Inc()
	return tf, nil
}

// Published is how many transforms have been inserted.
func (tp *TransformPublisher) Published() int64 {
	return tp.published.Load()
}
