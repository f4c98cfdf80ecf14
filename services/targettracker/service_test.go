package targettracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/spatialmath"
	"go.viam.com/targetfusion/testutils/inject"
	"go.viam.com/targetfusion/utils"
	"go.viam.com/targetfusion/vision/persondetection"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testRig struct {
	svc  *trackerService
	tree *inject.TransformTree
	clk  *clock.Mock
	logs *observer.ObservedLogs

	mu        sync.Mutex
	published []referenceframe.StampedTransform
}

func (rig *testRig) publishedTransforms() []referenceframe.StampedTransform {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	return append([]referenceframe.StampedTransform{}, rig.published...)
}

// newTestRig builds a tracker looking for Bob on a tree with base_plate -> camera_link ->
// camera_color_frame connected by static translations.
func newTestRig(t *testing.T, connectSensor bool) *testRig {
	t.Helper()
	logger, logs := logging.NewObservedTestLogger(t)
	mock := clock.NewMock()
	mock.Set(testEpoch)

	base := referenceframe.NewTransformTree(5*time.Second, mock)
	if connectSensor {
		test.That(t, base.InsertStatic(referenceframe.StampedTransform{
			Parent: "base_plate", Child: "camera_link",
			Pose: spatialmath.NewPose(r3.Vector{X: 0.1, Z: 0.2}, spatialmath.NewZeroOrientation()),
		}), test.ShouldBeNil)
		test.That(t, base.InsertStatic(referenceframe.StampedTransform{
			Parent: "camera_link", Child: "camera_color_frame",
			Pose: spatialmath.NewPose(r3.Vector{Y: 0.015}, spatialmath.NewZeroOrientation()),
		}), test.ShouldBeNil)
	}

	rig := &testRig{tree: inject.NewTransformTree(base), clk: mock, logs: logs}
	rig.tree.InsertFunc = func(tf referenceframe.StampedTransform) error {
		rig.mu.Lock()
		rig.published = append(rig.published, tf)
		rig.mu.Unlock()
		return base.Insert(tf)
	}

	cfg := NewDefaultConfig()
	cfg.PersonName = "Bob"
	svc, err := New(context.Background(), cfg, rig.tree, mock, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	})
	rig.svc = svc.(*trackerService)
	return rig
}

func bobDepthFrame(depth rimage.Depth) *rimage.DepthFrame {
	dm := rimage.NewEmptyDepthMap(640, 480)
	dm.Set(110, 60, depth)
	return &rimage.DepthFrame{Stamp: testEpoch, Width: dm.Width(), Height: dm.Height(), Depth: dm}
}

func detections(names ...string) *persondetection.DetectionSet {
	set := &persondetection.DetectionSet{Stamp: testEpoch.Add(20 * time.Millisecond)}
	for _, name := range names {
		set.Detections = append(set.Detections, persondetection.Detection{
			Name: name,
			Keypoints: []persondetection.Keypoint{
				{ID: 0, X: 300, Y: 300},
				{ID: 6, X: 100, Y: 50},
				{ID: 7, X: 120, Y: 70},
			},
		})
	}
	return set
}

// Bob at pixel (110, 60) and 500mm, seen from a camera centred at (320, 240).
var (
	bobCameraX = (110.0 - 320.0) * 500 / DefaultFocalLengthPx
	bobCameraY = (60.0 - 240.0) * 500 / DefaultFocalLengthPx
	// camera_link sits 15mm along -y of camera_color_frame; the axes are then remapped.
	bobPublished = r3.Vector{
		X: 0.5,
		Y: utils.RoundToPlaces(bobCameraX/1000, 3),
		Z: utils.RoundToPlaces((bobCameraY-15)/1000, 3),
	}
)

func TestEndToEnd(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	pose, err := rig.svc.TargetPose(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Status, test.ShouldBeFalse)
	test.That(t, pose.LastSeen, test.ShouldBeNil)

	test.That(t, rig.svc.AddDepthFrame(ctx, bobDepthFrame(500)), test.ShouldBeNil)
	test.That(t, rig.svc.AddDetections(ctx, detections("Alice", "Bob")), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)
	})

	published := rig.publishedTransforms()
	test.That(t, published, test.ShouldHaveLength, 1)
	tf := published[0]
	test.That(t, tf.Parent, test.ShouldEqual, "camera_color_frame")
	test.That(t, tf.Child, test.ShouldEqual, "person_link")
	test.That(t, tf.Stamp, test.ShouldEqual, testEpoch)
	test.That(t, tf.Pose.Point.X, test.ShouldAlmostEqual, bobPublished.X)
	test.That(t, tf.Pose.Point.Y, test.ShouldAlmostEqual, bobPublished.Y)
	test.That(t, tf.Pose.Point.Z, test.ShouldAlmostEqual, bobPublished.Z)
	test.That(t, bobPublished.Y, test.ShouldAlmostEqual, -0.275)
	test.That(t, bobPublished.Z, test.ShouldAlmostEqual, -0.251)
	// The fixed rotation is published in its normalized form.
	test.That(t, tf.Pose.Orientation.Imag, test.ShouldAlmostEqual, 0.0)
	test.That(t, tf.Pose.Orientation.Jmag, test.ShouldAlmostEqual, 0.306660, 1e-6)
	test.That(t, tf.Pose.Orientation.Kmag, test.ShouldAlmostEqual, 0.0)
	test.That(t, tf.Pose.Orientation.Real, test.ShouldAlmostEqual, 0.951819, 1e-6)
	test.That(t, tf.Pose.Orientation.Jmag/tf.Pose.Orientation.Real, test.ShouldAlmostEqual, 0.240207/0.74556)

	// The published frame reads back within the cache horizon.
	readBack, err := rig.tree.Lookup("camera_color_frame", "person_link", time.Time{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readBack.Pose.Point.Sub(bobPublished).Norm(), test.ShouldBeLessThan, 0.001)

	pose, err = rig.svc.TargetPose(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Status, test.ShouldBeTrue)
	test.That(t, pose.W, test.ShouldEqual, 1.0)
	test.That(t, pose.X, test.ShouldAlmostEqual, 0.6)
	test.That(t, pose.Y, test.ShouldAlmostEqual, -0.26)
	test.That(t, pose.Z, test.ShouldAlmostEqual, -0.051)
	test.That(t, pose.Outcome, test.ShouldEqual, OutcomePublished)
	test.That(t, *pose.LastSeen, test.ShouldEqual, testEpoch)

	test.That(t, rig.logs.FilterMessage("sending target pose").Len(), test.ShouldEqual, 2)

	st, err := rig.svc.Status(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.TargetName, test.ShouldEqual, "Bob")
	test.That(t, st.Found, test.ShouldBeTrue)
	test.That(t, st.SensorConnected, test.ShouldBeTrue)
	test.That(t, st.Published, test.ShouldEqual, int64(1))
	test.That(t, st.Outcomes["published"], test.ShouldEqual, int64(1))
	test.That(t, st.Sync.Paired, test.ShouldEqual, int64(1))
	test.That(t, st.InstanceID, test.ShouldNotBeEmpty)
}

func TestPoseExpiresWithHorizon(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	test.That(t, rig.svc.AddDepthFrame(ctx, bobDepthFrame(500)), test.ShouldBeNil)
	test.That(t, rig.svc.AddDetections(ctx, detections("Bob")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)
	})

	rig.clk.Add(6 * time.Second)
	pose, err := rig.svc.TargetPose(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Status, test.ShouldBeFalse)
	test.That(t, pose.X, test.ShouldEqual, 0.0)
	test.That(t, rig.logs.FilterMessage("failed to lookup transform").Len(), test.ShouldEqual, 1)
}

func TestFuseOutcomes(t *testing.T) {
	t.Run("no match", func(t *testing.T) {
		rig := newTestRig(t, true)
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Alice", "Carol"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeNoMatch)
		test.That(t, rig.publishedTransforms(), test.ShouldBeEmpty)
	})

	t.Run("no anchor", func(t *testing.T) {
		rig := newTestRig(t, true)
		set := &persondetection.DetectionSet{Detections: []persondetection.Detection{
			{Name: "Bob", Keypoints: []persondetection.Keypoint{{ID: 1, X: 110, Y: 60}}},
		}}
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), set)
		test.That(t, res.outcome, test.ShouldEqual, OutcomeNoAnchor)
	})

	t.Run("zero depth", func(t *testing.T) {
		rig := newTestRig(t, true)
		res := rig.svc.fuse(context.Background(), bobDepthFrame(0), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeDepthInvalid)
		test.That(t, rig.publishedTransforms(), test.ShouldBeEmpty)
	})

	t.Run("depth out of bounds", func(t *testing.T) {
		rig := newTestRig(t, true)
		frame := &rimage.DepthFrame{Stamp: testEpoch, Width: 640, Height: 480, Depth: rimage.NewEmptyDepthMap(50, 50)}
		res := rig.svc.fuse(context.Background(), frame, detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeDepthOutOfBounds)
		entries := rig.logs.FilterMessage("depth index out of bounds").All()
		test.That(t, entries, test.ShouldHaveLength, 1)
		test.That(t, entries[0].ContextMap()["u"], test.ShouldEqual, int64(110))
		test.That(t, entries[0].ContextMap()["v"], test.ShouldEqual, int64(60))
	})

	t.Run("sensor frames not connected", func(t *testing.T) {
		rig := newTestRig(t, false)
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeTransformFailed)
		test.That(t, rig.publishedTransforms(), test.ShouldBeEmpty)
		test.That(t, rig.logs.FilterMessage("failed to lookup transform").Len(), test.ShouldEqual, 1)

		st, err := rig.svc.Status(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, st.SensorConnected, test.ShouldBeFalse)
	})

	t.Run("stale transform", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.tree.LookupFunc = func(target, source string, at time.Time) (referenceframe.StampedTransform, error) {
			return referenceframe.StampedTransform{}, &referenceframe.ExtrapolationError{Parent: target, Child: source}
		}
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeTransformFailed)
	})

	t.Run("publish rejected", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.tree.InsertFunc = func(tf referenceframe.StampedTransform) error {
			return errors.New("tree is read only")
		}
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomePublishFailed)
		test.That(t, rig.svc.publisher.Published(), test.ShouldEqual, int64(0))
	})

	t.Run("invalid intrinsics", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.svc.cfg.FocalLengthPx = 0
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomeNoIntrinsics)
		test.That(t, rig.publishedTransforms(), test.ShouldBeEmpty)
		entries := rig.logs.FilterMessage("invalid camera intrinsics").All()
		test.That(t, entries, test.ShouldHaveLength, 1)
		test.That(t, entries[0].ContextMap()["error"], test.ShouldContainSubstring, "Invalid focal length Fx")
	})

	t.Run("configured principal point", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.svc.cfg.PrincipalPoint = &PixelConfig{X: 110, Y: 60}
		res := rig.svc.fuse(context.Background(), bobDepthFrame(500), detections("Bob"))
		test.That(t, res.outcome, test.ShouldEqual, OutcomePublished)
		// Straight down the optical axis, only the sensor offset remains.
		test.That(t, res.published.Pose.Point.X, test.ShouldAlmostEqual, 0.5)
		test.That(t, res.published.Pose.Point.Y, test.ShouldAlmostEqual, 0.0)
		test.That(t, res.published.Pose.Point.Z, test.ShouldAlmostEqual, -0.015)
	})
}

func TestUnstampedInputsUseClock(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	frame := bobDepthFrame(500)
	frame.Stamp = time.Time{}
	set := detections("Bob")
	set.Stamp = time.Time{}
	test.That(t, rig.svc.AddDepthFrame(ctx, frame), test.ShouldBeNil)
	test.That(t, rig.svc.AddDetections(ctx, set), test.ShouldBeNil)

	// The caller's values are left alone.
	test.That(t, frame.Stamp.IsZero(), test.ShouldBeTrue)
	test.That(t, set.Stamp.IsZero(), test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)
	})
	published := rig.publishedTransforms()
	test.That(t, published, test.ShouldHaveLength, 1)
	test.That(t, published[0].Stamp.Equal(testEpoch), test.ShouldBeTrue)
}

func TestFailedCycleClearsFound(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	rig.svc.processPair(ctx, bobDepthFrame(500), detections("Bob"))
	test.That(t, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)

	rig.svc.processPair(ctx, bobDepthFrame(500), detections("Alice"))
	snap := rig.svc.state.Snapshot()
	test.That(t, snap.Found, test.ShouldBeFalse)
	test.That(t, snap.LastOutcome, test.ShouldEqual, OutcomeNoMatch)
	test.That(t, snap.LastSeen, test.ShouldEqual, testEpoch)

	pose, err := rig.svc.TargetPose(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Status, test.ShouldBeFalse)
	test.That(t, pose.Outcome, test.ShouldEqual, OutcomeNoMatch)
	test.That(t, *pose.LastSeen, test.ShouldEqual, testEpoch)
}

func TestSetTargetName(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	rig.svc.processPair(ctx, bobDepthFrame(500), detections("Bob"))
	test.That(t, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)

	// Same name keeps the current result.
	name, err := rig.svc.SetTargetName(ctx, "Bob")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "Bob")
	test.That(t, rig.svc.state.Snapshot().Found, test.ShouldBeTrue)

	first, err := rig.svc.SetTargetName(ctx, "Alice")
	test.That(t, err, test.ShouldBeNil)
	second, err := rig.svc.SetTargetName(ctx, "Alice")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldEqual, "Alice")
	test.That(t, second, test.ShouldEqual, first)
	test.That(t, rig.svc.state.Snapshot(), test.ShouldResemble, TargetState{
		Name: "Alice", LastSeen: testEpoch, LastOutcome: OutcomePublished,
	})

	// Empty and unknown names are accepted as is.
	name, err = rig.svc.SetTargetName(ctx, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "")

	test.That(t, rig.svc.Close(ctx), test.ShouldBeNil)
	_, err = rig.svc.SetTargetName(ctx, "Bob")
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(rig.svc.AddDepthFrame(ctx, bobDepthFrame(1)), ErrClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(rig.svc.AddDetections(ctx, detections()), ErrClosed), test.ShouldBeTrue)
}

func TestConcurrentNamesAndCycles(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()
	names := []string{"Bob", "Alice"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := rig.svc.SetTargetName(ctx, names[i%2])
			test.That(t, err, test.ShouldBeNil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			rig.svc.processPair(ctx, bobDepthFrame(500), detections("Bob", "Alice"))
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := rig.svc.state.Snapshot()
			if snap.Found {
				test.That(t, snap.LastOutcome, test.ShouldEqual, OutcomePublished)
				test.That(t, snap.LastSeen.IsZero(), test.ShouldBeFalse)
			}
			_, err := rig.svc.TargetPose(ctx)
			test.That(t, err, test.ShouldBeNil)
			time.Sleep(time.Millisecond)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	snap := rig.svc.state.Snapshot()
	test.That(t, snap.Name, test.ShouldBeIn, names)
}

func TestNewValidates(t *testing.T) {
	logger := logging.NewTestLogger(t)
	tree := referenceframe.NewTransformTree(time.Second, nil)

	cfg := NewDefaultConfig()
	cfg.Workers = 0
	_, err := New(context.Background(), cfg, tree, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "workers")

	_, err = New(context.Background(), NewDefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
