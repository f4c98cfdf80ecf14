package targettracker

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/rimage/transform"
	"go.viam.com/targetfusion/vision/persondetection"
)

// cycleResult is what one fusion cycle produced.
type cycleResult struct {
	outcome   Outcome
	target    string
	published referenceframe.StampedTransform
}

// processPair runs one fusion cycle and records its outcome.
func (svc *trackerService) processPair(ctx context.Context, frame *rimage.DepthFrame, set *persondetection.DetectionSet) {
	ctx, span := trace.StartSpan(ctx, "targettracker::processPair")
	defer span.End()

	res := svc.fuse(ctx, frame, set)
	svc.outcomes[res.outcome].Inc()
	applied := svc.state.Record(res.target, res.outcome, res.published.Stamp)
	span.AddAttributes(trace.StringAttribute("outcome", res.outcome.String()))
	svc.logger.CDebugw(ctx, "fusion cycle finished",
		"person_name", res.target, "outcome", res.outcome.String(), "applied", applied)
}

// fuse runs select -> sample -> project -> transform -> publish, stopping at the first stage that
// fails.
func (svc *trackerService) fuse(ctx context.Context, frame *rimage.DepthFrame, set *persondetection.DetectionSet) cycleResult {
	res := cycleResult{target: svc.state.Name()}

	target, err := persondetection.SelectTarget(set, res.target)
	switch {
	case errors.Is(err, persondetection.ErrNoMatch):
		res.outcome = OutcomeNoMatch
		return res
	case errors.Is(err, persondetection.ErrNoAnchor):
		res.outcome = OutcomeNoAnchor
		return res
	case err != nil:
		res.outcome = OutcomeNoMatch
		return res
	}

	sample, err := rimage.SampleDepth(frame, target.Anchor)
	if err != nil {
		svc.logger.CErrorw(ctx, "depth index out of bounds",
			"u", sample.Pixel[0], "v", sample.Pixel[1], "error", err)
		res.outcome = OutcomeDepthOutOfBounds
		return res
	}
	if !sample.Valid {
		res.outcome = OutcomeDepthInvalid
		return res
	}

	intrinsics, err := svc.intrinsics(frame)
	if err != nil {
		svc.logger.CErrorw(ctx, "invalid camera intrinsics", "error", err)
		res.outcome = OutcomeNoIntrinsics
		return res
	}
	pixel := r2.Point{X: float64(sample.Pixel[0]), Y: float64(sample.Pixel[1])}
	cameraPoint := intrinsics.PixelToVector(pixel, float64(sample.Depth))

	worldPoint, err := svc.transformer.Transform(cameraPoint)
	if err != nil {
		svc.logger.CErrorw(ctx, "failed to lookup transform", "error", err)
		res.outcome = OutcomeTransformFailed
		return res
	}

	published, err := svc.publisher.Publish(worldPoint)
	if err != nil {
		svc.logger.CErrorw(ctx, "failed to publish target transform", "error", err)
		res.outcome = OutcomePublishFailed
		return res
	}
	svc.logger.CDebugw(ctx, "published target transform", "transform", published.String())
	res.outcome = OutcomePublished
	res.published = published
	return res
}

// intrinsics builds the pinhole model for a frame. The principal point follows the frame size
// unless one is configured.
func (svc *trackerService) intrinsics(frame *rimage.DepthFrame) (*transform.PinholeCameraIntrinsics, error) {
	intrinsics := transform.NewCenteredIntrinsics(frame.Width, frame.Height, svc.cfg.FocalLengthPx)
	if pp := svc.cfg.PrincipalPoint; pp != nil {
		intrinsics.Ppx, intrinsics.Ppy = pp.X, pp.Y
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}
