// Package targettracker fuses depth frames with person detections to locate one named person,
// publishes that location into the transform tree and answers queries about it.
package targettracker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/timesync"
	"go.viam.com/targetfusion/utils"
	"go.viam.com/targetfusion/vision/persondetection"
)

// ErrClosed is returned by a service that has been closed.
var ErrClosed = errors.New("target tracker is closed")

// A Service locates the configured target in paired depth and detection streams.
type Service interface {
	// AddDepthFrame offers a depth frame to the stream synchronizer.
	AddDepthFrame(ctx context.Context, frame *rimage.DepthFrame) error
	// AddDetections offers a detection set to the stream synchronizer.
	AddDetections(ctx context.Context, set *persondetection.DetectionSet) error
	// SetTargetName changes who is tracked and echoes the stored name.
	SetTargetName(ctx context.Context, name string) (string, error)
	// TargetPose returns the target relative to the reference frame. Status is false when the
	// target is not currently found.
	TargetPose(ctx context.Context) (Pose, error)
	// Status reports counters and the current target state.
	Status(ctx context.Context) (Status, error)
	Close(ctx context.Context) error
}

// Pose is the answer to a target pose query. Coordinates are meters rounded to millimeters and
// only meaningful when Status is true.
type Pose struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	W      float64 `json:"w"`
	Status bool    `json:"status"`

	LastSeen *time.Time `json:"last_seen,omitempty"`
	Outcome  Outcome    `json:"outcome"`
}

// Status is a snapshot of the tracker.
type Status struct {
	InstanceID      string                `json:"instance_id"`
	TargetName      string                `json:"target_name"`
	Found           bool                  `json:"found"`
	// SensorConnected is whether the depth sensor frame currently resolves to its colour frame.
	SensorConnected bool                  `json:"sensor_connected"`
	LastSeen        *time.Time            `json:"last_seen,omitempty"`
	LastOutcome     Outcome               `json:"last_outcome"`
	Outcomes        map[string]int64      `json:"outcomes"`
	Published       int64                 `json:"published"`
	Sync            timesync.Stats        `json:"sync"`
	Workers         utils.WorkerPoolStats `json:"workers"`
}

type trackerService struct {
	id     string
	cfg    *Config
	tree   TransformTree
	clock  clock.Clock
	logger logging.Logger

	state       *TargetStateStore
	sync        *timesync.Synchronizer[*rimage.DepthFrame, *persondetection.DetectionSet]
	pool        *utils.WorkerPool
	transformer *FrameTransformer
	publisher   *TransformPublisher

	outcomes map[Outcome]*atomic.Int64
	closed   *atomic.Bool
}

// New validates the configuration and starts the fusion workers. A nil clock means the wall clock.
func New(ctx context.Context, cfg *Config, tree TransformTree, clk clock.Clock, logger logging.Logger) (Service, error) {
	if err := cfg.Validate("tracker"); err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, errors.New("transform tree is required")
	}
	if clk == nil {
		clk = clock.New()
	}

	svc := &trackerService{
		id:          uuid.NewString(),
		cfg:         cfg,
		tree:        tree,
		clock:       clk,
		logger:      logger,
		state:       NewTargetStateStore(cfg.PersonName),
		pool:        utils.NewWorkerPool(cfg.Workers, cfg.WorkQueueSize, logger),
		transformer: NewFrameTransformer(tree, cfg.SensorColorFrame, cfg.SensorFrame),
		publisher:   NewTransformPublisher(tree, clk, cfg.SensorColorFrame, cfg.TargetFrame, cfg.publishRotation()),
		outcomes:    map[Outcome]*atomic.Int64{},
		closed:      atomic.NewBool(false),
	}
	for outcome := range outcomeNames {
		svc.outcomes[outcome] = atomic.NewInt64(0)
	}

	synchronizer, err := timesync.NewSynchronizer(
		timesync.Options{QueueSize: cfg.QueueSize, Slop: cfg.Slop()},
		func(f *rimage.DepthFrame) time.Time { return f.Stamp },
		func(s *persondetection.DetectionSet) time.Time { return s.Stamp },
		svc.dispatchPair,
	)
	if err != nil {
		svc.pool.Stop()
		return nil, err
	}
	svc.sync = synchronizer

	logger.CInfow(ctx, "target tracker started", "instance_id", svc.id, "workers", cfg.Workers)
	logger.Infof("The person to detect is %s", cfg.PersonName)
	return svc, nil
}

func (svc *trackerService) AddDepthFrame(ctx context.Context, frame *rimage.DepthFrame) error {
	if svc.closed.Load() {
		return ErrClosed
	}
	if frame == nil || frame.Depth == nil {
		return errors.New("depth frame is empty")
	}
	if frame.Stamp.IsZero() {
		stamped := *frame
		stamped.Stamp = svc.clock.Now()
		frame = &stamped
	}
	svc.sync.AddA(frame)
	return nil
}

func (svc *trackerService) AddDetections(ctx context.Context, set *persondetection.DetectionSet) error {
	if svc.closed.Load() {
		return ErrClosed
	}
	if set == nil {
		return errors.New("detection set is empty")
	}
	if set.Stamp.IsZero() {
		stamped := *set
		stamped.Stamp = svc.clock.Now()
		set = &stamped
	}
	svc.sync.AddB(set)
	return nil
}

// dispatchPair hands a synchronized pair to the workers without blocking the producer.
func (svc *trackerService) dispatchPair(frame *rimage.DepthFrame, set *persondetection.DetectionSet) {
	submitted := svc.pool.TrySubmit(func(ctx context.Context) {
		svc.processPair(ctx, frame, set)
	})
	if !submitted {
		svc.logger.Debugw("dropping synchronized pair, workers are busy", "stamp", frame.Stamp)
	}
}

func (svc *trackerService) SetTargetName(ctx context.Context, name string) (string, error) {
	if svc.closed.Load() {
		return "", ErrClosed
	}
	stored := svc.state.SetName(name)
	svc.logger.CInfow(ctx, "target name set", "person_name", stored)
	return stored, nil
}

func (svc *trackerService) TargetPose(ctx context.Context) (Pose, error) {
	if svc.closed.Load() {
		return Pose{}, ErrClosed
	}
	ctx, span := trace.StartSpan(ctx, "targettracker::TargetPose")
	defer span.End()

	snap := svc.state.Snapshot()
	resp := Pose{Outcome: snap.LastOutcome}
	if !snap.LastSeen.IsZero() {
		lastSeen := snap.LastSeen
		resp.LastSeen = &lastSeen
	}
	if !snap.Found {
		svc.logger.CInfow(ctx, "sending target pose", "status", false, "x", resp.X, "y", resp.Y, "z", resp.Z)
		return resp, nil
	}

	tf, err := svc.tree.Lookup(svc.cfg.ReferenceFrame, svc.cfg.TargetFrame, time.Time{})
	if err != nil {
		svc.logger.CErrorw(ctx, "failed to lookup transform",
			"parent", svc.cfg.ReferenceFrame, "child", svc.cfg.TargetFrame, "error", err)
		svc.logger.CInfow(ctx, "sending target pose", "status", false, "x", resp.X, "y", resp.Y, "z", resp.Z)
		return resp, nil
	}
	resp.X = utils.RoundToPlaces(tf.Pose.Point.X, decimalPlaces)
	resp.Y = utils.RoundToPlaces(tf.Pose.Point.Y, decimalPlaces)
	resp.Z = utils.RoundToPlaces(tf.Pose.Point.Z, decimalPlaces)
	resp.W = 1.0
	resp.Status = true
	svc.logger.CInfow(ctx, "sending target pose", "status", true, "x", resp.X, "y", resp.Y, "z", resp.Z)
	return resp, nil
}

func (svc *trackerService) Status(ctx context.Context) (Status, error) {
	snap := svc.state.Snapshot()
	st := Status{
		InstanceID:      svc.id,
		TargetName:      snap.Name,
		Found:           snap.Found,
		SensorConnected: svc.tree.CanTransform(svc.cfg.SensorColorFrame, svc.cfg.SensorFrame, time.Time{}),
		LastOutcome:     snap.LastOutcome,
		Outcomes:        make(map[string]int64, len(svc.outcomes)),
		Published:       svc.publisher.Published(),
		Sync:            svc.sync.Stats(),
		Workers:         svc.pool.Stats(),
	}
	if !snap.LastSeen.IsZero() {
		lastSeen := snap.LastSeen
		st.LastSeen = &lastSeen
	}
	for outcome, count := range svc.outcomes {
		if outcome == OutcomeNone {
			continue
		}
		st.Outcomes[outcome.String()] = count.Load()
	}
	return st, nil
}

func (svc *trackerService) Close(ctx context.Context) error {
	if !svc.closed.CompareAndSwap(false, true) {
		return nil
	}
	svc.pool.Stop()
	svc.sync.Reset()
	svc.logger.CInfow(ctx, "target tracker closed", "instance_id", svc.id)
	return nil
}
