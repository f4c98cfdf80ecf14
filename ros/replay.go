package ros

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/utils"
	"go.viam.com/targetfusion/vision/persondetection"
)

// Topics the tracker subscribes to by default.
const (
	DefaultDepthTopic      = "/depth_image"
	DefaultDetectionsTopic = "/detections"
)

// ReplayConfig describes a bag to feed into the tracker.
type ReplayConfig struct {
	Path            string `json:"path"`
	DepthTopic      string `json:"depth_topic,omitempty"`
	DetectionsTopic string `json:"detections_topic,omitempty"`
	// Realtime paces messages by their recorded stamps instead of sending them as fast as possible.
	Realtime bool `json:"realtime,omitempty"`
	// Rate scales realtime playback. Zero means 1.
	Rate float64 `json:"rate,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *ReplayConfig) Validate(path string) error {
	if cfg.Path == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "path")
	}
	if cfg.Rate < 0 {
		return utils.NewConfigValidationError(path, errors.New(`"rate" must not be negative`))
	}
	return nil
}

func (cfg ReplayConfig) depthTopic() string {
	if cfg.DepthTopic == "" {
		return DefaultDepthTopic
	}
	return cfg.DepthTopic
}

func (cfg ReplayConfig) detectionsTopic() string {
	if cfg.DetectionsTopic == "" {
		return DefaultDetectionsTopic
	}
	return cfg.DetectionsTopic
}

func (cfg ReplayConfig) rate() float64 {
	if cfg.Rate <= 0 {
		return 1
	}
	return cfg.Rate
}

// Sink receives replayed streams.
type Sink interface {
	AddDepthFrame(ctx context.Context, frame *rimage.DepthFrame) error
	AddDetections(ctx context.Context, set *persondetection.DetectionSet) error
}

// Event is one replayed message. Exactly one of Depth and Detections is set.
type Event struct {
	Stamp      time.Time
	Depth      *rimage.DepthFrame
	Detections *persondetection.DetectionSet
}

// ReplayStats counts what a replay sent.
type ReplayStats struct {
	DepthFrames   int
	DetectionSets int
}

// DecodeTopics converts the raw messages of both topics into events ordered by stamp. Messages
// with the same stamp keep depth before detections.
func DecodeTopics(depthMsgs, detectionMsgs []json.RawMessage) ([]Event, error) {
	events := make([]Event, 0, len(depthMsgs)+len(detectionMsgs))
	for i, raw := range depthMsgs {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, errors.Wrapf(err, "depth message %d", i)
		}
		var img ImageMessage
		if err := json.Unmarshal(msg.Data, &img); err != nil {
			return nil, errors.Wrapf(err, "depth message %d", i)
		}
		frame, err := img.DepthFrame(msg.Meta.Time())
		if err != nil {
			return nil, errors.Wrapf(err, "depth message %d", i)
		}
		events = append(events, Event{Stamp: frame.Stamp, Depth: frame})
	}
	for i, raw := range detectionMsgs {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, errors.Wrapf(err, "detection message %d", i)
		}
		var dets DetectionArrayMessage
		if err := json.Unmarshal(msg.Data, &dets); err != nil {
			return nil, errors.Wrapf(err, "detection message %d", i)
		}
		set := dets.DetectionSet(msg.Meta.Time())
		events = append(events, Event{Stamp: set.Stamp, Detections: set})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Stamp.Before(events[j].Stamp)
	})
	return events, nil
}

// LoadBag reads the configured topics out of a bag.
func LoadBag(cfg ReplayConfig) ([]Event, error) {
	rb, err := ReadBag(cfg.Path)
	if err != nil {
		return nil, err
	}
	depthMsgs, err := AllMessagesForTopic(rb, cfg.depthTopic())
	if err != nil {
		return nil, err
	}
	detectionMsgs, err := AllMessagesForTopic(rb, cfg.detectionsTopic())
	if err != nil {
		return nil, err
	}
	return DecodeTopics(depthMsgs, detectionMsgs)
}

// Replay sends events to the sink in order. With realtime set, the gap between consecutive stamps
// divided by rate is waited out before each send. Replay stops at the first sink error or when ctx
// is done.
func Replay(
	ctx context.Context,
	events []Event,
	sink Sink,
	cfg ReplayConfig,
	logger logging.Logger,
) (ReplayStats, error) {
	var stats ReplayStats
	var prev time.Time
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if cfg.Realtime && !prev.IsZero() {
			gap := time.Duration(float64(ev.Stamp.Sub(prev)) / cfg.rate())
			if gap > 0 && !goutils.SelectContextOrWait(ctx, gap) {
				return stats, ctx.Err()
			}
		}
		prev = ev.Stamp

		switch {
		case ev.Depth != nil:
			if err := sink.AddDepthFrame(ctx, ev.Depth); err != nil {
				return stats, errors.Wrapf(err, "failed to replay depth frame %d", i)
			}
			stats.DepthFrames++
		case ev.Detections != nil:
			if err := sink.AddDetections(ctx, ev.Detections); err != nil {
				return stats, errors.Wrapf(err, "failed to replay detections %d", i)
			}
			stats.DetectionSets++
		}
	}
	logger.CInfow(ctx, "bag replay finished", "depth_frames", stats.DepthFrames, "detection_sets", stats.DetectionSets)
	return stats, nil
}
