package targettracker

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/targetfusion/spatialmath"
	"go.viam.com/targetfusion/utils"
)

// Defaults matching the deployed camera rig.
const (
	DefaultPersonName       = "Unintialized"
	DefaultFocalLengthPx    = 381.98
	DefaultSlopSec          = 0.1
	DefaultQueueSize        = 100
	DefaultCacheHorizonSec  = 5.0
	DefaultWorkers          = 2
	DefaultWorkQueueSize    = 16
	DefaultSensorFrame      = "camera_link"
	DefaultSensorColorFrame = "camera_color_frame"
	DefaultTargetFrame      = "person_link"
	DefaultReferenceFrame   = "base_plate"
)

// QuaternionConfig is a rotation in (x, y, z, w) order.
type QuaternionConfig struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Quaternion returns the rotation as a gonum quaternion, without normalizing it.
func (q QuaternionConfig) Quaternion() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// DefaultPublishRotation is the fixed mounting-angle correction attached to every published
// target transform. It is not unit length; the published rotation is its normalized form,
// approximately (x, y, z, w) = (0, 0.30666, 0, 0.95182).
var DefaultPublishRotation = QuaternionConfig{X: 0, Y: 0.240207, Z: 0, W: 0.74556}

// VectorConfig is a 3D vector.
type VectorConfig struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vector returns the config as an r3 vector.
func (v VectorConfig) Vector() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// PixelConfig is a pixel position.
type PixelConfig struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Config describes how detections are fused with depth and where the result is published.
type Config struct {
	PersonName    string  `json:"person_name"`
	FocalLengthPx float64 `json:"focal_length_px"`
	// PrincipalPoint defaults to the centre of each depth frame.
	PrincipalPoint *PixelConfig `json:"principal_point,omitempty"`

	SlopSec         float64 `json:"slop_sec"`
	QueueSize       int     `json:"queue_size"`
	CacheHorizonSec float64 `json:"cache_horizon_sec"`
	Workers         int     `json:"workers"`
	WorkQueueSize   int     `json:"work_queue_size"`

	PublishRotation QuaternionConfig `json:"publish_rotation"`

	SensorFrame      string `json:"sensor_frame"`
	SensorColorFrame string `json:"sensor_color_frame"`
	TargetFrame      string `json:"target_frame"`
	ReferenceFrame   string `json:"reference_frame"`
}

// NewDefaultConfig returns the configuration of the deployed camera rig.
func NewDefaultConfig() *Config {
	return &Config{
		PersonName:       DefaultPersonName,
		FocalLengthPx:    DefaultFocalLengthPx,
		SlopSec:          DefaultSlopSec,
		QueueSize:        DefaultQueueSize,
		CacheHorizonSec:  DefaultCacheHorizonSec,
		Workers:          DefaultWorkers,
		WorkQueueSize:    DefaultWorkQueueSize,
		PublishRotation:  DefaultPublishRotation,
		SensorFrame:      DefaultSensorFrame,
		SensorColorFrame: DefaultSensorColorFrame,
		TargetFrame:      DefaultTargetFrame,
		ReferenceFrame:   DefaultReferenceFrame,
	}
}

// Validate checks the configuration and reports every problem found.
func (cfg *Config) Validate(path string) error {
	if cfg == nil {
		return utils.NewConfigValidationError(path, errors.New("tracker config is missing"))
	}
	var errs error
	for _, num := range []struct {
		field string
		value float64
	}{
		{"focal_length_px", cfg.FocalLengthPx},
		{"cache_horizon_sec", cfg.CacheHorizonSec},
		{"queue_size", float64(cfg.QueueSize)},
		{"workers", float64(cfg.Workers)},
	} {
		if num.value <= 0 {
			errs = multierr.Append(errs,
				utils.NewConfigValidationError(path, errors.Errorf("%q must be positive", num.field)))
		}
	}
	if cfg.SlopSec < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New(`"slop_sec" must not be negative`)))
	}
	if cfg.WorkQueueSize < 0 {
		errs = multierr.Append(errs,
			utils.NewConfigValidationError(path, errors.New(`"work_queue_size" must not be negative`)))
	}
	if pp := cfg.PrincipalPoint; pp != nil && (pp.X < 0 || pp.Y < 0) {
		errs = multierr.Append(errs,
			utils.NewConfigValidationError(path, errors.New(`"principal_point" must not be negative`)))
	}
	if quat.Abs(cfg.PublishRotation.Quaternion()) == 0 {
		errs = multierr.Append(errs,
			utils.NewConfigValidationError(path, errors.New(`"publish_rotation" must not be zero`)))
	}
	for _, frame := range []struct{ field, value string }{
		{"sensor_frame", cfg.SensorFrame},
		{"sensor_color_frame", cfg.SensorColorFrame},
		{"target_frame", cfg.TargetFrame},
		{"reference_frame", cfg.ReferenceFrame},
	} {
		if frame.value == "" {
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, frame.field))
		}
	}
	if cfg.TargetFrame != "" && cfg.TargetFrame == cfg.SensorColorFrame {
		errs = multierr.Append(errs,
			utils.NewConfigValidationError(path, errors.New(`"target_frame" must differ from "sensor_color_frame"`)))
	}
	return errs
}

// Slop is the synchronizer tolerance as a duration.
func (cfg *Config) Slop() time.Duration {
	return secondsToDuration(cfg.SlopSec)
}

// CacheHorizon is the transform history length as a duration.
func (cfg *Config) CacheHorizon() time.Duration {
	return secondsToDuration(cfg.CacheHorizonSec)
}

// publishRotation is the normalized fixed rotation.
func (cfg *Config) publishRotation() quat.Number {
	return spatialmath.Normalize(cfg.PublishRotation.Quaternion())
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(math.Round(sec * float64(time.Second)))
}
