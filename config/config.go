// Package config defines the structures to configure the target fusion node.
package config

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/ros"
	"go.viam.com/targetfusion/services/targettracker"
	"go.viam.com/targetfusion/utils"
)

// DefaultBindAddress is where the HTTP surface listens when nothing is configured.
const DefaultBindAddress = "localhost:8080"

// Config describes the tracker, the static frames it needs, where its input comes from, and how
// it is served and logged.
type Config struct {
	ConfigFilePath string `json:"-"`

	Tracker *targettracker.Config `json:"tracker"`
	Frames  []FrameConfig         `json:"frames,omitempty"`
	Source  *SourceConfig         `json:"source,omitempty"`
	Web     WebConfig             `json:"web"`
	Log     LogConfig             `json:"log"`
}

// NewDefaultConfig returns a config with every default filled in and no static frames.
func NewDefaultConfig() *Config {
	return &Config{
		Tracker: targettracker.NewDefaultConfig(),
		Web:     WebConfig{Bind: DefaultBindAddress},
		Log:     LogConfig{Level: logging.INFO},
	}
}

// Ensure ensures all parts of the config are valid.
func (c *Config) Ensure() error {
	var errs error
	if c.Tracker == nil {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("", "tracker"))
	} else if err := c.Tracker.Validate("tracker"); err != nil {
		errs = multierr.Append(errs, err)
	}

	children := make(map[string]int, len(c.Frames))
	for idx, f := range c.Frames {
		path := fmt.Sprintf("frames.%d", idx)
		if err := f.Validate(path); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if prev, ok := children[f.Child]; ok {
			errs = multierr.Append(errs, utils.NewConfigValidationError(path,
				errors.Errorf("frame %q already has a parent in frames.%d", f.Child, prev)))
			continue
		}
		children[f.Child] = idx
	}

	if c.Source != nil {
		if err := c.Source.Validate("source"); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := c.Web.Validate("web"); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.Log.Validate("log"); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// StaticTransforms returns the configured frames as tree edges.
func (c *Config) StaticTransforms() []referenceframe.StampedTransform {
	tfs := make([]referenceframe.StampedTransform, 0, len(c.Frames))
	for i := range c.Frames {
		tfs = append(tfs, c.Frames[i].StampedTransform())
	}
	return tfs
}

// SourceType names an input source.
type SourceType string

// The known source types.
const (
	// SourceTypeHTTP takes depth frames and detections only through the HTTP surface.
	SourceTypeHTTP = SourceType("http")
	// SourceTypeRosbag replays a recorded bag. Attributes decode into ros.ReplayConfig.
	SourceTypeRosbag = SourceType("rosbag")
)

// AttributeMap is free-form configuration for a source.
type AttributeMap map[string]interface{}

// SourceConfig selects where depth frames and detections come from.
type SourceConfig struct {
	Type       SourceType   `json:"type"`
	Attributes AttributeMap `json:"attributes,omitempty"`

	ConvertedAttributes interface{} `json:"-"`
}

// Validate ensures all parts of the config are valid and converts the attributes of known types.
func (s *SourceConfig) Validate(path string) error {
	switch s.Type {
	case "":
		return utils.NewConfigValidationFieldRequiredError(path, "type")
	case SourceTypeHTTP:
		s.ConvertedAttributes = nil
		return nil
	case SourceTypeRosbag:
		var replay ros.ReplayConfig
		if err := s.DecodeAttributes(&replay); err != nil {
			return utils.NewConfigValidationError(path, err)
		}
		if err := replay.Validate(path + ".attributes"); err != nil {
			return err
		}
		s.ConvertedAttributes = &replay
		return nil
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown source type %q", s.Type))
	}
}

// DecodeAttributes decodes the attributes into `into` using its json tags. Keys that do not map to
// a field are an error.
func (s *SourceConfig) DecodeAttributes(into interface{}) error {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   into,
		Metadata: &md,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]interface{}(s.Attributes)); err != nil {
		return errors.Wrapf(err, "error converting attributes for %q source", s.Type)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return errors.Errorf("unknown attributes for %q source: %v", s.Type, md.Unused)
	}
	return nil
}

// Replay returns the bag replay settings when the source is a rosbag, or nil for any other
// source. The source must have been validated first.
func (s *SourceConfig) Replay() (*ros.ReplayConfig, error) {
	if s == nil || s.Type != SourceTypeRosbag {
		return nil, nil
	}
	replay, ok := s.ConvertedAttributes.(*ros.ReplayConfig)
	if !ok {
		return nil, utils.NewUnexpectedTypeError(replay, s.ConvertedAttributes)
	}
	return replay, nil
}

// WebConfig configures the HTTP surface.
type WebConfig struct {
	Bind  string `json:"bind"`
	Pprof bool   `json:"pprof,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (w *WebConfig) Validate(path string) error {
	if w.Bind == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "bind")
	}
	return nil
}

// LogConfig configures the process logger. With File set, logs also go to a size-rotated file.
type LogConfig struct {
	Level      logging.Level `json:"level"`
	File       string        `json:"file,omitempty"`
	MaxSizeMB  int           `json:"max_size_mb,omitempty"`
	MaxBackups int           `json:"max_backups,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (l *LogConfig) Validate(path string) error {
	if l.MaxSizeMB < 0 {
		return utils.NewConfigValidationError(path, errors.New(`"max_size_mb" must not be negative`))
	}
	if l.MaxBackups < 0 {
		return utils.NewConfigValidationError(path, errors.New(`"max_backups" must not be negative`))
	}
	return nil
}
