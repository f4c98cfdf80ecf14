package config

import (
	"github.com/pkg/errors"

	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/services/targettracker"
	"go.viam.com/targetfusion/spatialmath"
	"go.viam.com/targetfusion/utils"
)

// FrameConfig is a static edge of the transform tree: the pose of Child expressed in Parent.
// Translation is in meters. A zero rotation is read as the identity.
type FrameConfig struct {
	Parent      string                         `json:"parent"`
	Child       string                         `json:"child"`
	Translation targettracker.VectorConfig     `json:"translation"`
	Rotation    targettracker.QuaternionConfig `json:"rotation"`
}

// Validate ensures all parts of the config are valid.
func (f *FrameConfig) Validate(path string) error {
	if f.Parent == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "parent")
	}
	if f.Child == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "child")
	}
	if f.Parent == f.Child {
		return utils.NewConfigValidationError(path, errors.Errorf("frame %q cannot be its own parent", f.Child))
	}
	return nil
}

// StampedTransform converts the frame to a tree edge.
func (f FrameConfig) StampedTransform() referenceframe.StampedTransform {
	return referenceframe.StampedTransform{
		Parent: f.Parent,
		Child:  f.Child,
		Pose:   spatialmath.NewPose(f.Translation.Vector(), f.Rotation.Quaternion()),
	}
}
