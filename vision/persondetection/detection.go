// Package persondetection holds the person detections consumed by the tracker and picks the
// configured target out of them.
package persondetection

import (
	"image"
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Keypoint ids of the left and right shoulder in the body landmark taxonomy.
const (
	LeftShoulderID  = 6
	RightShoulderID = 7
)

// ShoulderKeypointIDs are averaged to find the point on a person where depth is sampled.
var ShoulderKeypointIDs = []int{LeftShoulderID, RightShoulderID}

var (
	// ErrNoMatch means no detection carried the target name.
	ErrNoMatch = errors.New("no detection matches the target name")
	// ErrNoAnchor means the target was detected without any shoulder keypoints.
	ErrNoAnchor = errors.New("target has no shoulder keypoints")
)

// Keypoint is one landmark in image pixel coordinates.
type Keypoint struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Detection is one recognised person.
type Detection struct {
	Name      string          `json:"name"`
	Score     float64         `json:"score,omitempty"`
	Box       image.Rectangle `json:"box"`
	Keypoints []Keypoint      `json:"keypoints"`
}

// DetectionSet is every detection found in one image.
type DetectionSet struct {
	Stamp      time.Time   `json:"stamp"`
	Frame      string      `json:"frame,omitempty"`
	Detections []Detection `json:"detections"`
}

// Target is the detection chosen for a name along with its anchor pixel.
type Target struct {
	Index     int
	Detection Detection
	Anchor    r2.Point
}

// FindTarget returns the first detection named `name`. Later detections with the same name are
// ignored.
func FindTarget(set *DetectionSet, name string) (int, Detection, bool) {
	if set == nil {
		return -1, Detection{}, false
	}
	for i, d := range set.Detections {
		if d.Name == name {
			return i, d, true
		}
	}
	return -1, Detection{}, false
}

// KeypointMidpoint averages the keypoints with the given ids and floors the result to whole
// pixels. ok is false when none of the ids are present, so a real anchor at (0, 0) is still
// distinguishable from a missing one.
func KeypointMidpoint(keypoints []Keypoint, ids []int) (r2.Point, bool) {
	var sum r2.Point
	count := 0
	for _, kp := range keypoints {
		for _, id := range ids {
			if kp.ID == id {
				sum = sum.Add(r2.Point{X: kp.X, Y: kp.Y})
				count++
				break
			}
		}
	}
	if count == 0 {
		return r2.Point{}, false
	}
	mean := sum.Mul(1 / float64(count))
	return r2.Point{X: math.Floor(mean.X), Y: math.Floor(mean.Y)}, true
}

// ShoulderAnchor is the shoulder midpoint of a detection.
func ShoulderAnchor(d Detection) (r2.Point, bool) {
	return KeypointMidpoint(d.Keypoints, ShoulderKeypointIDs)
}

// SelectTarget finds `name` in the set and computes its anchor. It returns ErrNoMatch or
// ErrNoAnchor when either step fails.
func SelectTarget(set *DetectionSet, name string) (Target, error) {
	idx, d, ok := FindTarget(set, name)
	if !ok {
		return Target{}, errors.Wrapf(ErrNoMatch, "looking for %q", name)
	}
	anchor, ok := ShoulderAnchor(d)
	if !ok {
		return Target{Index: idx, Detection: d}, errors.Wrapf(ErrNoAnchor, "detection %d (%q)", idx, name)
	}
	return Target{Index: idx, Detection: d, Anchor: anchor}, nil
}
