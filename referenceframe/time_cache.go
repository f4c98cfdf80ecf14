package referenceframe

import (
	"sort"
	"time"

	"go.viam.com/targetfusion/spatialmath"
)

type stampedPose struct {
	stamp time.Time
	pose  spatialmath.Pose
}

// timeCache is the stamp-ordered history of one parent -> child edge.
type timeCache struct {
	samples []stampedPose
}

func (tc *timeCache) insert(stamp time.Time, pose spatialmath.Pose) {
	idx := sort.Search(len(tc.samples), func(i int) bool {
		return !tc.samples[i].stamp.Before(stamp)
	})
	if idx < len(tc.samples) && tc.samples[idx].stamp.Equal(stamp) {
		tc.samples[idx].pose = pose
		return
	}
	tc.samples = append(tc.samples, stampedPose{})
	copy(tc.samples[idx+1:], tc.samples[idx:])
	tc.samples[idx] = stampedPose{stamp: stamp, pose: pose}
}

// prune drops every sample older than `horizon` before the newest one.
func (tc *timeCache) prune(horizon time.Duration) {
	if len(tc.samples) == 0 {
		return
	}
	cutoff := tc.newest().Add(-horizon)
	idx := sort.Search(len(tc.samples), func(i int) bool {
		return !tc.samples[i].stamp.Before(cutoff)
	})
	if idx > 0 {
		tc.samples = append(tc.samples[:0], tc.samples[idx:]...)
	}
}

func (tc *timeCache) empty() bool {
	return len(tc.samples) == 0
}

func (tc *timeCache) oldest() time.Time {
	return tc.samples[0].stamp
}

func (tc *timeCache) newest() time.Time {
	return tc.samples[len(tc.samples)-1].stamp
}

// poseAt interpolates between the two samples bracketing `at`. It returns false when `at` is
// outside the cached range.
func (tc *timeCache) poseAt(at time.Time) (spatialmath.Pose, bool) {
	if tc.empty() || at.Before(tc.oldest()) || at.After(tc.newest()) {
		return spatialmath.Pose{}, false
	}
	idx := sort.Search(len(tc.samples), func(i int) bool {
		return !tc.samples[i].stamp.Before(at)
	})
	upper := tc.samples[idx]
	if upper.stamp.Equal(at) || idx == 0 {
		return upper.pose, true
	}
	lower := tc.samples[idx-1]
	span := upper.stamp.Sub(lower.stamp)
	ratio := float64(at.Sub(lower.stamp)) / float64(span)
	return spatialmath.Interpolate(lower.pose, upper.pose, ratio), true
}
