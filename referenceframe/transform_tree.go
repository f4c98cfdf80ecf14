// Package referenceframe keeps a time-indexed tree of coordinate frames and answers "where is
// frame A relative to frame B at time t" queries against it.
package referenceframe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/targetfusion/spatialmath"
)

// DefaultCacheHorizon is how much transform history each edge keeps.
const DefaultCacheHorizon = 5 * time.Second

// StampedTransform is the pose of Child expressed in Parent at Stamp. Applied to a point given in
// Child coordinates, Pose yields the same point in Parent coordinates.
type StampedTransform struct {
	Parent string
	Child  string
	Stamp  time.Time
	Pose   spatialmath.Pose
}

func (st StampedTransform) String() string {
	return fmt.Sprintf("%s -> %s @ %s %s", st.Parent, st.Child, st.Stamp.Format(time.RFC3339Nano), st.Pose)
}

// TransformTree is a forest of frames where every frame has at most one parent. Dynamic edges keep
// a bounded history that is interpolated on lookup; static edges are valid at every time.
// All methods are safe for concurrent use.
type TransformTree struct {
	mu      sync.RWMutex
	clock   clock.Clock
	horizon time.Duration

	parents map[string]string
	static  map[string]spatialmath.Pose
	history map[string]*timeCache
}

// NewTransformTree returns an empty tree keeping `horizon` of history per edge. A nil clock means
// the wall clock.
func NewTransformTree(horizon time.Duration, clk clock.Clock) *TransformTree {
	if horizon <= 0 {
		horizon = DefaultCacheHorizon
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TransformTree{
		clock:   clk,
		horizon: horizon,
		parents: map[string]string{},
		static:  map[string]spatialmath.Pose{},
		history: map[string]*timeCache{},
	}
}

// Insert records a dynamic transform. A zero stamp is replaced with the current time.
func (tt *TransformTree) Insert(tf StampedTransform) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if err := tt.checkEdge(tf.Parent, tf.Child); err != nil {
		return err
	}
	if _, ok := tt.static[tf.Child]; ok {
		return errors.Errorf("frame %q is already published as a static transform", tf.Child)
	}
	if tf.Stamp.IsZero() {
		tf.Stamp = tt.clock.Now()
	}

	cache, ok := tt.history[tf.Child]
	if !ok {
		cache = &timeCache{}
		tt.history[tf.Child] = cache
	}
	tt.parents[tf.Child] = tf.Parent
	cache.insert(tf.Stamp, spatialmath.NewPose(tf.Pose.Point, tf.Pose.Orientation))
	cache.prune(tt.horizon)
	return nil
}

// InsertStatic records a transform that never changes. Re-inserting replaces the pose.
func (tt *TransformTree) InsertStatic(tf StampedTransform) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if err := tt.checkEdge(tf.Parent, tf.Child); err != nil {
		return err
	}
	if _, ok := tt.history[tf.Child]; ok {
		return errors.Errorf("frame %q is already published as a dynamic transform", tf.Child)
	}
	tt.parents[tf.Child] = tf.Parent
	tt.static[tf.Child] = spatialmath.NewPose(tf.Pose.Point, tf.Pose.Orientation)
	return nil
}

// checkEdge must be called with the lock held.
func (tt *TransformTree) checkEdge(parent, child string) error {
	if parent == "" {
		return NewParentFrameMissingError()
	}
	if child == "" {
		return errors.New("child frame is empty")
	}
	if parent == child {
		return errors.Errorf("frame %q cannot be its own parent", child)
	}
	if existing, ok := tt.parents[child]; ok && existing != parent {
		return errors.Errorf("frame %q already has parent %q, cannot re-parent to %q", child, existing, parent)
	}
	for cur, ok := parent, true; ok; cur, ok = tt.parents[cur] {
		if cur == child {
			return errors.Errorf("adding %q -> %q would create a cycle", parent, child)
		}
	}
	return nil
}

// Frames returns the names of every frame known to the tree, sorted.
func (tt *TransformTree) Frames() []string {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	names := lo.Uniq(append(lo.Keys(tt.parents), lo.Values(tt.parents)...))
	sort.Strings(names)
	return names
}

// Parent returns the parent of the given frame, if it has one.
func (tt *TransformTree) Parent(frame string) (string, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	parent, ok := tt.parents[frame]
	return parent, ok
}

// CanTransform reports whether Lookup would succeed with the same arguments.
func (tt *TransformTree) CanTransform(target, source string, at time.Time) bool {
	_, err := tt.Lookup(target, source, at)
	return err == nil
}

// Lookup returns the pose of `source` expressed in `target` at time `at`. The zero time asks for
// the latest time at which every edge on the path has data. Results older than the cache horizon
// are rejected even if they are still cached.
func (tt *TransformTree) Lookup(target, source string, at time.Time) (StampedTransform, error) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	now := tt.clock.Now()
	var err error
	for _, frame := range []string{target, source} {
		if !tt.frameExists(frame) {
			err = multierr.Combine(err, &LookupError{Frame: frame})
		}
	}
	if err != nil {
		return StampedTransform{}, err
	}

	if target == source {
		if at.IsZero() {
			at = now
		}
		return StampedTransform{Parent: target, Child: source, Stamp: at, Pose: spatialmath.NewZeroPose()}, nil
	}

	sourceChain := tt.traceback(source)
	targetChain := tt.traceback(target)
	ancestor, sourceEdges, targetEdges := commonAncestor(sourceChain, targetChain)
	if ancestor == "" {
		return StampedTransform{}, &ConnectivityError{Target: target, Source: source}
	}

	edges := append(append([]string{}, sourceEdges...), targetEdges...)
	if at.IsZero() {
		at, err = tt.latestCommonTime(edges, now)
		if err != nil {
			return StampedTransform{}, err
		}
	}
	if oldest := now.Add(-tt.horizon); at.Before(oldest) {
		return StampedTransform{}, &ExtrapolationError{
			Parent: target, Child: source, Requested: at, Oldest: oldest, Newest: now,
		}
	}

	ancestorFromSource, err := tt.composeTransforms(sourceEdges, at)
	if err != nil {
		return StampedTransform{}, err
	}
	ancestorFromTarget, err := tt.composeTransforms(targetEdges, at)
	if err != nil {
		return StampedTransform{}, err
	}

	return StampedTransform{
		Parent: target,
		Child:  source,
		Stamp:  at,
		Pose:   spatialmath.Compose(spatialmath.PoseInverse(ancestorFromTarget), ancestorFromSource),
	}, nil
}

func (tt *TransformTree) frameExists(frame string) bool {
	if _, ok := tt.parents[frame]; ok {
		return true
	}
	for _, parent := range tt.parents {
		if parent == frame {
			return true
		}
	}
	return false
}

// traceback lists the frame followed by each of its ancestors up to the root.
func (tt *TransformTree) traceback(frame string) []string {
	chain := []string{frame}
	for parent, ok := tt.parents[frame]; ok; parent, ok = tt.parents[parent] {
		chain = append(chain, parent)
	}
	return chain
}

// commonAncestor returns the closest frame shared by both chains, and for each chain the child
// frames of the edges walked to reach it.
func commonAncestor(sourceChain, targetChain []string) (string, []string, []string) {
	targetDepth := make(map[string]int, len(targetChain))
	for i, frame := range targetChain {
		targetDepth[frame] = i
	}
	for i, frame := range sourceChain {
		if j, ok := targetDepth[frame]; ok {
			return frame, sourceChain[:i], targetChain[:j]
		}
	}
	return "", nil, nil
}

// latestCommonTime is the newest time at which every dynamic edge has data. A path made only of
// static edges is valid now.
func (tt *TransformTree) latestCommonTime(edges []string, now time.Time) (time.Time, error) {
	var latest time.Time
	for _, child := range edges {
		cache, ok := tt.history[child]
		if !ok {
			continue
		}
		if cache.empty() {
			return time.Time{}, &ExtrapolationError{Parent: tt.parents[child], Child: child}
		}
		if latest.IsZero() || cache.newest().Before(latest) {
			latest = cache.newest()
		}
	}
	if latest.IsZero() {
		return now, nil
	}
	return latest, nil
}

// composeTransforms walks edges from a frame up to an ancestor, returning the pose of the frame in
// the ancestor.
func (tt *TransformTree) composeTransforms(edges []string, at time.Time) (spatialmath.Pose, error) {
	composed := spatialmath.NewZeroPose()
	for _, child := range edges {
		edge, err := tt.transformFromParent(child, at)
		if err != nil {
			return spatialmath.Pose{}, err
		}
		composed = spatialmath.Compose(edge, composed)
	}
	return composed, nil
}

func (tt *TransformTree) transformFromParent(child string, at time.Time) (spatialmath.Pose, error) {
	if pose, ok := tt.static[child]; ok {
		return pose, nil
	}
	cache := tt.history[child]
	pose, ok := cache.poseAt(at)
	if !ok {
		extErr := &ExtrapolationError{Parent: tt.parents[child], Child: child, Requested: at}
		if !cache.empty() {
			extErr.Oldest = cache.oldest()
			extErr.Newest = cache.newest()
		}
		return spatialmath.Pose{}, extErr
	}
	return pose, nil
}
