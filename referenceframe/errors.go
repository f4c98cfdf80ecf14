package referenceframe

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrTransformUnavailable is matched by every lookup failure: unknown frames, frames in
// disconnected trees, and requests outside the cached time range.
var ErrTransformUnavailable = errors.New("transform unavailable")

// LookupError is returned when a frame has never been published to the tree.
type LookupError struct {
	Frame string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("frame %q does not exist in the transform tree", e.Frame)
}

// Unwrap allows errors.Is(err, ErrTransformUnavailable).
func (e *LookupError) Unwrap() error { return ErrTransformUnavailable }

// ConnectivityError is returned when two frames exist but share no common ancestor.
type ConnectivityError struct {
	Target string
	Source string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("frames %q and %q are not part of the same tree", e.Target, e.Source)
}

// Unwrap allows errors.Is(err, ErrTransformUnavailable).
func (e *ConnectivityError) Unwrap() error { return ErrTransformUnavailable }

// ExtrapolationError is returned when the requested time is outside what is cached for an edge.
type ExtrapolationError struct {
	Parent    string
	Child     string
	Requested time.Time
	Oldest    time.Time
	Newest    time.Time
}

func (e *ExtrapolationError) Error() string {
	if e.Oldest.IsZero() && e.Newest.IsZero() {
		return fmt.Sprintf("no data cached for %q -> %q", e.Parent, e.Child)
	}
	return fmt.Sprintf(
		"lookup of %q -> %q at %s requires extrapolation, cached range is [%s, %s]",
		e.Parent, e.Child,
		e.Requested.Format(time.RFC3339Nano),
		e.Oldest.Format(time.RFC3339Nano),
		e.Newest.Format(time.RFC3339Nano),
	)
}

// Unwrap allows errors.Is(err, ErrTransformUnavailable).
func (e *ExtrapolationError) Unwrap() error { return ErrTransformUnavailable }

// NewParentFrameMissingError is returned when a transform is inserted without a parent frame.
func NewParentFrameMissingError() error {
	return errors.New("parent frame is empty")
}
