package rimage

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/targetfusion/utils"
)

// ErrDepthOutOfBounds is returned when a clipped pixel still falls outside the stored depth data,
// which happens when a frame's header disagrees with its payload.
var ErrDepthOutOfBounds = errors.New("depth pixel out of bounds")

// DepthFrame is one depth image from the stream. Width and Height are the dimensions the sender
// declared; Depth is what was actually received and may be smaller.
type DepthFrame struct {
	Stamp  time.Time
	Frame  string
	Width  int
	Height int
	Depth  *DepthMap
}

// DepthSample is the result of reading one pixel.
type DepthSample struct {
	// Pixel is the (column, row) actually read after clipping.
	Pixel [2]int
	Depth Depth
	// Valid is false when the sensor reported no reading at Pixel.
	Valid bool
}

func (s DepthSample) String() string {
	return fmt.Sprintf("(%d, %d) = %dmm valid=%t", s.Pixel[0], s.Pixel[1], s.Depth, s.Valid)
}

// SampleDepth reads the depth under a pixel. The pixel is clipped into the frame's declared size
// and truncated to integers. A zero reading is returned with Valid false and no error; a pixel
// that the stored data does not cover returns ErrDepthOutOfBounds.
func SampleDepth(frame *DepthFrame, pixel r2.Point) (DepthSample, error) {
	if frame == nil || frame.Depth == nil {
		return DepthSample{}, errors.New("depth frame is empty")
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return DepthSample{}, errors.Errorf("depth frame has invalid size %dx%d", frame.Width, frame.Height)
	}

	if math.IsNaN(pixel.X) || math.IsNaN(pixel.Y) {
		return DepthSample{}, errors.Errorf("pixel %v is not a number", pixel)
	}
	x := int(utils.ClampF64(pixel.X, 0, float64(frame.Width-1)))
	y := int(utils.ClampF64(pixel.Y, 0, float64(frame.Height-1)))
	sample := DepthSample{Pixel: [2]int{x, y}}
	if !frame.Depth.Contains(x, y) {
		return sample, errors.Wrapf(ErrDepthOutOfBounds, "pixel (%d, %d) outside stored %dx%d depth",
			x, y, frame.Depth.Width(), frame.Depth.Height())
	}

	sample.Depth = frame.Depth.GetDepth(x, y)
	sample.Valid = sample.Depth != 0
	return sample, nil
}
