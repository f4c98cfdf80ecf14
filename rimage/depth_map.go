// Package rimage holds depth images and the sampling rules used to read them.
package rimage

import "math"

// Depth is the distance along the optical axis in millimeters. Zero means no reading.
type Depth uint16

// MaxDepth is the largest representable depth.
const MaxDepth = Depth(math.MaxUint16)

// DepthMap is a row-major grid of depth readings.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a zero-filled depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// Width returns the horizontal size of the map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size of the map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Contains reports whether (x, y) is backed by storage.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// GetDepth returns the depth at column x, row y. It panics outside the map; callers that cannot
// guarantee bounds use Contains or SampleDepth.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[y*dm.width+x]
}

// Set stores a depth at column x, row y.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[y*dm.width+x] = val
}
