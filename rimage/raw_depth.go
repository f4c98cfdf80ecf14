package rimage

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Raw image encodings understood by DecodeRawDepth.
const (
	Encoding16UC1  = "16UC1"
	EncodingMono16 = "mono16"
	Encoding32FC1  = "32FC1"
)

// RawImage mirrors an uncompressed image message: Step is the length of one row in bytes and Data
// holds Height rows of it.
type RawImage struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Encoding    string `json:"encoding"`
	IsBigEndian bool   `json:"is_bigendian"`
	Step        int    `json:"step"`
	Data        []byte `json:"data"`
}

func bytesPerPixel(encoding string) (int, error) {
	switch strings.TrimSpace(encoding) {
	case Encoding16UC1, EncodingMono16:
		return 2, nil
	case Encoding32FC1:
		return 4, nil
	default:
		return 0, errors.Errorf("unsupported depth encoding %q", encoding)
	}
}

// DecodeRawDepth converts a raw depth image into millimeters. Float encodings are in meters.
// The returned map only covers the rows and columns actually present in Data, so it can be
// smaller than the declared Width and Height.
func DecodeRawDepth(raw RawImage) (*DepthMap, error) {
	bpp, err := bytesPerPixel(raw.Encoding)
	if err != nil {
		return nil, err
	}
	if raw.Width < 0 || raw.Height < 0 {
		return nil, errors.Errorf("invalid image size %dx%d", raw.Width, raw.Height)
	}
	step := raw.Step
	if step == 0 {
		step = raw.Width * bpp
	}
	if step < bpp {
		return NewEmptyDepthMap(0, 0), nil
	}

	width := raw.Width
	if cols := step / bpp; cols < width {
		width = cols
	}
	height := raw.Height
	if rows := len(raw.Data) / step; rows < height {
		height = rows
	}

	var order binary.ByteOrder = binary.LittleEndian
	if raw.IsBigEndian {
		order = binary.BigEndian
	}

	dm := NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		row := raw.Data[y*step : y*step+width*bpp]
		for x := 0; x < width; x++ {
			px := row[x*bpp : (x+1)*bpp]
			if bpp == 2 {
				dm.Set(x, y, Depth(order.Uint16(px)))
				continue
			}
			dm.Set(x, y, metersToDepth(float64(math.Float32frombits(order.Uint32(px)))))
		}
	}
	return dm, nil
}

// NewDepthFrameFromRaw decodes a raw image and keeps the declared size on the frame.
func NewDepthFrameFromRaw(raw RawImage) (*DepthFrame, error) {
	dm, err := DecodeRawDepth(raw)
	if err != nil {
		return nil, err
	}
	return &DepthFrame{Width: raw.Width, Height: raw.Height, Depth: dm}, nil
}

func metersToDepth(m float64) Depth {
	if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
		return 0
	}
	mm := math.Round(m * 1000)
	if mm > float64(MaxDepth) {
		return MaxDepth
	}
	return Depth(mm)
}
