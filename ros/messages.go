package ros

import (
	"encoding/base64"
	"encoding/json"
	"image"
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/vision/persondetection"
)

// Time is a ROS time stamp.
type Time struct {
	Secs  int64 `json:"secs"`
	Nsecs int64 `json:"nsecs"`
}

// Time converts the stamp. A zero stamp stays the zero time.
func (t Time) Time() time.Time {
	if t.Secs == 0 && t.Nsecs == 0 {
		return time.Time{}
	}
	return time.Unix(t.Secs, t.Nsecs).UTC()
}

// Header is std_msgs/Header.
type Header struct {
	Seq     uint32 `json:"seq"`
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Message is one line of a bag topic as gobag renders it: the record time and the decoded body.
type Message struct {
	Meta Time            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// ByteArray is a uint8[] field. gobag writes it as a list of numbers, other tools as base64.
type ByteArray []byte

// UnmarshalJSON accepts either encoding.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return errors.Wrap(err, "invalid base64 byte array")
		}
		*b = decoded
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return errors.Wrap(err, "byte array must be a base64 string or a list of numbers")
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > math.MaxUint8 {
			return errors.Errorf("byte array element %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// ImageMessage is sensor_msgs/Image.
type ImageMessage struct {
	Header      Header    `json:"header"`
	Height      int       `json:"height"`
	Width       int       `json:"width"`
	Encoding    string    `json:"encoding"`
	IsBigEndian uint8     `json:"is_bigendian"`
	Step        int       `json:"step"`
	Data        ByteArray `json:"data"`
}

// DepthFrame decodes the image as a depth frame. recorded is used when the header carries no
// stamp.
func (m *ImageMessage) DepthFrame(recorded time.Time) (*rimage.DepthFrame, error) {
	frame, err := rimage.NewDepthFrameFromRaw(rimage.RawImage{
		Width:       m.Width,
		Height:      m.Height,
		Encoding:    m.Encoding,
		IsBigEndian: m.IsBigEndian != 0,
		Step:        m.Step,
		Data:        m.Data,
	})
	if err != nil {
		return nil, err
	}
	frame.Stamp = stampOr(m.Header.Stamp, recorded)
	frame.Frame = m.Header.FrameID
	return frame, nil
}

// Point2D is the pixel position of a keypoint.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// KeyPoint2D is one landmark of a detection.
type KeyPoint2D struct {
	ID    int     `json:"id"`
	Point Point2D `json:"point"`
	Score float64 `json:"score"`
}

// KeyPoint2DArray wraps the landmarks of a detection.
type KeyPoint2DArray struct {
	Data []KeyPoint2D `json:"data"`
}

// BoundingBox2D is an axis aligned box given by its centre and size.
type BoundingBox2D struct {
	Center Point2D `json:"center"`
	Size   Point2D `json:"size"`
}

// FaceBox is the recognised identity and where it was found.
type FaceBox struct {
	Name  string        `json:"name"`
	Score float64       `json:"score"`
	BBox  BoundingBox2D `json:"bbox"`
}

// DetectionMessage is one recognised person.
type DetectionMessage struct {
	FaceBox   FaceBox         `json:"facebox"`
	Keypoints KeyPoint2DArray `json:"keypoints"`
}

// DetectionArrayMessage is every detection found in one image.
type DetectionArrayMessage struct {
	Header     Header             `json:"header"`
	Detections []DetectionMessage `json:"detections"`
}

// DetectionSet converts the message. recorded is used when the header carries no stamp.
func (m *DetectionArrayMessage) DetectionSet(recorded time.Time) *persondetection.DetectionSet {
	set := &persondetection.DetectionSet{
		Stamp:      stampOr(m.Header.Stamp, recorded),
		Frame:      m.Header.FrameID,
		Detections: make([]persondetection.Detection, 0, len(m.Detections)),
	}
	for _, d := range m.Detections {
		det := persondetection.Detection{
			Name:      d.FaceBox.Name,
			Score:     d.FaceBox.Score,
			Box:       d.FaceBox.BBox.rectangle(),
			Keypoints: make([]persondetection.Keypoint, 0, len(d.Keypoints.Data)),
		}
		for _, kp := range d.Keypoints.Data {
			det.Keypoints = append(det.Keypoints, persondetection.Keypoint{ID: kp.ID, X: kp.Point.X, Y: kp.Point.Y})
		}
		set.Detections = append(set.Detections, det)
	}
	return set
}

func (b BoundingBox2D) rectangle() image.Rectangle {
	halfW, halfH := b.Size.X/2, b.Size.Y/2
	return image.Rect(
		int(math.Round(b.Center.X-halfW)), int(math.Round(b.Center.Y-halfH)),
		int(math.Round(b.Center.X+halfW)), int(math.Round(b.Center.Y+halfH)),
	)
}

func stampOr(header Time, recorded time.Time) time.Time {
	if stamp := header.Time(); !stamp.IsZero() {
		return stamp
	}
	return recorded
}
