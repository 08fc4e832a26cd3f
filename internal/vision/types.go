// Package vision turns camera frames into the signals the sequencer acts on:
// which feeder region each object is in, and whether an object sits
// centered under the main camera.
package vision

import (
	"context"
	"image"
	"time"
)

// Role identifies which camera a poller drives.
type Role int

const (
	FeederCamera Role = iota
	MainCamera
)

func (r Role) String() string {
	switch r {
	case FeederCamera:
		return "feeder"
	case MainCamera:
		return "main"
	}
	return "unknown"
}

// Frame is one captured image.
type Frame struct {
	Camera     Role
	Seq        uint64
	CapturedAt time.Time
	JPEG       []byte
	Width      int
	Height     int
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Detector class names. Objects are the pieces being sorted; the rest are
// the fixed parts of the machine the model also segments.
const (
	ClassObject       = "object"
	ClassFirstFeeder  = "first_feeder"
	ClassSecondFeeder = "second_feeder"
	ClassMainConveyor = "main_conveyor"
)

// NoTrack marks a detection without a track id.
const NoTrack int64 = -1

// Detection is one detector result.
type Detection struct {
	ClassID int
	Class   string
	TrackID int64
	Score   float32
	BBox    image.Rectangle
	// Mask is nil when the detector only produces boxes; the box is used
	// as the mask in that case.
	Mask *Mask
}

// ObjectMask returns the detection's mask, falling back to its box.
func (d *Detection) ObjectMask(frame image.Rectangle) *Mask {
	if d.Mask != nil {
		return d.Mask
	}
	return MaskFromRect(frame, d.BBox)
}

// TouchesFrameEdge reports whether the detection comes within margin pixels
// of the frame border. Box-only detections are tested on the box clipped to
// the frame without building a mask.
func (d *Detection) TouchesFrameEdge(frame image.Rectangle, margin int) bool {
	if d.Mask != nil {
		return d.Mask.TouchesFrameEdge(margin)
	}
	box := d.BBox.Intersect(frame)
	if box.Empty() {
		return false
	}
	return !box.In(frame.Inset(margin))
}

// Camera captures frames.
type Camera interface {
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// Detector runs the object detection/segmentation model on a frame.
type Detector interface {
	Detect(ctx context.Context, f *Frame) ([]Detection, error)
}

// MainCameraState is the main camera's view of the object to classify.
type MainCameraState int

const (
	NoObject MainCameraState = iota
	WaitingToCenter
	Centered
)

func (s MainCameraState) String() string {
	switch s {
	case NoObject:
		return "no_object"
	case WaitingToCenter:
		return "waiting_to_center"
	case Centered:
		return "centered"
	}
	return "unknown"
}

// FeederRegion names the zone of the feeder assembly an object is in.
type FeederRegion int

const (
	FirstFeederMask FeederRegion = iota
	UnderExitOfFirstFeeder
	SecondFeederMask
	ExitOfSecondFeeder
	MainConveyor
	Unknown
)

func (r FeederRegion) String() string {
	switch r {
	case FirstFeederMask:
		return "first_feeder_mask"
	case UnderExitOfFirstFeeder:
		return "under_exit_of_first_feeder"
	case SecondFeederMask:
		return "second_feeder_mask"
	case ExitOfSecondFeeder:
		return "exit_of_second_feeder"
	case MainConveyor:
		return "main_conveyor"
	}
	return "unknown"
}

// FeederState is the feeder assembly's condition derived from recent
// region readings.
type FeederState int

const (
	ObjectOnMainConveyor FeederState = iota
	ObjectAtEndOfSecondFeeder
	ObjectUnderneathExitOfFirstFeeder
	NoObjectUnderneathExitOfFirstFeeder
	FirstFeederEmpty
)

func (s FeederState) String() string {
	switch s {
	case ObjectOnMainConveyor:
		return "object_on_main_conveyor"
	case ObjectAtEndOfSecondFeeder:
		return "object_at_end_of_second_feeder"
	case ObjectUnderneathExitOfFirstFeeder:
		return "object_underneath_exit_of_first_feeder"
	case NoObjectUnderneathExitOfFirstFeeder:
		return "no_object_underneath_exit_of_first_feeder"
	case FirstFeederEmpty:
		return "first_feeder_empty"
	}
	return "unknown"
}
