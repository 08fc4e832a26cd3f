package vision

import (
	"image"
	"math"

	"github.com/banshee-data/sorter/internal/config"
)

// FixedParts holds the segmentation of the machine's stationary parts in one
// feeder-camera frame. Any of them may be missing when the detector did not
// find it.
type FixedParts struct {
	FirstFeeder  *Mask
	SecondFeeder *Mask
	MainConveyor *Mask
}

// FixedPartsFrom picks the highest-scoring detection of each fixed class.
func FixedPartsFrom(frame image.Rectangle, dets []Detection) FixedParts {
	var best [3]*Detection
	slot := func(class string) int {
		switch class {
		case ClassFirstFeeder:
			return 0
		case ClassSecondFeeder:
			return 1
		case ClassMainConveyor:
			return 2
		}
		return -1
	}
	for i := range dets {
		s := slot(dets[i].Class)
		if s < 0 {
			continue
		}
		if best[s] == nil || dets[i].Score > best[s].Score {
			best[s] = &dets[i]
		}
	}
	var parts FixedParts
	if best[0] != nil {
		parts.FirstFeeder = best[0].ObjectMask(frame)
	}
	if best[1] != nil {
		parts.SecondFeeder = best[1].ObjectMask(frame)
	}
	if best[2] != nil {
		parts.MainConveyor = best[2].ObjectMask(frame)
	}
	return parts
}

type regionClassifier struct {
	cfg *config.VisionConfig
}

func (c *regionClassifier) touches(obj, ref *Mask) bool {
	if ref == nil {
		return false
	}
	return EdgeProximity(obj, ref, c.cfg.DilationRadius) >= c.cfg.EdgeProximityThreshold
}

func (c *regionClassifier) on(obj, ref *Mask) bool {
	if ref == nil {
		return false
	}
	return MarginOverlap(obj, ref.BBox(), c.cfg.BBoxMargin) >= c.cfg.OverlapThreshold
}

// ClassifyRegion places one object mask in the feeder assembly.
//
// An object on the second feeder is at its exit when it touches the main
// conveyor, and under the first feeder's exit when it touches the first
// feeder. Objects resting on neither feeder but on the main conveyor have
// left the feeders.
func ClassifyRegion(obj *Mask, parts FixedParts, cfg *config.VisionConfig) FeederRegion {
	c := regionClassifier{cfg: cfg}
	switch {
	case c.on(obj, parts.SecondFeeder):
		if c.touches(obj, parts.MainConveyor) {
			return ExitOfSecondFeeder
		}
		if c.touches(obj, parts.FirstFeeder) {
			return UnderExitOfFirstFeeder
		}
		return SecondFeederMask
	case c.on(obj, parts.FirstFeeder):
		return FirstFeederMask
	case c.on(obj, parts.MainConveyor):
		return MainConveyor
	}
	return Unknown
}

// MainState decides whether an object under the main camera is centered.
// The candidate is the object nearest the frame's horizontal center; it is
// centered when its center lies within CenterTolerance of the frame width
// and it does not touch the frame border.
func MainState(dets []Detection, frame image.Rectangle, cfg *config.VisionConfig) (MainCameraState, *Detection) {
	var cand *Detection
	best := math.Inf(1)
	mid := float64(frame.Min.X+frame.Max.X) / 2
	for i := range dets {
		if dets[i].Class != ClassObject {
			continue
		}
		off := math.Abs(centerX(dets[i].BBox) - mid)
		if off < best {
			best = off
			cand = &dets[i]
		}
	}
	if cand == nil {
		return NoObject, nil
	}
	if best <= cfg.CenterTolerance*float64(frame.Dx()) && !cand.TouchesFrameEdge(frame, cfg.EdgeMargin) {
		return Centered, cand
	}
	return WaitingToCenter, cand
}

func centerX(r image.Rectangle) float64 {
	return float64(r.Min.X+r.Max.X) / 2
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := inter.Dx() * inter.Dy()
	union := a.Dx()*a.Dy() + b.Dx()*b.Dy() - ia
	if union <= 0 {
		return 0
	}
	return float64(ia) / float64(union)
}
