package vision

import (
	"image"
	"time"
)

// Capture is one processed frame: the image, what the detector found in it
// and what the poller derived from that.
type Capture struct {
	Frame      *Frame
	Detections []Detection

	// Feeder camera: region of every object, in detection order.
	Regions []RegionReading

	// Main camera.
	MainState MainCameraState
	Candidate *Detection
}

// FrameRing keeps the most recent captures. It is not safe for concurrent
// use; the poller guards it.
type FrameRing struct {
	captures []*Capture
	capacity int
	head     int // next write position
	size     int
}

func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 30
	}
	return &FrameRing{captures: make([]*Capture, capacity), capacity: capacity}
}

// Add stores c, overwriting the oldest capture when full.
func (r *FrameRing) Add(c *Capture) {
	r.captures[r.head] = c
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Previous returns the capture n steps back; Previous(1) is the latest.
func (r *FrameRing) Previous(n int) *Capture {
	if n < 1 || n > r.size {
		return nil
	}
	return r.captures[(r.head-n+r.capacity)%r.capacity]
}

func (r *FrameRing) Size() int     { return r.size }
func (r *FrameRing) Capacity() int { return r.capacity }

// GetAll returns captures oldest to newest.
func (r *FrameRing) GetAll() []*Capture {
	if r.size == 0 {
		return nil
	}
	out := make([]*Capture, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.captures[(r.head-r.size+i+r.capacity)%r.capacity]
	}
	return out
}

// TrackedFrame is one buffered frame containing a given track.
type TrackedFrame struct {
	Frame     *Frame
	Detection Detection
	// EdgeClear is true when the object does not touch the frame border.
	EdgeClear bool
}

// framesFor returns, oldest first, every buffered frame holding trackID.
func (r *FrameRing) framesFor(trackID int64, edgeMargin int) []TrackedFrame {
	var out []TrackedFrame
	for _, c := range r.GetAll() {
		for _, d := range c.Detections {
			if d.Class != ClassObject || d.TrackID != trackID {
				continue
			}
			out = append(out, TrackedFrame{
				Frame:     c.Frame,
				Detection: d,
				EdgeClear: !d.TouchesFrameEdge(c.Frame.Bounds(), edgeMargin),
			})
			break
		}
	}
	return out
}

// LatestEdgeClear returns up to n of the most recent edge-clear frames,
// newest first.
func LatestEdgeClear(frames []TrackedFrame, n int) []TrackedFrame {
	var out []TrackedFrame
	for i := len(frames) - 1; i >= 0 && len(out) < n; i-- {
		if frames[i].EdgeClear {
			out = append(out, frames[i])
		}
	}
	return out
}

// RegionReading places one object of a feeder capture. TrackID is NoTrack
// when neither the detector nor a linker assigned one.
type RegionReading struct {
	TrackID int64
	Region  FeederRegion
}

type regionReading struct {
	at time.Time
	RegionReading
}

// RegionHistory keeps region readings for a bounded time.
type RegionHistory struct {
	retention time.Duration
	readings  []regionReading
}

func NewRegionHistory(retention time.Duration) *RegionHistory {
	return &RegionHistory{retention: retention}
}

// Record appends the readings of one capture and drops readings older than
// the retention window.
func (h *RegionHistory) Record(at time.Time, regions []RegionReading) {
	for _, r := range regions {
		h.readings = append(h.readings, regionReading{at: at, RegionReading: r})
	}
	cutoff := at.Add(-h.retention)
	i := 0
	for i < len(h.readings) && h.readings[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.readings = append(h.readings[:0], h.readings[i:]...)
	}
}

// Len returns the number of retained readings.
func (h *RegionHistory) Len() int { return len(h.readings) }

// Seen returns the set of regions read in (now-window, now].
func (h *RegionHistory) Seen(now time.Time, window time.Duration) map[FeederRegion]bool {
	seen := make(map[FeederRegion]bool)
	cutoff := now.Add(-window)
	for i := len(h.readings) - 1; i >= 0; i-- {
		r := h.readings[i]
		if !r.at.After(cutoff) {
			break
		}
		seen[r.Region] = true
	}
	return seen
}

// DeriveFeederState applies the feeder-state priority to a set of recently
// seen regions.
func DeriveFeederState(seen map[FeederRegion]bool) FeederState {
	switch {
	case seen[MainConveyor]:
		return ObjectOnMainConveyor
	case seen[ExitOfSecondFeeder]:
		return ObjectAtEndOfSecondFeeder
	case seen[UnderExitOfFirstFeeder], seen[SecondFeederMask]:
		return ObjectUnderneathExitOfFirstFeeder
	case seen[FirstFeederMask]:
		return NoObjectUnderneathExitOfFirstFeeder
	}
	return FirstFeederEmpty
}

// Linker assigns track ids to object detections by greedy IoU matching
// against the previous frame, for detectors that do not track.
type Linker struct {
	minIoU  float64
	nextID  int64
	maxMiss int
	tracks  []linkTrack
}

type linkTrack struct {
	id     int64
	box    image.Rectangle
	missed int
}

func NewLinker(minIoU float64) *Linker {
	return &Linker{minIoU: minIoU, maxMiss: 3}
}

// Assign fills in TrackID for object detections that have none.
func (l *Linker) Assign(dets []Detection) {
	used := make([]bool, len(l.tracks))
	var next []linkTrack
	for i := range dets {
		d := &dets[i]
		if d.Class != ClassObject || d.TrackID != NoTrack {
			continue
		}
		best, bestIoU := -1, l.minIoU
		for j, t := range l.tracks {
			if used[j] {
				continue
			}
			if iou := IoU(t.box, d.BBox); iou >= bestIoU {
				best, bestIoU = j, iou
			}
		}
		if best >= 0 {
			used[best] = true
			d.TrackID = l.tracks[best].id
		} else {
			d.TrackID = l.nextID
			l.nextID++
		}
		next = append(next, linkTrack{id: d.TrackID, box: d.BBox})
	}
	for j, t := range l.tracks {
		if !used[j] && t.missed < l.maxMiss {
			t.missed++
			next = append(next, t)
		}
	}
	l.tracks = next
}
