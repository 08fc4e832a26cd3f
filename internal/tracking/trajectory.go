package tracking

import (
	"image"
	"math"
	"time"

	"github.com/banshee-data/sorter/internal/bins"
)

// Stage is a trajectory's lifecycle stage.
type Stage string

const (
	UnderCamera Stage = "under_camera"
	InTransit   Stage = "in_transit"
	DoorsOpen   Stage = "doors_open"
	DoorsClosed Stage = "doors_closed" // terminal
)

// Point is a position in pixels, or in [0,1] for normalised coordinates.
type Point struct {
	X, Y float64
}

func (p Point) dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Observation is one detected object in one main-camera frame.
type Observation struct {
	CapturedAt time.Time
	Center     Point
	Normalized Point
	BBox       image.Rectangle
	// TrackID is the detector's track id for the object.
	TrackID int64
	// FullyVisible is false when the object touches the frame border.
	FullyVisible bool
	// ClassificationID is the item id known for this object so far, empty
	// until one has been computed.
	ClassificationID string
	// TrajectoryID is set when the observation is matched.
	TrajectoryID string
}

func (o Observation) area() float64 {
	return float64(o.BBox.Dx() * o.BBox.Dy())
}

// Trajectory is one object's path across consecutive frames.
type Trajectory struct {
	ID           string
	Stage        Stage
	Observations []Observation
	// Velocity in cm/ms once enough fully visible observations exist.
	Velocity  *float64
	TargetBin *bins.Coordinates
	CreatedAt time.Time
}

// Last returns the most recent observation.
func (t *Trajectory) Last() Observation {
	return t.Observations[len(t.Observations)-1]
}

// VelocityPx returns the average velocity over all observations in px/ms.
func (t *Trajectory) VelocityPx() (Point, bool) {
	return averageVelocity(t.Observations)
}

func averageVelocity(obs []Observation) (Point, bool) {
	if len(obs) < 2 {
		return Point{}, false
	}
	first, last := obs[0], obs[len(obs)-1]
	ms := float64(last.CapturedAt.Sub(first.CapturedAt)) / float64(time.Millisecond)
	if ms <= 0 {
		return Point{}, false
	}
	return Point{
		X: (last.Center.X - first.Center.X) / ms,
		Y: (last.Center.Y - first.Center.Y) / ms,
	}, true
}

// PredictAt extrapolates the position at time at from the last observation.
// Without a velocity the last position is the prediction.
func (t *Trajectory) PredictAt(at time.Time) Point {
	last := t.Last()
	v, ok := t.VelocityPx()
	if !ok {
		return last.Center
	}
	ms := float64(at.Sub(last.CapturedAt)) / float64(time.Millisecond)
	return Point{X: last.Center.X + v.X*ms, Y: last.Center.Y + v.Y*ms}
}

// ConsensusID is the most common classification among the observations.
// On a tie the id that reached the count first wins.
func (t *Trajectory) ConsensusID() string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, o := range t.Observations {
		if o.ClassificationID == "" {
			continue
		}
		counts[o.ClassificationID]++
		if n := counts[o.ClassificationID]; n > bestN {
			best, bestN = o.ClassificationID, n
		}
	}
	return best
}

func (t *Trajectory) fullyVisible() []Observation {
	var out []Observation
	for _, o := range t.Observations {
		if o.FullyVisible {
			out = append(out, o)
		}
	}
	return out
}

func (t *Trajectory) clone() Trajectory {
	c := *t
	c.Observations = append([]Observation(nil), t.Observations...)
	if t.Velocity != nil {
		v := *t.Velocity
		c.Velocity = &v
	}
	if t.TargetBin != nil {
		b := *t.TargetBin
		c.TargetBin = &b
	}
	return c
}
