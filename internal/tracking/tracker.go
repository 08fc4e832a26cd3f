// Package tracking builds object trajectories from main-camera detections
// and estimates conveyor velocity from them.
package tracking

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
	"github.com/banshee-data/sorter/internal/vision"
)

var (
	// ErrNoSpeed is returned when no conveyor velocity estimate exists.
	ErrNoSpeed = errors.New("conveyor speed unknown")
	// ErrUnknownTrajectory is returned for an id the tracker does not hold.
	ErrUnknownTrajectory = errors.New("unknown trajectory")
)

// Tracker owns the scene: every live trajectory and the conveyor velocity
// derived from them.
type Tracker struct {
	cfg        *config.TrackingConfig
	calib      Calibration
	edgeMargin int
	clock      timeutil.Clock

	mu           sync.Mutex
	trajectories []*Trajectory
	byID         map[string]*Trajectory
	// classified remembers item ids per detector track id so later
	// observations of the same object carry their classification.
	classified map[int64]string
	velocity   *float64
	anomalies  int
}

func NewTracker(cfg *config.TrackingConfig, calib Calibration, edgeMargin int, clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cfg:        cfg,
		calib:      calib,
		edgeMargin: edgeMargin,
		clock:      clock,
		byID:       make(map[string]*Trajectory),
		classified: make(map[int64]string),
	}
}

// Score rates how well obs continues t. Zero means incompatible.
func (tr *Tracker) Score(t *Trajectory, obs Observation) float64 {
	last := t.Last()
	if obs.CapturedAt.Sub(last.CapturedAt) > tr.cfg.MaxGap.D() {
		return 0
	}
	d := t.PredictAt(obs.CapturedAt).dist(obs.Center)
	if d > tr.cfg.MaxPixelDistance {
		return 0
	}
	spatial := 1 - d/tr.cfg.MaxPixelDistance

	if a := last.area(); a > 0 {
		ratio := obs.area() / a
		if ratio < tr.cfg.MinSizeRatio || ratio > tr.cfg.MaxSizeRatio {
			return 0
		}
	}

	var class float64
	if obs.ClassificationID != "" && obs.ClassificationID == t.ConsensusID() {
		class = 1
	}
	return tr.cfg.SpatialWeight*spatial + tr.cfg.ClassificationWeight*class
}

// AddObservation matches obs to the best live trajectory or starts a new
// one, and returns the trajectory id.
func (tr *Tracker) AddObservation(obs Observation) string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var best *Trajectory
	bestScore := 0.0
	for _, t := range tr.trajectories {
		if t.Stage != UnderCamera {
			continue
		}
		if s := tr.Score(t, obs); s > bestScore {
			best, bestScore = t, s
		}
	}

	if best == nil {
		t := &Trajectory{ID: uuid.NewString(), Stage: UnderCamera, CreatedAt: obs.CapturedAt}
		obs.TrajectoryID = t.ID
		t.Observations = []Observation{obs}
		tr.trajectories = append(tr.trajectories, t)
		tr.byID[t.ID] = t
		monitoring.Tracef("[tracking] new trajectory %s for track %d", t.ID, obs.TrackID)
		return t.ID
	}

	if last := best.Last(); obs.CapturedAt.Before(last.CapturedAt) {
		tr.anomalies++
		monitoring.Opsf("[tracking] out-of-order observation for %s: %s before %s; dropped",
			best.ID, obs.CapturedAt.Format(time.RFC3339Nano), last.CapturedAt.Format(time.RFC3339Nano))
		return best.ID
	}
	obs.TrajectoryID = best.ID
	best.Observations = append(best.Observations, obs)
	return best.ID
}

// Observe implements vision.ObservationSink.
func (tr *Tracker) Observe(f *vision.Frame, dets []vision.Detection) {
	bounds := f.Bounds()
	inner := bounds.Inset(tr.edgeMargin)
	for _, d := range dets {
		if d.Class != vision.ClassObject {
			continue
		}
		tr.mu.Lock()
		classID := tr.classified[d.TrackID]
		tr.mu.Unlock()
		tr.AddObservation(observationFrom(f, d, inner, classID))
	}
}

func observationFrom(f *vision.Frame, d vision.Detection, inner image.Rectangle, classID string) Observation {
	cx := float64(d.BBox.Min.X+d.BBox.Max.X) / 2
	cy := float64(d.BBox.Min.Y+d.BBox.Max.Y) / 2
	o := Observation{
		CapturedAt:       f.CapturedAt,
		Center:           Point{X: cx, Y: cy},
		BBox:             d.BBox,
		TrackID:          d.TrackID,
		FullyVisible:     d.BBox.In(inner),
		ClassificationID: classID,
	}
	if f.Width > 0 && f.Height > 0 {
		o.Normalized = Point{X: cx / float64(f.Width), Y: cy / float64(f.Height)}
	}
	return o
}

// StepScene updates velocities, marks trajectories that left the camera as
// in transit, and prunes old ones.
func (tr *Tracker) StepScene() {
	now := tr.clock.Now()
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, t := range tr.trajectories {
		vis := t.fullyVisible()
		if len(vis) < tr.cfg.MinVisibleObservations {
			continue
		}
		if v, ok := averageVelocity(vis); ok {
			cm := tr.calib.SpeedCmPerMs(v.dist(Point{}))
			t.Velocity = &cm
		}
	}

	// most recent first
	recent := append([]*Trajectory(nil), tr.trajectories...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Last().CapturedAt.After(recent[j].Last().CapturedAt)
	})
	var speeds []float64
	for _, t := range recent {
		if t.Velocity == nil {
			continue
		}
		speeds = append(speeds, *t.Velocity)
		if len(speeds) == tr.cfg.VelocityTrajectories {
			break
		}
	}
	if len(speeds) > 0 {
		v := stat.Mean(speeds, nil)
		tr.velocity = &v
		monitoring.Diagf("[tracking] conveyor velocity %.5f cm/ms from %d trajectories", v, len(speeds))
	}

	for _, t := range tr.trajectories {
		if t.Stage == UnderCamera && now.Sub(t.Last().CapturedAt) > tr.cfg.OffCameraDwell.D() {
			t.Stage = InTransit
			monitoring.Tracef("[tracking] trajectory %s in transit", t.ID)
		}
	}

	tr.prune(now, recent)
}

// prune removes the oldest expired or finished trajectories while more than
// MinRetained remain. recent is ordered newest first.
func (tr *Tracker) prune(now time.Time, recent []*Trajectory) {
	excess := len(recent) - tr.cfg.MinRetained
	if excess <= 0 {
		return
	}
	drop := make(map[string]bool)
	for i := len(recent) - 1; i >= 0 && len(drop) < excess; i-- {
		t := recent[i]
		if t.Stage == DoorsClosed || now.Sub(t.Last().CapturedAt) > tr.cfg.MaxAge.D() {
			drop[t.ID] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := tr.trajectories[:0]
	for _, t := range tr.trajectories {
		if drop[t.ID] {
			delete(tr.byID, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(tr.trajectories); i++ {
		tr.trajectories[i] = nil
	}
	tr.trajectories = kept

	live := make(map[int64]bool)
	for _, t := range kept {
		for _, o := range t.Observations {
			live[o.TrackID] = true
		}
	}
	for id := range tr.classified {
		if !live[id] {
			delete(tr.classified, id)
		}
	}
}

// ConveyorVelocity returns the latest estimate in cm/ms.
func (tr *Tracker) ConveyorVelocity() (float64, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.velocity == nil {
		return 0, false
	}
	return *tr.velocity, true
}

// CalculateTravelTime returns how long the conveyor takes to carry an object
// distanceCm at the current velocity.
func (tr *Tracker) CalculateTravelTime(distanceCm float64) (time.Duration, error) {
	v, ok := tr.ConveyorVelocity()
	if !ok || v <= 0 {
		return 0, ErrNoSpeed
	}
	return time.Duration(distanceCm / v * float64(time.Millisecond)), nil
}

// Trajectory returns a copy of the trajectory with the given id.
func (tr *Tracker) Trajectory(id string) (Trajectory, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.byID[id]
	if !ok {
		return Trajectory{}, false
	}
	return t.clone(), true
}

// TrajectoryForTrack returns the id of the newest trajectory whose latest
// observation carries the detector track id.
func (tr *Tracker) TrajectoryForTrack(trackID int64) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.trajectories) - 1; i >= 0; i-- {
		if t := tr.trajectories[i]; t.Last().TrackID == trackID {
			return t.ID, true
		}
	}
	return "", false
}

// Len returns the number of trajectories held.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.trajectories)
}

// Anomalies returns how many out-of-order observations were dropped.
func (tr *Tracker) Anomalies() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.anomalies
}

func (tr *Tracker) SetStage(id string, stage Stage) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.byID[id]
	if !ok {
		return fmt.Errorf("set stage %s: %w", id, ErrUnknownTrajectory)
	}
	t.Stage = stage
	return nil
}

func (tr *Tracker) SetTargetBin(id string, c bins.Coordinates) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.byID[id]
	if !ok {
		return fmt.Errorf("set target bin %s: %w", id, ErrUnknownTrajectory)
	}
	t.TargetBin = &c
	return nil
}

// SetClassification records the item id of a detector track. Later
// observations of that track carry it into matching.
func (tr *Tracker) SetClassification(trackID int64, itemID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.classified[trackID] = itemID
}
