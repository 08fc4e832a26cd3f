// Package sequencer is the sorter's state machine: it feeds one object at a
// time onto the main conveyor, waits for it under the main camera, has it
// classified and drives it to its bin.
package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/classify"
	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/db"
	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
	"github.com/banshee-data/sorter/internal/tracking"
	"github.com/banshee-data/sorter/internal/vision"
)

// MainView is what the sequencer needs from the main camera poller.
type MainView interface {
	DetermineMainCameraState() vision.MainCameraState
	CurrentCenteredObjectID() (int64, bool)
	FramesForTrackID(id int64) []vision.TrackedFrame
}

// FeederView is what the sequencer needs from the feeder camera poller.
type FeederView interface {
	DetermineFeederState() vision.FeederState
	HasObjectOnMainConveyorInFeederView() bool
}

// Odometer reports conveyor travel. *encoder.Tracker implements it.
type Odometer interface {
	DistanceTraveledSince(since time.Time) float64
}

// Scene is the trajectory tracker. *tracking.Tracker implements it.
type Scene interface {
	StepScene()
	CalculateTravelTime(distanceCm float64) (time.Duration, error)
	TrajectoryForTrack(trackID int64) (string, bool)
	SetStage(id string, stage tracking.Stage) error
	SetTargetBin(id string, c bins.Coordinates) error
	SetClassification(trackID int64, itemID string)
}

// ObjectLog persists known objects. *db.KnownObjectStore implements it.
type ObjectLog interface {
	SaveKnownObject(ctx context.Context, r db.KnownObjectRecord) error
}

// Motors are the four DC motors the sequencer drives.
type Motors struct {
	MainConveyor   *hardware.Motor
	FeederConveyor *hardware.Motor
	FirstFeeder    *hardware.Motor
	SecondFeeder   *hardware.Motor
}

// NewMotors builds the motors from config, all sending through cmd.
func NewMotors(cmd hardware.Commander, cfg config.MotorsConfig) Motors {
	return Motors{
		MainConveyor:   hardware.NewMotor("main_conveyor", cmd, cfg.MainConveyor),
		FeederConveyor: hardware.NewMotor("feeder_conveyor", cmd, cfg.FeederConveyor),
		FirstFeeder:    hardware.NewMotor("first_feeder", cmd, cfg.FirstFeeder),
		SecondFeeder:   hardware.NewMotor("second_feeder", cmd, cfg.SecondFeeder),
	}
}

// Deps wires the sequencer to the rest of the machine. Odometer and Objects
// may be nil: without an odometer delivery is timed from the scene's
// conveyor velocity, and without an object log nothing is persisted.
type Deps struct {
	Main      MainView
	Feeder    FeederView
	Odometer  Odometer
	Scene     Scene
	Ledger    *bins.Ledger
	Sorter    classify.Sorter
	Objects   ObjectLog
	Sink      events.Sink
	Commander hardware.Commander
	Motors    Motors
	Clock     timeutil.Clock
}

// Sequencer owns the current state. Step must only be called from one
// goroutine; State and Ticks are safe from any.
type Sequencer struct {
	cfg *config.Config
	d   Deps

	mu      sync.Mutex
	current state
	ticks   uint64

	pending    *KnownObject
	lastFeeder vision.FeederState
	feederSeen bool
}

func New(cfg *config.Config, d Deps) *Sequencer {
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Sink == nil {
		d.Sink = events.Discard
	}
	return &Sequencer{cfg: cfg, d: d}
}

// State returns the kind of the current state. Before the first tick it is
// GettingNewObjectFromFeeder.
func (s *Sequencer) State() StateKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return GettingNewObjectFromFeeder
	}
	return s.current.kind()
}

// Ticks returns how many steps have run.
func (s *Sequencer) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Pending returns a copy of the object currently being sorted, if any.
func (s *Sequencer) Pending() (KnownObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return KnownObject{}, false
	}
	return *s.pending, true
}

// Run steps the machine StepsPerSecond times a second until ctx is done,
// then runs the current state's cleanup and stops the main conveyor.
func (s *Sequencer) Run(ctx context.Context) error {
	rate := s.cfg.Sequencer.StepsPerSecond
	if rate <= 0 {
		rate = 20
	}
	ticker := s.d.Clock.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	monitoring.Opsf("[sequencer] running at %d steps/s", rate)
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return ctx.Err()
		case <-ticker.C():
			s.Step()
		}
	}
}

// Step runs one tick: advance the scene, then let the current state decide
// whether to move on.
func (s *Sequencer) Step() {
	s.mu.Lock()
	s.ticks++
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		s.transition(newGettingNewObject())
		s.mu.Lock()
		cur = s.current
		s.mu.Unlock()
	}

	if s.d.Scene != nil {
		s.d.Scene.StepScene()
	}
	if next := cur.step(s); next != nil {
		s.transition(next)
	}
}

// Shutdown leaves the current state and stops the main conveyor.
func (s *Sequencer) Shutdown() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		cur.exit(s)
	}
	s.motorErr("stop main conveyor", s.d.Motors.MainConveyor.Stop())
	monitoring.Opsf("[sequencer] stopped")
}

// transition runs the old state's cleanup before the new state's entry.
func (s *Sequencer) transition(next state) {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()

	from := "none"
	if prev != nil {
		prev.exit(s)
		from = prev.kind().String()
	}
	monitoring.Opsf("[sequencer] %s -> %s", from, next.kind())

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.d.Sink.Broadcast(events.SequencerState(s.now(), from, next.kind().String()))
	next.enter(s)
}

// feederRoute derives where the feeding states should be this tick.
func (s *Sequencer) feederRoute() state {
	if s.d.Main.DetermineMainCameraState() != vision.NoObject ||
		s.d.Feeder.HasObjectOnMainConveyorInFeederView() {
		return newWaitingToAppear()
	}

	fs := s.d.Feeder.DetermineFeederState()
	if !s.feederSeen || fs != s.lastFeeder {
		s.feederSeen = true
		s.lastFeeder = fs
		s.d.Sink.Broadcast(events.FeederStatus(s.now(), fs.String()))
	}

	switch fs {
	case vision.ObjectOnMainConveyor:
		return newWaitingToAppear()
	case vision.ObjectAtEndOfSecondFeeder:
		return newFeeding(FSObjectAtEndOfSecondFeeder)
	case vision.ObjectUnderneathExitOfFirstFeeder:
		return newFeeding(FSObjectUnderneathExitOfFirstFeeder)
	case vision.NoObjectUnderneathExitOfFirstFeeder:
		return newFeeding(FSNoObjectUnderneathExitOfFirstFeeder)
	default:
		return newFeeding(FSFirstFeederEmpty)
	}
}

func (s *Sequencer) setPending(o *KnownObject) {
	s.mu.Lock()
	s.pending = o
	s.mu.Unlock()
}

func (s *Sequencer) now() time.Time { return s.d.Clock.Now() }

func (s *Sequencer) joinTimeout() time.Duration {
	if d := s.cfg.Sequencer.StopJoinTimeout.D(); d > 0 {
		return d
	}
	return 100 * time.Millisecond
}

func (s *Sequencer) motorErr(what string, err error) {
	if err != nil {
		monitoring.Opsf("[sequencer] %s: %v", what, err)
	}
}
