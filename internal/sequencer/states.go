package sequencer

import (
	"fmt"
	"time"

	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/vision"
)

// StateKind names a sequencer state.
type StateKind int

const (
	GettingNewObjectFromFeeder StateKind = iota
	FSObjectAtEndOfSecondFeeder
	FSObjectUnderneathExitOfFirstFeeder
	FSNoObjectUnderneathExitOfFirstFeeder
	FSFirstFeederEmpty
	WaitingForObjectToAppearUnderMainCamera
	WaitingForObjectToCenterUnderMainCamera
	Classifying
	SendingObjectToBin
)

func (k StateKind) String() string {
	switch k {
	case GettingNewObjectFromFeeder:
		return "getting_new_object_from_feeder"
	case FSObjectAtEndOfSecondFeeder:
		return "fs_object_at_end_of_second_feeder"
	case FSObjectUnderneathExitOfFirstFeeder:
		return "fs_object_underneath_exit_of_first_feeder"
	case FSNoObjectUnderneathExitOfFirstFeeder:
		return "fs_no_object_underneath_exit_of_first_feeder"
	case FSFirstFeederEmpty:
		return "fs_first_feeder_empty"
	case WaitingForObjectToAppearUnderMainCamera:
		return "waiting_for_object_to_appear_under_main_camera"
	case WaitingForObjectToCenterUnderMainCamera:
		return "waiting_for_object_to_center_under_main_camera"
	case Classifying:
		return "classifying"
	case SendingObjectToBin:
		return "sending_object_to_bin"
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// state is one variant of the machine. Each variant keeps only its own
// scratch fields. step returns the next state, or nil to stay.
type state interface {
	kind() StateKind
	enter(s *Sequencer)
	step(s *Sequencer) state
	exit(s *Sequencer)
}

type gettingNewObject struct{}

func newGettingNewObject() state { return &gettingNewObject{} }

func (*gettingNewObject) kind() StateKind { return GettingNewObjectFromFeeder }

func (*gettingNewObject) enter(s *Sequencer) {
	m := s.d.Motors.MainConveyor
	s.motorErr("run main conveyor", m.Run(m.Speed))
}

func (*gettingNewObject) step(s *Sequencer) state { return s.feederRoute() }

func (*gettingNewObject) exit(*Sequencer) {}

// feeding is any of the FS_* sub-states. They differ only in which motors
// are pulsed.
type feeding struct {
	k      StateKind
	pulser *Pulser
}

func newFeeding(k StateKind) state { return &feeding{k: k} }

func (f *feeding) kind() StateKind { return f.k }

func (f *feeding) enter(s *Sequencer) {
	clock := s.d.Clock
	m := s.d.Motors
	switch f.k {
	case FSObjectAtEndOfSecondFeeder:
		f.pulser = pulseMotor(clock, m.SecondFeeder, 0.5)
	case FSObjectUnderneathExitOfFirstFeeder:
		f.pulser = pulseMotor(clock, m.SecondFeeder, 1)
	case FSNoObjectUnderneathExitOfFirstFeeder:
		f.pulser = pulseMotor(clock, m.FirstFeeder, 1)
	case FSFirstFeederEmpty:
		f.pulser = StartPulser(clock, feederEmptyCycle(s)...)
	}
}

// feederEmptyCycle pulses the feeder conveyor once to refill the first
// feeder, then works the first feeder a fixed number of pulses.
func feederEmptyCycle(s *Sequencer) []Phase {
	m := s.d.Motors
	pause := s.cfg.Sequencer.FeederEmptyPause.D()
	phases := []Phase{{
		Motor: m.FeederConveyor,
		Speed: m.FeederConveyor.Speed,
		Pulse: m.FeederConveyor.Pulse,
		Pause: pause,
	}}
	n := s.cfg.Motors.FirstFeederEmptyPulses
	for i := 0; i < n; i++ {
		ph := Phase{
			Motor: m.FirstFeeder,
			Speed: m.FirstFeeder.Speed,
			Pulse: m.FirstFeeder.Pulse,
			Pause: m.FirstFeeder.Pause,
		}
		if i == n-1 {
			ph.Pause = pause
		}
		phases = append(phases, ph)
	}
	return phases
}

func (f *feeding) step(s *Sequencer) state {
	next := s.feederRoute()
	if next.kind() == f.k {
		return nil
	}
	return next
}

func (f *feeding) exit(s *Sequencer) {
	if f.pulser != nil {
		f.pulser.Stop(s.joinTimeout())
		f.pulser = nil
	}
}

type waitingToAppear struct {
	since time.Time
}

func newWaitingToAppear() state { return &waitingToAppear{} }

func (*waitingToAppear) kind() StateKind { return WaitingForObjectToAppearUnderMainCamera }

func (w *waitingToAppear) enter(s *Sequencer) { w.since = s.now() }

func (w *waitingToAppear) step(s *Sequencer) state {
	switch s.d.Main.DetermineMainCameraState() {
	case vision.Centered:
		return newClassifying()
	case vision.WaitingToCenter:
		return newWaitingToCenter()
	}
	if timeout := s.cfg.Sequencer.AppearTimeout.D(); s.now().Sub(w.since) > timeout {
		monitoring.Opsf("[sequencer] no object appeared under the main camera within %v", timeout)
		return newGettingNewObject()
	}
	return nil
}

func (*waitingToAppear) exit(*Sequencer) {}

type waitingToCenter struct {
	since time.Time
}

func newWaitingToCenter() state { return &waitingToCenter{} }

func (*waitingToCenter) kind() StateKind { return WaitingForObjectToCenterUnderMainCamera }

func (w *waitingToCenter) enter(s *Sequencer) { w.since = s.now() }

func (w *waitingToCenter) step(s *Sequencer) state {
	if s.d.Main.DetermineMainCameraState() == vision.Centered {
		return newClassifying()
	}
	if timeout := s.cfg.Sequencer.CenterTimeout.D(); s.now().Sub(w.since) > timeout {
		monitoring.Opsf("[sequencer] object did not center within %v", timeout)
		return newGettingNewObject()
	}
	return nil
}

func (*waitingToCenter) exit(*Sequencer) {}
