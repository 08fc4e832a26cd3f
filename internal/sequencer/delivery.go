package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/tracking"
)

type sendingToBin struct {
	obj    *KnownObject
	module *bins.DistributionModule
	// doors is false on the degraded path where no bin was allocated.
	doors      bool
	conveyor   hardware.Servo
	binDoor    hardware.Servo
	start      time.Time
	travelBy   time.Time
	crossedAt  uint64
	closing    bool
	shut       atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closedDone chan struct{}
}

func newSendingToBin(obj *KnownObject) state { return &sendingToBin{obj: obj} }

func (*sendingToBin) kind() StateKind { return SendingObjectToBin }

func (d *sendingToBin) enter(s *Sequencer) {
	s.setPending(d.obj)
	d.start = s.now()
	topo := s.d.Ledger.Topology()
	doors := s.cfg.Doors

	if d.obj.Bin != nil {
		d.module = topo.MustModule(d.obj.Bin.Module)
		bin := topo.MustBin(*d.obj.Bin)
		d.doors = true
		d.conveyor = hardware.NewServo(s.d.Commander, d.module.Door)
		d.binDoor = hardware.NewServo(s.d.Commander, bin.Door)
		s.motorErr("open conveyor door", d.conveyor.SetAngle(doors.ConveyorOpenAngle, 0))
		s.motorErr("open bin door", d.binDoor.SetAngle(doors.BinOpenAngle, 0))
	} else {
		d.module = topo.MostDistal()
		monitoring.Opsf("[sequencer] %s has no bin; timing travel to module %d without opening doors",
			d.obj.UUID, d.module.Index)
	}

	m := s.d.Motors.MainConveyor
	s.motorErr("boost main conveyor", m.Run(s.cfg.Motors.BoostedConveyorSpeed))
	if s.d.Scene != nil && d.obj.TrajectoryID != "" {
		if err := s.d.Scene.SetStage(d.obj.TrajectoryID, tracking.DoorsOpen); err != nil {
			monitoring.Diagf("[sequencer] %v", err)
		}
	}

	if s.d.Odometer == nil {
		d.travelBy = d.start.Add(s.travelTime(d.module.DistanceCm))
	}
}

// travelTime estimates how long the conveyor takes to carry an object
// distanceCm when there is no encoder. With no velocity estimate it allows
// half the delivery budget.
func (s *Sequencer) travelTime(distanceCm float64) time.Duration {
	if s.d.Scene != nil {
		t, err := s.d.Scene.CalculateTravelTime(distanceCm)
		if err == nil {
			return t
		}
		monitoring.Opsf("[sequencer] travel time for %.1f cm: %v", distanceCm, err)
	}
	return s.cfg.Sequencer.DeliveryTimeout.D() / 2
}

func (d *sendingToBin) arrived(s *Sequencer) bool {
	if s.d.Odometer != nil {
		return s.d.Odometer.DistanceTraveledSince(d.start) >= d.module.DistanceCm
	}
	return !s.now().Before(d.travelBy)
}

func (d *sendingToBin) step(s *Sequencer) state {
	if d.closing {
		select {
		case <-d.closedDone:
			d.finish(s)
			return newGettingNewObject()
		default:
			return nil
		}
	}

	if d.arrived(s) {
		d.crossedAt = s.Ticks()
		d.closing = true
		monitoring.Diagf("[sequencer] %s reached module %d at tick %d", d.obj.UUID, d.module.Index, d.crossedAt)
		d.startClosing(s)
		return nil
	}

	if timeout := s.cfg.Sequencer.DeliveryTimeout.D(); s.now().Sub(d.start) > timeout {
		monitoring.Opsf("[sequencer] %s did not reach module %d within %v", d.obj.UUID, d.module.Index, timeout)
		s.setPending(nil)
		return newGettingNewObject()
	}
	return nil
}

// startClosing launches the timed door sequence: settle, ramp the conveyor
// door shut, settle, close the bin door.
func (d *sendingToBin) startClosing(s *Sequencer) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.closedDone = make(chan struct{})
	doors := s.cfg.Doors
	clock := s.d.Clock

	sleep := func(dur time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(dur):
			return true
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.closedDone)

		if !sleep(doors.SettleBeforeClose.D()) {
			return
		}
		steps := doors.ConveyorCloseSteps
		if steps < 1 {
			steps = 1
		}
		stepDur := doors.ConveyorCloseRamp.D() / time.Duration(steps)
		from, to := int(doors.ConveyorOpenAngle), int(doors.ConveyorClosedAngle)
		for i := 1; i <= steps; i++ {
			angle := uint8(from + (to-from)*i/steps)
			if d.doors {
				s.motorErr("ramp conveyor door", d.conveyor.SetAngle(angle, stepDur))
			}
			if !sleep(stepDur) {
				return
			}
		}
		if !sleep(doors.SettleBeforeBinDoor.D()) {
			return
		}
		if d.doors {
			s.motorErr("close bin door", d.binDoor.SetAngle(doors.BinClosedAngle, 0))
		}
		d.shut.Store(true)
	}()
}

// finish records delivery and forgets the pending object.
func (d *sendingToBin) finish(s *Sequencer) {
	now := s.now()
	if s.d.Scene != nil && d.obj.TrajectoryID != "" {
		if err := s.d.Scene.SetStage(d.obj.TrajectoryID, tracking.DoorsClosed); err != nil {
			monitoring.Diagf("[sequencer] %v", err)
		}
	}
	s.saveObject(context.Background(), d.obj, &now)
	s.setPending(nil)
	monitoring.Opsf("[sequencer] delivered %s", d.obj.UUID)
}

// exit cancels an unfinished door sequence and shuts the doors at once.
func (d *sendingToBin) exit(s *Sequencer) {
	if d.cancel != nil {
		d.cancel()
		joinWithin(&d.wg, s.joinTimeout(), "door sequence")
	}
	if !d.doors || d.shut.Load() {
		return
	}
	doors := s.cfg.Doors
	s.motorErr("close conveyor door", d.conveyor.SetAngle(doors.ConveyorClosedAngle, 0))
	s.motorErr("close bin door", d.binDoor.SetAngle(doors.BinClosedAngle, 0))
}
