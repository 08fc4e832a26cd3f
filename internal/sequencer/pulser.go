package sequencer

import (
	"sync"
	"time"

	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
)

// Phase is one run-then-brake step of a duty cycle.
type Phase struct {
	Motor *hardware.Motor
	Speed uint8
	Pulse time.Duration
	Pause time.Duration
}

// Pulser repeats its phases in order until stopped. Stop brakes every motor
// it drives before returning, so no motor is left mid-pulse.
type Pulser struct {
	phases []Phase
	clock  timeutil.Clock

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// StartPulser begins cycling through phases on its own goroutine.
func StartPulser(clock timeutil.Clock, phases ...Phase) *Pulser {
	p := &Pulser{
		phases: phases,
		clock:  clock,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// pulseMotor is the common single-motor cycle using the motor's own
// configured pulse and pause, with the pulse scaled by frac.
func pulseMotor(clock timeutil.Clock, m *hardware.Motor, frac float64) *Pulser {
	return StartPulser(clock, Phase{
		Motor: m,
		Speed: m.Speed,
		Pulse: time.Duration(float64(m.Pulse) * frac),
		Pause: m.Pause,
	})
}

func (p *Pulser) run() {
	defer close(p.done)
	if len(p.phases) == 0 {
		return
	}
	for {
		for _, ph := range p.phases {
			if !p.act(func() error { return ph.Motor.Run(ph.Speed) }) {
				return
			}
			if !p.wait(ph.Pulse) {
				return
			}
			if !p.act(ph.Motor.Backstop) {
				return
			}
			if !p.wait(ph.Pause) {
				return
			}
		}
	}
}

// act issues a motor command unless Stop has already braked the motors.
func (p *Pulser) act(f func() error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if err := f(); err != nil {
		monitoring.Diagf("[sequencer] pulse command failed: %v", err)
	}
	return true
}

func (p *Pulser) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-p.stop:
		return false
	case <-p.clock.After(d):
		return true
	}
}

// Stop brakes every motor immediately and waits up to join for the cycle
// goroutine to exit. It reports whether the goroutine finished in time.
func (p *Pulser) Stop(join time.Duration) bool {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		seen := make(map[*hardware.Motor]bool)
		for _, ph := range p.phases {
			if seen[ph.Motor] {
				continue
			}
			seen[ph.Motor] = true
			if err := ph.Motor.Backstop(); err != nil {
				monitoring.Diagf("[sequencer] brake %s failed: %v", ph.Motor.Name, err)
			}
		}
		close(p.stop)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return true
	case <-time.After(join):
		monitoring.Opsf("[sequencer] pulser did not exit within %v", join)
		return false
	}
}
