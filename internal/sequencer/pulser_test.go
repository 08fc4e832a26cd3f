package sequencer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/timeutil"
)

func testMotor(cmd hardware.Commander, pwmPin uint8) *hardware.Motor {
	return hardware.NewMotor("test", cmd, config.MotorConfig{
		DirPinA: pwmPin + 10,
		DirPinB: pwmPin + 20,
		PWMPin:  pwmPin,
		Speed:   120,
		Pulse:   config.Duration(200 * time.Millisecond),
		Pause:   config.Duration(300 * time.Millisecond),
	})
}

func waitPending(t *testing.T, clock *timeutil.MockClock) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Pending() > 0 }, time.Second, time.Millisecond)
}

func TestPulserDutyCycle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rec := &hardware.Recorder{}
	m := testMotor(rec, 3)

	p := pulseMotor(clock, m, 1)
	waitPending(t, clock)
	assert.Equal(t, []uint8{120}, pwm(rec.Commands(), 3))

	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return len(pwm(rec.Commands(), 3)) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint8{120, 255}, pwm(rec.Commands(), 3))

	waitPending(t, clock)
	clock.Advance(300 * time.Millisecond)
	require.Eventually(t, func() bool { return len(pwm(rec.Commands(), 3)) == 3 }, time.Second, time.Millisecond)

	assert.True(t, p.Stop(time.Second))
	assert.Equal(t, []uint8{120, 255, 120, 255}, pwm(rec.Commands(), 3))
}

func TestPulserStopMidPulse(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rec := &hardware.Recorder{}
	m := testMotor(rec, 3)

	p := pulseMotor(clock, m, 1)
	waitPending(t, clock)

	assert.True(t, p.Stop(time.Second))
	values := pwm(rec.Commands(), 3)
	assert.Equal(t, []uint8{120, 255}, values)

	clock.Advance(time.Second)
	assert.Equal(t, values, pwm(rec.Commands(), 3))
	assert.True(t, p.Stop(time.Second), "second stop is a no-op")
	assert.Equal(t, values, pwm(rec.Commands(), 3))
}

func TestPulserBrakesEveryMotorOnce(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rec := &hardware.Recorder{}
	a, b := testMotor(rec, 3), testMotor(rec, 4)

	p := StartPulser(clock,
		Phase{Motor: a, Speed: 100, Pulse: time.Second},
		Phase{Motor: b, Speed: 100, Pulse: time.Second},
		Phase{Motor: b, Speed: 100, Pulse: time.Second},
	)
	waitPending(t, clock)
	require.True(t, p.Stop(time.Second))

	assert.Equal(t, []uint8{100, 255}, pwm(rec.Commands(), 3))
	assert.Equal(t, []uint8{255}, pwm(rec.Commands(), 4))
}

func TestFeederEmptyCyclePhases(t *testing.T) {
	f := newFixture(t)
	phases := feederEmptyCycle(f.seq)

	n := f.cfg.Motors.FirstFeederEmptyPulses
	require.Len(t, phases, n+1)
	pause := f.cfg.Sequencer.FeederEmptyPause.D()

	assert.Same(t, f.seq.d.Motors.FeederConveyor, phases[0].Motor)
	assert.Equal(t, pause, phases[0].Pause)
	for i, ph := range phases[1:] {
		assert.Same(t, f.seq.d.Motors.FirstFeeder, ph.Motor)
		if i == n-1 {
			assert.Equal(t, pause, ph.Pause)
		} else {
			assert.Equal(t, f.cfg.Motors.FirstFeeder.Pause.D(), ph.Pause)
		}
	}
}
