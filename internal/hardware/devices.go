package hardware

import (
	"errors"
	"time"

	"github.com/banshee-data/sorter/internal/config"
)

// Servo is one door servo on a PCA9685 board.
type Servo struct {
	cmd     Commander
	Board   uint8
	Channel uint8
}

func NewServo(cmd Commander, addr config.ServoAddress) Servo {
	return Servo{cmd: cmd, Board: addr.Board, Channel: addr.Channel}
}

// SetAngle moves the servo to angle, spread over the given duration.
func (s Servo) SetAngle(angle uint8, over time.Duration) error {
	return s.cmd.Enqueue(ServoAngleCommand(s.Board, s.Channel, angle, over))
}

// InitBoards sends the wake-up command to every distinct board address once.
func InitBoards(cmd Commander, servos ...Servo) error {
	seen := make(map[uint8]bool)
	var errs []error
	for _, s := range servos {
		if seen[s.Board] {
			continue
		}
		seen[s.Board] = true
		errs = append(errs, cmd.Enqueue(InitServoBoardCommand(s.Board)))
	}
	return errors.Join(errs...)
}

// Motor is a DC motor behind an H-bridge: two direction inputs and a PWM
// enable pin. A disabled motor accepts every call and sends nothing.
type Motor struct {
	Name     string
	cmd      Commander
	dirA     uint8
	dirB     uint8
	pwm      uint8
	Speed    uint8
	Pulse    time.Duration
	Pause    time.Duration
	Disabled bool
}

func NewMotor(name string, cmd Commander, cfg config.MotorConfig) *Motor {
	return &Motor{
		Name:     name,
		cmd:      cmd,
		dirA:     cfg.DirPinA,
		dirB:     cfg.DirPinB,
		pwm:      cfg.PWMPin,
		Speed:    cfg.Speed,
		Pulse:    cfg.Pulse.D(),
		Pause:    cfg.Pause.D(),
		Disabled: cfg.Disabled,
	}
}

// Run drives the motor forward at speed. Speed 0 is the same as Stop.
func (m *Motor) Run(speed uint8) error {
	if m.Disabled {
		return nil
	}
	if speed == 0 {
		return m.Stop()
	}
	return m.send(
		MotorDirectionCommand(m.dirA, true),
		MotorDirectionCommand(m.dirB, false),
		MotorPWMCommand(m.pwm, speed),
	)
}

// Backstop brakes the motor by shorting its terminals: both bridge inputs
// high with the enable at full.
func (m *Motor) Backstop() error {
	if m.Disabled {
		return nil
	}
	return m.send(
		MotorDirectionCommand(m.dirA, true),
		MotorDirectionCommand(m.dirB, true),
		MotorPWMCommand(m.pwm, 255),
	)
}

// Stop lets the motor coast.
func (m *Motor) Stop() error {
	if m.Disabled {
		return nil
	}
	return m.send(
		MotorPWMCommand(m.pwm, 0),
		MotorDirectionCommand(m.dirA, false),
		MotorDirectionCommand(m.dirB, false),
	)
}

func (m *Motor) send(cmds ...Command) error {
	for _, c := range cmds {
		if err := m.cmd.Enqueue(c); err != nil {
			return err
		}
	}
	return nil
}
