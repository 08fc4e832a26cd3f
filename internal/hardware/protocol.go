package hardware

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// Frame delimiters. Commands travel as Firmata-style SysEx messages in the
// sorter's own namespace byte, so every byte between the delimiters is
// 7-bit clean.
const (
	sysexStart byte = 0xF0
	sysexEnd   byte = 0xF7
	namespace  byte = 0x01
)

// CommandID identifies a controller command.
type CommandID byte

const (
	InitServoBoard    CommandID = 0x07
	SetServoAngle     CommandID = 0x08
	SetMotorDirection CommandID = 0x09
	SetMotorPWM       CommandID = 0x0A
	EncoderRequest    CommandID = 0x0B
	EncoderReset      CommandID = 0x0C
)

func (id CommandID) String() string {
	switch id {
	case InitServoBoard:
		return "INIT_SERVO_BOARD"
	case SetServoAngle:
		return "SET_SERVO_ANGLE"
	case SetMotorDirection:
		return "SET_MOTOR_DIRECTION"
	case SetMotorPWM:
		return "SET_MOTOR_PWM"
	case EncoderRequest:
		return "ENCODER_REQUEST"
	case EncoderReset:
		return "ENCODER_RESET"
	}
	return fmt.Sprintf("CMD_0x%02X", byte(id))
}

// Command is one fire-and-forget instruction for the controller. Payload
// holds logical bytes; the wire encoding is applied by Encode.
type Command struct {
	ID      CommandID
	Payload []byte
}

func (c Command) String() string {
	return fmt.Sprintf("%s % X", c.ID, c.Payload)
}

// ServoAngleCommand builds SET_SERVO_ANGLE(board, channel, angle, durationMs).
// A zero duration moves the servo as fast as it can.
func ServoAngleCommand(board, channel, angle uint8, over time.Duration) Command {
	ms := over.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	return Command{ID: SetServoAngle, Payload: []byte{board, channel, angle, byte(ms), byte(ms >> 8)}}
}

// InitServoBoardCommand wakes a PCA9685 board at the given I2C address.
func InitServoBoardCommand(board uint8) Command {
	return Command{ID: InitServoBoard, Payload: []byte{board}}
}

// MotorDirectionCommand builds SET_MOTOR_DIRECTION(pin, level).
func MotorDirectionCommand(pin uint8, high bool) Command {
	level := byte(0)
	if high {
		level = 1
	}
	return Command{ID: SetMotorDirection, Payload: []byte{pin, level}}
}

// MotorPWMCommand builds SET_MOTOR_PWM(pin, value).
func MotorPWMCommand(pin, value uint8) Command {
	return Command{ID: SetMotorPWM, Payload: []byte{pin, value}}
}

// Encode renders the command as a SysEx frame. Each logical payload byte is
// split into a low 7-bit byte followed by its high bit.
func (c Command) Encode() []byte {
	buf := make([]byte, 0, 4+2*len(c.Payload))
	buf = append(buf, sysexStart, namespace, byte(c.ID)&0x7F)
	for _, b := range c.Payload {
		buf = append(buf, pack7(b)...)
	}
	return append(buf, sysexEnd)
}

func pack7(b byte) []byte {
	return []byte{b & 0x7F, b >> 7}
}

// DecodeCommand parses a frame produced by Encode. It is used by the
// send-command debug route and by tests.
func DecodeCommand(frame []byte) (Command, error) {
	body, err := unwrap(frame)
	if err != nil {
		return Command{}, err
	}
	if len(body) == 0 {
		return Command{}, errors.New("frame has no command byte")
	}
	data := body[1:]
	if len(data)%2 != 0 {
		return Command{}, fmt.Errorf("odd payload length %d", len(data))
	}
	payload := make([]byte, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		payload = append(payload, data[i]|data[i+1]<<7)
	}
	return Command{ID: CommandID(body[0]), Payload: payload}, nil
}

// Reply is a message sent back by the controller.
type Reply struct {
	ID CommandID
	// Position is the encoder count carried by an ENCODER_REQUEST reply.
	Position int32
}

// EncoderReplyFrame renders an encoder position reply the way the
// controller firmware sends it: the int32 as five 7-bit groups, least
// significant first.
func EncoderReplyFrame(position int32) []byte {
	u := uint32(position)
	buf := []byte{sysexStart, namespace, byte(EncoderRequest)}
	for i := 0; i < 5; i++ {
		buf = append(buf, byte(u>>(7*i))&0x7F)
	}
	return append(buf, sysexEnd)
}

// DecodeReply parses a controller reply frame.
func DecodeReply(frame []byte) (Reply, error) {
	body, err := unwrap(frame)
	if err != nil {
		return Reply{}, err
	}
	if len(body) == 0 {
		return Reply{}, errors.New("frame has no reply id")
	}
	r := Reply{ID: CommandID(body[0])}
	switch r.ID {
	case EncoderRequest:
		data := body[1:]
		if len(data) != 5 {
			return Reply{}, fmt.Errorf("encoder reply has %d data bytes, want 5", len(data))
		}
		var u uint32
		for i, b := range data {
			u |= uint32(b&0x7F) << (7 * i)
		}
		r.Position = int32(u)
	}
	return r, nil
}

func unwrap(frame []byte) ([]byte, error) {
	if len(frame) < 3 || frame[0] != sysexStart || frame[len(frame)-1] != sysexEnd {
		return nil, fmt.Errorf("malformed frame % X", frame)
	}
	if frame[1] != namespace {
		return nil, fmt.Errorf("unexpected namespace 0x%02X", frame[1])
	}
	body := frame[2 : len(frame)-1]
	for _, b := range body {
		if b&0x80 != 0 {
			return nil, fmt.Errorf("non 7-bit byte 0x%02X in frame", b)
		}
	}
	return body, nil
}

// scanFrames is a bufio.SplitFunc yielding whole SysEx frames. Bytes outside
// a frame (controller boot chatter) are discarded.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, sysexStart)
	if start < 0 {
		return len(data), nil, nil
	}
	end := bytes.IndexByte(data[start:], sysexEnd)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start
	return end + 1, data[start : end+1], nil
}
