package hardware

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort implements Port with configurable behaviour for testing.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// OnWrite, if set, is called with each written frame after it has been
	// recorded. It runs without the port lock held.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestablePort creates a port whose reads block until data is added or
// the port is closed.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.WriteCalls++
	if p.Closed {
		p.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	n, err := p.WriteBuffer.Write(b)
	hook := p.OnWrite
	p.mu.Unlock()
	if hook != nil {
		hook(append([]byte(nil), b...))
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Signal()
}

// GetWrittenData returns a copy of all data written to the port.
func (p *TestablePort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.WriteBuffer.Bytes()...)
}

// WrittenCommands decodes every frame written so far.
func (p *TestablePort) WrittenCommands() ([]Command, error) {
	data := p.GetWrittenData()
	var cmds []Command
	for len(data) > 0 {
		adv, tok, _ := scanFrames(data, true)
		if adv == 0 {
			break
		}
		data = data[adv:]
		if tok == nil {
			continue
		}
		cmd, err := DecodeCommand(tok)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Recorder is a Commander that keeps every command in memory.
type Recorder struct {
	mu   sync.Mutex
	cmds []Command
	Err  error
}

func (r *Recorder) Enqueue(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.cmds = append(r.cmds, cmd)
	return nil
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

// Reset forgets recorded commands.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = nil
}
