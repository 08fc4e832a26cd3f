package vision

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/sorter/internal/timeutil"
)

// FakeCamera produces blank frames stamped with its clock.
type FakeCamera struct {
	mu     sync.Mutex
	Clock  timeutil.Clock
	Width  int
	Height int
	// Err, when set, is returned by every Read.
	Err    error
	seq    uint64
	closed bool
}

func (c *FakeCamera) Read(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("camera closed")
	}
	if c.Err != nil {
		return nil, c.Err
	}
	c.seq++
	return &Frame{Seq: c.seq, CapturedAt: c.Clock.Now(), Width: c.Width, Height: c.Height}, nil
}

func (c *FakeCamera) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

func (c *FakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FakeDetector returns the detections most recently set.
type FakeDetector struct {
	mu   sync.Mutex
	dets []Detection
	err  error
}

func (d *FakeDetector) Set(dets []Detection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets = dets
	d.err = err
}

func (d *FakeDetector) Detect(ctx context.Context, f *Frame) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]Detection(nil), d.dets...), nil
}
