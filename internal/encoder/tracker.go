// Package encoder tracks conveyor travel from a rotary encoder polled over
// the controller's serial link.
package encoder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
)

// ReplySource delivers controller replies. *hardware.ReplyMux implements it.
type ReplySource interface {
	Subscribe() (string, <-chan hardware.Reply)
	Unsubscribe(id string)
}

// ErrRepliesClosed is returned by Run once the reply source has shut down.
var ErrRepliesClosed = errors.New("encoder: reply source closed")

// Sample is one position reading converted to centimetres.
type Sample struct {
	At         time.Time `json:"at"`
	DistanceCm float64   `json:"distance_cm"`
}

// Tracker polls the encoder and keeps rolling speed windows plus a bounded
// position history. All getters are safe to call while Run is active.
type Tracker struct {
	cmd     hardware.Commander
	replies ReplySource
	clock   timeutil.Clock
	cfg     config.EncoderConfig

	mu      sync.Mutex
	history []Sample
	short   window
	long    window
	missed  uint64
}

func NewTracker(cmd hardware.Commander, replies ReplySource, clock timeutil.Clock, cfg config.EncoderConfig) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cmd:     cmd,
		replies: replies,
		clock:   clock,
		cfg:     cfg,
		short:   newWindow(cfg.ShortWindow),
		long:    newWindow(cfg.LongWindow),
	}
}

// Run polls the encoder every PollInterval until ctx is done or the reply
// channel is closed.
func (t *Tracker) Run(ctx context.Context) error {
	id, replies := t.replies.Subscribe()
	defer t.replies.Unsubscribe(id)

	ticker := t.clock.NewTicker(t.cfg.PollInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if !t.poll(ctx, replies) {
				return ErrRepliesClosed
			}
		}
	}
}

// poll requests one reading and waits ResponseWindow for it. A missing
// reply skips the tick. It reports false once replies is closed.
func (t *Tracker) poll(ctx context.Context, replies <-chan hardware.Reply) bool {
	// replies that arrived after an earlier window closed are stale
	for drained := false; !drained; {
		select {
		case _, ok := <-replies:
			if !ok {
				return false
			}
		default:
			drained = true
		}
	}

	if err := t.cmd.Enqueue(hardware.Command{ID: hardware.EncoderRequest}); err != nil {
		monitoring.Diagf("[encoder] request not queued: %v", err)
		return true
	}

	timeout := t.clock.After(t.cfg.ResponseWindow.D())
	for {
		select {
		case <-ctx.Done():
			return true
		case <-timeout:
			t.mu.Lock()
			t.missed++
			t.mu.Unlock()
			monitoring.Tracef("[encoder] no reply within %v", t.cfg.ResponseWindow.D())
			return true
		case r, ok := <-replies:
			if !ok {
				return false
			}
			if r.ID != hardware.EncoderRequest {
				continue
			}
			t.Record(t.clock.Now(), r.Position)
			return true
		}
	}
}

// Record adds a raw reading taken at the given time.
func (t *Tracker) Record(at time.Time, counts int32) {
	distance := float64(counts) / t.cfg.CountsPerCm

	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.history); n > 0 {
		prev := t.history[n-1]
		if dt := at.Sub(prev.At).Seconds(); dt > 0 {
			speed := (distance - prev.DistanceCm) / dt
			t.short.push(speed)
			t.long.push(speed)
		}
	}
	t.history = append(t.history, Sample{At: at, DistanceCm: distance})

	cutoff := at.Add(-t.cfg.Retention.D())
	drop := 0
	for drop < len(t.history)-1 && t.history[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.history = append(t.history[:0], t.history[drop:]...)
	}
}

// DistanceTraveledSince returns the distance covered between the earliest
// retained reading at or after since and the latest reading. It returns 0
// when there is no history or since predates all of it.
func (t *Tracker) DistanceTraveledSince(since time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.history)
	if n == 0 || since.Before(t.history[0].At) {
		return 0
	}
	i := sort.Search(n, func(i int) bool { return !t.history[i].At.Before(since) })
	if i == n {
		return 0
	}
	return t.history[n-1].DistanceCm - t.history[i].DistanceCm
}

// ShortSpeed returns the mean of the short speed window in cm/s.
func (t *Tracker) ShortSpeed() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.short.mean()
}

// LongSpeed returns the mean of the long speed window in cm/s.
func (t *Tracker) LongSpeed() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.long.mean()
}

// Windows returns copies of the short and long speed windows, oldest first.
func (t *Tracker) Windows() (short, long []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.short.values(), t.long.values()
}

// History returns a copy of the retained position history.
func (t *Tracker) History() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sample(nil), t.history...)
}

// Missed returns the number of polls that got no reply.
func (t *Tracker) Missed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missed
}

// Reset zeroes the encoder on the controller and forgets all history.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	t.history = nil
	t.short = newWindow(t.cfg.ShortWindow)
	t.long = newWindow(t.cfg.LongWindow)
	t.mu.Unlock()
	return t.cmd.Enqueue(hardware.Command{ID: hardware.EncoderReset})
}

// window is a fixed-size ring of speed samples.
type window struct {
	buf  []float64
	head int
	size int
}

func newWindow(capacity int) window {
	if capacity <= 0 {
		capacity = 1
	}
	return window{buf: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *window) values() []float64 {
	out := make([]float64, 0, w.size)
	start := (w.head - w.size + len(w.buf)) % len(w.buf)
	for i := 0; i < w.size; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

func (w *window) mean() (float64, bool) {
	if w.size == 0 {
		return 0, false
	}
	return stat.Mean(w.values(), nil), true
}
