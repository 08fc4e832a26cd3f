package encoder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/timeutil"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.EncoderConfig {
	return config.EncoderConfig{
		Enabled:        true,
		PollInterval:   config.Duration(50 * time.Millisecond),
		ResponseWindow: config.Duration(20 * time.Millisecond),
		CountsPerCm:    10,
		ShortWindow:    3,
		LongWindow:     5,
		Retention:      config.Duration(40 * time.Second),
	}
}

// fakeController answers encoder requests with a scripted position.
type fakeController struct {
	mu       sync.Mutex
	position int32
	silent   bool
	requests int
	resets   int
	ch       chan hardware.Reply
}

func newFakeController() *fakeController {
	return &fakeController{ch: make(chan hardware.Reply, 4)}
}

func (f *fakeController) Enqueue(cmd hardware.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.ID {
	case hardware.EncoderRequest:
		f.requests++
		if !f.silent {
			f.ch <- hardware.Reply{ID: hardware.EncoderRequest, Position: f.position}
		}
	case hardware.EncoderReset:
		f.resets++
		f.position = 0
	}
	return nil
}

func (f *fakeController) Subscribe() (string, <-chan hardware.Reply) { return "fake", f.ch }
func (f *fakeController) Unsubscribe(string)                         {}

func (f *fakeController) set(pos int32) {
	f.mu.Lock()
	f.position = pos
	f.mu.Unlock()
}

func TestDistanceTraveledSince(t *testing.T) {
	tr := NewTracker(newFakeController(), newFakeController(), timeutil.NewMockClock(epoch), testConfig())

	assert.Equal(t, 0.0, tr.DistanceTraveledSince(epoch), "empty history")

	for i := 0; i < 5; i++ {
		tr.Record(epoch.Add(time.Duration(i)*100*time.Millisecond), int32(i*50))
	}
	// readings at 0,5,10,15,20 cm
	assert.InDelta(t, 20.0, tr.DistanceTraveledSince(epoch), 1e-9)
	assert.InDelta(t, 10.0, tr.DistanceTraveledSince(epoch.Add(200*time.Millisecond)), 1e-9)
	assert.InDelta(t, 10.0, tr.DistanceTraveledSince(epoch.Add(150*time.Millisecond)), 1e-9,
		"uses the earliest reading at or after the instant")
	assert.Equal(t, 0.0, tr.DistanceTraveledSince(epoch.Add(-time.Second)), "predates retained history")
	assert.Equal(t, 0.0, tr.DistanceTraveledSince(epoch.Add(time.Hour)), "no reading after the instant")
}

func TestRecord_SpeedWindows(t *testing.T) {
	tr := NewTracker(newFakeController(), newFakeController(), nil, testConfig())

	_, ok := tr.ShortSpeed()
	assert.False(t, ok, "no speed before two readings")

	// 1 cm per 100ms = 10 cm/s, then 2 cm per 100ms = 20 cm/s
	counts := []int32{0, 10, 20, 30, 50, 70, 90}
	for i, c := range counts {
		tr.Record(epoch.Add(time.Duration(i)*100*time.Millisecond), c)
	}
	short, ok := tr.ShortSpeed()
	require.True(t, ok)
	assert.InDelta(t, 20.0, short, 1e-9)

	long, ok := tr.LongSpeed()
	require.True(t, ok)
	assert.InDelta(t, (10+10+20+20+20)/5.0, long, 1e-9)

	s, l := tr.Windows()
	assert.Len(t, s, 3)
	assert.Len(t, l, 5)
}

func TestRecord_RetentionBound(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = config.Duration(time.Second)
	tr := NewTracker(newFakeController(), newFakeController(), nil, cfg)

	for i := 0; i <= 30; i++ {
		tr.Record(epoch.Add(time.Duration(i)*100*time.Millisecond), int32(i))
	}
	h := tr.History()
	require.NotEmpty(t, h)
	last := h[len(h)-1].At
	assert.False(t, h[0].At.Before(last.Add(-time.Second)), "history older than retention must be dropped")
	assert.Equal(t, 11, len(h))
}

func TestPoll_RecordsReply(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	ctl := newFakeController()
	tr := NewTracker(ctl, ctl, clock, testConfig())

	_, replies := ctl.Subscribe()
	ctl.set(100)
	tr.poll(context.Background(), replies)
	clock.Advance(50 * time.Millisecond)
	ctl.set(150)
	tr.poll(context.Background(), replies)

	h := tr.History()
	require.Len(t, h, 2)
	assert.InDelta(t, 10.0, h[0].DistanceCm, 1e-9)
	assert.InDelta(t, 15.0, h[1].DistanceCm, 1e-9)
	speed, ok := tr.ShortSpeed()
	require.True(t, ok)
	assert.InDelta(t, 100.0, speed, 1e-9)
}

func TestPoll_MissedReplySkipsTick(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	ctl := newFakeController()
	ctl.silent = true
	tr := NewTracker(ctl, ctl, clock, testConfig())
	_, replies := ctl.Subscribe()

	done := make(chan struct{})
	go func() {
		tr.poll(context.Background(), replies)
		close(done)
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(20 * time.Millisecond)
	<-done

	assert.Empty(t, tr.History())
	assert.Equal(t, uint64(1), tr.Missed())
}

func TestRun_PollsOnTicker(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	ctl := newFakeController()
	tr := NewTracker(ctl, ctl, clock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	for i := int32(1); i <= 3; i++ {
		ctl.set(i * 10)
		want := int(i)
		require.Eventually(t, func() bool {
			clock.Advance(50 * time.Millisecond)
			return len(tr.History()) >= want
		}, 2*time.Second, 5*time.Millisecond)
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPoll_ClosedRepliesStops(t *testing.T) {
	ctl := newFakeController()
	tr := NewTracker(ctl, ctl, timeutil.NewMockClock(epoch), testConfig())

	replies := make(chan hardware.Reply)
	close(replies)
	assert.False(t, tr.poll(context.Background(), replies))
	assert.Zero(t, ctl.requests, "no request once the link is gone")
}

func TestRun_ReturnsWhenReplyMuxCloses(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	ctl := newFakeController()
	mux := hardware.NewReplyMux(strings.NewReader(""))
	tr := NewTracker(ctl, mux, clock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// the reader is at EOF, so Monitor returns straight away
	require.NoError(t, mux.Monitor(ctx))
	mux.Close()

	var err error
	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrRepliesClosed)
}

func TestRun_CancelAfterReplyMuxCloses(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	ctl := newFakeController()
	mux := hardware.NewReplyMux(strings.NewReader(""))
	tr := NewTracker(ctl, mux, clock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.NoError(t, mux.Monitor(ctx))
	mux.Close()
	clock.Advance(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrRepliesClosed) || errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReset(t *testing.T) {
	ctl := newFakeController()
	tr := NewTracker(ctl, ctl, nil, testConfig())
	tr.Record(epoch, 0)
	tr.Record(epoch.Add(time.Second), 100)

	require.NoError(t, tr.Reset())
	assert.Empty(t, tr.History())
	_, ok := tr.LongSpeed()
	assert.False(t, ok)
	assert.Equal(t, 1, ctl.resets)
}
