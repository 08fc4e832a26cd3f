package bins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/timeutil"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// topologyConfig builds modules at the given distances with binsPer bins each.
func topologyConfig(binsPer int, distances ...float64) config.TopologyConfig {
	var cfg config.TopologyConfig
	for i, d := range distances {
		m := config.ModuleConfig{DistanceCm: d, Door: config.ServoAddress{Board: uint8(0x40 + i)}}
		for j := 0; j < binsPer; j++ {
			m.Bins = append(m.Bins, config.ServoAddress{Board: uint8(0x40 + i), Channel: uint8(j + 1)})
		}
		cfg.Modules = append(cfg.Modules, m)
	}
	return cfg
}

func newTestLedger(t *testing.T, cfg config.TopologyConfig) (*Ledger, *MemStore, *events.Recorder) {
	t.Helper()
	store := NewMemStore()
	sink := &events.Recorder{}
	l := NewLedger(NewTopology(cfg), store, sink, timeutil.NewMockClock(epoch), time.Second)
	return l, store, sink
}

func TestLedger_ReservedBinsAreLastTwo(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(3, 20, 30, 40))
	r := l.Reserved()
	assert.Equal(t, Coordinates{Module: 2, Bin: 1}, r.Misc)
	assert.Equal(t, Coordinates{Module: 2, Bin: 2}, r.Fallback)

	cat, ok := l.CategoryAt(r.Misc)
	require.True(t, ok)
	assert.Equal(t, MiscCategory, cat)
	cat, ok = l.CategoryAt(r.Fallback)
	require.True(t, ok)
	assert.Equal(t, FallbackCategory, cat)
}

func TestLedger_ThreeBinScenario(t *testing.T) {
	// modules at 20, 30 and 40cm; misc and fallback land in the last one
	cfg := topologyConfig(2, 20, 30, 40)
	l, store, _ := newTestLedger(t, cfg)
	ctx := context.Background()

	target := Coordinates{Module: 0, Bin: 1}
	require.NoError(t, l.ReserveBin(ctx, target, "3001"))

	got, ok := l.FindAvailableBin("3001")
	require.True(t, ok)
	assert.Equal(t, target, got, "a bin already holding the category wins over empty bins")

	got, ok = l.FindAvailableBin("3001")
	require.True(t, ok)
	assert.Equal(t, target, got)

	other, ok := l.FindAvailableBin("3002")
	require.True(t, ok)
	assert.Equal(t, Coordinates{Module: 0, Bin: 0}, other)
	assert.Equal(t, 1, store.Len())
}

func TestLedger_ReserveThenFindReturnsSameBin(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(3, 20, 30, 40))
	ctx := context.Background()
	for _, cat := range []string{"a", "b", "c", "d"} {
		c, ok := l.FindAvailableBin(cat)
		require.True(t, ok)
		require.NoError(t, l.ReserveBin(ctx, c, cat))
		again, ok := l.FindAvailableBin(cat)
		require.True(t, ok)
		assert.Equal(t, c, again, "category %s", cat)
	}
}

func TestLedger_ReservedNeverReturnedWhileBinsEmpty(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	ctx := context.Background()
	r := l.Reserved()

	// two ordinary bins: (0,0) and (0,1)
	for i, cat := range []string{"x", "y"} {
		c, ok := l.FindAvailableBin(cat)
		require.True(t, ok)
		assert.False(t, r.IsReserved(c), "step %d returned reserved bin %s while empty bins remain", i, c)
		require.NoError(t, l.ReserveBin(ctx, c, cat))
	}

	c, ok := l.FindAvailableBin("z")
	require.True(t, ok)
	assert.Equal(t, r.Fallback, c, "full machine routes new categories to fallback")
}

func TestLedger_MiscAndFallbackCategories(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	r := l.Reserved()

	c, ok := l.FindAvailableBin(MiscCategory)
	require.True(t, ok)
	assert.Equal(t, r.Misc, c)

	c, ok = l.FindAvailableBin(FallbackCategory)
	require.True(t, ok)
	assert.Equal(t, r.Fallback, c)
}

func TestLedger_NoBinForReservedCategoryWhenItsBinIsGone(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	// overwrite the misc bin by hand, as a stale restore could
	l.contents[l.reserved.Misc.Key()] = nil
	l.contents["0_0"], l.contents["0_1"] = strPtr("a"), strPtr("b")

	_, ok := l.FindAvailableBin(MiscCategory)
	assert.False(t, ok)
}

func TestLedger_OneSnapshotPerMutation(t *testing.T) {
	l, store, sink := newTestLedger(t, topologyConfig(3, 20, 30, 40))
	ctx := context.Background()

	require.NoError(t, l.ReserveBin(ctx, Coordinates{0, 0}, "a"))
	require.NoError(t, l.ReserveBin(ctx, Coordinates{0, 1}, "b"))
	require.NoError(t, l.Clear(ctx, Coordinates{0, 0}))

	assert.Equal(t, 3, store.Len())
	latest, err := store.GetMostRecentBinState(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest.Contents["0_0"])
	require.NotNil(t, latest.Contents["0_1"])
	assert.Equal(t, "b", *latest.Contents["0_1"])
	assert.Equal(t, latest.ID, l.Snapshot().ID)

	updates := sink.OfType(events.BinStateUpdateEvent)
	require.Len(t, updates, 3)
	last := updates[2].Payload.(events.BinStatePayload)
	assert.Equal(t, latest.ID, last.ID)
}

func TestLedger_ClearReservedRejected(t *testing.T) {
	l, store, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	assert.Error(t, l.Clear(context.Background(), l.Reserved().Fallback))
	assert.Equal(t, 0, store.Len())
}

func TestLedger_OutOfRangePanics(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	assert.Panics(t, func() { l.ReserveBin(context.Background(), Coordinates{Module: 5}, "a") })
	assert.Panics(t, func() { l.Topology().MustBin(Coordinates{Module: 0, Bin: 9}) })
}

func TestLedger_ReserveTimesOutWhenBusy(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	l := NewLedger(NewTopology(topologyConfig(2, 20, 30)), NewMemStore(), nil, clock, 500*time.Millisecond)
	l.lock()

	errc := make(chan error, 1)
	go func() { errc <- l.ReserveBin(context.Background(), Coordinates{0, 0}, "a") }()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(500 * time.Millisecond)

	err := <-errc
	assert.True(t, errors.Is(err, ErrLedgerBusy), "got %v", err)
	_, ok := l.TrySnapshot()
	assert.False(t, ok, "TrySnapshot must not wait behind the holder")
	l.unlock()
	_, ok = l.TrySnapshot()
	assert.True(t, ok)
}

func TestLedger_LockErrorNamesLedger(t *testing.T) {
	l := NewLedger(NewTopology(topologyConfig(2, 20, 30)), NewMemStore(), nil, timeutil.NewMockClock(epoch), 500*time.Millisecond)
	l.lock()
	defer l.unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := map[string]func() error{
		"reserve":   func() error { return l.ReserveBin(ctx, Coordinates{0, 0}, "a") },
		"clear":     func() error { return l.Clear(ctx, Coordinates{0, 0}) },
		"clear all": func() error { return l.ClearAll(ctx) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			require.Error(t, err)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Contains(t, err.Error(), "lock bin ledger")
			assert.NotContains(t, err.Error(), "reserve bin")
		})
	}
}

type failingStore struct{ *MemStore }

func (failingStore) SaveBinState(context.Context, map[string]*string) (string, error) {
	return "", errors.New("disk full")
}

func TestLedger_PersistFailureKeepsMemoryAndSkipsBroadcast(t *testing.T) {
	sink := &events.Recorder{}
	l := NewLedger(NewTopology(topologyConfig(2, 20, 30)), failingStore{NewMemStore()}, sink, nil, time.Second)

	err := l.ReserveBin(context.Background(), Coordinates{0, 0}, "a")
	require.Error(t, err)
	cat, ok := l.CategoryAt(Coordinates{0, 0})
	require.True(t, ok)
	assert.Equal(t, "a", cat)
	assert.Empty(t, sink.Events())
}

func TestLedger_Restore(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := store.SaveBinState(ctx, map[string]*string{
		"0_0": strPtr("3001"),
		"0_1": nil,
		"9_9": strPtr("ghost"),
		"1_1": strPtr("not-fallback"),
	})
	require.NoError(t, err)

	l := NewLedger(NewTopology(topologyConfig(2, 20, 30)), store, nil, nil, time.Second)
	require.NoError(t, l.Restore(ctx))

	s := l.Snapshot()
	require.NotNil(t, s.Contents["0_0"])
	assert.Equal(t, "3001", *s.Contents["0_0"])
	assert.NotContains(t, s.Contents, "9_9")
	assert.Equal(t, FallbackCategory, *s.Contents["1_1"], "reserved bins keep their category")

	c, ok := l.FindAvailableBin("3001")
	require.True(t, ok)
	assert.Equal(t, Coordinates{0, 0}, c)
}

func TestLedger_RestoreEmptyStore(t *testing.T) {
	l := NewLedger(NewTopology(topologyConfig(2, 20, 30)), NewMemStore(), nil, nil, time.Second)
	require.NoError(t, l.Restore(context.Background()))
	assert.Equal(t, "", l.Snapshot().ID)
}

func TestLedger_ClearAll(t *testing.T) {
	l, _, _ := newTestLedger(t, topologyConfig(2, 20, 30))
	ctx := context.Background()
	require.NoError(t, l.ReserveBin(ctx, Coordinates{0, 0}, "a"))
	require.NoError(t, l.ClearAll(ctx))
	_, ok := l.CategoryAt(Coordinates{0, 0})
	assert.False(t, ok)
	cat, _ := l.CategoryAt(l.Reserved().Misc)
	assert.Equal(t, MiscCategory, cat)
}

func TestParseKey(t *testing.T) {
	c, err := ParseKey("2_11")
	require.NoError(t, err)
	assert.Equal(t, Coordinates{Module: 2, Bin: 11}, c)
	assert.Equal(t, "2_11", c.Key())

	for _, bad := range []string{"", "2", "a_1", "1_b"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func strPtr(s string) *string { return &s }
