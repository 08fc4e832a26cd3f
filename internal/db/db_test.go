package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/timeutil"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sorter_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestMigrations_AtLatestVersion(t *testing.T) {
	db := setupTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// re-running is a no-op
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestPragmas_WAL(t *testing.T) {
	db := setupTestDB(t)
	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestBinStateStore_SaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	store := NewBinStateStore(db, clock)
	ctx := context.Background()

	_, err := store.GetMostRecentBinState(ctx)
	assert.ErrorIs(t, err, bins.ErrNoSnapshot)

	first, err := store.SaveBinState(ctx, map[string]*string{"0_0": strPtr("3001"), "0_1": nil})
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := store.SaveBinState(ctx, map[string]*string{"0_0": strPtr("3001"), "0_1": strPtr("basic")})
	require.NoError(t, err)

	got, err := store.GetBinState(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)
	assert.Nil(t, got.Contents["0_1"])
	assert.Contains(t, got.Contents, "0_1", "null assignments are stored, not dropped")
	assert.True(t, got.CreatedAt.Equal(epoch))

	latest, err := store.GetMostRecentBinState(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)
	require.NotNil(t, latest.Contents["0_1"])
	assert.Equal(t, "basic", *latest.Contents["0_1"])

	_, err = store.GetBinState(ctx, "missing")
	assert.ErrorIs(t, err, bins.ErrNoSnapshot)
}

func TestBinStateStore_SameTimestampOrdersByInsertion(t *testing.T) {
	db := setupTestDB(t)
	store := NewBinStateStore(db, timeutil.NewMockClock(epoch))
	ctx := context.Background()

	var last string
	for i := 0; i < 3; i++ {
		id, err := store.SaveBinState(ctx, map[string]*string{})
		require.NoError(t, err)
		last = id
	}
	latest, err := store.GetMostRecentBinState(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, latest.ID)
}

func TestBinStateStore_SoftDelete(t *testing.T) {
	db := setupTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	store := NewBinStateStore(db, clock)
	ctx := context.Background()

	first, err := store.SaveBinState(ctx, map[string]*string{"0_0": strPtr("a")})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	second, err := store.SaveBinState(ctx, map[string]*string{"0_0": strPtr("b")})
	require.NoError(t, err)

	require.NoError(t, store.DeleteBinState(ctx, second))
	latest, err := store.GetMostRecentBinState(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, latest.ID)

	assert.ErrorIs(t, store.DeleteBinState(ctx, second), bins.ErrNoSnapshot)
	_, err = store.GetBinState(ctx, second)
	assert.ErrorIs(t, err, bins.ErrNoSnapshot)

	n, err := store.CountBinStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "history is append-only")
}

func TestBinStateStore_BacksLedger(t *testing.T) {
	db := setupTestDB(t)
	store := NewBinStateStore(db, nil)
	ctx := context.Background()

	topo := bins.NewTopology(config.DefaultConfig().Topology)
	ledger := bins.NewLedger(topo, store, nil, nil, time.Second)
	require.NoError(t, ledger.ReserveBin(ctx, bins.Coordinates{Module: 0, Bin: 1}, "3001"))
	require.NoError(t, ledger.ReserveBin(ctx, bins.Coordinates{Module: 1, Bin: 0}, "basic"))

	n, err := store.CountBinStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	restored := bins.NewLedger(topo, store, nil, nil, time.Second)
	require.NoError(t, restored.Restore(ctx))
	c, ok := restored.FindAvailableBin("3001")
	require.True(t, ok)
	assert.Equal(t, bins.Coordinates{Module: 0, Bin: 1}, c)
	assert.Equal(t, ledger.Snapshot(), restored.Snapshot())
}

func TestKnownObjectStore(t *testing.T) {
	db := setupTestDB(t)
	store := NewKnownObjectStore(db)
	ctx := context.Background()

	track := int64(17)
	rec := KnownObjectRecord{
		UUID:         "obj-1",
		TrackID:      &track,
		ItemID:       strPtr("3001-4"),
		CategoryID:   strPtr("basic"),
		Bin:          &bins.Coordinates{Module: 0, Bin: 1},
		ClassifiedAt: epoch,
		RunID:        "run-a",
	}
	require.NoError(t, store.SaveKnownObject(ctx, rec))
	require.NoError(t, store.SaveKnownObject(ctx, KnownObjectRecord{UUID: "obj-2", ClassifiedAt: epoch.Add(time.Second), RunID: "run-a"}))

	delivered := epoch.Add(3 * time.Second)
	rec.DeliveredAt = &delivered
	require.NoError(t, store.SaveKnownObject(ctx, rec))

	got, err := store.RecentKnownObjects(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "obj-2", got[0].UUID, "newest first")
	assert.Nil(t, got[0].Bin)
	assert.Nil(t, got[0].ItemID)

	assert.Equal(t, "obj-1", got[1].UUID)
	require.NotNil(t, got[1].DeliveredAt)
	assert.True(t, got[1].DeliveredAt.Equal(delivered))
	assert.Equal(t, &bins.Coordinates{Module: 0, Bin: 1}, got[1].Bin)
	assert.Equal(t, int64(17), *got[1].TrackID)
	assert.Equal(t, "basic", *got[1].CategoryID)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	_, err := NewBinStateStore(db, nil).SaveBinState(context.Background(), map[string]*string{"0_0": nil})
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
