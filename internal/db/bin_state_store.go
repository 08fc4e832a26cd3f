package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/timeutil"
)

// BinStateStore implements bins.Store. Rows are never updated except to
// soft-delete them; the newest non-deleted row is the current state.
type BinStateStore struct {
	db    *DB
	clock timeutil.Clock
}

func NewBinStateStore(db *DB, clock timeutil.Clock) *BinStateStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &BinStateStore{db: db, clock: clock}
}

var _ bins.Store = (*BinStateStore)(nil)

// SaveBinState inserts a new snapshot and returns its id.
func (s *BinStateStore) SaveBinState(ctx context.Context, contents map[string]*string) (string, error) {
	data, err := json.Marshal(contents)
	if err != nil {
		return "", fmt.Errorf("encode bin state: %w", err)
	}
	id := uuid.NewString()
	now := s.clock.Now().UnixNano()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bin_states (id, contents_json, created_at_ns, updated_at_ns) VALUES (?, ?, ?, ?)`,
		id, string(data), now, now)
	if err != nil {
		return "", fmt.Errorf("insert bin state: %w", err)
	}
	return id, nil
}

// GetBinState returns the snapshot with the given id, or bins.ErrNoSnapshot
// if it does not exist or was deleted.
func (s *BinStateStore) GetBinState(ctx context.Context, id string) (*bins.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contents_json, created_at_ns, updated_at_ns FROM bin_states
		 WHERE id = ? AND deleted_at_ns IS NULL`, id)
	return scanSnapshot(row)
}

// GetMostRecentBinState returns the current snapshot.
func (s *BinStateStore) GetMostRecentBinState(ctx context.Context) (*bins.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contents_json, created_at_ns, updated_at_ns FROM bin_states
		 WHERE deleted_at_ns IS NULL
		 ORDER BY created_at_ns DESC, rowid DESC LIMIT 1`)
	return scanSnapshot(row)
}

// DeleteBinState soft-deletes a snapshot so the previous one becomes current.
func (s *BinStateStore) DeleteBinState(ctx context.Context, id string) error {
	now := s.clock.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE bin_states SET deleted_at_ns = ?, updated_at_ns = ? WHERE id = ? AND deleted_at_ns IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("delete bin state %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete bin state %s: %w", id, err)
	}
	if n == 0 {
		return bins.ErrNoSnapshot
	}
	return nil
}

// CountBinStates returns the number of snapshots, deleted ones included.
func (s *BinStateStore) CountBinStates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bin_states`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bin states: %w", err)
	}
	return n, nil
}

func scanSnapshot(row *sql.Row) (*bins.Snapshot, error) {
	var (
		snap               bins.Snapshot
		data               string
		createdNs, updated int64
	)
	if err := row.Scan(&snap.ID, &data, &createdNs, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bins.ErrNoSnapshot
		}
		return nil, fmt.Errorf("scan bin state: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &snap.Contents); err != nil {
		return nil, fmt.Errorf("decode bin state %s: %w", snap.ID, err)
	}
	snap.CreatedAt = time.Unix(0, createdNs).UTC()
	snap.UpdatedAt = time.Unix(0, updated).UTC()
	return &snap, nil
}
