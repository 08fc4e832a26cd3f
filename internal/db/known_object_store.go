package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/sorter/internal/bins"
)

// KnownObjectRecord is one sorted object as logged for later audit.
type KnownObjectRecord struct {
	UUID         string
	TrackID      *int64
	ItemID       *string
	CategoryID   *string
	Bin          *bins.Coordinates
	ClassifiedAt time.Time
	DeliveredAt  *time.Time
	RunID        string
}

// KnownObjectStore logs classified and delivered objects.
type KnownObjectStore struct {
	db *DB
}

func NewKnownObjectStore(db *DB) *KnownObjectStore {
	return &KnownObjectStore{db: db}
}

// SaveKnownObject inserts or replaces the record for r.UUID. It is called
// once after classification and again on delivery.
func (s *KnownObjectStore) SaveKnownObject(ctx context.Context, r KnownObjectRecord) error {
	var module, bin sql.NullInt64
	if r.Bin != nil {
		module = sql.NullInt64{Int64: int64(r.Bin.Module), Valid: true}
		bin = sql.NullInt64{Int64: int64(r.Bin.Bin), Valid: true}
	}
	var delivered sql.NullInt64
	if r.DeliveredAt != nil {
		delivered = sql.NullInt64{Int64: r.DeliveredAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO known_objects
			(uuid, track_id, item_id, category_id, module, bin, classified_at_ns, delivered_at_ns, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			track_id = excluded.track_id,
			item_id = excluded.item_id,
			category_id = excluded.category_id,
			module = excluded.module,
			bin = excluded.bin,
			delivered_at_ns = excluded.delivered_at_ns`,
		r.UUID, nullInt64(r.TrackID), nullString(r.ItemID), nullString(r.CategoryID),
		module, bin, r.ClassifiedAt.UnixNano(), delivered, r.RunID)
	if err != nil {
		return fmt.Errorf("save known object %s: %w", r.UUID, err)
	}
	return nil
}

// RecentKnownObjects returns up to limit records, newest first.
func (s *KnownObjectStore) RecentKnownObjects(ctx context.Context, limit int) ([]KnownObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, track_id, item_id, category_id, module, bin, classified_at_ns, delivered_at_ns, run_id
		FROM known_objects ORDER BY classified_at_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query known objects: %w", err)
	}
	defer rows.Close()

	var out []KnownObjectRecord
	for rows.Next() {
		var (
			r                  KnownObjectRecord
			track, module, bin sql.NullInt64
			item, category     sql.NullString
			classified         int64
			delivered          sql.NullInt64
		)
		if err := rows.Scan(&r.UUID, &track, &item, &category, &module, &bin, &classified, &delivered, &r.RunID); err != nil {
			return nil, fmt.Errorf("scan known object: %w", err)
		}
		if track.Valid {
			r.TrackID = &track.Int64
		}
		if item.Valid {
			r.ItemID = &item.String
		}
		if category.Valid {
			r.CategoryID = &category.String
		}
		if module.Valid && bin.Valid {
			r.Bin = &bins.Coordinates{Module: int(module.Int64), Bin: int(bin.Int64)}
		}
		r.ClassifiedAt = time.Unix(0, classified).UTC()
		if delivered.Valid {
			t := time.Unix(0, delivered.Int64).UTC()
			r.DeliveredAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
