package bins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSnapshot is returned by a Store that holds no matching snapshot.
var ErrNoSnapshot = errors.New("no bin state snapshot")

// Snapshot is one persisted, immutable copy of the ledger.
type Snapshot struct {
	ID        string             `json:"id"`
	Contents  map[string]*string `json:"contents"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store persists ledger snapshots. History is append-only; the latest
// non-deleted snapshot is current.
type Store interface {
	SaveBinState(ctx context.Context, contents map[string]*string) (string, error)
	GetBinState(ctx context.Context, id string) (*Snapshot, error)
	GetMostRecentBinState(ctx context.Context) (*Snapshot, error)
}

// MemStore is an in-memory Store, used when running without a database.
type MemStore struct {
	mu    sync.Mutex
	snaps []Snapshot
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

func (m *MemStore) SaveBinState(ctx context.Context, contents map[string]*string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("save bin state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := Snapshot{ID: uuid.NewString(), Contents: copyContents(contents), CreatedAt: now, UpdatedAt: now}
	m.snaps = append(m.snaps, s)
	return s.ID, nil
}

func (m *MemStore) GetBinState(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.snaps {
		if m.snaps[i].ID == id {
			s := m.snaps[i]
			s.Contents = copyContents(s.Contents)
			return &s, nil
		}
	}
	return nil, ErrNoSnapshot
}

func (m *MemStore) GetMostRecentBinState(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return nil, ErrNoSnapshot
	}
	s := m.snaps[len(m.snaps)-1]
	s.Contents = copyContents(s.Contents)
	return &s, nil
}

// Len returns the number of snapshots saved.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func copyContents(in map[string]*string) map[string]*string {
	out := make(map[string]*string, len(in))
	for k, v := range in {
		if v != nil {
			s := *v
			v = &s
		}
		out[k] = v
	}
	return out
}
