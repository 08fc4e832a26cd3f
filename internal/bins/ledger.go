package bins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
)

// ErrLedgerBusy is returned when a mutation cannot take the ledger lock
// within its timeout.
var ErrLedgerBusy = errors.New("bin ledger busy")

// Ledger is the single live bin state. Every mutation writes a new snapshot
// to the store and broadcasts the full state.
type Ledger struct {
	topo     *Topology
	reserved Reserved
	store    Store
	sink     events.Sink
	clock    timeutil.Clock
	timeout  time.Duration

	// sem is a one-slot lock so writers can give up after timeout.
	sem       chan struct{}
	contents  map[string]*string
	currentID string
}

// NewLedger builds an empty ledger over topo with the misc and fallback bins
// already assigned.
func NewLedger(topo *Topology, store Store, sink events.Sink, clock timeutil.Clock, lockTimeout time.Duration) *Ledger {
	if sink == nil {
		sink = events.Discard
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &Ledger{
		topo:     topo,
		reserved: topo.Reserved(),
		store:    store,
		sink:     sink,
		clock:    clock,
		timeout:  lockTimeout,
		sem:      make(chan struct{}, 1),
	}
	l.contents = l.emptyContents()
	return l
}

func (l *Ledger) emptyContents() map[string]*string {
	c := make(map[string]*string)
	for _, co := range l.topo.All() {
		c[co.Key()] = nil
	}
	misc, fallback := MiscCategory, FallbackCategory
	c[l.reserved.Misc.Key()] = &misc
	c[l.reserved.Fallback.Key()] = &fallback
	return c
}

// Topology returns the layout the ledger covers.
func (l *Ledger) Topology() *Topology { return l.topo }

// Reserved returns the misc and fallback coordinates.
func (l *Ledger) Reserved() Reserved { return l.reserved }

func (l *Ledger) lock() { l.sem <- struct{}{} }

func (l *Ledger) unlock() { <-l.sem }

func (l *Ledger) tryLock() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Ledger) lockTimeout(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(l.timeout):
		return ErrLedgerBusy
	}
}

// FindAvailableBin picks a bin for category: a bin already collecting it,
// else the first empty bin, else the fallback bin unless category is itself
// misc or fallback.
func (l *Ledger) FindAvailableBin(category string) (Coordinates, bool) {
	l.lock()
	defer l.unlock()

	all := l.topo.All()
	for _, c := range all {
		if v := l.contents[c.Key()]; v != nil && *v == category {
			return c, true
		}
	}
	for _, c := range all {
		if l.reserved.IsReserved(c) {
			continue
		}
		if l.contents[c.Key()] == nil {
			return c, true
		}
	}
	if category != MiscCategory && category != FallbackCategory {
		return l.reserved.Fallback, true
	}
	return Coordinates{}, false
}

// ReserveBin assigns category to the bin at c, persists a snapshot and
// broadcasts the new state.
func (l *Ledger) ReserveBin(ctx context.Context, c Coordinates, category string) error {
	l.topo.MustBin(c)
	cat := category
	return l.mutate(ctx, func(contents map[string]*string) {
		contents[c.Key()] = &cat
	})
}

// Clear releases the bin at c so it can take a new category. The misc and
// fallback bins cannot be cleared.
func (l *Ledger) Clear(ctx context.Context, c Coordinates) error {
	l.topo.MustBin(c)
	if l.reserved.IsReserved(c) {
		return fmt.Errorf("bin %s is reserved", c)
	}
	return l.mutate(ctx, func(contents map[string]*string) {
		contents[c.Key()] = nil
	})
}

// ClearAll releases every ordinary bin, as done when the operator empties
// the machine.
func (l *Ledger) ClearAll(ctx context.Context) error {
	return l.mutate(ctx, func(contents map[string]*string) {
		for k, v := range l.emptyContents() {
			contents[k] = v
		}
	})
}

func (l *Ledger) mutate(ctx context.Context, apply func(map[string]*string)) error {
	if err := l.lockTimeout(ctx); err != nil {
		return fmt.Errorf("lock bin ledger: %w", err)
	}
	apply(l.contents)
	snapshot := copyContents(l.contents)
	id, err := l.store.SaveBinState(ctx, snapshot)
	if err == nil {
		l.currentID = id
	}
	l.unlock()

	if err != nil {
		monitoring.Opsf("[bins] failed to persist bin state: %v", err)
		return fmt.Errorf("persist bin state: %w", err)
	}
	monitoring.Diagf("[bins] saved bin state %s", id)
	l.sink.Broadcast(events.BinStateUpdate(l.clock.Now(), id, snapshot))
	return nil
}

// Restore loads the most recent snapshot from the store. Keys that do not
// match the topology are logged and ignored; the misc and fallback bins
// keep their reservation regardless of what was stored.
func (l *Ledger) Restore(ctx context.Context) error {
	snap, err := l.store.GetMostRecentBinState(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		monitoring.Diagf("[bins] no saved bin state, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load bin state: %w", err)
	}

	l.lock()
	defer l.unlock()
	contents := l.emptyContents()
	for key, v := range snap.Contents {
		c, err := ParseKey(key)
		if err != nil || !l.topo.Contains(c) {
			monitoring.Opsf("[bins] ignoring saved bin %q not in topology", key)
			continue
		}
		if l.reserved.IsReserved(c) {
			continue
		}
		if v != nil {
			s := *v
			v = &s
		}
		contents[key] = v
	}
	l.contents = contents
	l.currentID = snap.ID
	monitoring.Opsf("[bins] restored bin state %s", snap.ID)
	return nil
}

// State is a point-in-time copy of the ledger.
type State struct {
	ID       string             `json:"id"`
	Contents map[string]*string `json:"contents"`
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() State {
	l.lock()
	defer l.unlock()
	return State{ID: l.currentID, Contents: copyContents(l.contents)}
}

// TrySnapshot is Snapshot for status polling: it gives up instead of
// waiting behind a writer.
func (l *Ledger) TrySnapshot() (State, bool) {
	if !l.tryLock() {
		return State{}, false
	}
	defer l.unlock()
	return State{ID: l.currentID, Contents: copyContents(l.contents)}, true
}

// CategoryAt returns the category assigned to c, if any.
func (l *Ledger) CategoryAt(c Coordinates) (string, bool) {
	l.lock()
	defer l.unlock()
	v := l.contents[c.Key()]
	if v == nil {
		return "", false
	}
	return *v, true
}
