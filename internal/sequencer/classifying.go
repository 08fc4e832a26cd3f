package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/classify"
	"github.com/banshee-data/sorter/internal/db"
	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/vision"
)

// KnownObject is the object being sorted, from classification until it
// drops into its bin. Bin is nil when no bin could be allocated.
type KnownObject struct {
	UUID         string
	TrackID      *int64
	TrajectoryID string
	ItemID       *string
	CategoryID   *string
	Bin          *bins.Coordinates
	Image        []byte
	ClassifiedAt time.Time
}

func (o *KnownObject) payload() events.KnownObjectPayload {
	p := events.KnownObjectPayload{
		UUID:             o.UUID,
		TrackID:          o.TrackID,
		Image:            o.Image,
		ClassificationID: o.ItemID,
		CategoryID:       o.CategoryID,
	}
	if o.Bin != nil {
		p.BinCoordinates = &events.BinRef{DistributionModule: o.Bin.Module, Bin: o.Bin.Bin}
	}
	return p
}

func (o *KnownObject) record(runID string, delivered *time.Time) db.KnownObjectRecord {
	return db.KnownObjectRecord{
		UUID:         o.UUID,
		TrackID:      o.TrackID,
		ItemID:       o.ItemID,
		CategoryID:   o.CategoryID,
		Bin:          o.Bin,
		ClassifiedAt: o.ClassifiedAt,
		DeliveredAt:  delivered,
		RunID:        runID,
	}
}

type classifying struct {
	since  time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan *KnownObject
}

func newClassifying() state { return &classifying{} }

func (*classifying) kind() StateKind { return Classifying }

func (c *classifying) enter(s *Sequencer) {
	c.since = s.now()
	s.motorErr("stop main conveyor", s.d.Motors.MainConveyor.Run(0))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan *KnownObject, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.done <- s.classifyObject(ctx)
	}()
}

func (c *classifying) step(s *Sequencer) state {
	select {
	case obj := <-c.done:
		if obj == nil {
			return newGettingNewObject()
		}
		return newSendingToBin(obj)
	default:
	}
	if timeout := s.cfg.Sequencer.ClassifyTimeout.D(); s.now().Sub(c.since) > timeout {
		monitoring.Opsf("[sequencer] classification stalled for %v", timeout)
		return newGettingNewObject()
	}
	return nil
}

func (c *classifying) exit(s *Sequencer) {
	if c.cancel != nil {
		c.cancel()
	}
	joinWithin(&c.wg, s.joinTimeout(), "classification worker")
}

// classifyObject does the classification work off the tick loop. It
// returns nil only when cancelled; a failed classification still yields an
// object headed for the fallback bin.
func (s *Sequencer) classifyObject(ctx context.Context) *KnownObject {
	obj := &KnownObject{UUID: uuid.NewString()}

	var frames [][]byte
	if id, ok := s.d.Main.CurrentCenteredObjectID(); ok {
		obj.TrackID = &id
		edgeClear := vision.LatestEdgeClear(s.d.Main.FramesForTrackID(id), s.cfg.Vision.ClassifierFrames)
		for _, tf := range edgeClear {
			frames = append(frames, tf.Frame.JPEG)
		}
		if len(edgeClear) > 0 {
			obj.Image = edgeClear[0].Frame.JPEG
		}
		if s.d.Scene != nil {
			obj.TrajectoryID, _ = s.d.Scene.TrajectoryForTrack(id)
		}
	} else {
		monitoring.Opsf("[sequencer] no centered object to classify")
	}
	s.d.Sink.Broadcast(events.KnownObjectUpdate(s.now(), obj.payload()))

	votes := classify.ClassifyFrames(ctx, s.d.Sorter, frames, s.cfg.Sequencer.ClassifierConcurrency)
	if ctx.Err() != nil {
		return nil
	}

	category := bins.FallbackCategory
	if v, ok := classify.Consensus(votes); ok {
		item, cat := v.ItemID, v.CategoryID
		obj.ItemID, obj.CategoryID = &item, &cat
		category = cat
		monitoring.Diagf("[sequencer] %s classified as %s (%s) from %d frames", obj.UUID, item, cat, len(frames))
	} else {
		monitoring.Opsf("[sequencer] %s: no classification from %d frames, using %s bin", obj.UUID, len(frames), category)
	}

	obj.Bin = s.allocateBin(ctx, category)
	obj.ClassifiedAt = s.now()

	if s.d.Scene != nil {
		if obj.TrackID != nil && obj.ItemID != nil {
			s.d.Scene.SetClassification(*obj.TrackID, *obj.ItemID)
		}
		if obj.TrajectoryID != "" && obj.Bin != nil {
			if err := s.d.Scene.SetTargetBin(obj.TrajectoryID, *obj.Bin); err != nil {
				monitoring.Diagf("[sequencer] %v", err)
			}
		}
	}
	s.d.Sink.Broadcast(events.KnownObjectUpdate(s.now(), obj.payload()))
	s.saveObject(ctx, obj, nil)
	return obj
}

// allocateBin finds a bin for category and reserves it if it is not
// already collecting that category.
func (s *Sequencer) allocateBin(ctx context.Context, category string) *bins.Coordinates {
	c, ok := s.d.Ledger.FindAvailableBin(category)
	if !ok {
		monitoring.Opsf("[sequencer] no bin available for %q", category)
		return nil
	}
	if cur, assigned := s.d.Ledger.CategoryAt(c); !assigned || cur != category {
		if c != s.d.Ledger.Reserved().Fallback {
			lctx, cancel := context.WithTimeout(ctx, s.cfg.Sequencer.LedgerTimeout.D())
			defer cancel()
			if err := s.d.Ledger.ReserveBin(lctx, c, category); err != nil {
				monitoring.Opsf("[sequencer] reserve bin %s for %q: %v", c, category, err)
			}
		}
	}
	return &c
}

func (s *Sequencer) saveObject(ctx context.Context, obj *KnownObject, delivered *time.Time) {
	if s.d.Objects == nil {
		return
	}
	if err := s.d.Objects.SaveKnownObject(ctx, obj.record(s.cfg.RunID, delivered)); err != nil {
		monitoring.Opsf("[sequencer] persist known object %s: %v", obj.UUID, err)
	}
}

// joinWithin waits for wg up to d.
func joinWithin(wg *sync.WaitGroup, d time.Duration, what string) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		monitoring.Opsf("[sequencer] %s did not exit within %v", what, d)
		return false
	}
}
