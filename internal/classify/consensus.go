package classify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sorter/internal/monitoring"
)

// Vote is one frame's classification. A nil *Vote is an abstention.
type Vote struct {
	ItemID     string `json:"item_id"`
	CategoryID string `json:"category_id"`
}

// Consensus takes the majority item id and the majority category
// independently over the non-nil votes. Ties go to the value seen first.
// It reports false when every vote abstained.
func Consensus(votes []*Vote) (Vote, bool) {
	var items, cats []string
	for _, v := range votes {
		if v == nil {
			continue
		}
		items = append(items, v.ItemID)
		cats = append(cats, v.CategoryID)
	}
	if len(items) == 0 {
		return Vote{}, false
	}
	return Vote{ItemID: majority(items), CategoryID: majority(cats)}, true
}

func majority(values []string) string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best, bestN := "", 0
	for _, v := range values {
		if counts[v] > bestN {
			best, bestN = v, counts[v]
		}
	}
	return best
}

// ClassifyFrames classifies every frame with at most limit calls in flight.
// The result is index-aligned with frames; failed frames get a nil vote.
func ClassifyFrames(ctx context.Context, s Sorter, frames [][]byte, limit int) []*Vote {
	votes := make([]*Vote, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, frame := range frames {
		i, frame := i, frame
		g.Go(func() error {
			r, err := s.Classify(gctx, frame)
			if err != nil {
				monitoring.Opsf("[classify] frame %d: %v", i, err)
				return nil
			}
			cat, ok := s.LookupCategory(r)
			if !ok {
				monitoring.Diagf("[classify] frame %d: no category for %q", i, r.ItemID)
				return nil
			}
			votes[i] = &Vote{ItemID: r.ItemID, CategoryID: cat}
			return nil
		})
	}
	_ = g.Wait()
	return votes
}
