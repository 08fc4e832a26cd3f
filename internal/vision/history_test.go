package vision

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func captureWith(seq uint64, dets ...Detection) *Capture {
	return &Capture{
		Frame:      &Frame{Seq: seq, CapturedAt: epoch.Add(time.Duration(seq) * 100 * time.Millisecond), Width: 200, Height: 100},
		Detections: dets,
	}
}

func TestFrameRing(t *testing.T) {
	r := NewFrameRing(3)
	assert.Nil(t, r.GetAll())
	assert.Nil(t, r.Previous(1))

	for i := uint64(1); i <= 5; i++ {
		r.Add(captureWith(i))
	}
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, 3, r.Capacity())
	assert.Equal(t, uint64(5), r.Previous(1).Frame.Seq)
	assert.Equal(t, uint64(3), r.Previous(3).Frame.Seq)
	assert.Nil(t, r.Previous(4))

	var seqs []uint64
	for _, c := range r.GetAll() {
		seqs = append(seqs, c.Frame.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestFrameRing_FramesForTrack(t *testing.T) {
	r := NewFrameRing(10)
	r.Add(captureWith(1, object(7, image.Rect(0, 40, 10, 50))))
	r.Add(captureWith(2, object(7, image.Rect(50, 40, 60, 50)), object(8, image.Rect(100, 40, 110, 50))))
	r.Add(captureWith(3, object(8, image.Rect(120, 40, 130, 50))))
	r.Add(captureWith(4, object(7, image.Rect(90, 40, 100, 50))))

	frames := r.framesFor(7, 2)
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(1), frames[0].Frame.Seq)
	assert.False(t, frames[0].EdgeClear)
	assert.True(t, frames[1].EdgeClear)

	latest := LatestEdgeClear(frames, 5)
	require.Len(t, latest, 2)
	assert.Equal(t, uint64(4), latest[0].Frame.Seq)
	assert.Equal(t, uint64(2), latest[1].Frame.Seq)
	assert.Len(t, LatestEdgeClear(frames, 1), 1)

	assert.Empty(t, r.framesFor(99, 2))
}

func TestRegionHistory_PrunesAndWindows(t *testing.T) {
	h := NewRegionHistory(5 * time.Second)
	h.Record(epoch, []RegionReading{{TrackID: 1, Region: FirstFeederMask}})
	h.Record(epoch.Add(time.Second), []RegionReading{{TrackID: 1, Region: SecondFeederMask}})
	assert.Equal(t, 2, h.Len())

	h.Record(epoch.Add(6*time.Second), []RegionReading{{TrackID: 2, Region: MainConveyor}})
	assert.Equal(t, 2, h.Len(), "the reading at epoch is past retention")

	seen := h.Seen(epoch.Add(6*time.Second), 250*time.Millisecond)
	assert.Equal(t, map[FeederRegion]bool{MainConveyor: true}, seen)

	seen = h.Seen(epoch.Add(6*time.Second), 10*time.Second)
	assert.True(t, seen[SecondFeederMask])
}

func TestDeriveFeederState(t *testing.T) {
	tests := []struct {
		seen []FeederRegion
		want FeederState
	}{
		{nil, FirstFeederEmpty},
		{[]FeederRegion{Unknown}, FirstFeederEmpty},
		{[]FeederRegion{FirstFeederMask}, NoObjectUnderneathExitOfFirstFeeder},
		{[]FeederRegion{FirstFeederMask, UnderExitOfFirstFeeder}, ObjectUnderneathExitOfFirstFeeder},
		{[]FeederRegion{SecondFeederMask}, ObjectUnderneathExitOfFirstFeeder},
		{[]FeederRegion{UnderExitOfFirstFeeder, ExitOfSecondFeeder}, ObjectAtEndOfSecondFeeder},
		{[]FeederRegion{ExitOfSecondFeeder, MainConveyor, FirstFeederMask}, ObjectOnMainConveyor},
	}
	for _, tt := range tests {
		seen := make(map[FeederRegion]bool)
		for _, r := range tt.seen {
			seen[r] = true
		}
		assert.Equal(t, tt.want, DeriveFeederState(seen), "seen %v", tt.seen)
	}
}

func TestLinker(t *testing.T) {
	l := NewLinker(0.3)

	first := []Detection{
		object(NoTrack, image.Rect(0, 0, 10, 10)),
		object(NoTrack, image.Rect(50, 0, 60, 10)),
		{Class: ClassMainConveyor, TrackID: NoTrack, BBox: image.Rect(0, 0, 200, 100)},
	}
	l.Assign(first)
	assert.Equal(t, int64(0), first[0].TrackID)
	assert.Equal(t, int64(1), first[1].TrackID)
	assert.Equal(t, NoTrack, first[2].TrackID)

	second := []Detection{
		object(NoTrack, image.Rect(52, 0, 62, 10)),
		object(NoTrack, image.Rect(150, 50, 160, 60)),
		object(42, image.Rect(1, 0, 11, 10)),
	}
	l.Assign(second)
	assert.Equal(t, int64(1), second[0].TrackID)
	assert.Equal(t, int64(2), second[1].TrackID)
	assert.Equal(t, int64(42), second[2].TrackID)

	// track 0 went unseen for one frame and is still matched.
	third := []Detection{object(NoTrack, image.Rect(1, 1, 11, 11))}
	l.Assign(third)
	assert.Equal(t, int64(0), third[0].TrackID)
}
