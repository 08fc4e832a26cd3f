package vision

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/sorter/internal/config"
)

var feederFrame = image.Rect(0, 0, 200, 100)

func fixedDetections() []Detection {
	return []Detection{
		{Class: ClassFirstFeeder, TrackID: NoTrack, Score: 0.9, BBox: image.Rect(0, 0, 60, 100)},
		{Class: ClassSecondFeeder, TrackID: NoTrack, Score: 0.9, BBox: image.Rect(60, 0, 140, 100)},
		{Class: ClassMainConveyor, TrackID: NoTrack, Score: 0.9, BBox: image.Rect(140, 0, 200, 100)},
	}
}

func object(id int64, r image.Rectangle) Detection {
	return Detection{Class: ClassObject, TrackID: id, Score: 0.8, BBox: r}
}

func TestClassifyRegion(t *testing.T) {
	cfg := &config.DefaultConfig().Vision
	parts := FixedPartsFrom(feederFrame, fixedDetections())

	tests := []struct {
		name string
		box  image.Rectangle
		want FeederRegion
	}{
		{"on main conveyor", image.Rect(145, 40, 155, 50), MainConveyor},
		{"second feeder touching conveyor", image.Rect(128, 40, 138, 50), ExitOfSecondFeeder},
		{"second feeder touching first feeder", image.Rect(62, 40, 72, 50), UnderExitOfFirstFeeder},
		{"middle of second feeder", image.Rect(95, 40, 105, 50), SecondFeederMask},
		{"on first feeder", image.Rect(20, 40, 30, 50), FirstFeederMask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRegion(MaskFromRect(feederFrame, tt.box), parts, cfg))
		})
	}

	t.Run("no fixed parts", func(t *testing.T) {
		obj := MaskFromRect(feederFrame, image.Rect(95, 40, 105, 50))
		assert.Equal(t, Unknown, ClassifyRegion(obj, FixedParts{}, cfg))
	})
}

func TestFixedPartsFrom_PrefersHighestScore(t *testing.T) {
	dets := []Detection{
		{Class: ClassMainConveyor, Score: 0.3, BBox: image.Rect(0, 0, 10, 10)},
		{Class: ClassMainConveyor, Score: 0.7, BBox: image.Rect(100, 0, 200, 100)},
		object(1, image.Rect(0, 0, 5, 5)),
	}
	parts := FixedPartsFrom(feederFrame, dets)
	assert.Nil(t, parts.FirstFeeder)
	assert.Nil(t, parts.SecondFeeder)
	if assert.NotNil(t, parts.MainConveyor) {
		assert.Equal(t, image.Rect(100, 0, 200, 100), parts.MainConveyor.BBox())
	}
}

func TestMainState(t *testing.T) {
	cfg := &config.DefaultConfig().Vision
	frame := image.Rect(0, 0, 200, 100)

	tests := []struct {
		name   string
		dets   []Detection
		want   MainCameraState
		wantID int64
	}{
		{"nothing", nil, NoObject, NoTrack},
		{"only fixed parts", []Detection{{Class: ClassMainConveyor, BBox: frame}}, NoObject, NoTrack},
		{"centered", []Detection{object(4, image.Rect(90, 40, 110, 60))}, Centered, 4},
		{"off center", []Detection{object(4, image.Rect(10, 40, 30, 60))}, WaitingToCenter, 4},
		{"touching the border", []Detection{object(4, image.Rect(95, 0, 105, 20))}, WaitingToCenter, 4},
		{"nearest wins", []Detection{
			object(1, image.Rect(10, 40, 30, 60)),
			object(2, image.Rect(92, 40, 112, 60)),
		}, Centered, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cand := MainState(tt.dets, frame, cfg)
			assert.Equal(t, tt.want, got)
			if tt.wantID == NoTrack {
				assert.Nil(t, cand)
				return
			}
			if assert.NotNil(t, cand) {
				assert.Equal(t, tt.wantID, cand.TrackID)
			}
		})
	}
}

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.InDelta(t, 50.0/150.0, IoU(a, image.Rect(5, 0, 15, 10)), 1e-9)
	assert.Zero(t, IoU(a, image.Rect(20, 20, 30, 30)))
}
