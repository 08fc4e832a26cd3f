// Package camera provides the OpenCV-backed camera and detector used on the
// machine. Building it for real hardware requires -tags=gocv; without the tag
// the constructors return ErrNotEnabled.
package camera

import (
	"errors"
	"image"

	"github.com/banshee-data/sorter/internal/vision"
)

// ErrNotEnabled is returned by the stub constructors.
var ErrNotEnabled = errors.New("camera support not enabled: rebuild with -tags=gocv")

// candidate is one raw detector row before non-maximum suppression.
type candidate struct {
	box     image.Rectangle
	score   float32
	classID int
}

// parseOutput decodes a YOLOv8 output tensor laid out as [4+classes, rows]:
// center x, center y, width, height, then one score per class. Boxes are
// scaled from the model input size back to the image size.
func parseOutput(data []float32, rows, cols int, input, img image.Point, threshold float32) []candidate {
	if rows <= 0 || cols <= 4 || len(data) < rows*cols {
		return nil
	}
	sx := float32(img.X) / float32(input.X)
	sy := float32(img.Y) / float32(input.Y)

	var out []candidate
	for i := 0; i < rows; i++ {
		best, bestClass := float32(0), -1
		for c := 4; c < cols; c++ {
			if s := data[c*rows+i]; s > best {
				best, bestClass = s, c-4
			}
		}
		if bestClass < 0 || best < threshold {
			continue
		}
		cx, cy := data[i], data[rows+i]
		w, h := data[2*rows+i], data[3*rows+i]
		out = append(out, candidate{
			box: image.Rect(
				int((cx-w/2)*sx), int((cy-h/2)*sy),
				int((cx+w/2)*sx), int((cy+h/2)*sy),
			).Intersect(image.Rectangle{Max: img}),
			score:   best,
			classID: bestClass,
		})
	}
	return out
}

// byClass groups candidates so suppression never lets a large fixed part
// swallow an object lying on it.
func byClass(cands []candidate) map[int][]candidate {
	groups := make(map[int][]candidate)
	for _, c := range cands {
		groups[c.classID] = append(groups[c.classID], c)
	}
	return groups
}

func toDetection(c candidate, names []string) vision.Detection {
	name := ""
	if c.classID < len(names) {
		name = names[c.classID]
	}
	return vision.Detection{
		ClassID: c.classID,
		Class:   name,
		TrackID: vision.NoTrack,
		Score:   c.score,
		BBox:    c.box,
	}
}
