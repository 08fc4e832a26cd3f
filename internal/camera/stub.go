//go:build !gocv
// +build !gocv

package camera

import (
	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/timeutil"
	"github.com/banshee-data/sorter/internal/vision"
)

// OpenCapture is a stub when camera support is disabled.
func OpenCapture(device string, clock timeutil.Clock) (vision.Camera, error) {
	return nil, ErrNotEnabled
}

// NewYOLODetector is a stub when camera support is disabled.
func NewYOLODetector(cfg config.CamerasConfig) (vision.Detector, error) {
	return nil, ErrNotEnabled
}
