//go:build gocv
// +build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/vision"
)

// YOLODetector runs a YOLOv8 ONNX model through OpenCV's DNN module.
type YOLODetector struct {
	mu    sync.Mutex
	net   gocv.Net
	cfg   config.CamerasConfig
	input image.Point
}

func NewYOLODetector(cfg config.CamerasConfig) (vision.Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &YOLODetector{net: net, cfg: cfg, input: image.Pt(cfg.InputSize, cfg.InputSize)}, nil
}

func (d *YOLODetector) Detect(ctx context.Context, f *vision.Frame) ([]vision.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := gocv.IMDecode(f.JPEG, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("frame %d is empty", f.Seq)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.input, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	// [1, 4+classes, rows] squeezed to a 2D view.
	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	cands := parseOutput(data, sizes[2], sizes[1], d.input, image.Pt(img.Cols(), img.Rows()), d.cfg.ScoreThreshold)

	var dets []vision.Detection
	for _, group := range byClass(cands) {
		boxes := make([]image.Rectangle, len(group))
		scores := make([]float32, len(group))
		for i, c := range group {
			boxes[i], scores[i] = c.box, c.score
		}
		for _, idx := range gocv.NMSBoxes(boxes, scores, d.cfg.ScoreThreshold, d.cfg.IoUThreshold) {
			dets = append(dets, toDetection(group[idx], d.cfg.ClassNames))
		}
	}
	monitoring.Tracef("[camera] frame %d: %d candidates, %d kept", f.Seq, len(cands), len(dets))
	return dets, nil
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
