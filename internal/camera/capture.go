//go:build gocv
// +build gocv

package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/sorter/internal/timeutil"
	"github.com/banshee-data/sorter/internal/vision"
)

// Capture reads JPEG frames from a V4L2/AVFoundation device.
type Capture struct {
	mu     sync.Mutex
	device string
	vc     *gocv.VideoCapture
	img    gocv.Mat
	clock  timeutil.Clock
	seq    uint64
}

// OpenCapture opens device, either an index ("0") or a path/URL.
func OpenCapture(device string, clock timeutil.Clock) (vision.Camera, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", device, err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Capture{device: device, vc: vc, img: gocv.NewMat(), clock: clock}, nil
}

func (c *Capture) Read(ctx context.Context) (*vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil, errors.New("camera closed")
	}
	if ok := c.vc.Read(&c.img); !ok || c.img.Empty() {
		return nil, fmt.Errorf("camera %s: no frame", c.device)
	}
	at := c.clock.Now()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	c.seq++
	return &vision.Frame{
		Seq:        c.seq,
		CapturedAt: at,
		JPEG:       append([]byte(nil), buf.GetBytes()...),
		Width:      c.img.Cols(),
		Height:     c.img.Rows(),
	}, nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.img.Close()
	c.vc = nil
	return err
}
