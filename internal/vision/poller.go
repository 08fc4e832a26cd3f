package vision

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
)

// ObservationSink receives every main-camera capture. The object tracker
// implements it.
type ObservationSink interface {
	Observe(f *Frame, dets []Detection)
}

// readRetryDelay is how long Run waits after a failed camera read.
const readRetryDelay = 50 * time.Millisecond

// Poller runs the capture, detect and derive loop for one camera.
type Poller struct {
	role     Role
	camera   Camera
	detector Detector
	cfg      *config.VisionConfig
	clock    timeutil.Clock
	sink     events.Sink
	observer ObservationSink
	linker   *Linker

	mu      sync.Mutex
	ring    *FrameRing
	regions *RegionHistory
	latest  *Capture
	ticks   uint64
	missed  uint64

	broadcasting sync.Mutex
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithObserver forwards main-camera detections to s.
func WithObserver(s ObservationSink) PollerOption {
	return func(p *Poller) { p.observer = s }
}

// WithLinker assigns track ids to untracked detections.
func WithLinker(l *Linker) PollerOption {
	return func(p *Poller) { p.linker = l }
}

func NewPoller(role Role, cam Camera, det Detector, cfg *config.VisionConfig, clock timeutil.Clock, sink events.Sink, opts ...PollerOption) *Poller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if sink == nil {
		sink = events.Discard
	}
	p := &Poller{
		role:     role,
		camera:   cam,
		detector: det,
		cfg:      cfg,
		clock:    clock,
		sink:     sink,
		ring:     NewFrameRing(cfg.FrameBufferSize),
		regions:  NewRegionHistory(cfg.RegionHistory.D()),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) Role() Role { return p.role }

// Run captures until ctx is done. Failed reads are skipped.
func (p *Poller) Run(ctx context.Context) error {
	monitoring.Opsf("[vision] %s poller started", p.role)
	defer monitoring.Opsf("[vision] %s poller stopped", p.role)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.CaptureTick(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(readRetryDelay):
			}
		}
	}
}

// CaptureTick reads one frame, runs the detector and records the result.
// It returns an error only when no frame could be read.
func (p *Poller) CaptureTick(ctx context.Context) error {
	frame, err := p.camera.Read(ctx)
	if err != nil {
		p.mu.Lock()
		p.missed++
		p.mu.Unlock()
		monitoring.Diagf("[vision] %s camera read skipped: %v", p.role, err)
		return err
	}
	frame.Camera = p.role

	dets, err := p.detector.Detect(ctx, frame)
	if err != nil {
		monitoring.Opsf("[vision] %s detector failed: %v", p.role, err)
		dets = nil
	}
	if p.linker != nil {
		p.linker.Assign(dets)
	}

	c := &Capture{Frame: frame, Detections: dets}
	bounds := frame.Bounds()
	switch p.role {
	case FeederCamera:
		parts := FixedPartsFrom(bounds, dets)
		c.Regions = []RegionReading{}
		for i := range dets {
			if dets[i].Class != ClassObject {
				continue
			}
			c.Regions = append(c.Regions, RegionReading{
				TrackID: dets[i].TrackID,
				Region:  ClassifyRegion(dets[i].ObjectMask(bounds), parts, p.cfg),
			})
		}
	case MainCamera:
		c.MainState, c.Candidate = MainState(dets, bounds, p.cfg)
	}

	p.mu.Lock()
	p.ring.Add(c)
	if c.Regions != nil {
		p.regions.Record(frame.CapturedAt, c.Regions)
	}
	p.latest = c
	p.ticks++
	tick := p.ticks
	p.mu.Unlock()

	monitoring.Tracef("[vision] %s frame %d: %d detections", p.role, frame.Seq, len(dets))

	if p.role == MainCamera && p.observer != nil {
		p.observer.Observe(frame, dets)
	}
	if every := uint64(p.cfg.FrameBroadcastEvery); every > 0 && tick%every == 0 {
		p.broadcastFrame(frame)
	}
	return nil
}

// broadcastFrame hands the frame to the sink unless the previous broadcast
// is still in progress.
func (p *Poller) broadcastFrame(f *Frame) {
	if !p.broadcasting.TryLock() {
		monitoring.Tracef("[vision] %s frame broadcast skipped", p.role)
		return
	}
	go func() {
		defer p.broadcasting.Unlock()
		p.sink.Broadcast(events.CameraFrame(f.CapturedAt, p.role.String(), f.JPEG))
	}()
}

// DetermineMainCameraState reports the main camera's latest state.
func (p *Poller) DetermineMainCameraState() MainCameraState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return NoObject
	}
	return p.latest.MainState
}

// CurrentCenteredObjectID returns the track id of the object centered in
// the latest main-camera capture.
func (p *Poller) CurrentCenteredObjectID() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil || p.latest.MainState != Centered || p.latest.Candidate == nil {
		return NoTrack, false
	}
	return p.latest.Candidate.TrackID, true
}

// HasObjectOnMainConveyorInFeederView reports whether the latest feeder
// capture shows an object already on the main conveyor.
func (p *Poller) HasObjectOnMainConveyorInFeederView() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return false
	}
	for _, r := range p.latest.Regions {
		if r.Region == MainConveyor {
			return true
		}
	}
	return false
}

// DetermineFeederState derives the feeder state from the region readings in
// the window ending at the latest capture.
func (p *Poller) DetermineFeederState() FeederState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return FirstFeederEmpty
	}
	return DeriveFeederState(p.regions.Seen(p.latest.Frame.CapturedAt, p.cfg.FeederStateWindow.D()))
}

// FramesForTrackID returns, oldest first, the buffered frames containing
// the given track.
func (p *Poller) FramesForTrackID(id int64) []TrackedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.framesFor(id, p.cfg.EdgeMargin)
}

// PollerStatus is a point-in-time summary for the debug surface.
type PollerStatus struct {
	Role        string `json:"role"`
	Ticks       uint64 `json:"ticks"`
	Missed      uint64 `json:"missed"`
	Buffered    int    `json:"buffered"`
	LastSeq     uint64 `json:"last_seq"`
	MainState   string `json:"main_state,omitempty"`
	FeederState string `json:"feeder_state,omitempty"`
}

// TryStatus returns the poller status, or false when the poller is busy.
func (p *Poller) TryStatus() (PollerStatus, bool) {
	if !p.mu.TryLock() {
		return PollerStatus{}, false
	}
	defer p.mu.Unlock()
	st := PollerStatus{Role: p.role.String(), Ticks: p.ticks, Missed: p.missed, Buffered: p.ring.Size()}
	if p.latest != nil {
		st.LastSeq = p.latest.Frame.Seq
		switch p.role {
		case MainCamera:
			st.MainState = p.latest.MainState.String()
		case FeederCamera:
			st.FeederState = DeriveFeederState(p.regions.Seen(p.latest.Frame.CapturedAt, p.cfg.FeederStateWindow.D())).String()
		}
	}
	return st, true
}
