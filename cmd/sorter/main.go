package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sorter/internal/bins"
	"github.com/banshee-data/sorter/internal/camera"
	"github.com/banshee-data/sorter/internal/classify"
	"github.com/banshee-data/sorter/internal/config"
	"github.com/banshee-data/sorter/internal/db"
	"github.com/banshee-data/sorter/internal/encoder"
	"github.com/banshee-data/sorter/internal/events"
	"github.com/banshee-data/sorter/internal/hardware"
	"github.com/banshee-data/sorter/internal/monitor"
	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/sequencer"
	"github.com/banshee-data/sorter/internal/timeutil"
	"github.com/banshee-data/sorter/internal/tracking"
	"github.com/banshee-data/sorter/internal/version"
	"github.com/banshee-data/sorter/internal/vision"
)

var (
	configFile = flag.String("config", "", "Path to a JSON config file layered over the built-in defaults")
	devMode    = flag.Bool("dev", false, "Run without a controller or cameras")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	port       = flag.String("port", "", "Serial port of the motor controller (overrides config)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	runID      = flag.String("run-id", "", "Identifier stored with every sorted object (overrides config)")
	debugLevel = flag.Int("debug", -1, "Log level: 0 ops, 1 adds diagnostics, 2 adds trace (overrides config)")
	profile    = flag.String("profile", "", "Sorting profile JSON (overrides config)")
	showVer    = flag.Bool("version", false, "Print the build version and exit")
)

// disableMotor holds one --disable-<motor> flag per motor.
var disableMotor = func() map[string]*bool {
	m := make(map[string]*bool, len(config.MotorNames))
	for _, name := range config.MotorNames {
		m[name] = flag.Bool("disable-"+name, false, fmt.Sprintf("Never drive the %s motor", name))
	}
	return m
}()

// devFrameInterval paces the fake cameras in dev mode.
const devFrameInterval = 100 * time.Millisecond

// applyFlags layers command line overrides onto cfg.
func applyFlags(cfg *config.Config) error {
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *runID != "" {
		cfg.RunID = *runID
	}
	if *debugLevel >= 0 {
		cfg.Debug = *debugLevel
	}
	if *profile != "" {
		cfg.Classifier.ProfilePath = *profile
	}
	for name, off := range disableMotor {
		if !*off {
			continue
		}
		mc, ok := cfg.Motors.MotorByName(name)
		if !ok {
			return fmt.Errorf("unknown motor %q", name)
		}
		mc.Disabled = true
	}
	if cfg.RunID == "" {
		cfg.RunID = time.Now().UTC().Format("20060102T150405Z")
	}
	return cfg.Validate()
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(*configFile)
}

// doorServos lists every conveyor and bin door servo in the topology.
func doorServos(cmd hardware.Commander, topo *bins.Topology) (conveyor, bin []hardware.Servo) {
	for _, m := range topo.Modules {
		conveyor = append(conveyor, hardware.NewServo(cmd, m.Door))
		for _, b := range m.Bins {
			bin = append(bin, hardware.NewServo(cmd, b.Door))
		}
	}
	return conveyor, bin
}

// closeAllDoors wakes the servo boards and drives every door shut.
func closeAllDoors(cmd hardware.Commander, topo *bins.Topology, doors config.DoorsConfig) error {
	conveyor, bin := doorServos(cmd, topo)
	errs := []error{hardware.InitBoards(cmd, append(conveyor, bin...)...)}
	for _, s := range conveyor {
		errs = append(errs, s.SetAngle(doors.ConveyorClosedAngle, 0))
	}
	for _, s := range bin {
		errs = append(errs, s.SetAngle(doors.BinClosedAngle, 0))
	}
	return errors.Join(errs...)
}

// pacedCamera throttles a camera that never blocks.
type pacedCamera struct {
	vision.Camera
	clock    timeutil.Clock
	interval time.Duration
}

func (c pacedCamera) Read(ctx context.Context) (*vision.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.clock.After(c.interval):
	}
	return c.Camera.Read(ctx)
}

// openCameras returns the feeder and main camera plus a detector. In dev
// mode, or when built without camera support, blank frames are produced and
// nothing is ever detected.
func openCameras(cfg config.CamerasConfig, clock timeutil.Clock) (feeder, mainCam vision.Camera, det vision.Detector, err error) {
	if !*devMode {
		feeder, err = camera.OpenCapture(cfg.FeederDevice, clock)
		if err == nil {
			mainCam, err = camera.OpenCapture(cfg.MainDevice, clock)
		}
		if err == nil {
			det, err = camera.NewYOLODetector(cfg)
		}
		if err == nil {
			return feeder, mainCam, det, nil
		}
		for _, c := range []vision.Camera{feeder, mainCam} {
			if c != nil {
				c.Close()
			}
		}
		if !errors.Is(err, camera.ErrNotEnabled) {
			return nil, nil, nil, err
		}
		monitoring.Opsf("[sorter] %v; using blank frames", err)
	}
	blank := func() vision.Camera {
		return pacedCamera{Camera: &vision.FakeCamera{Clock: clock, Width: 640, Height: 480}, clock: clock, interval: devFrameInterval}
	}
	return blank(), blank(), &vision.FakeDetector{}, nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := applyFlags(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	monitoring.SetLogWriters(monitoring.WritersForLevel(cfg.Debug, os.Stderr))

	clock := timeutil.RealClock{}

	var link hardware.Port
	if *devMode {
		link = hardware.NewDisabledPort()
	} else {
		p, err := hardware.OpenPort(cfg.Serial.Port, hardware.PortOptions{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
		})
		if err != nil {
			log.Fatalf("failed to open serial port %s: %v", cfg.Serial.Port, err)
		}
		link = p
	}
	defer link.Close()

	channel := hardware.NewChannel(link, hardware.ChannelConfig{
		MinInterval: cfg.Serial.MinCommandInterval.D(),
		WarnDepth:   cfg.Serial.QueueWarnDepth,
		Clock:       clock,
	})
	replies := hardware.NewReplyMux(link)

	database, err := db.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", cfg.DBPath, err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	hub := events.NewHub("sorter")

	topo := bins.NewTopology(cfg.Topology)
	ledger := bins.NewLedger(topo, db.NewBinStateStore(database, clock), hub, clock, cfg.Sequencer.LedgerTimeout.D())
	if err := ledger.Restore(context.Background()); err != nil {
		log.Fatalf("failed to restore bin state: %v", err)
	}
	if err := closeAllDoors(channel, topo, cfg.Doors); err != nil {
		log.Fatalf("failed to initialise doors: %v", err)
	}

	calib, err := tracking.FitCalibration(cfg.Tracking.Calibration, cfg.Tracking.CalibrationDegree)
	if err != nil {
		log.Fatalf("failed to fit camera calibration: %v", err)
	}
	scene := tracking.NewTracker(&cfg.Tracking, calib, cfg.Vision.EdgeMargin, clock)

	feederCam, mainCam, detector, err := openCameras(cfg.Cameras, clock)
	if err != nil {
		log.Fatalf("failed to open cameras: %v", err)
	}
	defer feederCam.Close()
	defer mainCam.Close()
	feederPoller := vision.NewPoller(vision.FeederCamera, feederCam, detector, &cfg.Vision, clock, hub,
		vision.WithLinker(vision.NewLinker(cfg.Vision.LinkIoU)))
	mainPoller := vision.NewPoller(vision.MainCamera, mainCam, detector, &cfg.Vision, clock, hub,
		vision.WithObserver(scene), vision.WithLinker(vision.NewLinker(cfg.Vision.LinkIoU)))

	prof, err := classify.LoadProfile(cfg.Classifier.ProfilePath)
	if err != nil {
		log.Fatalf("failed to load sorting profile: %v", err)
	}
	sorter := classify.NewPieceSorter(&http.Client{Timeout: cfg.Classifier.Timeout.D()}, cfg.Classifier, prof)

	deps := sequencer.Deps{
		Main:      mainPoller,
		Feeder:    feederPoller,
		Scene:     scene,
		Ledger:    ledger,
		Sorter:    sorter,
		Objects:   db.NewKnownObjectStore(database),
		Sink:      hub,
		Commander: channel,
		Motors:    sequencer.NewMotors(channel, cfg.Motors),
		Clock:     clock,
	}
	mon := monitor.Deps{
		Queue:     channel,
		Scene:     scene,
		Bins:      ledger,
		Cameras:   []monitor.CameraSource{feederPoller, mainPoller},
		Commander: channel,
	}
	var odometer *encoder.Tracker
	if cfg.Encoder.Enabled {
		odometer = encoder.NewTracker(channel, replies, clock, cfg.Encoder)
		deps.Odometer = odometer
		mon.Speed = odometer
	}
	seq := sequencer.New(cfg, deps)
	mon.Sequencer = seq

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	monitor.AttachAdminRoutes(mux, mon)
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("failed to attach database admin routes: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Opsf("[sorter] %s run %s starting (dev=%v)", version.String(), cfg.RunID, *devMode)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer replies.Close()
		if err := replies.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("[sorter] serial reply monitor stopped: %v", err)
		}
	}()

	for _, p := range []*vision.Poller{feederPoller, mainPoller} {
		wg.Add(1)
		go func(p *vision.Poller) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Opsf("[sorter] %s poller failed: %v", p.Role(), err)
			}
		}(p)
	}

	if odometer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := odometer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Opsf("[sorter] encoder tracker failed: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("[sorter] sequencer failed: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server := &http.Server{Addr: cfg.Listen, Handler: mux}

		go func() {
			monitoring.Opsf("[sorter] listening on %s", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Opsf("[sorter] shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Opsf("[sorter] HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Opsf("[sorter] HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()

	// The sequencer has stopped the conveyor; make sure the brake and door
	// commands reach the controller before the port goes away.
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := channel.Flush(flushCtx); err != nil {
		monitoring.Opsf("[sorter] command queue not drained: %v", err)
	}
	cancel()
	if err := channel.Close(); err != nil {
		monitoring.Opsf("[sorter] command channel close: %v", err)
	}
	monitoring.Opsf("[sorter] graceful shutdown complete")
}
