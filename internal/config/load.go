package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DefaultConfig returns the built-in configuration. The values mirror
// config/sorter.defaults.json.
func DefaultConfig() *Config {
	ms := func(n int) Duration { return Duration(time.Duration(n) * time.Millisecond) }
	return &Config{
		RunID:  "",
		DBPath: "sorter.db",
		Listen: "127.0.0.1:8090",
		Serial: SerialConfig{
			Port:               "/dev/ttyACM0",
			BaudRate:           115200,
			DataBits:           8,
			StopBits:           1,
			Parity:             "N",
			MinCommandInterval: ms(5),
			QueueWarnDepth:     32,
		},
		Motors: MotorsConfig{
			MainConveyor:           MotorConfig{DirPinA: 22, DirPinB: 23, PWMPin: 4, Speed: 160},
			FeederConveyor:         MotorConfig{DirPinA: 24, DirPinB: 25, PWMPin: 5, Speed: 180, Pulse: ms(300), Pause: ms(700)},
			FirstFeeder:            MotorConfig{DirPinA: 26, DirPinB: 27, PWMPin: 6, Speed: 200, Pulse: ms(250), Pause: ms(750)},
			SecondFeeder:           MotorConfig{DirPinA: 28, DirPinB: 29, PWMPin: 7, Speed: 200, Pulse: ms(400), Pause: ms(600)},
			BoostedConveyorSpeed:   255,
			FirstFeederEmptyPulses: 5,
		},
		Doors: DoorsConfig{
			ConveyorOpenAngle:   95,
			ConveyorClosedAngle: 0,
			BinOpenAngle:        90,
			BinClosedAngle:      0,
			ConveyorCloseRamp:   ms(600),
			ConveyorCloseSteps:  6,
			SettleBeforeClose:   ms(400),
			SettleBeforeBinDoor: ms(300),
		},
		Vision: VisionConfig{
			DilationRadius:         6,
			EdgeProximityThreshold: 0.15,
			BBoxMargin:             10,
			OverlapThreshold:       0.6,
			CenterTolerance:        0.1,
			EdgeMargin:             2,
			FrameBufferSize:        30,
			RegionHistory:          ms(5000),
			FeederStateWindow:      ms(250),
			ClassifierFrames:       5,
			FrameBroadcastEvery:    3,
			LinkIoU:                0.3,
		},
		Tracking: TrackingConfig{
			MaxPixelDistance:       150,
			MinSizeRatio:           0.5,
			MaxSizeRatio:           2.0,
			MaxGap:                 ms(300),
			SpatialWeight:          0.7,
			ClassificationWeight:   0.3,
			MinVisibleObservations: 3,
			VelocityTrajectories:   5,
			OffCameraDwell:         ms(500),
			MaxAge:                 ms(60000),
			MinRetained:            10,
			Calibration: []CalibrationPoint{
				{Pixels: 0, Centimeters: 0},
				{Pixels: 1000, Centimeters: 25},
			},
			CalibrationDegree: 1,
		},
		Encoder: EncoderConfig{
			Enabled:        true,
			PollInterval:   ms(50),
			ResponseWindow: ms(20),
			CountsPerCm:    40,
			ShortWindow:    10,
			LongWindow:     50,
			Retention:      ms(40000),
		},
		Sequencer: SequencerConfig{
			StepsPerSecond:        20,
			AppearTimeout:         ms(8000),
			CenterTimeout:         ms(4000),
			ClassifyTimeout:       ms(6000),
			DeliveryTimeout:       ms(15000),
			FeederEmptyPause:      ms(500),
			StopJoinTimeout:       ms(100),
			ClassifierConcurrency: 3,
			LedgerTimeout:         ms(500),
		},
		Topology: TopologyConfig{
			Modules: []ModuleConfig{
				{DistanceCm: 20, Door: ServoAddress{Board: 0x40, Channel: 0}, Bins: []ServoAddress{{0x40, 1}, {0x40, 2}, {0x40, 3}}},
				{DistanceCm: 30, Door: ServoAddress{Board: 0x41, Channel: 0}, Bins: []ServoAddress{{0x41, 1}, {0x41, 2}, {0x41, 3}}},
				{DistanceCm: 40, Door: ServoAddress{Board: 0x42, Channel: 0}, Bins: []ServoAddress{{0x42, 1}, {0x42, 2}, {0x42, 3}}},
			},
		},
		Classifier: ClassifierConfig{
			URL:         "https://api.brickognize.com/predict/",
			Timeout:     ms(3000),
			ProfilePath: "config/profiles/basic.json",
		},
		Cameras: CamerasConfig{
			FeederDevice:   "0",
			MainDevice:     "1",
			ModelPath:      "models/sorter-seg.onnx",
			ScoreThreshold: 0.5,
			IoUThreshold:   0.45,
			InputSize:      640,
			ClassNames:     []string{"object", "first_feeder", "second_feeder", "main_conveyor"},
		},
	}
}

// LoadConfig reads a JSON file on top of DefaultConfig. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// A topology in the file replaces the default one wholesale rather than
	// merging module by module.
	var probe struct {
		Topology *struct {
			Modules json.RawMessage `json:"modules"`
		} `json:"topology"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if probe.Topology != nil && probe.Topology.Modules != nil {
		cfg.Topology.Modules = nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Debug < 0 {
		errs = append(errs, fmt.Errorf("debug must be non-negative, got %d", c.Debug))
	}
	if c.Serial.QueueWarnDepth <= 0 {
		errs = append(errs, fmt.Errorf("serial.queue_warn_depth must be positive, got %d", c.Serial.QueueWarnDepth))
	}
	if c.Serial.MinCommandInterval < 0 {
		errs = append(errs, errors.New("serial.min_command_interval must be non-negative"))
	}
	if c.Sequencer.StepsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("sequencer.steps_per_second must be positive, got %d", c.Sequencer.StepsPerSecond))
	}
	if c.Sequencer.ClassifierConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("sequencer.classifier_concurrency must be positive, got %d", c.Sequencer.ClassifierConcurrency))
	}
	if v := c.Vision.EdgeProximityThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vision.edge_proximity_threshold must be between 0 and 1, got %f", v))
	}
	if v := c.Vision.OverlapThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vision.overlap_threshold must be between 0 and 1, got %f", v))
	}
	if c.Vision.FrameBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("vision.frame_buffer_size must be positive, got %d", c.Vision.FrameBufferSize))
	}
	if c.Tracking.MaxPixelDistance <= 0 {
		errs = append(errs, fmt.Errorf("tracking.max_pixel_distance must be positive, got %f", c.Tracking.MaxPixelDistance))
	}
	if c.Tracking.MinSizeRatio <= 0 || c.Tracking.MinSizeRatio > c.Tracking.MaxSizeRatio {
		errs = append(errs, fmt.Errorf("tracking size ratio range [%f, %f] is invalid", c.Tracking.MinSizeRatio, c.Tracking.MaxSizeRatio))
	}
	if len(c.Tracking.Calibration) <= c.Tracking.CalibrationDegree {
		errs = append(errs, fmt.Errorf("tracking.calibration needs more than %d points for degree %d", c.Tracking.CalibrationDegree, c.Tracking.CalibrationDegree))
	}
	if c.Encoder.Enabled && c.Encoder.CountsPerCm <= 0 {
		errs = append(errs, fmt.Errorf("encoder.counts_per_cm must be positive, got %f", c.Encoder.CountsPerCm))
	}
	if c.Encoder.Enabled && c.Encoder.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("encoder.poll_interval must be positive, got %v", c.Encoder.PollInterval.D()))
	}
	if c.Encoder.Enabled && c.Encoder.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("encoder.response_window must be positive, got %v", c.Encoder.ResponseWindow.D()))
	}
	if c.Encoder.ShortWindow <= 0 || c.Encoder.LongWindow <= 0 {
		errs = append(errs, errors.New("encoder window sizes must be positive"))
	}
	if c.Doors.ConveyorCloseSteps <= 0 {
		errs = append(errs, fmt.Errorf("doors.conveyor_close_steps must be positive, got %d", c.Doors.ConveyorCloseSteps))
	}

	bins := 0
	for i, m := range c.Topology.Modules {
		if m.DistanceCm <= 0 {
			errs = append(errs, fmt.Errorf("topology.modules[%d].distance_cm must be positive, got %f", i, m.DistanceCm))
		}
		if len(m.Bins) == 0 {
			errs = append(errs, fmt.Errorf("topology.modules[%d] has no bins", i))
		}
		bins += len(m.Bins)
	}
	// Two bins are always held back for misc and fallback.
	if bins < 3 {
		errs = append(errs, fmt.Errorf("topology needs at least 3 bins, got %d", bins))
	}
	return errors.Join(errs...)
}

// MotorByName returns a pointer to the named motor section, for the
// --disable-<motor> flags.
func (m *MotorsConfig) MotorByName(name string) (*MotorConfig, bool) {
	switch name {
	case "main-conveyor":
		return &m.MainConveyor, true
	case "feeder-conveyor":
		return &m.FeederConveyor, true
	case "first-feeder":
		return &m.FirstFeeder, true
	case "second-feeder":
		return &m.SecondFeeder, true
	}
	return nil, false
}

// MotorNames lists the names accepted by MotorByName.
var MotorNames = []string{"main-conveyor", "feeder-conveyor", "first-feeder", "second-feeder"}
