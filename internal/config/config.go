package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultConfigPath is the path to the canonical sorter defaults file.
const DefaultConfigPath = "config/sorter.defaults.json"

// Duration is a time.Duration that reads and writes JSON as a duration
// string like "500ms".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the sorter's startup configuration. It is built once by
// DefaultConfig/LoadConfig plus CLI flags and then passed by pointer into
// every component constructor; components treat it as read-only.
type Config struct {
	RunID  string `json:"run_id"`
	DBPath string `json:"db_path"`
	Listen string `json:"listen"`
	Debug  int    `json:"debug"`

	Serial     SerialConfig     `json:"serial"`
	Motors     MotorsConfig     `json:"motors"`
	Doors      DoorsConfig      `json:"doors"`
	Vision     VisionConfig     `json:"vision"`
	Tracking   TrackingConfig   `json:"tracking"`
	Encoder    EncoderConfig    `json:"encoder"`
	Sequencer  SequencerConfig  `json:"sequencer"`
	Topology   TopologyConfig   `json:"topology"`
	Classifier ClassifierConfig `json:"classifier"`
	Cameras    CamerasConfig    `json:"cameras"`
}

// SerialConfig describes the shared serial bus to the motor controller.
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`

	// MinCommandInterval is the enforced gap between two transmitted
	// commands; the controller drops input arriving faster than this.
	MinCommandInterval Duration `json:"min_command_interval"`
	// QueueWarnDepth is the soft backpressure threshold.
	QueueWarnDepth int `json:"queue_warn_depth"`
}

// MotorConfig describes one DC motor behind an H-bridge.
type MotorConfig struct {
	DirPinA  uint8    `json:"dir_pin_a"`
	DirPinB  uint8    `json:"dir_pin_b"`
	PWMPin   uint8    `json:"pwm_pin"`
	Speed    uint8    `json:"speed"`
	Pulse    Duration `json:"pulse"`
	Pause    Duration `json:"pause"`
	Disabled bool     `json:"disabled"`
}

// MotorsConfig groups every motor on the machine.
type MotorsConfig struct {
	MainConveyor   MotorConfig `json:"main_conveyor"`
	FeederConveyor MotorConfig `json:"feeder_conveyor"`
	FirstFeeder    MotorConfig `json:"first_feeder"`
	SecondFeeder   MotorConfig `json:"second_feeder"`

	// BoostedConveyorSpeed is used while an object travels to its bin.
	BoostedConveyorSpeed uint8 `json:"boosted_conveyor_speed"`
	// FirstFeederEmptyPulses is how many first-feeder pulses are issued per
	// cycle while the first feeder looks empty.
	FirstFeederEmptyPulses int `json:"first_feeder_empty_pulses"`
}

// DoorsConfig holds door servo angles and timing.
type DoorsConfig struct {
	ConveyorOpenAngle   uint8    `json:"conveyor_open_angle"`
	ConveyorClosedAngle uint8    `json:"conveyor_closed_angle"`
	BinOpenAngle        uint8    `json:"bin_open_angle"`
	BinClosedAngle      uint8    `json:"bin_closed_angle"`
	ConveyorCloseRamp   Duration `json:"conveyor_close_ramp"`
	ConveyorCloseSteps  int      `json:"conveyor_close_steps"`
	SettleBeforeClose   Duration `json:"settle_before_close"`
	SettleBeforeBinDoor Duration `json:"settle_before_bin_door"`
}

// VisionConfig holds the region-geometry thresholds. These are empirically
// tuned pixel constants that depend on camera placement.
type VisionConfig struct {
	DilationRadius         int      `json:"dilation_radius"`
	EdgeProximityThreshold float64  `json:"edge_proximity_threshold"`
	BBoxMargin             int      `json:"bbox_margin"`
	OverlapThreshold       float64  `json:"overlap_threshold"`
	CenterTolerance        float64  `json:"center_tolerance"`
	EdgeMargin             int      `json:"edge_margin"`
	FrameBufferSize        int      `json:"frame_buffer_size"`
	RegionHistory          Duration `json:"region_history"`
	FeederStateWindow      Duration `json:"feeder_state_window"`
	ClassifierFrames       int      `json:"classifier_frames"`
	FrameBroadcastEvery    int      `json:"frame_broadcast_every"`
	LinkIoU                float64  `json:"link_iou"`
}

// CalibrationPoint pairs a pixel offset along the conveyor with the
// physical distance it corresponds to.
type CalibrationPoint struct {
	Pixels      float64 `json:"pixels"`
	Centimeters float64 `json:"centimeters"`
}

// TrackingConfig holds trajectory matching thresholds.
type TrackingConfig struct {
	MaxPixelDistance       float64            `json:"max_pixel_distance"`
	MinSizeRatio           float64            `json:"min_size_ratio"`
	MaxSizeRatio           float64            `json:"max_size_ratio"`
	MaxGap                 Duration           `json:"max_gap"`
	SpatialWeight          float64            `json:"spatial_weight"`
	ClassificationWeight   float64            `json:"classification_weight"`
	MinVisibleObservations int                `json:"min_visible_observations"`
	VelocityTrajectories   int                `json:"velocity_trajectories"`
	OffCameraDwell         Duration           `json:"off_camera_dwell"`
	MaxAge                 Duration           `json:"max_age"`
	MinRetained            int                `json:"min_retained"`
	Calibration            []CalibrationPoint `json:"calibration"`
	CalibrationDegree      int                `json:"calibration_degree"`
}

// EncoderConfig holds the conveyor encoder polling parameters.
type EncoderConfig struct {
	Enabled        bool     `json:"enabled"`
	PollInterval   Duration `json:"poll_interval"`
	ResponseWindow Duration `json:"response_window"`
	CountsPerCm    float64  `json:"counts_per_cm"`
	ShortWindow    int      `json:"short_window"`
	LongWindow     int      `json:"long_window"`
	Retention      Duration `json:"retention"`
}

// SequencerConfig holds the state machine's tick rate and timeouts.
type SequencerConfig struct {
	StepsPerSecond        int      `json:"steps_per_second"`
	AppearTimeout         Duration `json:"appear_timeout"`
	CenterTimeout         Duration `json:"center_timeout"`
	ClassifyTimeout       Duration `json:"classify_timeout"`
	DeliveryTimeout       Duration `json:"delivery_timeout"`
	FeederEmptyPause      Duration `json:"feeder_empty_pause"`
	StopJoinTimeout       Duration `json:"stop_join_timeout"`
	ClassifierConcurrency int      `json:"classifier_concurrency"`
	LedgerTimeout         Duration `json:"ledger_timeout"`
}

// ServoAddress locates one servo on a PCA9685 board.
type ServoAddress struct {
	Board   uint8 `json:"board"`
	Channel uint8 `json:"channel"`
}

// ModuleConfig describes one distribution module.
type ModuleConfig struct {
	DistanceCm float64        `json:"distance_cm"`
	Door       ServoAddress   `json:"door"`
	Bins       []ServoAddress `json:"bins"`
}

// TopologyConfig is the static hardware layout, ordered from the camera
// outward.
type TopologyConfig struct {
	Modules []ModuleConfig `json:"modules"`
}

// ClassifierConfig points at the remote piece recognition service.
type ClassifierConfig struct {
	URL         string   `json:"url"`
	Timeout     Duration `json:"timeout"`
	ProfilePath string   `json:"profile_path"`
}

// CamerasConfig identifies the two capture devices and the detector model.
type CamerasConfig struct {
	FeederDevice   string   `json:"feeder_device"`
	MainDevice     string   `json:"main_device"`
	ModelPath      string   `json:"model_path"`
	ScoreThreshold float32  `json:"score_threshold"`
	IoUThreshold   float32  `json:"iou_threshold"`
	InputSize      int      `json:"input_size"`
	ClassNames     []string `json:"class_names"`
}
