package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/robot.navigator/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical navigator defaults file.
const DefaultConfigPath = "config/navigator.defaults.json"

// Config is the root runtime configuration of the navigator.
//
// Every field is a pointer so that a partial JSON file only overrides what it
// names; the Get* accessors supply the default for anything left unset.
type Config struct {
	// Robot endpoints
	RobotHost         *string `json:"robot_host,omitempty"`
	StreamPort        *int    `json:"stream_port,omitempty"`
	WebsocketPort     *int    `json:"websocket_port,omitempty"`
	StreamURLTemplate *string `json:"stream_url_template,omitempty"` // printf template: host, port, camera index
	NumCameras        *int    `json:"num_cameras,omitempty"`

	// Capture
	ConnectAttempts *int    `json:"connect_attempts,omitempty"`
	ConnectBackoff  *string `json:"connect_backoff,omitempty"` // duration string like "5s"
	ReadBackoff     *string `json:"read_backoff,omitempty"`
	ReadTimeout     *string `json:"read_timeout,omitempty"` // give up on a stalled stream read

	// Pipeline
	PipelineInterval *string  `json:"pipeline_interval,omitempty"`
	Annotate         *bool    `json:"annotate,omitempty"`
	Tracker          *string  `json:"tracker,omitempty"` // "stereo", "iou" or "both"
	SmoothingAlpha   *float64 `json:"smoothing_alpha,omitempty"`
	StereoGate       *float64 `json:"stereo_gate,omitempty"`
	MaxTrackAge      *int     `json:"max_track_age,omitempty"`
	IoUThreshold     *float64 `json:"iou_threshold,omitempty"`
	MaxMissed        *int     `json:"max_missed,omitempty"`

	// Detector
	ModelPath            *string  `json:"model_path,omitempty"`
	DetectorInputSize    *int     `json:"detector_input_size,omitempty"`
	DetectorConfidence   *float64 `json:"detector_confidence,omitempty"`
	DetectorNMSThreshold *float64 `json:"detector_nms_threshold,omitempty"`

	// Navigation
	Strategy         *string  `json:"strategy,omitempty"`
	DecisionInterval *string  `json:"decision_interval,omitempty"`
	SafeDistance     *float64 `json:"safe_distance,omitempty"`
	SafetyMargin     *float64 `json:"safety_margin,omitempty"`
	AutonomyEnabled  *bool    `json:"autonomy_enabled,omitempty"`

	// Command channel
	CommandTransport *string `json:"command_transport,omitempty"` // "websocket" or "serial"
	ReconnectBackoff *string `json:"reconnect_backoff,omitempty"`
	CommandQueueSize *int    `json:"command_queue_size,omitempty"`
	SerialPort       *string `json:"serial_port,omitempty"`
	SerialBaudRate   *int    `json:"serial_baud_rate,omitempty"`

	// Calibration files
	MetricsPath           *string `json:"metrics_path,omitempty"`
	CropPath              *string `json:"crop_path,omitempty"`
	StereoCalibrationPath *string `json:"stereo_calibration_path,omitempty"`

	// Surfaces
	AdminListen     *string `json:"admin_listen,omitempty"`
	TelemetryListen *string `json:"telemetry_listen,omitempty"`
	LogLevel        *string `json:"log_level,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field populated from the
// built-in defaults.
func DefaultConfig() *Config {
	e := EmptyConfig()
	return &Config{
		RobotHost:             ptrString(e.GetRobotHost()),
		StreamPort:            ptrInt(e.GetStreamPort()),
		WebsocketPort:         ptrInt(e.GetWebsocketPort()),
		StreamURLTemplate:     ptrString(e.GetStreamURLTemplate()),
		NumCameras:            ptrInt(e.GetNumCameras()),
		ConnectAttempts:       ptrInt(e.GetConnectAttempts()),
		ConnectBackoff:        ptrString(e.GetConnectBackoff().String()),
		ReadBackoff:           ptrString(e.GetReadBackoff().String()),
		ReadTimeout:           ptrString(e.GetReadTimeout().String()),
		PipelineInterval:      ptrString(e.GetPipelineInterval().String()),
		Annotate:              ptrBool(e.GetAnnotate()),
		Tracker:               ptrString(e.GetTracker()),
		SmoothingAlpha:        ptrFloat64(e.GetSmoothingAlpha()),
		StereoGate:            ptrFloat64(e.GetStereoGate()),
		MaxTrackAge:           ptrInt(e.GetMaxTrackAge()),
		IoUThreshold:          ptrFloat64(e.GetIoUThreshold()),
		MaxMissed:             ptrInt(e.GetMaxMissed()),
		ModelPath:             ptrString(e.GetModelPath()),
		DetectorInputSize:     ptrInt(e.GetDetectorInputSize()),
		DetectorConfidence:    ptrFloat64(e.GetDetectorConfidence()),
		DetectorNMSThreshold:  ptrFloat64(e.GetDetectorNMSThreshold()),
		Strategy:              ptrString(e.GetStrategy()),
		DecisionInterval:      ptrString(e.GetDecisionInterval().String()),
		SafeDistance:          ptrFloat64(e.GetSafeDistance()),
		SafetyMargin:          ptrFloat64(e.GetSafetyMargin()),
		AutonomyEnabled:       ptrBool(e.GetAutonomyEnabled()),
		CommandTransport:      ptrString(e.GetCommandTransport()),
		ReconnectBackoff:      ptrString(e.GetReconnectBackoff().String()),
		CommandQueueSize:      ptrInt(e.GetCommandQueueSize()),
		SerialPort:            ptrString(e.GetSerialPort()),
		SerialBaudRate:        ptrInt(e.GetSerialBaudRate()),
		MetricsPath:           ptrString(e.GetMetricsPath()),
		CropPath:              ptrString(e.GetCropPath()),
		StereoCalibrationPath: ptrString(e.GetStereoCalibrationPath()),
		AdminListen:           ptrString(e.GetAdminListen()),
		TelemetryListen:       ptrString(e.GetTelemetryListen()),
		LogLevel:              ptrString(e.GetLogLevel()),
	}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfigFS is LoadConfig reading from fsys.
func LoadConfigFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := fsutil.ReadLimited(fsys, cleanPath, fsutil.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// current directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/detection/yolo/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"connect_backoff":   c.ConnectBackoff,
		"read_backoff":      c.ReadBackoff,
		"read_timeout":      c.ReadTimeout,
		"pipeline_interval": c.PipelineInterval,
		"decision_interval": c.DecisionInterval,
		"reconnect_backoff": c.ReconnectBackoff,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	// The pipeline pairs a left and a right frame every cycle.
	if c.NumCameras != nil && *c.NumCameras != 2 {
		return fmt.Errorf("num_cameras must be 2 (left and right), got %d", *c.NumCameras)
	}
	if c.ConnectAttempts != nil && *c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1, got %d", *c.ConnectAttempts)
	}
	if c.SmoothingAlpha != nil && (*c.SmoothingAlpha < 0 || *c.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be between 0 and 1, got %f", *c.SmoothingAlpha)
	}
	if c.IoUThreshold != nil && (*c.IoUThreshold < 0 || *c.IoUThreshold > 1) {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", *c.IoUThreshold)
	}
	if c.StereoGate != nil && *c.StereoGate <= 0 {
		return fmt.Errorf("stereo_gate must be positive, got %f", *c.StereoGate)
	}
	if c.MaxTrackAge != nil && *c.MaxTrackAge < 1 {
		return fmt.Errorf("max_track_age must be at least 1, got %d", *c.MaxTrackAge)
	}
	if c.MaxMissed != nil && *c.MaxMissed < 0 {
		return fmt.Errorf("max_missed must be non-negative, got %d", *c.MaxMissed)
	}
	if c.SafeDistance != nil && *c.SafeDistance < 0 {
		return fmt.Errorf("safe_distance must be non-negative, got %f", *c.SafeDistance)
	}
	if c.CommandQueueSize != nil && *c.CommandQueueSize < 1 {
		return fmt.Errorf("command_queue_size must be at least 1, got %d", *c.CommandQueueSize)
	}
	if c.Tracker != nil {
		switch *c.Tracker {
		case "stereo", "iou", "both":
		default:
			return fmt.Errorf("unknown tracker %q: expected stereo, iou or both", *c.Tracker)
		}
	}
	if c.CommandTransport != nil {
		switch *c.CommandTransport {
		case "websocket", "serial":
		default:
			return fmt.Errorf("unknown command_transport %q: expected websocket or serial", *c.CommandTransport)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// StreamURL formats the stream address of camera i.
func (c *Config) StreamURL(i int) string {
	return fmt.Sprintf(c.GetStreamURLTemplate(), c.GetRobotHost(), c.GetStreamPort(), i)
}

// CommandURL returns the websocket command endpoint of the robot.
func (c *Config) CommandURL() string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(c.GetRobotHost(), strconv.Itoa(c.GetWebsocketPort())), Path: "/ws"}
	return u.String()
}

// GetRobotHost returns the robot_host value or the default.
func (c *Config) GetRobotHost() string {
	if c.RobotHost == nil || *c.RobotHost == "" {
		return "192.168.129.84"
	}
	return *c.RobotHost
}

// GetStreamPort returns the stream_port value or the default.
func (c *Config) GetStreamPort() int {
	if c.StreamPort == nil {
		return 8554
	}
	return *c.StreamPort
}

// GetWebsocketPort returns the websocket_port value or the default.
func (c *Config) GetWebsocketPort() int {
	if c.WebsocketPort == nil {
		return 8000
	}
	return *c.WebsocketPort
}

// GetStreamURLTemplate returns the stream_url_template value or the default.
func (c *Config) GetStreamURLTemplate() string {
	if c.StreamURLTemplate == nil || *c.StreamURLTemplate == "" {
		return "rtsp://%s:%d/cam%d"
	}
	return *c.StreamURLTemplate
}

// GetNumCameras returns the num_cameras value or the default.
func (c *Config) GetNumCameras() int {
	if c.NumCameras == nil {
		return 2
	}
	return *c.NumCameras
}

// GetConnectAttempts returns the connect_attempts value or the default.
func (c *Config) GetConnectAttempts() int {
	if c.ConnectAttempts == nil {
		return 3
	}
	return *c.ConnectAttempts
}

// GetConnectBackoff returns the connect_backoff duration or the default.
func (c *Config) GetConnectBackoff() time.Duration {
	return durationOr(c.ConnectBackoff, 5*time.Second)
}

// GetReadBackoff returns the read_backoff duration or the default.
func (c *Config) GetReadBackoff() time.Duration {
	return durationOr(c.ReadBackoff, 100*time.Millisecond)
}

// GetReadTimeout returns the read_timeout duration or the default.
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 5*time.Second)
}

// GetPipelineInterval returns the pipeline_interval duration or the default.
func (c *Config) GetPipelineInterval() time.Duration {
	return durationOr(c.PipelineInterval, 33*time.Millisecond)
}

// GetAnnotate returns the annotate value or the default.
func (c *Config) GetAnnotate() bool {
	if c.Annotate == nil {
		return true
	}
	return *c.Annotate
}

// GetTracker returns the tracker value or the default.
func (c *Config) GetTracker() string {
	if c.Tracker == nil || *c.Tracker == "" {
		return "stereo"
	}
	return *c.Tracker
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
// Zero disables temporal smoothing of detections.
func (c *Config) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0
	}
	return *c.SmoothingAlpha
}

// GetStereoGate returns the stereo_gate value or the default.
func (c *Config) GetStereoGate() float64 {
	if c.StereoGate == nil {
		return 0.5
	}
	return *c.StereoGate
}

// GetMaxTrackAge returns the max_track_age value or the default.
func (c *Config) GetMaxTrackAge() int {
	if c.MaxTrackAge == nil {
		return 50
	}
	return *c.MaxTrackAge
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *Config) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3
	}
	return *c.IoUThreshold
}

// GetMaxMissed returns the max_missed value or the default.
func (c *Config) GetMaxMissed() int {
	if c.MaxMissed == nil {
		return 3
	}
	return *c.MaxMissed
}

// GetModelPath returns the model_path value or the default.
func (c *Config) GetModelPath() string {
	if c.ModelPath == nil || *c.ModelPath == "" {
		return "models/robot_detect.onnx"
	}
	return *c.ModelPath
}

// GetDetectorInputSize returns the detector_input_size value or the default.
func (c *Config) GetDetectorInputSize() int {
	if c.DetectorInputSize == nil {
		return 640
	}
	return *c.DetectorInputSize
}

// GetDetectorConfidence returns the detector_confidence value or the default.
func (c *Config) GetDetectorConfidence() float64 {
	if c.DetectorConfidence == nil {
		return 0.5
	}
	return *c.DetectorConfidence
}

// GetDetectorNMSThreshold returns the detector_nms_threshold value or the default.
func (c *Config) GetDetectorNMSThreshold() float64 {
	if c.DetectorNMSThreshold == nil {
		return 0.45
	}
	return *c.DetectorNMSThreshold
}

// GetStrategy returns the strategy value or the default.
func (c *Config) GetStrategy() string {
	if c.Strategy == nil || *c.Strategy == "" {
		return "reactive"
	}
	return *c.Strategy
}

// GetDecisionInterval returns the decision_interval duration or the default.
func (c *Config) GetDecisionInterval() time.Duration {
	return durationOr(c.DecisionInterval, 500*time.Millisecond)
}

// GetSafeDistance returns the safe_distance value or the default.
func (c *Config) GetSafeDistance() float64 {
	if c.SafeDistance == nil {
		return 0.15
	}
	return *c.SafeDistance
}

// GetSafetyMargin returns the safety_margin value or the default.
func (c *Config) GetSafetyMargin() float64 {
	if c.SafetyMargin == nil {
		return 0.05
	}
	return *c.SafetyMargin
}

// GetAutonomyEnabled returns the autonomy_enabled value or the default.
func (c *Config) GetAutonomyEnabled() bool {
	if c.AutonomyEnabled == nil {
		return false
	}
	return *c.AutonomyEnabled
}

// GetCommandTransport returns the command_transport value or the default.
func (c *Config) GetCommandTransport() string {
	if c.CommandTransport == nil || *c.CommandTransport == "" {
		return "websocket"
	}
	return *c.CommandTransport
}

// GetReconnectBackoff returns the reconnect_backoff duration or the default.
func (c *Config) GetReconnectBackoff() time.Duration {
	return durationOr(c.ReconnectBackoff, time.Second)
}

// GetCommandQueueSize returns the command_queue_size value or the default.
func (c *Config) GetCommandQueueSize() int {
	if c.CommandQueueSize == nil {
		return 16
	}
	return *c.CommandQueueSize
}

// GetSerialPort returns the serial_port value or the default.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *Config) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}

// GetMetricsPath returns the metrics_path value or the default.
func (c *Config) GetMetricsPath() string {
	if c.MetricsPath == nil || *c.MetricsPath == "" {
		return "config/metrics.json"
	}
	return *c.MetricsPath
}

// GetCropPath returns the crop_path value or the default.
func (c *Config) GetCropPath() string {
	if c.CropPath == nil || *c.CropPath == "" {
		return "config/crop.json"
	}
	return *c.CropPath
}

// GetStereoCalibrationPath returns the stereo_calibration_path value. Empty
// means no calibration: the stereo tracker falls back to pixel coordinates.
func (c *Config) GetStereoCalibrationPath() string {
	if c.StereoCalibrationPath == nil {
		return ""
	}
	return *c.StereoCalibrationPath
}

// GetAdminListen returns the admin_listen value or the default.
func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil || *c.AdminListen == "" {
		return ":8080"
	}
	return *c.AdminListen
}

// GetTelemetryListen returns the telemetry_listen value or the default.
// Empty disables the gRPC telemetry stream.
func (c *Config) GetTelemetryListen() string {
	if c.TelemetryListen == nil {
		return "localhost:50051"
	}
	return *c.TelemetryListen
}

// GetLogLevel returns the log_level value or the default.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}
