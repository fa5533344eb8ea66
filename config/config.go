package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"ptzspotter/capture"
	"ptzspotter/detection"
	"ptzspotter/ptz"
	"ptzspotter/recorder"
	"ptzspotter/tracking"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the YAML configuration for one camera. Keys are upper-case to
// match the config files the cameras are deployed with.
type Config struct {
	// Camera
	IP        string `yaml:"IP"`
	Port      int    `yaml:"PORT"`
	User      string `yaml:"USER"`
	Pass      string `yaml:"PASS"`
	Driver    string `yaml:"DRIVER"` // onvif or hikvision
	Stream    int    `yaml:"STREAM"`
	RTSPPort  int    `yaml:"RTSP_PORT"`
	StreamURL string `yaml:"STREAM_URL"` // overrides the built RTSP URL

	// Geometry
	Orientation  string    `yaml:"ORIENTATION"`
	InitPos      []float64 `yaml:"INIT_POS"` // pan deg, tilt deg, zoom power
	PanRange     float64   `yaml:"PAN_RANGE"`
	TiltRange    float64   `yaml:"TILT_RANGE"`
	CamZoomPower float64   `yaml:"CAM_ZOOM_POWER"`

	// Control
	Profile       string    `yaml:"PROFILE"`
	PIDGains      []float64 `yaml:"PID_GAINS"` // pan, tilt
	Deadband      *float64  `yaml:"DEADBAND"`
	ZoomStopRatio *float64  `yaml:"ZOOM_STOP_RATIO"`
	ZoomStep      float64   `yaml:"ZOOM_STEP"`
	EdgeMargin    int       `yaml:"EDGE_MARGIN"`

	// Escalation
	CoastFrames              int      `yaml:"COAST_FRAMES"`
	ResetFrames              int      `yaml:"RESET_FRAMES"`
	FramesBeforeReturnToHome int      `yaml:"FRAMES_BEFORE_RETURN_TO_HOME"`
	ZoomDecayStep            float64  `yaml:"ZOOM_DECAY_STEP"`
	SearchPanBias            float64  `yaml:"SEARCH_PAN_BIAS"`
	HomeTolerance            float64  `yaml:"HOME_TOLERANCE"`
	HomeTimeout              Duration `yaml:"HOME_TIMEOUT"`
	LimitZoomOutToHome       bool     `yaml:"LIMIT_ZOOM_OUT_TO_HOME"`
	PollInterval             Duration `yaml:"POLL_INTERVAL"`

	// Detector
	TrackedClass     StringList `yaml:"TRACKED_CLASS"`
	ConfThreshold    float64    `yaml:"CONF_THRESHOLD"`
	NMSThreshold     float64    `yaml:"NMS_THRESHOLD"`
	InputWidth       int        `yaml:"INPUT_WIDTH"`
	InputHeight      int        `yaml:"INPUT_HEIGHT"`
	ModelPath        string     `yaml:"MODEL_PATH"`
	ModelConfigFile  string     `yaml:"MODEL_CONFIG_FILE"`
	ModelWeightsFile string     `yaml:"MODEL_WEIGHTS_FILE"`
	ClassNamesFile   string     `yaml:"CLASS_NAMES_FILE"`
	DNNBackend       string     `yaml:"DNN_BACKEND"`

	// Recording
	Record                   bool    `yaml:"RECORD"`
	RecordOnlyDetections     bool    `yaml:"RECORD_ONLY_DETECTIONS"`
	MinFramesRecordPerDetect int     `yaml:"MIN_FRAMES_RECORD_PER_DETECT"`
	TimelapseDelay           float64 `yaml:"TIMELAPSE_DELAY"` // seconds, 0 disables
	RecordFolder             string  `yaml:"RECORD_FOLDER"`
	RecordDB                 string  `yaml:"RECORD_DB"`
	DrawBox                  bool    `yaml:"DRAW_BOX"`

	// Runtime
	Headless         bool     `yaml:"HEADLESS"`
	OutputStreamAddr string   `yaml:"OUTPUT_STREAM_ADDR"` // MJPEG feed, empty disables
	LogLevel         string   `yaml:"LOG_LEVEL"`
	StatsInterval    Duration `yaml:"STATS_INTERVAL"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "100ms" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// StringList accepts either a single string or a sequence of strings.
type StringList []string

// UnmarshalYAML decodes a scalar as a one-element list.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 80
	}
	if c.Driver == "" {
		c.Driver = "onvif"
	}
	if c.Stream == 0 {
		c.Stream = 1
	}
	if c.RTSPPort == 0 {
		c.RTSPPort = 554
	}
	if c.Orientation == "" {
		c.Orientation = "upright"
	}
	if c.InitPos == nil {
		c.InitPos = []float64{0, 0, 1}
	}
	if c.PanRange == 0 {
		c.PanRange = 360
	}
	if c.TiltRange == 0 {
		c.TiltRange = 90
	}
	if c.CamZoomPower == 0 {
		c.CamZoomPower = 30
	}
	if c.Profile == "" {
		c.Profile = "calm"
	}
	if c.PIDGains == nil {
		c.PIDGains = []float64{1, 1}
	}
	if c.ZoomStep == 0 {
		c.ZoomStep = 0.1
	}
	if c.EdgeMargin == 0 {
		c.EdgeMargin = 20
	}

	sup := tracking.DefaultSupervisorConfig()
	if c.CoastFrames == 0 {
		c.CoastFrames = sup.CoastFrames
	}
	if c.ResetFrames == 0 {
		c.ResetFrames = sup.ResetFrames
	}
	if c.FramesBeforeReturnToHome == 0 {
		c.FramesBeforeReturnToHome = sup.FramesBeforeReturnToHome
	}
	if c.ZoomDecayStep == 0 {
		c.ZoomDecayStep = sup.ZoomDecayStep
	}
	if c.HomeTolerance == 0 {
		c.HomeTolerance = sup.HomeTolerance
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(ptz.DefaultPollInterval)
	}

	if c.ConfThreshold == 0 {
		c.ConfThreshold = 0.25
	}
	if c.NMSThreshold == 0 {
		c.NMSThreshold = 0.45
	}
	if c.InputWidth == 0 {
		c.InputWidth = 640
	}
	if c.InputHeight == 0 {
		c.InputHeight = 640
	}
	if c.DNNBackend == "" {
		c.DNNBackend = string(detection.BackendAuto)
	}

	if c.RecordFolder == "" {
		c.RecordFolder = "./recordings"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = Duration(15 * time.Second)
	}
}

// Validate checks ranges and names and that the model files exist.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.IP == "" && c.StreamURL == "" {
		add("IP is required")
	}
	switch c.Driver {
	case "onvif", "hikvision":
	default:
		add("DRIVER must be onvif or hikvision, got %q", c.Driver)
	}
	if _, err := tracking.ParseOrientation(c.Orientation); err != nil {
		add("ORIENTATION: %v", err)
	}
	if len(c.InitPos) != 3 {
		add("INIT_POS needs pan, tilt and zoom, got %d values", len(c.InitPos))
	}
	if c.PanRange <= 0 || c.TiltRange <= 0 {
		add("PAN_RANGE and TILT_RANGE must be positive")
	}
	if c.CamZoomPower < 1 {
		add("CAM_ZOOM_POWER must be at least 1")
	}

	if _, err := tracking.ProfileByName(c.Profile); err != nil {
		add("PROFILE: %v", err)
	}
	if len(c.PIDGains) != 2 {
		add("PID_GAINS needs pan and tilt gains, got %d values", len(c.PIDGains))
	} else if c.PIDGains[0] <= 0 || c.PIDGains[1] <= 0 {
		add("PID_GAINS must be positive")
	}
	if c.Deadband != nil && (*c.Deadband < 0 || *c.Deadband >= 1) {
		add("DEADBAND must be in [0,1)")
	}
	if c.ZoomStopRatio != nil && (*c.ZoomStopRatio <= 0 || *c.ZoomStopRatio > 1) {
		add("ZOOM_STOP_RATIO must be in (0,1]")
	}

	if c.CoastFrames < 0 || c.ResetFrames < c.CoastFrames {
		add("RESET_FRAMES (%d) must be >= COAST_FRAMES (%d)", c.ResetFrames, c.CoastFrames)
	}
	if c.FramesBeforeReturnToHome < 0 {
		add("FRAMES_BEFORE_RETURN_TO_HOME must not be negative")
	}
	if c.HomeTimeout < 0 || c.PollInterval < 0 {
		add("HOME_TIMEOUT and POLL_INTERVAL must not be negative")
	}

	if len(c.TrackedClass) == 0 {
		add("TRACKED_CLASS must name at least one class")
	}
	if c.ConfThreshold <= 0 || c.ConfThreshold >= 1 {
		add("CONF_THRESHOLD must be in (0,1)")
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold >= 1 {
		add("NMS_THRESHOLD must be in (0,1)")
	}
	switch detection.Backend(c.DNNBackend) {
	case detection.BackendAuto, detection.BackendCPU, detection.BackendCUDA:
	default:
		add("DNN_BACKEND must be auto, cpu or cuda, got %q", c.DNNBackend)
	}
	if c.ModelWeightsFile == "" || c.ClassNamesFile == "" {
		add("MODEL_WEIGHTS_FILE and CLASS_NAMES_FILE are required")
	} else {
		cfgPath, weights, names := c.ModelFiles()
		for _, p := range []string{cfgPath, weights, names} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				add("model file %s: %v", p, err)
			}
		}
	}

	if c.MinFramesRecordPerDetect < 0 || c.TimelapseDelay < 0 {
		add("MIN_FRAMES_RECORD_PER_DETECT and TIMELAPSE_DELAY must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("LOG_LEVEL: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Ranges returns the physical axis spans.
func (c *Config) Ranges() ptz.Ranges {
	return ptz.Ranges{PanDegrees: c.PanRange, TiltDegrees: c.TiltRange, MaxZoomPower: c.CamZoomPower}
}

// HomePosition converts INIT_POS to a normalized pose.
func (c *Config) HomePosition() ptz.Position {
	return c.Ranges().FromPhysical(c.InitPos[0], c.InitPos[1], c.InitPos[2])
}

// CameraStreamURL returns STREAM_URL or builds the RTSP URL from the camera
// identity.
func (c *Config) CameraStreamURL() string {
	if c.StreamURL != "" {
		return c.StreamURL
	}
	return capture.StreamURL(c.User, c.Pass, c.IP, c.RTSPPort, c.Stream)
}

// DeviceHost returns host:port for the PTZ control endpoint.
func (c *Config) DeviceHost() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// OrientationValue returns the parsed orientation. Validate guarantees it
// parses.
func (c *Config) OrientationValue() tracking.Orientation {
	o, _ := tracking.ParseOrientation(c.Orientation)
	return o
}

// Controller returns the controller settings and profile, with DEADBAND and
// ZOOM_STOP_RATIO falling back to the profile defaults.
func (c *Config) Controller() (tracking.ControllerConfig, tracking.Profile, error) {
	profile, err := tracking.ProfileByName(c.Profile)
	if err != nil {
		return tracking.ControllerConfig{}, tracking.Profile{}, err
	}
	cc := tracking.ControllerConfig{
		PanGain:       c.PIDGains[0],
		TiltGain:      c.PIDGains[1],
		Deadband:      profile.Deadband,
		ZoomStopRatio: profile.ZoomStopRatio,
		ZoomStep:      c.ZoomStep,
		EdgeMargin:    c.EdgeMargin,
	}
	if c.Deadband != nil {
		cc.Deadband = *c.Deadband
	}
	if c.ZoomStopRatio != nil {
		cc.ZoomStopRatio = *c.ZoomStopRatio
	}
	return cc, profile, nil
}

// Supervisor returns the escalation settings.
func (c *Config) Supervisor() tracking.SupervisorConfig {
	return tracking.SupervisorConfig{
		Orientation:              c.OrientationValue(),
		Home:                     c.HomePosition(),
		HomeTolerance:            c.HomeTolerance,
		HomeTimeout:              time.Duration(c.HomeTimeout),
		CoastFrames:              c.CoastFrames,
		ResetFrames:              c.ResetFrames,
		FramesBeforeReturnToHome: c.FramesBeforeReturnToHome,
		ZoomDecayStep:            c.ZoomDecayStep,
		SearchPanBias:            c.SearchPanBias,
		LimitZoomOutToHome:       c.LimitZoomOutToHome,
	}
}

// ModelFiles returns the model config, weights and class names paths.
func (c *Config) ModelFiles() (cfgPath, weights, names string) {
	return detection.ModelFiles(c.ModelPath, c.ModelConfigFile, c.ModelWeightsFile, c.ClassNamesFile)
}

// Detector returns the detector options.
func (c *Config) Detector() detection.Options {
	cfgPath, weights, names := c.ModelFiles()
	return detection.Options{
		WeightsPath:    weights,
		ConfigPath:     cfgPath,
		NamesPath:      names,
		InputWidth:     c.InputWidth,
		InputHeight:    c.InputHeight,
		ConfThreshold:  c.ConfThreshold,
		NMSThreshold:   c.NMSThreshold,
		TrackedClasses: c.TrackedClass,
		Backend:        detection.Backend(c.DNNBackend),
	}
}

// RecordPolicy returns the recording policy settings.
func (c *Config) RecordPolicy() recorder.PolicyConfig {
	return recorder.PolicyConfig{
		OnlyDetections:     c.RecordOnlyDetections,
		MinFramesPerDetect: c.MinFramesRecordPerDetect,
		TimelapseDelay:     time.Duration(c.TimelapseDelay * float64(time.Second)),
	}
}

// Level returns the configured log level. Validate guarantees it parses.
func (c *Config) Level() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(c.LogLevel)
	return lvl
}
