package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Backends accepted in camera.backend.
const (
	BackendSim          = "sim"
	BackendV4L2         = "v4l2"
	BackendMediaDevices = "mediadevices"
)

// SizeConfig is a width x height pair in pixels.
type SizeConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DeviceConfig declares one camera unit explicitly. For the v4l2 backend
// Path is the device node; for the sim backend the entry defines a
// simulated unit.
type DeviceConfig struct {
	ID                string       `yaml:"id"`
	Path              string       `yaml:"path"`               // e.g., "/dev/video0"
	Label             string       `yaml:"label"`              // human-readable name
	Facing            string       `yaml:"facing"`             // "back", "front" or "other"
	SensorOrientation int          `yaml:"sensor_orientation"` // degrees, 0/90/180/270
	PreviewSizes      []SizeConfig `yaml:"preview_sizes"`      // empty = ask the hardware
}

// CameraConfig selects the hardware backend and the initial request.
type CameraConfig struct {
	Backend        string         `yaml:"backend"`          // "sim", "v4l2" or "mediadevices"
	Facing         string         `yaml:"facing"`           // initial facing, default "back"
	DeviceID       string         `yaml:"device_id"`        // overrides facing when set
	PreviewWidth   int            `yaml:"preview_width"`    // requested preview width (max)
	PreviewHeight  int            `yaml:"preview_height"`   // requested preview height (max)
	FPS            int            `yaml:"fps"`              // sim/v4l2 frame rate
	JPEGQuality    int            `yaml:"jpeg_quality"`     // 1-100
	FrameTimeoutMs int            `yaml:"frame_timeout_ms"` // v4l2 wait per frame
	Devices        []DeviceConfig `yaml:"devices"`
}

// CaptureConfig controls where stills are written.
type CaptureConfig struct {
	Dir       string `yaml:"dir"`        // capture directory
	IndexFile string `yaml:"index_file"` // media catalog, relative to dir
}

// OrientationConfig controls display rotation.
type OrientationConfig struct {
	FallbackDegrees *int `yaml:"fallback_degrees"` // used when the device rotation is unknown (default 90)
	DeviceRotation  *int `yaml:"device_rotation"`  // fixed device rotation; unset = unknown
}

// PermissionsConfig selects the permission oracle.
type PermissionsConfig struct {
	Mode        string `yaml:"mode"`         // "static" (default) or "files"
	DenyCamera  bool   `yaml:"deny_camera"`  // static mode only
	DenyStorage bool   `yaml:"deny_storage"` // static mode only
}

// LocationConfig attaches a fixed position to captures.
type LocationConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// IndicatorConfig describes the capture tally LED. Pin 0 disables it.
type IndicatorConfig struct {
	Pin       int  `yaml:"pin"`        // BCM pin
	ActiveLow bool `yaml:"active_low"` // LOW = lit
}

// WebConfig tunes the browser preview.
type WebConfig struct {
	PreviewFPS     int `yaml:"preview_fps"`     // frames pushed to browsers per second
	PreviewQuality int `yaml:"preview_quality"` // JPEG quality of pushed frames
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Capture     CaptureConfig     `yaml:"capture"`
	Orientation OrientationConfig `yaml:"orientation"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Location    LocationConfig    `yaml:"location"`
	Indicator   IndicatorConfig   `yaml:"indicator"`
	Web         WebConfig         `yaml:"web"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath accepts only *.yaml files directly inside a directory
// named "configs", with no ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: a simulated
// back camera at 1280x720.
func Default() *Config {
	var cfg Config
	_ = cfg.normalize()
	return &cfg
}

// normalize applies defaults, then validates.
func (c *Config) normalize() error {
	cam := &c.Camera
	if cam.Backend == "" {
		cam.Backend = BackendSim
	}
	switch cam.Backend {
	case BackendSim, BackendV4L2, BackendMediaDevices:
	default:
		return fmt.Errorf("camera.backend must be sim, v4l2 or mediadevices, got %q", cam.Backend)
	}
	if err := validFacing(cam.Facing); err != nil {
		return fmt.Errorf("camera.facing: %w", err)
	}
	if cam.PreviewWidth == 0 && cam.PreviewHeight == 0 {
		cam.PreviewWidth, cam.PreviewHeight = 1280, 720 // reasonable default
	}
	if cam.PreviewWidth <= 0 || cam.PreviewHeight <= 0 {
		return fmt.Errorf("camera preview size must be > 0, got %dx%d", cam.PreviewWidth, cam.PreviewHeight)
	}
	if cam.FPS == 0 {
		cam.FPS = 30
	}
	if cam.FPS < 1 || cam.FPS > 120 {
		return fmt.Errorf("camera.fps must be between 1 and 120, got %d", cam.FPS)
	}
	if cam.JPEGQuality == 0 {
		cam.JPEGQuality = 85
	}
	if cam.JPEGQuality < 1 || cam.JPEGQuality > 100 {
		return fmt.Errorf("camera.jpeg_quality must be between 1 and 100, got %d", cam.JPEGQuality)
	}
	if cam.FrameTimeoutMs <= 0 {
		cam.FrameTimeoutMs = 1000
	}
	seen := make(map[string]bool, len(cam.Devices))
	for i := range cam.Devices {
		d := &cam.Devices[i]
		if d.ID == "" {
			d.ID = d.Path
		}
		if d.ID == "" {
			return fmt.Errorf("camera.devices[%d]: id or path is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("camera.devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if err := validFacing(d.Facing); err != nil {
			return fmt.Errorf("camera.devices[%d].facing: %w", i, err)
		}
		if d.SensorOrientation < 0 || d.SensorOrientation >= 360 {
			return fmt.Errorf("camera.devices[%d].sensor_orientation must be in [0,360), got %d", i, d.SensorOrientation)
		}
		for _, s := range d.PreviewSizes {
			if s.Width <= 0 || s.Height <= 0 {
				return fmt.Errorf("camera.devices[%d]: invalid preview size %dx%d", i, s.Width, s.Height)
			}
		}
	}

	if c.Capture.Dir == "" {
		c.Capture.Dir = "captures"
	}
	if c.Capture.IndexFile == "" {
		c.Capture.IndexFile = "index.yaml"
	}

	if c.Orientation.FallbackDegrees != nil {
		if fb := *c.Orientation.FallbackDegrees; fb < 0 || fb >= 360 {
			return fmt.Errorf("orientation.fallback_degrees must be in [0,360), got %d", fb)
		}
	}
	if c.Orientation.DeviceRotation != nil {
		switch *c.Orientation.DeviceRotation {
		case 0, 90, 180, 270:
		default:
			return fmt.Errorf("orientation.device_rotation must be 0, 90, 180 or 270, got %d", *c.Orientation.DeviceRotation)
		}
	}

	switch c.Permissions.Mode {
	case "":
		c.Permissions.Mode = "static"
	case "static", "files":
	default:
		return fmt.Errorf("permissions.mode must be static or files, got %q", c.Permissions.Mode)
	}

	if c.Location.Enabled {
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
			return fmt.Errorf("location.latitude must be between -90 and 90, got %g", c.Location.Latitude)
		}
		if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return fmt.Errorf("location.longitude must be between -180 and 180, got %g", c.Location.Longitude)
		}
	}

	if c.Indicator.Pin < 0 {
		return fmt.Errorf("indicator.pin must be >= 0, got %d", c.Indicator.Pin)
	}

	if c.Web.PreviewFPS <= 0 {
		c.Web.PreviewFPS = 10
	}
	if c.Web.PreviewQuality <= 0 {
		c.Web.PreviewQuality = 70
	}
	if c.Web.PreviewQuality > 100 {
		return fmt.Errorf("web.preview_quality must be <= 100, got %d", c.Web.PreviewQuality)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func validFacing(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back", "front", "other":
		return nil
	default:
		return fmt.Errorf("unknown facing %q", s)
	}
}

// FrameTimeout returns how long the v4l2 backend waits for a frame.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Camera.FrameTimeoutMs) * time.Millisecond
}

// FrameInterval returns the time between two simulated frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.Camera.FPS)
}

// PreviewInterval returns the minimum time between two frames pushed to a
// browser.
func (c *Config) PreviewInterval() time.Duration {
	return time.Second / time.Duration(c.Web.PreviewFPS)
}

// FallbackDegrees returns the display rotation used when the device rotation
// is unknown, or -1 when unset so the caller applies its own default.
func (c *Config) FallbackDegrees() int {
	if c.Orientation.FallbackDegrees == nil {
		return -1
	}
	return *c.Orientation.FallbackDegrees
}

// DeviceRotation returns the configured device rotation and whether one is
// configured.
func (c *Config) DeviceRotation() (int, bool) {
	if c.Orientation.DeviceRotation == nil {
		return 0, false
	}
	return *c.Orientation.DeviceRotation, true
}

// WantsFront reports whether the initial request targets the front camera.
func (c *Config) WantsFront() bool {
	return strings.EqualFold(strings.TrimSpace(c.Camera.Facing), "front")
}
