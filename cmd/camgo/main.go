package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/CamGo/internal/config"
	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/hw/gpio"
	"github.com/cjeanneret/CamGo/internal/hw/mediadev"
	"github.com/cjeanneret/CamGo/internal/hw/v4l2"
	"github.com/cjeanneret/CamGo/internal/logic/capture"
	"github.com/cjeanneret/CamGo/internal/logic/device"
	"github.com/cjeanneret/CamGo/internal/logic/driver"
	"github.com/cjeanneret/CamGo/internal/logic/geometry"
	"github.com/cjeanneret/CamGo/internal/logic/preview"
	"github.com/cjeanneret/CamGo/internal/loop"
	"github.com/cjeanneret/CamGo/internal/platform"
	"github.com/cjeanneret/CamGo/internal/web"
)

// captureTimeout bounds a headless -capture run.
const captureTimeout = 15 * time.Second

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	listDevices := flag.Bool("list-devices", false, "list cameras and exit")
	capturePath := flag.String("capture", "", "take one picture to this path and exit (\"auto\" = generated name)")
	var o cliOverrides
	flag.IntVar(&o.Width, "width", 0, "override requested preview width")
	flag.IntVar(&o.Height, "height", 0, "override requested preview height")
	flag.StringVar(&o.Facing, "facing", "", "override facing (back, front)")
	flag.StringVar(&o.DeviceID, "device", "", "override device id")
	flag.StringVar(&o.Backend, "backend", "", "override backend (sim, v4l2, mediadevices)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (zero values mean "use config default")
	if err := validateCLIOverrides(o); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, o)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Backend", cfg.Camera.Backend)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize camera backend
	debug.Step(2, "Initializing camera backend")
	hw, err := newBackend(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	registry := device.NewRegistry(hw)

	if *listDevices {
		if err := registry.Enumerate(); err != nil {
			log.Fatalf("enumerate cameras: %v", err)
		}
		printDevices(os.Stdout, registry.All())
		return
	}

	var broadcaster *web.StatusBroadcaster
	var hub *web.PreviewHub
	events := driver.Events{}
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		hub = web.NewPreviewHub(cfg.PreviewInterval(), cfg.Web.PreviewQuality)
		events = web.DriverEvents(broadcaster)
	}

	// Build the driver
	debug.Step(3, "Wiring capture driver")
	worker := loop.NewSerial("capture")
	ui := loop.NewSerial("ui")
	defer ui.Close()
	defer worker.Close()

	results := make(chan capture.Result, 1)
	failures := make(chan error, 1)
	if *capturePath != "" {
		events = headlessEvents(results, failures)
	}

	drv, err := buildDriver(cfg, hw, registry, gpioDriver, worker, ui, events)
	if err != nil {
		log.Fatalf("init driver failed: %v", err)
	}
	defer drv.Release()

	if *capturePath != "" {
		path := *capturePath
		if path == "auto" {
			path = ""
		}
		drv.SetSurface(camera.Offscreen{})
		res, err := captureOnce(ctx, drv, path, results, failures)
		if err != nil {
			log.Fatalf("capture failed: %v", err)
		}
		fmt.Printf("%s %dx%d\n", res.Path, res.Width, res.Height)
		return
	}

	if hub != nil {
		drv.SetSurface(hub)
		drv.AddPreviewListener(hub.OnFrame)
		if err := drv.Open(); err == nil {
			_ = drv.StartPreview()
		}

		webAddr := fmt.Sprintf(":%d", webPort.port())
		srv := web.NewServer(webAddr, broadcaster, drv, cfg.Capture.Dir, hub)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	// Headless preview: keep the camera streaming until interrupted.
	drv.SetSurface(camera.Offscreen{})
	if err := drv.Open(); err != nil {
		log.Fatalf("open camera: %v", err)
	}
	if err := drv.StartPreview(); err != nil {
		log.Fatalf("start preview: %v", err)
	}
	debug.Summary("Previewing; press Ctrl-C to stop")
	<-ctx.Done()
}

// buildDriver wires the registry, pipeline, capture session and platform
// collaborators around hw.
func buildDriver(cfg *config.Config, hw camera.Subsystem, registry *device.Registry, g gpio.Driver,
	worker, ui loop.Executor, events driver.Events) (*driver.Driver, error) {
	storage, err := platform.NewDirStorage(cfg.Capture.Dir, cfg.Capture.IndexFile)
	if err != nil {
		return nil, err
	}
	perms := newPermissions(cfg, storage.Dir)
	var location platform.LocationProvider = platform.NoLocation{}
	if cfg.Location.Enabled {
		location = platform.StaticLocation{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}
	}
	var rotation geometry.RotationSource
	if rot, ok := cfg.DeviceRotation(); ok {
		rotation = geometry.FixedRotation(rot)
	}

	session := capture.NewSession(capture.Options{
		Hardware:    hw,
		Permissions: perms,
		Storage:     storage,
		Location:    location,
		Worker:      worker,
		UI:          ui,
		Indicator:   gpio.NewIndicator(g, cfg.Indicator.Pin, cfg.Indicator.ActiveLow),
		Dir:         storage.Dir,
	})
	debug.Value("Capture dir", storage.Dir)
	debug.Value("Permissions", cfg.Permissions.Mode)

	return driver.New(driver.Options{
		Hardware:    hw,
		Registry:    registry,
		Pipeline:    preview.New(hw),
		Session:     session,
		Permissions: perms,
		Orientation: geometry.NewOrientation(cfg.FallbackDegrees()),
		Rotation:    rotation,
		UI:          ui,
		Events:      events,
	}, driver.Request{
		DeviceID: cfg.Camera.DeviceID,
		Front:    cfg.WantsFront(),
		Width:    cfg.Camera.PreviewWidth,
		Height:   cfg.Camera.PreviewHeight,
	}), nil
}

// headlessEvents forwards the first capture outcome to results or failures.
func headlessEvents(results chan<- capture.Result, failures chan<- error) driver.Events {
	return driver.Events{
		OnError: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
		OnCaptureComplete: func(res capture.Result) {
			select {
			case results <- res:
			default:
			}
		},
	}
}

// captureOnce opens the camera, starts the preview and takes one picture.
func captureOnce(ctx context.Context, drv *driver.Driver, path string,
	results <-chan capture.Result, failures <-chan error) (capture.Result, error) {
	if err := drv.Open(); err != nil {
		return capture.Result{}, err
	}
	if err := drv.StartPreview(); err != nil {
		return capture.Result{}, err
	}
	if err := drv.Capture(path); err != nil {
		return capture.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	select {
	case res := <-results:
		return res, nil
	case err := <-failures:
		return capture.Result{}, err
	case <-ctx.Done():
		return capture.Result{}, ctx.Err()
	}
}

// newBackend selects a camera implementation based on configuration.
func newBackend(cfg *config.Config) (camera.Subsystem, error) {
	switch cfg.Camera.Backend {
	case config.BackendSim:
		sim := camera.NewSim(simDevices(cfg.Camera.Devices), cfg.Camera.FPS)
		sim.SetQuality(cfg.Camera.JPEGQuality)
		return sim, nil
	case config.BackendV4L2:
		return v4l2.New(v4l2.Options{
			Nodes:        v4l2Nodes(cfg.Camera.Devices),
			FrameTimeout: cfg.FrameTimeout(),
			Quality:      cfg.Camera.JPEGQuality,
		})
	case config.BackendMediaDevices:
		return mediadev.New(mediadev.Options{
			Hints:   mediaHints(cfg.Camera.Devices),
			Quality: cfg.Camera.JPEGQuality,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported camera backend: %s", cfg.Camera.Backend)
	}
}

// simDevices converts configured devices for the simulator; nil selects its
// default back and front units.
func simDevices(devs []config.DeviceConfig) []camera.DeviceInfo {
	if len(devs) == 0 {
		return nil
	}
	out := make([]camera.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		facing, _ := camera.ParseFacing(d.Facing)
		info := camera.DeviceInfo{
			ID:                d.ID,
			Label:             d.Label,
			Facing:            facing,
			SensorOrientation: d.SensorOrientation,
			PreviewSizes:      sizes(d.PreviewSizes),
			FocusModes:        []camera.FocusMode{camera.FocusAuto, camera.FocusContinuousPicture},
		}
		if len(info.PreviewSizes) == 0 {
			info.PreviewSizes = []camera.Size{{Width: 1280, Height: 720}, {Width: 640, Height: 480}}
		}
		out = append(out, info)
	}
	return out
}

// v4l2Nodes converts configured devices to device nodes; nil lets the backend
// discover /dev/video*.
func v4l2Nodes(devs []config.DeviceConfig) []v4l2.Node {
	var out []v4l2.Node
	for _, d := range devs {
		facing, _ := camera.ParseFacing(d.Facing)
		path := d.Path
		if path == "" {
			path = d.ID
		}
		out = append(out, v4l2.Node{
			ID:                d.ID,
			Path:              path,
			Label:             d.Label,
			Facing:            facing,
			SensorOrientation: d.SensorOrientation,
			PreviewSizes:      sizes(d.PreviewSizes),
		})
	}
	return out
}

func mediaHints(devs []config.DeviceConfig) map[string]mediadev.Hint {
	hints := make(map[string]mediadev.Hint, len(devs))
	for _, d := range devs {
		facing, _ := camera.ParseFacing(d.Facing)
		h := mediadev.Hint{Facing: facing, SensorOrientation: d.SensorOrientation}
		hints[d.ID] = h
		if d.Label != "" {
			hints[d.Label] = h
		}
	}
	return hints
}

func sizes(in []config.SizeConfig) []camera.Size {
	var out []camera.Size
	for _, s := range in {
		out = append(out, camera.Size{Width: s.Width, Height: s.Height})
	}
	return out
}

// newPermissions builds the permission oracle selected in configuration.
func newPermissions(cfg *config.Config, captureDir string) platform.PermissionOracle {
	if cfg.Permissions.Mode == "files" {
		var nodes []string
		if cfg.Camera.Backend == config.BackendV4L2 {
			for _, n := range v4l2Nodes(cfg.Camera.Devices) {
				nodes = append(nodes, n.Path)
			}
		}
		return platform.FileAccess{DeviceNodes: nodes, CaptureDir: captureDir}
	}
	return platform.Static{Camera: !cfg.Permissions.DenyCamera, Storage: !cfg.Permissions.DenyStorage}
}

func printDevices(w io.Writer, devs []device.Descriptor) {
	for _, d := range devs {
		var sz []string
		for _, s := range d.SupportedPreviewSizes {
			sz = append(sz, s.String())
		}
		fmt.Fprintf(w, "%-12s %-6s %3d° %-24s %s\n", d.ID, d.Facing, d.SensorOrientation, d.Label, strings.Join(sz, " "))
	}
}

// cliOverrides holds command-line values that replace configuration.
type cliOverrides struct {
	Width    int
	Height   int
	Facing   string
	DeviceID string
	Backend  string
}

// validateCLIOverrides checks that set CLI overrides are valid.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o cliOverrides) error {
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", o.Width, o.Height)
	}
	if (o.Width == 0) != (o.Height == 0) {
		return errors.New("width and height must be overridden together")
	}
	if o.Width > 8192 || o.Height > 8192 {
		return fmt.Errorf("width and height must be <= 8192, got %dx%d", o.Width, o.Height)
	}
	switch strings.ToLower(o.Facing) {
	case "", "back", "front":
	default:
		return fmt.Errorf("facing must be back or front, got %q", o.Facing)
	}
	switch o.Backend {
	case "", config.BackendSim, config.BackendV4L2, config.BackendMediaDevices:
	default:
		return fmt.Errorf("backend must be sim, v4l2 or mediadevices, got %q", o.Backend)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set override values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Width > 0 && o.Height > 0 {
		cfg.Camera.PreviewWidth = o.Width
		cfg.Camera.PreviewHeight = o.Height
	}
	if o.Facing != "" {
		cfg.Camera.Facing = strings.ToLower(o.Facing)
		cfg.Camera.DeviceID = ""
	}
	if o.DeviceID != "" {
		cfg.Camera.DeviceID = o.DeviceID
	}
	if o.Backend != "" {
		cfg.Camera.Backend = o.Backend
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
