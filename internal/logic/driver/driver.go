// Package driver ties the registry, the preview pipeline and the capture
// session into the camera lifecycle:
//
//	Idle -> Opened -> Previewing <-> Capturing, Release -> Idle
package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/logic/capture"
	"github.com/cjeanneret/CamGo/internal/logic/device"
	"github.com/cjeanneret/CamGo/internal/logic/geometry"
	"github.com/cjeanneret/CamGo/internal/logic/preview"
	"github.com/cjeanneret/CamGo/internal/loop"
	"github.com/cjeanneret/CamGo/internal/platform"
)

// State is the driver lifecycle state.
type State int

const (
	Idle State = iota
	Opened
	Previewing
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opened:
		return "opened"
	case Previewing:
		return "previewing"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Opened, Previewing, Capturing} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown driver state %q", b)
}

// Request holds the parameters the next open and preview use.
type Request struct {
	DeviceID string `json:"device_id,omitempty"` // empty = by facing
	Front    bool   `json:"front"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Events are delivered on the UI executor. Any of them may be nil.
type Events struct {
	OnError           func(error)
	OnStateChange     func(from, to State)
	OnCaptureBegin    func()
	OnCaptureComplete func(capture.Result)
}

// Options wires a Driver to its collaborators.
type Options struct {
	Hardware    camera.Subsystem
	Registry    *device.Registry
	Pipeline    *preview.Pipeline
	Session     *capture.Session
	Permissions platform.PermissionOracle
	Orientation geometry.Orientation
	Rotation    geometry.RotationSource // nil = always use the fallback
	Surface     camera.Surface
	UI          loop.Executor // nil = events run inline, under the driver lock
	Events      Events
}

// Driver is the camera state machine. All methods are safe for concurrent
// use; preview listeners must not call back into the driver.
type Driver struct {
	opts Options

	mu       sync.Mutex
	state    State
	handle   camera.Handle // nil = no device open
	device   device.Descriptor
	req      Request
	size     camera.Size
	rotation int
	surface  camera.Surface
}

// New creates an Idle driver.
func New(opts Options, req Request) *Driver {
	if opts.Permissions == nil {
		opts.Permissions = platform.Static{Camera: true, Storage: true}
	}
	return &Driver{opts: opts, req: req, surface: opts.Surface}
}

// Open acquires the requested device. It only has an effect from Idle.
// A hardware failure returns camerr.ErrDeviceOpenFailed and the driver stays
// Idle.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Idle {
		debug.Verbose("Driver: open ignored in state %s", d.state)
		return nil
	}
	return d.openLocked()
}

func (d *Driver) openLocked() error {
	if !d.opts.Permissions.HasCameraPermission() {
		return d.fail(camerr.ErrPermissionDenied)
	}
	if d.opts.Registry.Len() == 0 {
		if err := d.opts.Registry.Enumerate(); err != nil {
			return d.fail(err)
		}
	}
	desc, ok := d.selectLocked()
	if !ok {
		return d.fail(camerr.ErrNoDeviceFound)
	}

	h, err := d.opts.Hardware.Open(desc.ID)
	if err != nil {
		d.handle = nil
		return d.fail(fmt.Errorf("%w: device %s: %v", camerr.ErrDeviceOpenFailed, desc.ID, err))
	}
	d.handle = h
	d.device = desc
	debug.Live("Driver: opened device %s (%s, %s)", desc.ID, desc.Label, desc.Facing)
	d.setState(Opened)
	return nil
}

// selectLocked resolves the request to a device: explicit id, then facing,
// then the default device.
func (d *Driver) selectLocked() (device.Descriptor, bool) {
	reg := d.opts.Registry
	if d.req.DeviceID != "" {
		if desc, ok := reg.LookupID(d.req.DeviceID); ok {
			return desc, true
		}
		debug.Info("Driver: device %q not found, using default", d.req.DeviceID)
	} else if d.req.Front {
		if desc, ok := reg.LookupFacing(camera.FacingFront); ok {
			return desc, true
		}
		debug.Info("Driver: no front camera, using default")
	}
	return reg.Default()
}

// StartPreview configures the open device and starts streaming into the
// preview pipeline. It only has an effect from Opened.
func (d *Driver) StartPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil || d.state != Opened {
		debug.Verbose("Driver: start preview ignored in state %s", d.state)
		return nil
	}
	return d.startPreviewLocked()
}

func (d *Driver) startPreviewLocked() error {
	if d.surface == nil {
		return d.fail(camerr.ErrNoSurface)
	}

	supported := d.device.SupportedPreviewSizes
	if len(supported) == 0 {
		sizes, err := d.opts.Hardware.SupportedSizes(d.handle)
		if err != nil {
			debug.Verbose("Driver: supported sizes unavailable: %v", err)
		}
		supported = sizes
	}
	size, err := geometry.Negotiate(supported, d.req.Width, d.req.Height)
	if err != nil {
		debug.Info("Driver: %v, using %s as requested", err, size)
	}

	front := d.device.Facing == camera.FacingFront
	rotation := d.opts.Orientation.Resolve(d.opts.Rotation, d.device.SensorOrientation, front)

	cfg := camera.Config{
		PreviewFormat:   camera.FormatNV21,
		PictureFormat:   camera.FormatJPEG,
		PreviewSize:     size,
		PictureSize:     size,
		DisplayRotation: rotation,
		Surface:         d.surface,
	}
	if d.device.SupportsFocus(camera.FocusContinuousPicture) {
		cfg.Focus = camera.FocusContinuousPicture
	}
	if debug.IsEnabled(3) {
		debug.PrintStruct("Hardware config", cfg)
	}
	if err := d.opts.Hardware.Configure(d.handle, cfg); err != nil {
		return d.fail(fmt.Errorf("configure device %s: %w", d.device.ID, err))
	}
	if err := d.opts.Pipeline.Arm(d.handle, size); err != nil {
		return d.fail(err)
	}
	d.size = size
	d.req.Width, d.req.Height = size.Width, size.Height
	d.rotation = rotation
	d.setState(Previewing)
	return nil
}

// StopPreview disarms the pipeline and keeps the device open. A capture in
// flight still completes, but does not restart the preview.
func (d *Driver) StopPreview() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Previewing && d.state != Capturing {
		return
	}
	d.opts.Pipeline.Disarm()
	d.setState(Opened)
}

// SwitchFacing toggles between the front and back cameras.
func (d *Driver) SwitchFacing() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.req
	next.Front = !next.Front
	next.DeviceID = ""
	return d.reconfigureLocked(next)
}

// SwitchDevice selects the device with the given id.
func (d *Driver) SwitchDevice(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.opts.Registry.LookupID(id)
	if !ok {
		return d.fail(fmt.Errorf("device %q: %w", id, camerr.ErrNoDeviceFound))
	}
	next := d.req
	next.DeviceID = id
	next.Front = desc.Facing == camera.FacingFront
	return d.reconfigureLocked(next)
}

// UpdateResolution changes the requested preview size.
func (d *Driver) UpdateResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resolution %dx%d: %w", width, height, camerr.ErrUnsupportedConfiguration)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.req
	next.Width, next.Height = width, height
	return d.reconfigureLocked(next)
}

// reconfigureLocked applies next through a full stop, release, open and
// start. When the new parameters cannot be opened the previous ones are
// restored.
func (d *Driver) reconfigureLocked(next Request) error {
	switch d.state {
	case Idle:
		d.req = next
		return nil
	case Capturing:
		debug.Info("Driver: parameter change ignored while capturing")
		return nil
	}

	wasPreviewing := d.state == Previewing
	prev := d.req
	d.teardownLocked()
	d.req = next

	err := d.openLocked()
	if err != nil {
		d.req = prev
		if rerr := d.openLocked(); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	if wasPreviewing {
		if serr := d.startPreviewLocked(); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// Capture takes a still picture from the running preview. It only has an
// effect while Previewing. path may be empty.
func (d *Driver) Capture(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil || d.state != Previewing {
		debug.Verbose("Driver: capture ignored in state %s", d.state)
		return nil
	}

	req := capture.Request{Size: d.size, Orientation: d.rotation, Path: path}
	cb := capture.Callbacks{
		OnBegin:    d.opts.Events.OnCaptureBegin,
		OnComplete: d.opts.Events.OnCaptureComplete,
		OnError:    d.opts.Events.OnError,
	}
	// resume needs d.mu, so it cannot observe the state before it is set below.
	err := d.opts.Session.Capture(d.handle, req, d.opts.Pipeline.Suspend, d.resume, cb)
	switch {
	case err == nil:
		d.setState(Capturing)
	case errors.Is(err, camerr.ErrAlreadyCapturing):
		// Debounced: an earlier capture still owns the preview.
		return nil
	case errors.Is(err, camerr.ErrPermissionDenied):
		// Reported by the session; nothing was touched.
	default:
		debug.Error(err)
		d.restartPreviewLocked()
	}
	return err
}

// resume runs on the capture worker once a capture has been handled.
func (d *Driver) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Capturing || d.handle == nil {
		debug.Verbose("Driver: preview not restarted, state is %s", d.state)
		return
	}
	d.restartPreviewLocked()
}

// restartPreviewLocked stops and restarts the stream at the current size.
func (d *Driver) restartPreviewLocked() {
	d.opts.Pipeline.Disarm()
	if err := d.opts.Pipeline.Arm(d.handle, d.size); err != nil {
		d.fail(err)
		d.setState(Opened)
		return
	}
	d.setState(Previewing)
}

// Release closes the device from any state and returns to Idle.
func (d *Driver) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownLocked()
	d.opts.Session.ClearInFlight()
}

func (d *Driver) teardownLocked() {
	d.opts.Pipeline.Disarm()
	if d.handle != nil {
		if err := d.opts.Hardware.Release(d.handle); err != nil {
			debug.Verbose("Driver: release: %v", err)
		}
		debug.Live("Driver: released device %s", d.device.ID)
	}
	d.handle = nil
	d.device = device.Descriptor{}
	d.size = camera.Size{}
	d.setState(Idle)
}

// PreviewSizes lists the preview sizes of the open or selected device,
// filtered to ratio when it is not nil.
func (d *Driver) PreviewSizes(ratio *float64) []camera.Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, h := d.device, d.handle
	if h == nil {
		desc, _ = d.selectLocked()
	}
	sizes := desc.SupportedPreviewSizes
	if len(sizes) == 0 && h != nil {
		sizes, _ = d.opts.Hardware.SupportedSizes(h)
	}
	return geometry.FilterByAspect(sizes, ratio)
}

// AddPreviewListener registers fn for preview frames.
func (d *Driver) AddPreviewListener(fn preview.Listener) preview.ListenerID {
	return d.opts.Pipeline.AddListener(fn)
}

// RemovePreviewListener unregisters a listener.
func (d *Driver) RemovePreviewListener(id preview.ListenerID) {
	d.opts.Pipeline.RemoveListener(id)
}

// SetSurface binds the display target used by the next StartPreview.
func (d *Driver) SetSurface(s camera.Surface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surface = s
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Request returns the current parameters.
func (d *Driver) Request() Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.req
}

// Status is a snapshot of the driver for display.
type Status struct {
	State       State       `json:"state"`
	Request     Request     `json:"request"`
	DeviceID    string      `json:"device_id,omitempty"`
	PreviewSize camera.Size `json:"preview_size"`
	Rotation    int         `json:"rotation"`
}

// Status returns a consistent snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{State: d.state, Request: d.req, DeviceID: d.device.ID, Rotation: d.rotation}
	if d.state == Previewing || d.state == Capturing {
		st.PreviewSize = d.size
	}
	return st
}

// Devices lists the enumerated devices.
func (d *Driver) Devices() []device.Descriptor {
	return d.opts.Registry.All()
}

func (d *Driver) setState(to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	debug.State(from.String(), to.String())
	if fn := d.opts.Events.OnStateChange; fn != nil {
		d.post(func() { fn(from, to) })
	}
}

// fail reports err through OnError and returns it.
func (d *Driver) fail(err error) error {
	debug.Error(err)
	if fn := d.opts.Events.OnError; fn != nil {
		d.post(func() { fn(err) })
	}
	return err
}

func (d *Driver) post(fn func()) {
	if d.opts.UI == nil {
		fn()
		return
	}
	if !d.opts.UI.Post(fn) {
		debug.Verbose("Driver: UI loop closed, event dropped")
	}
}
