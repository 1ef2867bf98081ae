package camera

import (
	"errors"
	"fmt"
	"strings"
)

// Facing is the sensor orientation relative to the device body.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingOther
)

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return "other"
	}
}

// ParseFacing parses "back", "front" or "other" (case-insensitive).
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	case "other":
		return FacingOther, nil
	default:
		return FacingOther, fmt.Errorf("unknown facing %q", s)
	}
}

// MarshalText encodes f by name, for JSON and YAML.
func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (f *Facing) UnmarshalText(b []byte) error {
	v, err := ParseFacing(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Size is a pixel grid size. It is a value type.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// FrameBytes returns the NV21 buffer length for s: one luma byte per pixel
// plus half-rate interleaved chroma.
func (s Size) FrameBytes() int {
	return s.Width * s.Height * 3 / 2
}

// Format identifies a pixel or picture format.
type Format string

const (
	FormatNV21 Format = "NV21"
	FormatYUYV Format = "YUYV"
	FormatJPEG Format = "JPEG"
)

// FocusMode is a hardware focus setting.
type FocusMode string

const (
	FocusContinuousPicture FocusMode = "continuous-picture"
	FocusAuto              FocusMode = "auto"
	FocusFixed             FocusMode = "fixed"
)

// DeviceInfo is what a backend reports about one physical camera unit.
type DeviceInfo struct {
	ID                string
	Label             string
	Facing            Facing
	VendorID          int // 0 = unknown
	ProductID         int // 0 = unknown
	SensorOrientation int // degrees the sensor image must be rotated to be upright
	PreviewSizes      []Size
	FocusModes        []FocusMode
}

// SupportsFocus reports whether m is listed in FocusModes.
func (d DeviceInfo) SupportsFocus(m FocusMode) bool {
	for _, f := range d.FocusModes {
		if f == m {
			return true
		}
	}
	return false
}

// Handle is an open hardware device. Backends return their own concrete type.
type Handle interface {
	DeviceID() string
}

// Config is the hardware configuration applied before streaming.
type Config struct {
	PreviewFormat   Format
	PictureFormat   Format
	PreviewSize     Size
	PictureSize     Size
	Focus           FocusMode // empty = leave the device default
	DisplayRotation int
	Surface         Surface
}

// FrameFunc is invoked by the backend on its own goroutine with a filled
// buffer that was previously handed over with SubmitBuffer.
type FrameFunc func(buf []byte)

// Picture is the raw result of a still capture.
type Picture struct {
	Data   []byte
	Format Format
	Width  int // 0 = not reported by the device
	Height int
}

// PictureFunc receives the asynchronous result of TakePicture.
type PictureFunc func(Picture, error)

// Subsystem is the hardware camera contract the driver is written against.
// A backend may invoke FrameFunc and PictureFunc from any goroutine, but never
// concurrently for the same handle.
type Subsystem interface {
	Devices() ([]DeviceInfo, error)
	Open(deviceID string) (Handle, error)
	SupportedSizes(h Handle) ([]Size, error)
	Configure(h Handle, cfg Config) error
	// SetFrameCallback registers fn; nil clears the registration.
	SetFrameCallback(h Handle, fn FrameFunc) error
	// SubmitBuffer hands buf to the hardware for the next preview frame.
	SubmitBuffer(h Handle, buf []byte) error
	StartStream(h Handle) error
	StopStream(h Handle) error
	// TakePicture requests a still image; done is called exactly once
	// unless an error is returned.
	TakePicture(h Handle, done PictureFunc) error
	Release(h Handle) error
}

// SurfaceKind distinguishes texture-backed from windowed display targets.
type SurfaceKind int

const (
	SurfaceTexture SurfaceKind = iota
	SurfaceWindow
)

// Surface is a display target. The driver never looks inside it; it is only
// passed through to the backend's Configure.
type Surface interface {
	SurfaceKind() SurfaceKind
}

// Offscreen is a texture surface that presents nothing, for headless runs.
type Offscreen struct{}

func (Offscreen) SurfaceKind() SurfaceKind { return SurfaceTexture }

// ErrBadHandle is returned when a handle is foreign to the backend or
// already released.
var ErrBadHandle = errors.New("camera: invalid or released handle")
