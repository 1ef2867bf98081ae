// Package camerr holds the error taxonomy shared by the driver layers.
// Callers match with errors.Is; layers wrap with fmt.Errorf("...: %w", err).
package camerr

import "errors"

var (
	// ErrDeviceOpenFailed is returned when the hardware refuses to open a device.
	// The driver stays Idle.
	ErrDeviceOpenFailed = errors.New("camera: device open failed")

	// ErrNoDeviceFound is returned when enumeration yields zero devices.
	ErrNoDeviceFound = errors.New("camera: no device found")

	// ErrPermissionDenied is returned before any hardware interaction when the
	// camera or storage authorization is missing.
	ErrPermissionDenied = errors.New("camera: permission denied")

	// ErrAlreadyCapturing marks a debounced capture request. It is never
	// surfaced to callers.
	ErrAlreadyCapturing = errors.New("camera: capture already in flight")

	// ErrIOFailure wraps persistence failures during capture.
	ErrIOFailure = errors.New("camera: i/o failure")

	// ErrUnsupportedConfiguration reports that negotiation found no supported
	// size with the requested aspect ratio; the requested size is used as is.
	ErrUnsupportedConfiguration = errors.New("camera: unsupported configuration")

	// ErrNoSurface is returned by StartPreview when no display surface is bound.
	ErrNoSurface = errors.New("camera: no display surface")
)
