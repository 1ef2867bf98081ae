// Package platform holds the collaborators the driver consults but does not
// own: authorization, persistence and positioning.
package platform

import (
	"os"
	"path/filepath"
)

// PermissionOracle answers authorization questions before any hardware
// access.
type PermissionOracle interface {
	HasCameraPermission() bool
	HasStoragePermission() bool
}

// Static is a PermissionOracle with fixed answers, set from configuration.
type Static struct {
	Camera  bool
	Storage bool
}

func (s Static) HasCameraPermission() bool  { return s.Camera }
func (s Static) HasStoragePermission() bool { return s.Storage }

// FileAccess derives permissions from the filesystem: the camera is
// authorized when every device node can be opened for reading, storage when
// the capture directory accepts a new file.
type FileAccess struct {
	DeviceNodes []string
	CaptureDir  string
}

func (f FileAccess) HasCameraPermission() bool {
	for _, node := range f.DeviceNodes {
		fh, err := os.Open(node)
		if err != nil {
			return false
		}
		fh.Close()
	}
	return true
}

func (f FileAccess) HasStoragePermission() bool {
	if f.CaptureDir == "" {
		return false
	}
	if err := os.MkdirAll(f.CaptureDir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(f.CaptureDir, ".camgo-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

// Location is a geographic fix attached to captures.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// LocationProvider returns the current fix, if any.
type LocationProvider interface {
	Location() (Location, bool)
}

// StaticLocation always reports the same fix.
type StaticLocation Location

func (s StaticLocation) Location() (Location, bool) { return Location(s), true }

// NoLocation never has a fix.
type NoLocation struct{}

func (NoLocation) Location() (Location, bool) { return Location{}, false }

// resolveDir makes relative paths absolute against the working directory so
// catalog entries stay meaningful when read from elsewhere.
func resolveDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
