//go:build !linux

package v4l2

import (
	"errors"

	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Backend is unavailable outside Linux.
type Backend struct {
	camera.Subsystem
}

// New reports that V4L2 is unsupported on this platform.
func New(Options) (*Backend, error) {
	return nil, errors.New("v4l2: only supported on linux")
}
