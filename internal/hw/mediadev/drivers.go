//go:build linux || darwin || windows

package mediadev

import (
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the platform camera driver
)
