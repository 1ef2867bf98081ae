package geometry

// DefaultFallbackDegrees is the display rotation used when the environment
// cannot report the device rotation.
const DefaultFallbackDegrees = 90

// DisplayRotation computes the clockwise rotation, in [0,360), to apply to the
// preview so that it appears upright.
//
// deviceRotation is the current device rotation (0, 90, 180 or 270) and
// sensorOrientation the mounting angle of the sensor. A front sensor image is
// mirrored relative to the display, so its rotation direction is inverted:
//
//	back:  (sensor - device + 360) mod 360
//	front: (360 - (sensor - device) mod 360) mod 360
func DisplayRotation(deviceRotation, sensorOrientation int, front bool) int {
	var deg int
	if front {
		deg = (360 - (sensorOrientation-deviceRotation)%360) % 360
	} else {
		deg = (sensorOrientation - deviceRotation + 360) % 360
	}
	return normalize(deg)
}

func normalize(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// RotationSource reports the current device rotation in degrees. ok is false
// when the host is not a display-owning context.
type RotationSource interface {
	DeviceRotation() (degrees int, ok bool)
}

// FixedRotation is a RotationSource with a constant answer. A negative value
// means "unknown".
type FixedRotation int

func (f FixedRotation) DeviceRotation() (int, bool) {
	if f < 0 {
		return 0, false
	}
	return normalize(int(f)), true
}

// Orientation resolves display rotation with an explicit fallback policy.
type Orientation struct {
	FallbackDegrees int
}

// NewOrientation returns an Orientation with the given fallback; a negative
// value selects DefaultFallbackDegrees.
func NewOrientation(fallback int) Orientation {
	if fallback < 0 {
		fallback = DefaultFallbackDegrees
	}
	return Orientation{FallbackDegrees: normalize(fallback)}
}

// Resolve returns the display rotation for the sensor, or the fallback when
// src is nil or cannot report a rotation.
func (o Orientation) Resolve(src RotationSource, sensorOrientation int, front bool) int {
	if src == nil {
		return o.FallbackDegrees
	}
	rot, ok := src.DeviceRotation()
	if !ok {
		return o.FallbackDegrees
	}
	return DisplayRotation(rot, sensorOrientation, front)
}
