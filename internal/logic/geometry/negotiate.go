package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Negotiate picks the preview size for a request of maxWidth x maxHeight.
//
// supported is scanned in its given order and the first entry whose aspect
// ratio equals maxWidth/maxHeight and whose dimensions both fit inside the
// request wins. Ratios are compared by cross-multiplication, so 1280x720 and
// 1920x1080 match exactly with no floating-point rounding.
//
// When nothing matches, the request itself is returned together with an error
// wrapping camerr.ErrUnsupportedConfiguration. The returned size is still the
// one to use: the hardware may or may not accept it.
func Negotiate(supported []camera.Size, maxWidth, maxHeight int) (camera.Size, error) {
	want := camera.Size{Width: maxWidth, Height: maxHeight}
	if !want.Valid() {
		return want, fmt.Errorf("negotiate %s: %w", want, camerr.ErrUnsupportedConfiguration)
	}
	for _, s := range supported {
		if !s.Valid() {
			continue
		}
		if SameAspect(s, want) && s.Width <= maxWidth && s.Height <= maxHeight {
			return s, nil
		}
	}
	return want, fmt.Errorf("negotiate %s: no supported size with ratio %.4f: %w",
		want, AspectRatio(want), camerr.ErrUnsupportedConfiguration)
}

// AspectRatio returns width / height, or 0 for an invalid size.
func AspectRatio(s camera.Size) float64 {
	if s.Height == 0 {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// SameAspect reports whether a and b have exactly the same aspect ratio.
func SameAspect(a, b camera.Size) bool {
	return a.Width*b.Height == a.Height*b.Width
}

// ratioTolerance absorbs the rounding of caller-computed ratios such as
// 16.0/9.0 when filtering by a float ratio.
const ratioTolerance = 1e-6

// FilterByAspect returns the sizes whose ratio equals *ratio, in their
// original order. A nil ratio returns a copy of all sizes.
func FilterByAspect(sizes []camera.Size, ratio *float64) []camera.Size {
	out := make([]camera.Size, 0, len(sizes))
	for _, s := range sizes {
		if ratio == nil || math.Abs(AspectRatio(s)-*ratio) < ratioTolerance {
			out = append(out, s)
		}
	}
	return out
}
