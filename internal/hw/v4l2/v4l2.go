// Package v4l2 is the Video4Linux camera backend, built on
// github.com/blackjack/webcam. Frames are captured as YUYV and converted to
// NV21 for the preview pipeline; stills are JPEG-encoded from the next frame.
package v4l2

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Node describes one device node. Facing and sensor orientation cannot be
// queried from V4L2 and come from configuration.
type Node struct {
	ID                string
	Path              string
	Label             string
	Facing            camera.Facing
	SensorOrientation int
	PreviewSizes      []camera.Size // empty = ask the driver
}

// Options configures the backend.
type Options struct {
	Nodes        []Node        // empty = every /dev/video* node
	FrameTimeout time.Duration // wait per frame before retrying
	Quality      int           // JPEG quality of stills
	BufferCount  uint32        // mmap buffers requested from the driver
}

func (o Options) withDefaults() Options {
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = time.Second
	}
	if o.Quality <= 0 {
		o.Quality = 85
	}
	if o.BufferCount == 0 {
		o.BufferCount = 4
	}
	return o
}

// DiscoverNodes lists /dev/video* nodes in name order. The first node is
// reported as back-facing, the others as front-facing.
func DiscoverNodes() []Node {
	paths, _ := filepath.Glob("/dev/video*")
	sort.Strings(paths)
	nodes := make([]Node, 0, len(paths))
	for i, p := range paths {
		facing := camera.FacingFront
		if i == 0 {
			facing = camera.FacingBack
		}
		nodes = append(nodes, Node{ID: p, Path: p, Facing: facing})
	}
	return nodes
}

// timeoutSeconds converts d for webcam.WaitForFrame, which counts whole
// seconds.
func timeoutSeconds(d time.Duration) uint32 {
	s := uint32(d / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}

// expandSizes turns the driver's frame size ranges into the discrete sizes
// offered to negotiation: every discrete size, and for stepwise ranges the
// common sizes that fall inside the range.
func expandSizes(ranges []frameRange) []camera.Size {
	seen := make(map[camera.Size]bool)
	var out []camera.Size
	add := func(s camera.Size) {
		if s.Valid() && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, r := range ranges {
		if r.minW == r.maxW && r.minH == r.maxH {
			add(camera.Size{Width: r.maxW, Height: r.maxH})
			continue
		}
		add(camera.Size{Width: r.maxW, Height: r.maxH})
		for _, c := range commonSizes {
			if r.contains(c) {
				add(c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Width*out[i].Height > out[j].Width*out[j].Height
	})
	return out
}

type frameRange struct {
	minW, maxW, stepW int
	minH, maxH, stepH int
}

func (r frameRange) contains(s camera.Size) bool {
	if s.Width < r.minW || s.Width > r.maxW || s.Height < r.minH || s.Height > r.maxH {
		return false
	}
	if r.stepW > 0 && (s.Width-r.minW)%r.stepW != 0 {
		return false
	}
	if r.stepH > 0 && (s.Height-r.minH)%r.stepH != 0 {
		return false
	}
	return true
}

var commonSizes = []camera.Size{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 960},
	{Width: 1280, Height: 720},
	{Width: 1024, Height: 768},
	{Width: 800, Height: 600},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}
