//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// fourcc 'YUYV'
const pixelFormatYUYV webcam.PixelFormat = 0x56595559

// Backend implements camera.Subsystem on V4L2 device nodes.
type Backend struct {
	opts Options

	mu      sync.Mutex
	handles map[*handle]struct{}
}

type handle struct {
	node   Node
	cam    *webcam.Webcam
	cfg    camera.Config
	stream camera.Stream

	stop chan struct{}
	done chan struct{}
}

func (h *handle) DeviceID() string { return h.node.ID }

// New creates a V4L2 backend.
func New(opts Options) (*Backend, error) {
	opts = opts.withDefaults()
	if len(opts.Nodes) == 0 {
		opts.Nodes = DiscoverNodes()
	}
	return &Backend{opts: opts, handles: make(map[*handle]struct{})}, nil
}

// Devices probes every node. Nodes that cannot be opened or do not offer
// YUYV are skipped.
func (b *Backend) Devices() ([]camera.DeviceInfo, error) {
	var out []camera.DeviceInfo
	var errs []error
	for _, n := range b.opts.Nodes {
		info, err := probe(n)
		if err != nil {
			debug.Verbose("v4l2: skip %s: %v", n.Path, err)
			errs = append(errs, err)
			continue
		}
		out = append(out, info)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func probe(n Node) (camera.DeviceInfo, error) {
	cam, err := webcam.Open(n.Path)
	if err != nil {
		return camera.DeviceInfo{}, fmt.Errorf("open %s: %w", n.Path, err)
	}
	defer cam.Close()

	label := n.Label
	if label == "" {
		if name, err := cam.GetName(); err == nil {
			label = name
		} else {
			label = n.Path
		}
	}
	sizes := n.PreviewSizes
	if len(sizes) == 0 {
		if sizes, err = supportedSizes(cam); err != nil {
			return camera.DeviceInfo{}, fmt.Errorf("%s: %w", n.Path, err)
		}
	}
	return camera.DeviceInfo{
		ID:                n.ID,
		Label:             label,
		Facing:            n.Facing,
		SensorOrientation: n.SensorOrientation,
		PreviewSizes:      sizes,
		FocusModes:        []camera.FocusMode{camera.FocusFixed},
	}, nil
}

func supportedSizes(cam *webcam.Webcam) ([]camera.Size, error) {
	if _, ok := cam.GetSupportedFormats()[pixelFormatYUYV]; !ok {
		return nil, errors.New("YUYV not supported")
	}
	var ranges []frameRange
	for _, fs := range cam.GetSupportedFrameSizes(pixelFormatYUYV) {
		ranges = append(ranges, frameRange{
			minW: int(fs.MinWidth), maxW: int(fs.MaxWidth), stepW: int(fs.StepWidth),
			minH: int(fs.MinHeight), maxH: int(fs.MaxHeight), stepH: int(fs.StepHeight),
		})
	}
	return expandSizes(ranges), nil
}

func (b *Backend) Open(deviceID string) (camera.Handle, error) {
	for _, n := range b.opts.Nodes {
		if n.ID != deviceID {
			continue
		}
		cam, err := webcam.Open(n.Path)
		if err != nil {
			return nil, fmt.Errorf("v4l2: open %s: %w", n.Path, err)
		}
		h := &handle{node: n, cam: cam}
		b.mu.Lock()
		b.handles[h] = struct{}{}
		b.mu.Unlock()
		debug.Verbose("v4l2: opened %s", n.Path)
		return h, nil
	}
	return nil, fmt.Errorf("v4l2: unknown device %q", deviceID)
}

func (b *Backend) handle(h camera.Handle) (*handle, error) {
	vh, ok := h.(*handle)
	if !ok {
		return nil, camera.ErrBadHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[vh]; !ok {
		return nil, camera.ErrBadHandle
	}
	return vh, nil
}

func (b *Backend) SupportedSizes(h camera.Handle) ([]camera.Size, error) {
	vh, err := b.handle(h)
	if err != nil {
		return nil, err
	}
	if len(vh.node.PreviewSizes) > 0 {
		return append([]camera.Size(nil), vh.node.PreviewSizes...), nil
	}
	return supportedSizes(vh.cam)
}

// Configure records cfg; the format is applied when the stream starts.
func (b *Backend) Configure(h camera.Handle, cfg camera.Config) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	if vh.stop != nil {
		return errors.New("v4l2: configure while streaming")
	}
	if !cfg.PreviewSize.Valid() {
		return fmt.Errorf("v4l2: invalid preview size %s", cfg.PreviewSize)
	}
	vh.cfg = cfg
	return nil
}

func (b *Backend) SetFrameCallback(h camera.Handle, fn camera.FrameFunc) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	vh.stream.SetCallback(fn)
	return nil
}

func (b *Backend) SubmitBuffer(h camera.Handle, buf []byte) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	vh.stream.Submit(buf)
	return nil
}

func (b *Backend) StartStream(h camera.Handle) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	if vh.stop != nil {
		return nil
	}
	want := vh.cfg.PreviewSize
	_, w, hgt, err := vh.cam.SetImageFormat(pixelFormatYUYV, uint32(want.Width), uint32(want.Height))
	if err != nil {
		return fmt.Errorf("v4l2: set format %s: %w", want, err)
	}
	if int(w) != want.Width || int(hgt) != want.Height {
		return fmt.Errorf("v4l2: driver chose %dx%d instead of %s", w, hgt, want)
	}
	if err := vh.cam.SetBufferCount(b.opts.BufferCount); err != nil {
		return fmt.Errorf("v4l2: buffer count: %w", err)
	}
	if err := vh.cam.StartStreaming(); err != nil {
		return fmt.Errorf("v4l2: start streaming: %w", err)
	}
	vh.stream.SetRunning(true)
	vh.stop = make(chan struct{})
	vh.done = make(chan struct{})
	go b.read(vh, want, vh.stop, vh.done)
	return nil
}

// read runs until stop is closed, converting each frame into the next
// submitted buffer.
func (b *Backend) read(vh *handle, size camera.Size, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timeout := timeoutSeconds(b.opts.FrameTimeout)
	for {
		select {
		case <-stop:
			return
		default:
		}
		err := vh.cam.WaitForFrame(timeout)
		var te *webcam.Timeout
		switch {
		case errors.As(err, &te):
			debug.Trace("v4l2: %s frame timeout", vh.node.Path)
			continue
		case err != nil:
			b.fail(vh, fmt.Errorf("v4l2: wait for frame on %s: %w", vh.node.Path, err))
			return
		}
		frame, err := vh.cam.ReadFrame()
		if err != nil {
			b.fail(vh, fmt.Errorf("v4l2: read frame on %s: %w", vh.node.Path, err))
			return
		}
		if len(frame) == 0 {
			continue
		}
		vh.stream.Deliver(size, b.opts.Quality, func(dst []byte) error {
			return camera.YUYVToNV21(frame, size, dst)
		})
	}
}

// fail ends a stream whose reader stopped on its own. The handle stays
// started until StopStream so the device is shut down in order.
func (b *Backend) fail(vh *handle, err error) {
	debug.Error(err)
	vh.stream.Fail(err)
}

func (b *Backend) StopStream(h camera.Handle) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	return b.stop(vh)
}

func (b *Backend) stop(vh *handle) error {
	if vh.stop == nil {
		return nil
	}
	vh.stream.SetRunning(false)
	close(vh.stop)
	<-vh.done
	vh.stop, vh.done = nil, nil
	return vh.cam.StopStreaming()
}

func (b *Backend) TakePicture(h camera.Handle, done camera.PictureFunc) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	return vh.stream.RequestPicture(done)
}

func (b *Backend) Release(h camera.Handle) error {
	vh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.handles, vh)
	b.mu.Unlock()
	vh.stream.SetCallback(nil)
	stopErr := b.stop(vh)
	return errors.Join(stopErr, vh.cam.Close())
}
