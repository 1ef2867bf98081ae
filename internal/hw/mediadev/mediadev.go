// Package mediadev is a camera backend on github.com/pion/mediadevices. It
// reaches every camera the registered mediadevices drivers expose and
// converts decoded frames to NV21.
package mediadev

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Source lists and resolves mediadevices drivers.
type Source interface {
	Enumerate() []mediadevices.MediaDeviceInfo
	Driver(id string) (driver.Driver, bool)
}

// ManagerSource reads the global mediadevices driver manager.
type ManagerSource struct{}

func (ManagerSource) Enumerate() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

func (ManagerSource) Driver(id string) (driver.Driver, bool) {
	for _, d := range driver.GetManager().Query(driver.FilterVideoRecorder()) {
		if d.ID() == id {
			return d, true
		}
	}
	return nil, false
}

// Hint supplies what mediadevices cannot report about a camera.
type Hint struct {
	Facing            camera.Facing
	SensorOrientation int
}

// Options configures the backend.
type Options struct {
	Source  Source          // nil = ManagerSource
	Hints   map[string]Hint // by device ID or label
	Quality int             // JPEG quality of stills
}

// Backend implements camera.Subsystem.
type Backend struct {
	opts Options

	mu      sync.Mutex
	handles map[*handle]struct{}
}

type handle struct {
	id     string
	drv    driver.Driver
	cfg    camera.Config
	stream camera.Stream

	stop chan struct{}
	done chan struct{}
}

func (h *handle) DeviceID() string { return h.id }

// New creates a backend.
func New(opts Options) *Backend {
	if opts.Source == nil {
		opts.Source = ManagerSource{}
	}
	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	return &Backend{opts: opts, handles: make(map[*handle]struct{})}
}

func (b *Backend) hint(info mediadevices.MediaDeviceInfo, index int) Hint {
	if h, ok := b.opts.Hints[info.DeviceID]; ok {
		return h
	}
	if h, ok := b.opts.Hints[info.Label]; ok {
		return h
	}
	if index == 0 {
		return Hint{Facing: camera.FacingBack}
	}
	return Hint{Facing: camera.FacingFront}
}

// Devices lists the video inputs. Preview sizes are read from the driver
// properties, which requires opening it briefly.
func (b *Backend) Devices() ([]camera.DeviceInfo, error) {
	var out []camera.DeviceInfo
	for _, info := range b.opts.Source.Enumerate() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		d, ok := b.opts.Source.Driver(info.DeviceID)
		if !ok {
			continue
		}
		sizes, err := probeSizes(d)
		if err != nil {
			debug.Verbose("mediadev: skip %s: %v", info.Label, err)
			continue
		}
		h := b.hint(info, len(out))
		out = append(out, camera.DeviceInfo{
			ID:                info.DeviceID,
			Label:             info.Label,
			Facing:            h.Facing,
			SensorOrientation: h.SensorOrientation,
			PreviewSizes:      sizes,
			FocusModes:        []camera.FocusMode{camera.FocusFixed},
		})
	}
	return out, nil
}

func probeSizes(d driver.Driver) ([]camera.Size, error) {
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, err
		}
		defer d.Close()
	}
	return sizesOf(d.Properties()), nil
}

func sizesOf(props []prop.Media) []camera.Size {
	seen := make(map[camera.Size]bool)
	var out []camera.Size
	for _, p := range props {
		s := camera.Size{Width: p.Width, Height: p.Height}
		if s.Valid() && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (b *Backend) Open(deviceID string) (camera.Handle, error) {
	d, ok := b.opts.Source.Driver(deviceID)
	if !ok {
		return nil, fmt.Errorf("mediadev: unknown device %q", deviceID)
	}
	if _, ok := d.(driver.VideoRecorder); !ok {
		return nil, fmt.Errorf("mediadev: device %q cannot record video", deviceID)
	}
	if err := d.Open(); err != nil {
		return nil, fmt.Errorf("mediadev: open %q: %w", deviceID, err)
	}
	h := &handle{id: deviceID, drv: d}
	b.mu.Lock()
	b.handles[h] = struct{}{}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) handle(h camera.Handle) (*handle, error) {
	mh, ok := h.(*handle)
	if !ok {
		return nil, camera.ErrBadHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[mh]; !ok {
		return nil, camera.ErrBadHandle
	}
	return mh, nil
}

func (b *Backend) SupportedSizes(h camera.Handle) ([]camera.Size, error) {
	mh, err := b.handle(h)
	if err != nil {
		return nil, err
	}
	return sizesOf(mh.drv.Properties()), nil
}

func (b *Backend) Configure(h camera.Handle, cfg camera.Config) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	if mh.stop != nil {
		return errors.New("mediadev: configure while streaming")
	}
	if !cfg.PreviewSize.Valid() {
		return fmt.Errorf("mediadev: invalid preview size %s", cfg.PreviewSize)
	}
	mh.cfg = cfg
	return nil
}

func (b *Backend) SetFrameCallback(h camera.Handle, fn camera.FrameFunc) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	mh.stream.SetCallback(fn)
	return nil
}

func (b *Backend) SubmitBuffer(h camera.Handle, buf []byte) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	mh.stream.Submit(buf)
	return nil
}

// property picks the driver property matching size, preferring
// uncompressed formats.
func property(props []prop.Media, size camera.Size) prop.Media {
	var match *prop.Media
	for i := range props {
		p := &props[i]
		if p.Width != size.Width || p.Height != size.Height {
			continue
		}
		if match == nil || p.FrameFormat == frame.FormatYUYV {
			match = p
		}
	}
	if match != nil {
		return *match
	}
	return prop.Media{Video: prop.Video{Width: size.Width, Height: size.Height, FrameFormat: frame.FormatYUYV}}
}

func (b *Backend) StartStream(h camera.Handle) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	if mh.stop != nil {
		return nil
	}
	size := mh.cfg.PreviewSize
	rec := mh.drv.(driver.VideoRecorder)
	reader, err := rec.VideoRecord(property(mh.drv.Properties(), size))
	if err != nil {
		return fmt.Errorf("mediadev: record %s: %w", size, err)
	}
	mh.stream.SetRunning(true)
	mh.stop = make(chan struct{})
	mh.done = make(chan struct{})
	go b.read(mh, reader, size, mh.stop, mh.done)
	return nil
}

func (b *Backend) read(mh *handle, r video.Reader, size camera.Size, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		img, release, err := r.Read()
		if err != nil {
			select {
			case <-stop:
			default:
				err = fmt.Errorf("mediadev: read %s: %w", mh.id, err)
				debug.Error(err)
				mh.stream.Fail(err)
			}
			return
		}
		mh.stream.Deliver(size, b.opts.Quality, func(dst []byte) error {
			return toNV21(img, size, dst)
		})
		if release != nil {
			release()
		}
	}
}

func toNV21(img image.Image, size camera.Size, dst []byte) error {
	if b := img.Bounds(); b.Dx() != size.Width || b.Dy() != size.Height {
		return fmt.Errorf("mediadev: frame is %dx%d, want %s", b.Dx(), b.Dy(), size)
	}
	return camera.ImageToNV21(img, dst)
}

func (b *Backend) StopStream(h camera.Handle) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	return b.stop(mh, true)
}

// stop ends the recording. Closing the driver unblocks the reader; it is
// reopened unless the handle is being released.
func (b *Backend) stop(mh *handle, reopen bool) error {
	if mh.stop == nil {
		if !reopen {
			return mh.drv.Close()
		}
		return nil
	}
	mh.stream.SetRunning(false)
	close(mh.stop)
	closeErr := mh.drv.Close()
	<-mh.done
	mh.stop, mh.done = nil, nil
	if closeErr != nil || !reopen {
		return closeErr
	}
	return mh.drv.Open()
}

func (b *Backend) TakePicture(h camera.Handle, done camera.PictureFunc) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	return mh.stream.RequestPicture(done)
}

func (b *Backend) Release(h camera.Handle) error {
	mh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.handles, mh)
	b.mu.Unlock()
	mh.stream.SetCallback(nil)
	return b.stop(mh, false)
}
