package camera

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/CamGo/internal/debug"
)

// DefaultSimDevices is the camera set a Sim exposes when none is configured:
// a back unit and a front unit with typical phone-class preview sizes.
func DefaultSimDevices() []DeviceInfo {
	return []DeviceInfo{
		{
			ID:                "0",
			Label:             "sim-back",
			Facing:            FacingBack,
			SensorOrientation: 90,
			PreviewSizes: []Size{
				{1920, 1080}, {1280, 720}, {960, 720}, {640, 480}, {320, 240},
			},
			FocusModes: []FocusMode{FocusAuto, FocusContinuousPicture},
		},
		{
			ID:                "1",
			Label:             "sim-front",
			Facing:            FacingFront,
			SensorOrientation: 270,
			PreviewSizes: []Size{
				{1280, 720}, {640, 480}, {320, 240},
			},
			FocusModes: []FocusMode{FocusFixed},
		},
	}
}

// SimStats counts hardware calls made against a Sim.
type SimStats struct {
	Opens        int
	Releases     int
	Configures   int
	Submits      int
	StreamStarts int
	StreamStops  int
	Frames       int
	Pictures     int
}

// Sim is a software camera subsystem. It produces synthetic NV21 frames and
// JPEG stills and enforces the same buffer discipline as real hardware: a frame
// is only produced into a buffer previously submitted with SubmitBuffer.
//
// With FPS 0 frames are only produced by EmitFrame, which tests use to drive
// the hardware callback deterministically.
type Sim struct {
	mu      sync.Mutex
	devices []DeviceInfo
	fps     int
	quality int
	handles map[*simHandle]struct{}
	stats   SimStats

	// OpenErr, when set for a device id, is returned by Open.
	OpenErr map[string]error
	// PictureErr, when set, is delivered to TakePicture callbacks.
	PictureErr error
	// HoldPictures queues TakePicture results until DeliverPictures is called.
	HoldPictures bool
	held         []func()
}

type simHandle struct {
	dev       DeviceInfo
	cfg       Config
	cb        FrameFunc
	queue     [][]byte
	streaming bool
	released  bool
	seq       uint64
	stop      chan struct{}
	done      chan struct{}
}

func (h *simHandle) DeviceID() string { return h.dev.ID }

// NewSim creates a simulated subsystem. A nil devices slice selects
// DefaultSimDevices.
func NewSim(devices []DeviceInfo, fps int) *Sim {
	if devices == nil {
		devices = DefaultSimDevices()
	}
	return &Sim{
		devices: devices,
		fps:     fps,
		quality: 85,
		handles: make(map[*simHandle]struct{}),
		OpenErr: make(map[string]error),
	}
}

// SetQuality sets the JPEG quality of simulated stills.
func (s *Sim) SetQuality(q int) {
	s.mu.Lock()
	s.quality = q
	s.mu.Unlock()
}

// Stats returns a snapshot of the call counters.
func (s *Sim) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastConfig returns the configuration applied to h.
func (s *Sim) LastConfig(h Handle) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := h.(*simHandle)
	if !ok {
		return Config{}, false
	}
	return sh.cfg, true
}

// Queued returns the number of buffers currently held by the hardware for h.
func (s *Sim) Queued(h Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := h.(*simHandle)
	if !ok {
		return 0
	}
	return len(sh.queue)
}

func (s *Sim) Devices() ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceInfo, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

func (s *Sim) Open(deviceID string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.OpenErr[deviceID]; err != nil {
		return nil, err
	}
	for _, d := range s.devices {
		if d.ID == deviceID {
			h := &simHandle{dev: d}
			s.handles[h] = struct{}{}
			s.stats.Opens++
			debug.Trace("sim: open %s", deviceID)
			return h, nil
		}
	}
	return nil, fmt.Errorf("sim: unknown device %q", deviceID)
}

// handle resolves h; s.mu must be held.
func (s *Sim) handle(h Handle) (*simHandle, error) {
	sh, ok := h.(*simHandle)
	if !ok || sh.released {
		return nil, ErrBadHandle
	}
	if _, ok := s.handles[sh]; !ok {
		return nil, ErrBadHandle
	}
	return sh, nil
}

func (s *Sim) SupportedSizes(h Handle) ([]Size, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handle(h)
	if err != nil {
		return nil, err
	}
	out := make([]Size, len(sh.dev.PreviewSizes))
	copy(out, sh.dev.PreviewSizes)
	return out, nil
}

func (s *Sim) Configure(h Handle, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	if sh.streaming {
		return errors.New("sim: configure while streaming")
	}
	if !cfg.PreviewSize.Valid() {
		return fmt.Errorf("sim: invalid preview size %s", cfg.PreviewSize)
	}
	sh.cfg = cfg
	s.stats.Configures++
	return nil
}

func (s *Sim) SetFrameCallback(h Handle, fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	sh.cb = fn
	return nil
}

func (s *Sim) SubmitBuffer(h Handle, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	sh.queue = append(sh.queue, buf)
	s.stats.Submits++
	debug.Trace("sim: buffer submitted (%d bytes, %d queued)", len(buf), len(sh.queue))
	return nil
}

func (s *Sim) StartStream(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, err := s.handle(h)
	if err != nil {
		return err
	}
	if sh.streaming {
		return nil
	}
	sh.streaming = true
	s.stats.StreamStarts++
	if s.fps > 0 {
		sh.stop = make(chan struct{})
		sh.done = make(chan struct{})
		go s.produce(sh, sh.stop, sh.done)
	}
	return nil
}

func (s *Sim) StopStream(h Handle) error {
	s.mu.Lock()
	sh, err := s.handle(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.stopLocked(sh)
	return nil
}

// stopLocked stops streaming and unlocks s.mu.
func (s *Sim) stopLocked(sh *simHandle) {
	if !sh.streaming {
		s.mu.Unlock()
		return
	}
	sh.streaming = false
	sh.queue = nil
	s.stats.StreamStops++
	stop, done := sh.stop, sh.done
	sh.stop, sh.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Sim) produce(sh *simHandle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.emit(sh)
		}
	}
}

// EmitFrame produces one frame for h on the calling goroutine. It returns
// false when the stream is stopped or no buffer is queued, in which case the
// hardware drops the frame.
func (s *Sim) EmitFrame(h Handle) bool {
	sh, ok := h.(*simHandle)
	if !ok {
		return false
	}
	return s.emit(sh)
}

func (s *Sim) emit(sh *simHandle) bool {
	s.mu.Lock()
	if sh.released || !sh.streaming || len(sh.queue) == 0 || sh.cb == nil {
		s.mu.Unlock()
		return false
	}
	buf := sh.queue[0]
	sh.queue = sh.queue[1:]
	sh.seq++
	seq := sh.seq
	size := sh.cfg.PreviewSize
	cb := sh.cb
	s.stats.Frames++
	s.mu.Unlock()

	fillPattern(buf, size, seq)
	cb(buf)
	return true
}

// fillPattern writes a moving diagonal gradient into an NV21 buffer.
func fillPattern(buf []byte, size Size, seq uint64) {
	n := size.Width * size.Height
	if len(buf) < n {
		for i := range buf {
			buf[i] = byte(seq)
		}
		return
	}
	for y := 0; y < size.Height; y++ {
		row := buf[y*size.Width : (y+1)*size.Width]
		for x := range row {
			row[x] = byte(x + y + int(seq))
		}
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 128
	}
}

func (s *Sim) TakePicture(h Handle, done PictureFunc) error {
	s.mu.Lock()
	sh, err := s.handle(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !sh.streaming {
		s.mu.Unlock()
		return errors.New("sim: take picture requires a running preview")
	}
	size := sh.cfg.PictureSize
	if !size.Valid() {
		size = sh.cfg.PreviewSize
	}
	seq := sh.seq
	pictureErr := s.PictureErr
	quality := s.quality
	s.stats.Pictures++

	deliver := func() {
		if pictureErr != nil {
			done(Picture{}, pictureErr)
			return
		}
		frame := make([]byte, size.FrameBytes())
		fillPattern(frame, size, seq)
		var out bytes.Buffer
		if err := EncodeJPEG(&out, frame, size, quality); err != nil {
			done(Picture{}, err)
			return
		}
		done(Picture{Data: out.Bytes(), Format: FormatJPEG, Width: size.Width, Height: size.Height}, nil)
	}
	if s.HoldPictures {
		s.held = append(s.held, deliver)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	go deliver()
	return nil
}

// DeliverPictures releases held TakePicture results, each on its own
// goroutine, and returns how many were released.
func (s *Sim) DeliverPictures() int {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, fn := range held {
		go fn()
	}
	return len(held)
}

func (s *Sim) Release(h Handle) error {
	s.mu.Lock()
	sh, err := s.handle(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sh.released = true
	sh.cb = nil
	delete(s.handles, sh)
	s.stats.Releases++
	s.stopLocked(sh)
	return nil
}
