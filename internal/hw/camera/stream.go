package camera

import (
	"bytes"
	"errors"
	"sync"
)

// ErrNotStreaming is returned by TakePicture when no preview is running.
var ErrNotStreaming = errors.New("camera: stream is not running")

// Stream holds the per-handle state shared by capture backends that read
// frames on their own goroutine: the registered callback, the buffers handed
// over with SubmitBuffer, and pending still requests.
type Stream struct {
	mu       sync.Mutex
	cb       FrameFunc
	queue    [][]byte
	pictures []PictureFunc
	running  bool
	dropped  uint64
}

// SetCallback registers fn; nil clears it.
func (s *Stream) SetCallback(fn FrameFunc) {
	s.mu.Lock()
	s.cb = fn
	s.mu.Unlock()
}

// Submit queues buf for the next frame.
func (s *Stream) Submit(buf []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, buf)
	s.mu.Unlock()
}

// SetRunning marks the stream started or stopped. Stopping drops the queued
// buffers and fails pending stills with ErrNotStreaming.
func (s *Stream) SetRunning(on bool) {
	s.mu.Lock()
	s.running = on
	var pending []PictureFunc
	if !on {
		s.queue = nil
		pending = s.pictures
		s.pictures = nil
	}
	s.mu.Unlock()
	for _, done := range pending {
		done(Picture{}, ErrNotStreaming)
	}
}

// Fail stops the stream after its reader gave up. Queued buffers are dropped
// and pending stills receive err, so no capture waits on a dead reader.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.running = false
	s.queue = nil
	pending := s.pictures
	s.pictures = nil
	s.mu.Unlock()
	for _, done := range pending {
		done(Picture{}, err)
	}
}

// Running reports whether the stream is started.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RequestPicture queues done to receive the next frame as a still.
func (s *Stream) RequestPicture(done PictureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStreaming
	}
	s.pictures = append(s.pictures, done)
	return nil
}

// Dropped returns the number of frames produced with no buffer queued.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Deliver hands one captured frame to the consumers. fill converts the frame
// into an NV21 buffer of size. Pending stills are encoded from the same frame
// at the given JPEG quality. A frame arriving with no buffer queued is dropped
// for the preview.
func (s *Stream) Deliver(size Size, quality int, fill func(dst []byte) error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	var buf []byte
	if len(s.queue) > 0 && s.cb != nil {
		buf = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		s.dropped++
	}
	cb := s.cb
	pending := s.pictures
	s.pictures = nil
	s.mu.Unlock()

	if len(pending) > 0 {
		s.deliverPicture(size, quality, fill, pending)
	}
	if buf == nil {
		return
	}
	if err := fill(buf); err != nil {
		// The buffer goes back to the hardware so the pipeline is not starved.
		s.Submit(buf)
		return
	}
	cb(buf)
}

func (s *Stream) deliverPicture(size Size, quality int, fill func(dst []byte) error, pending []PictureFunc) {
	frame := make([]byte, size.FrameBytes())
	var pic Picture
	err := fill(frame)
	if err == nil {
		var out bytes.Buffer
		if err = EncodeJPEG(&out, frame, size, quality); err == nil {
			pic = Picture{Data: out.Bytes(), Format: FormatJPEG, Width: size.Width, Height: size.Height}
		}
	}
	for _, done := range pending {
		done(pic, err)
	}
}
