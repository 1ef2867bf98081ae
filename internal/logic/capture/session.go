// Package capture runs still-image requests: at most one in flight, results
// persisted on a dedicated worker, preview restarted before the next request
// is accepted.
package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/hw/gpio"
	"github.com/cjeanneret/CamGo/internal/loop"
	"github.com/cjeanneret/CamGo/internal/platform"
)

// Hardware is the still-capture part of camera.Subsystem.
type Hardware interface {
	TakePicture(h camera.Handle, done camera.PictureFunc) error
}

// Request carries the parameters of the preview the capture is taken from.
type Request struct {
	Size        camera.Size // used when the device does not report picture dimensions
	Orientation int         // display rotation at capture time
	Path        string      // empty = generated below the capture directory
}

// Result describes a persisted capture.
type Result struct {
	ID          string             `json:"id"`
	Path        string             `json:"path"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Timestamp   time.Time          `json:"timestamp"`
	Orientation int                `json:"orientation"`
	Location    *platform.Location `json:"location,omitempty"`
}

// Callbacks are invoked on the UI executor. Any of them may be nil.
type Callbacks struct {
	OnBegin    func()
	OnComplete func(Result)
	OnError    func(error)
}

// Options configures a Session.
type Options struct {
	Hardware    Hardware
	Permissions platform.PermissionOracle
	Storage     platform.StorageWriter
	Location    platform.LocationProvider
	Worker      loop.Executor // persistence, must run one task at a time
	UI          loop.Executor // callback delivery
	Indicator   *gpio.Indicator
	Dir         string
	Clock       func() time.Time
}

// Session accepts capture requests for one driver.
type Session struct {
	opts Options

	// inFlight holds the ticket of the accepted capture, 0 when idle.
	inFlight atomic.Uint64
	tickets  atomic.Uint64
}

// NewSession creates a session. Location defaults to NoLocation and Clock to
// time.Now.
func NewSession(opts Options) *Session {
	if opts.Location == nil {
		opts.Location = platform.NoLocation{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Session{opts: opts}
}

// Capture starts a still capture on h.
//
// Missing permissions are reported through OnError and returned as
// camerr.ErrPermissionDenied with no other side effect. A request arriving
// while another is in flight returns camerr.ErrAlreadyCapturing and touches
// nothing; it is not reported through OnError. Otherwise
// suspend is called, the hardware capture is issued, and the result is
// handled on the worker: OnBegin, write, index, OnComplete, then resume, and
// only then is the next request accepted. resume runs even when persistence
// fails. When Capture itself returns an error, resume is not called and the
// caller restores the preview.
func (s *Session) Capture(h camera.Handle, req Request, suspend, resume func(), cb Callbacks) error {
	if !s.opts.Permissions.HasCameraPermission() || !s.opts.Permissions.HasStoragePermission() {
		debug.Info("Capture refused: missing camera or storage permission")
		s.notifyError(cb, camerr.ErrPermissionDenied)
		return camerr.ErrPermissionDenied
	}
	if h == nil {
		return errors.New("capture: no open device")
	}
	ticket := s.tickets.Add(1)
	if !s.inFlight.CompareAndSwap(0, ticket) {
		debug.Verbose("Capture ignored: %v", camerr.ErrAlreadyCapturing)
		return camerr.ErrAlreadyCapturing
	}

	_ = s.opts.Indicator.On()
	if suspend != nil {
		suspend()
	}
	debug.Live("Capture: requesting still from device %s", h.DeviceID())

	err := s.opts.Hardware.TakePicture(h, func(pic camera.Picture, err error) {
		if !s.opts.Worker.Post(func() { s.finish(ticket, req, pic, err, resume, cb) }) {
			debug.Error(errors.New("capture: worker closed, result discarded"))
			s.done(ticket)
		}
	})
	if err != nil {
		s.done(ticket)
		err = fmt.Errorf("capture: take picture: %w", err)
		s.notifyError(cb, err)
		return err
	}
	return nil
}

// finish runs on the worker.
func (s *Session) finish(ticket uint64, req Request, pic camera.Picture, picErr error, resume func(), cb Callbacks) {
	defer s.done(ticket)
	defer func() {
		if resume != nil {
			resume()
		}
	}()

	s.post(func() {
		if cb.OnBegin != nil {
			cb.OnBegin()
		}
	})
	if picErr != nil {
		s.notifyError(cb, fmt.Errorf("capture: hardware: %w", picErr))
		return
	}

	res, err := s.persist(req, pic)
	if err != nil {
		debug.Error(err)
		s.notifyError(cb, err)
		return
	}
	debug.Shot(res.Path, res.Width, res.Height)
	s.post(func() {
		if cb.OnComplete != nil {
			cb.OnComplete(res)
		}
	})
}

func (s *Session) persist(req Request, pic camera.Picture) (Result, error) {
	id := uuid.New()
	now := s.opts.Clock()
	res := Result{
		ID:          id.String(),
		Path:        req.Path,
		Width:       pic.Width,
		Height:      pic.Height,
		Timestamp:   now,
		Orientation: req.Orientation,
	}
	switch {
	case res.Path == "":
		res.Path = DefaultPath(s.opts.Dir, now, id)
	case !filepath.IsAbs(res.Path) && s.opts.Dir != "":
		// Report the file that is actually written, not the request.
		res.Path = filepath.Join(s.opts.Dir, res.Path)
	}
	if res.Width <= 0 || res.Height <= 0 {
		res.Width, res.Height = req.Size.Width, req.Size.Height
	}
	if loc, ok := s.opts.Location.Location(); ok {
		res.Location = &loc
	}

	if err := s.opts.Storage.WriteBytes(res.Path, pic.Data); err != nil {
		return res, fmt.Errorf("%w: write %s: %v", camerr.ErrIOFailure, res.Path, err)
	}

	base := filepath.Base(res.Path)
	rec := platform.MediaRecord{
		ID:          res.ID,
		Title:       strings.TrimSuffix(base, filepath.Ext(base)),
		DisplayName: base,
		Path:        res.Path,
		DateTaken:   now,
		Width:       res.Width,
		Height:      res.Height,
		Orientation: res.Orientation,
	}
	if res.Location != nil {
		lat, lon := res.Location.Latitude, res.Location.Longitude
		rec.Latitude, rec.Longitude = &lat, &lon
	}
	if err := s.opts.Storage.IndexMedia(rec); err != nil {
		return res, fmt.Errorf("%w: index %s: %v", camerr.ErrIOFailure, res.Path, err)
	}
	return res, nil
}

// DefaultPath names a capture IMG_<date>_<time>.<ms>_<id prefix>.jpg below dir.
func DefaultPath(dir string, t time.Time, id uuid.UUID) string {
	name := fmt.Sprintf("IMG_%s_%s.jpg", t.Format("20060102_150405.000"), id.String()[:8])
	return filepath.Join(dir, name)
}

// done releases ticket unless ClearInFlight already did.
func (s *Session) done(ticket uint64) {
	if s.inFlight.CompareAndSwap(ticket, 0) {
		_ = s.opts.Indicator.Off()
	}
}

func (s *Session) notifyError(cb Callbacks, err error) {
	if cb.OnError == nil {
		return
	}
	s.post(func() { cb.OnError(err) })
}

func (s *Session) post(fn func()) {
	if s.opts.UI == nil {
		fn()
		return
	}
	if !s.opts.UI.Post(fn) {
		debug.Verbose("Capture: UI loop closed, callback dropped")
	}
}

// InFlight reports whether a capture has been accepted and not finished.
func (s *Session) InFlight() bool {
	return s.inFlight.Load() != 0
}

// ClearInFlight forgets any pending capture, for driver release. A late
// result still runs its worker task but no longer blocks new requests.
func (s *Session) ClearInFlight() {
	if s.inFlight.Swap(0) != 0 {
		_ = s.opts.Indicator.Off()
	}
}
