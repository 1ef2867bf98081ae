package capture

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/hw/gpio"
	"github.com/cjeanneret/CamGo/internal/loop"
	"github.com/cjeanneret/CamGo/internal/platform"
)

// recordingStorage records writes and catalog records.
type recordingStorage struct {
	mu       sync.Mutex
	writes   map[string][]byte
	records  []platform.MediaRecord
	writeErr error
	indexErr error
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{writes: make(map[string][]byte)}
}

func (r *recordingStorage) WriteBytes(path string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.writes[path] = data
	return nil
}

func (r *recordingStorage) IndexMedia(rec platform.MediaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexErr != nil {
		return r.indexErr
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingStorage) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

// events collects callback invocations in order.
type events struct {
	mu  sync.Mutex
	log []string
	res []Result
	err []error
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnBegin: func() { e.add("begin") },
		OnComplete: func(r Result) {
			e.mu.Lock()
			e.res = append(e.res, r)
			e.mu.Unlock()
			e.add("complete")
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.err = append(e.err, err)
			e.mu.Unlock()
			e.add("error")
		},
	}
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fixture struct {
	sim     *camera.Sim
	handle  camera.Handle
	storage *recordingStorage
	worker  *loop.Serial
	ui      *loop.Serial
	gpio    *gpio.MockDriver
	session *Session
}

const ledPin = 27

func newFixture(t *testing.T, perms platform.PermissionOracle) *fixture {
	t.Helper()
	sim := camera.NewSim(nil, 0)
	h, err := sim.Open("0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sim.Configure(h, camera.Config{PreviewSize: camera.Size{Width: 320, Height: 240}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sim.StartStream(h); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	f := &fixture{
		sim:     sim,
		handle:  h,
		storage: newRecordingStorage(),
		worker:  loop.NewSerial("capture-test"),
		ui:      loop.NewSerial("ui-test"),
		gpio:    &gpio.MockDriver{},
	}
	f.session = NewSession(Options{
		Hardware:    sim,
		Permissions: perms,
		Storage:     f.storage,
		Location:    platform.StaticLocation{Latitude: 45.5, Longitude: -73.6},
		Worker:      f.worker,
		UI:          f.ui,
		Indicator:   gpio.NewIndicator(f.gpio, ledPin, false),
		Dir:         "/captures",
		Clock:       func() time.Time { return time.Date(2026, 5, 4, 10, 20, 30, 123e6, time.UTC) },
	})
	t.Cleanup(func() {
		f.worker.Close()
		f.ui.Close()
		_ = sim.Release(h)
	})
	return f
}

// settle waits for the hardware result to reach the worker and for the
// worker and UI queues to drain.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.session.InFlight() {
		if time.Now().After(deadline) {
			t.Fatal("capture still in flight after 2s")
		}
		time.Sleep(time.Millisecond)
	}
	f.worker.Flush()
	f.ui.Flush()
}

func (f *fixture) led() gpio.Level {
	lvl, _ := f.gpio.ReadPin(ledPin)
	return lvl
}

func granted() platform.PermissionOracle { return platform.Static{Camera: true, Storage: true} }

func TestCapture_HappyPath(t *testing.T) {
	f := newFixture(t, granted())
	ev := &events{}
	var order []string
	var mu sync.Mutex
	note := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	inFlightAtResume := false
	resume := func() {
		inFlightAtResume = f.session.InFlight()
		note("resume")()
	}

	req := Request{Size: camera.Size{Width: 1, Height: 1}, Orientation: 90}
	if err := f.session.Capture(f.handle, req, note("suspend"), resume, ev.callbacks()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	f.settle(t)

	// The next capture must not be accepted before the preview is back.
	if !inFlightAtResume {
		t.Error("capture released before resume ran")
	}
	if f.session.InFlight() {
		t.Error("capture still in flight after resume")
	}

	if got := ev.snapshot(); strings.Join(got, ",") != "begin,complete" {
		t.Errorf("callbacks = %v, want begin,complete", got)
	}
	if strings.Join(order, ",") != "suspend,resume" {
		t.Errorf("hooks = %v, want suspend,resume", order)
	}

	res := ev.res[0]
	// The sim reports the configured size, which wins over the request.
	if res.Width != 320 || res.Height != 240 {
		t.Errorf("result size = %dx%d, want 320x240", res.Width, res.Height)
	}
	if res.Orientation != 90 {
		t.Errorf("orientation = %d, want 90", res.Orientation)
	}
	if res.Location == nil || res.Location.Latitude != 45.5 {
		t.Errorf("location = %v", res.Location)
	}
	if !strings.HasPrefix(res.Path, "/captures/IMG_20260504_102030.123_") || filepath.Ext(res.Path) != ".jpg" {
		t.Errorf("generated path = %s", res.Path)
	}
	if _, err := uuid.Parse(res.ID); err != nil {
		t.Errorf("result id %q is not a uuid: %v", res.ID, err)
	}

	data := f.storage.writes[res.Path]
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("stored bytes are not a JPEG")
	}
	if len(f.storage.records) != 1 {
		t.Fatalf("catalog records = %d, want 1", len(f.storage.records))
	}
	rec := f.storage.records[0]
	if rec.DisplayName != filepath.Base(res.Path) || rec.Title+".jpg" != rec.DisplayName {
		t.Errorf("record names = %q / %q", rec.Title, rec.DisplayName)
	}
	if rec.Latitude == nil || *rec.Longitude != -73.6 {
		t.Errorf("record location missing")
	}
	if f.led() != gpio.Low {
		t.Errorf("indicator still lit after completion")
	}
}

func TestCapture_ExplicitPathAndFallbackSize(t *testing.T) {
	f := newFixture(t, granted())
	ev := &events{}
	hw := &fixedPicture{pic: camera.Picture{Data: []byte{1, 2, 3}}}
	f.session.opts.Hardware = hw

	req := Request{Size: camera.Size{Width: 800, Height: 600}, Path: "/tmp/shot.jpg"}
	if err := f.session.Capture(f.handle, req, nil, nil, ev.callbacks()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	f.settle(t)

	if len(ev.res) != 1 {
		t.Fatalf("results = %d, want 1", len(ev.res))
	}
	if ev.res[0].Path != "/tmp/shot.jpg" {
		t.Errorf("path = %s", ev.res[0].Path)
	}
	if ev.res[0].Width != 800 || ev.res[0].Height != 600 {
		t.Errorf("size = %dx%d, want request size 800x600", ev.res[0].Width, ev.res[0].Height)
	}
}

func TestCapture_RelativePathResolvedAgainstDir(t *testing.T) {
	f := newFixture(t, granted())
	ev := &events{}
	f.session.opts.Hardware = &fixedPicture{pic: camera.Picture{Data: []byte{1}, Width: 2, Height: 2}}

	if err := f.session.Capture(f.handle, Request{Path: "trip/shot.jpg"}, nil, nil, ev.callbacks()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	f.settle(t)

	want := filepath.Join("/captures", "trip", "shot.jpg")
	if len(ev.res) != 1 || ev.res[0].Path != want {
		t.Fatalf("results = %+v, want path %s", ev.res, want)
	}
	if _, ok := f.storage.writes[want]; !ok {
		t.Errorf("written paths = %v, want %s", f.storage.writes, want)
	}
	if len(f.storage.records) != 1 || f.storage.records[0].Path != want {
		t.Errorf("catalog records = %+v, want path %s", f.storage.records, want)
	}
}

// fixedPicture delivers a canned picture synchronously.
type fixedPicture struct {
	pic camera.Picture
	err error
}

func (f *fixedPicture) TakePicture(h camera.Handle, done camera.PictureFunc) error {
	if f.err != nil {
		return f.err
	}
	done(f.pic, nil)
	return nil
}

func TestCapture_Debounce(t *testing.T) {
	f := newFixture(t, granted())
	f.sim.HoldPictures = true
	ev := &events{}

	suspends := 0
	suspend := func() { suspends++ }
	if err := f.session.Capture(f.handle, Request{}, suspend, nil, ev.callbacks()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.session.Capture(f.handle, Request{}, suspend, nil, ev.callbacks()); !errors.Is(err, camerr.ErrAlreadyCapturing) {
			t.Fatalf("duplicate Capture %d = %v, want ErrAlreadyCapturing", i, err)
		}
	}
	if suspends != 1 {
		t.Errorf("suspend called %d times, want 1", suspends)
	}
	if !f.session.InFlight() {
		t.Fatal("capture not in flight")
	}
	if f.led() != gpio.High {
		t.Error("indicator not lit while in flight")
	}
	if n := f.sim.DeliverPictures(); n != 1 {
		t.Fatalf("hardware received %d picture requests, want 1", n)
	}
	f.settle(t)

	if f.storage.writeCount() != 1 || len(ev.res) != 1 {
		t.Errorf("writes=%d completions=%d, want 1 and 1", f.storage.writeCount(), len(ev.res))
	}
	if len(ev.err) != 0 {
		t.Errorf("duplicates reported errors: %v", ev.err)
	}

	// Accepted again once the first one finished.
	f.sim.HoldPictures = false
	if err := f.session.Capture(f.handle, Request{}, nil, nil, ev.callbacks()); err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	f.settle(t)
	if f.storage.writeCount() != 2 {
		t.Errorf("writes = %d, want 2", f.storage.writeCount())
	}
}

func TestCapture_PermissionDenied(t *testing.T) {
	cases := []struct {
		name  string
		perms platform.Static
	}{
		{"no_camera", platform.Static{Storage: true}},
		{"no_storage", platform.Static{Camera: true}},
		{"none", platform.Static{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.perms)
			ev := &events{}
			suspended := false
			err := f.session.Capture(f.handle, Request{}, func() { suspended = true }, nil, ev.callbacks())
			if !errors.Is(err, camerr.ErrPermissionDenied) {
				t.Fatalf("Capture = %v, want ErrPermissionDenied", err)
			}
			f.ui.Flush()
			if len(ev.err) != 1 || !errors.Is(ev.err[0], camerr.ErrPermissionDenied) {
				t.Errorf("OnError calls = %v", ev.err)
			}
			if suspended || f.session.InFlight() || f.sim.Stats().Pictures != 0 {
				t.Error("permission failure had side effects")
			}
		})
	}
}

func TestCapture_WriteFailureStillResumes(t *testing.T) {
	f := newFixture(t, granted())
	f.storage.writeErr = errors.New("disk full")
	ev := &events{}
	resumed := false

	if err := f.session.Capture(f.handle, Request{}, nil, func() { resumed = true }, ev.callbacks()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	f.settle(t)

	if !resumed {
		t.Error("preview not resumed after write failure")
	}
	if len(ev.err) != 1 || !errors.Is(ev.err[0], camerr.ErrIOFailure) {
		t.Errorf("OnError = %v, want ErrIOFailure", ev.err)
	}
	if len(ev.res) != 0 {
		t.Error("OnComplete called after failure")
	}
	if f.session.InFlight() || f.led() != gpio.Low {
		t.Error("session left in flight after failure")
	}
}

func TestCapture_IndexFailureIsIOFailure(t *testing.T) {
	f := newFixture(t, granted())
	f.storage.indexErr = errors.New("catalog locked")
	ev := &events{}
	_ = f.session.Capture(f.handle, Request{}, nil, nil, ev.callbacks())
	f.settle(t)
	if len(ev.err) != 1 || !errors.Is(ev.err[0], camerr.ErrIOFailure) {
		t.Errorf("OnError = %v, want ErrIOFailure", ev.err)
	}
}

func TestCapture_HardwareFailures(t *testing.T) {
	t.Run("picture_error", func(t *testing.T) {
		f := newFixture(t, granted())
		f.sim.PictureErr = errors.New("sensor timeout")
		ev := &events{}
		resumed := false
		_ = f.session.Capture(f.handle, Request{}, nil, func() { resumed = true }, ev.callbacks())
		f.settle(t)
		if len(ev.err) != 1 || !resumed || f.storage.writeCount() != 0 {
			t.Errorf("errors=%v resumed=%v writes=%d", ev.err, resumed, f.storage.writeCount())
		}
	})

	t.Run("request_rejected", func(t *testing.T) {
		f := newFixture(t, granted())
		boom := errors.New("busy")
		f.session.opts.Hardware = &fixedPicture{err: boom}
		ev := &events{}
		err := f.session.Capture(f.handle, Request{}, nil, nil, ev.callbacks())
		if !errors.Is(err, boom) {
			t.Fatalf("Capture = %v, want hardware error", err)
		}
		if f.session.InFlight() {
			t.Error("rejected request left the session in flight")
		}
	})
}

func TestCapture_ClearInFlightIgnoresLateResult(t *testing.T) {
	f := newFixture(t, granted())
	f.sim.HoldPictures = true
	ev := &events{}

	_ = f.session.Capture(f.handle, Request{}, nil, nil, ev.callbacks())
	f.session.ClearInFlight()
	if f.session.InFlight() || f.led() != gpio.Low {
		t.Fatal("ClearInFlight did not reset the session")
	}

	// A new capture is accepted, then the stale result arrives.
	_ = f.session.Capture(f.handle, Request{}, nil, nil, ev.callbacks())
	if !f.session.InFlight() {
		t.Fatal("new capture not accepted")
	}
	f.sim.DeliverPictures()
	deadline := time.Now().Add(2 * time.Second)
	for f.storage.writeCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("writes = %d, want both results persisted", f.storage.writeCount())
		}
		time.Sleep(time.Millisecond)
	}
	f.settle(t)
	if f.session.InFlight() {
		t.Error("session still in flight after both results")
	}
}

func TestDefaultPath(t *testing.T) {
	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC)
	got := DefaultPath("/data", ts, id)
	want := "/data/IMG_20260102_030405.006_0f8fad5b.jpg"
	if got != want {
		t.Errorf("DefaultPath = %s, want %s", got, want)
	}
}
