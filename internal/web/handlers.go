package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/logic/device"
	"github.com/cjeanneret/CamGo/internal/logic/driver"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 16

// Camera is the part of the driver the HTTP API drives.
type Camera interface {
	Open() error
	StartPreview() error
	StopPreview()
	SwitchFacing() error
	SwitchDevice(id string) error
	UpdateResolution(width, height int) error
	Capture(path string) error
	Release()
	Status() driver.Status
	Devices() []device.Descriptor
	PreviewSizes(ratio *float64) []camera.Size
}

// ResolutionRequest is the body of POST /resolution.
type ResolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SwitchRequest is the body of POST /switch. An empty device ID toggles
// between the back and front camera.
type SwitchRequest struct {
	DeviceID string `json:"device_id"`
}

// CaptureRequest is the body of POST /capture. An empty name lets the
// capture session generate one.
type CaptureRequest struct {
	Name string `json:"name"`
}

// ValidateResolution checks a requested preview size.
func ValidateResolution(r ResolutionRequest) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("width and height must be > 0, got %dx%d", r.Width, r.Height)
	}
	if r.Width > 8192 || r.Height > 8192 {
		return fmt.Errorf("width and height must be <= 8192, got %dx%d", r.Width, r.Height)
	}
	return nil
}

// ValidateCaptureName accepts a bare .jpg file name.
func ValidateCaptureName(name string) error {
	if name == "" {
		return nil
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("capture name %q must be a plain file name", name)
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != ".jpg" && ext != ".jpeg" {
		return fmt.Errorf("capture name %q must end in .jpg", name)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Camera      Camera
	CaptureDir  string
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If cam is nil, every camera route returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, cam Camera, captureDir string, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Camera:      cam,
		CaptureDir:  captureDir,
		staticFS:    staticFS,
	}
}

// statusFor maps driver errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, camerr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, camerr.ErrNoDeviceFound):
		return http.StatusNotFound
	case errors.Is(err, camerr.ErrUnsupportedConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, camerr.ErrNoSurface), errors.Is(err, camerr.ErrAlreadyCapturing):
		return http.StatusConflict
	case errors.Is(err, camerr.ErrDeviceOpenFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// respond writes the driver status, or the error when err is set.
func (h *Handlers) respond(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Camera.Status())
}

// HandleDevices returns the enumerated devices.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	devs := h.Camera.Devices()
	if devs == nil {
		devs = []device.Descriptor{}
	}
	writeJSON(w, http.StatusOK, devs)
}

// HandleSizes returns the current device's preview sizes, filtered by the
// optional ratio query parameter ("1.7778" or "16:9").
func (h *Handlers) HandleSizes(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var ratio *float64
	if q := r.URL.Query().Get("ratio"); q != "" {
		v, err := parseRatio(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ratio = &v
	}
	sizes := h.Camera.PreviewSizes(ratio)
	if sizes == nil {
		sizes = []camera.Size{}
	}
	writeJSON(w, http.StatusOK, sizes)
}

func parseRatio(s string) (float64, error) {
	if a, b, ok := strings.Cut(s, ":"); ok {
		num, err1 := strconv.Atoi(a)
		den, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil || num <= 0 || den <= 0 {
			return 0, fmt.Errorf("invalid ratio %q", s)
		}
		return float64(num) / float64(den), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !(v > 0) || v > 100 {
		return 0, fmt.Errorf("invalid ratio %q", s)
	}
	return v, nil
}

// HandleState returns the driver status.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Camera.Status())
}

// HandleOpen handles POST /open.
func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.respond(w, h.Camera.Open())
}

// HandleStartPreview handles POST /preview/start.
func (h *Handlers) HandleStartPreview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.respond(w, h.Camera.StartPreview())
}

// HandleStopPreview handles POST /preview/stop.
func (h *Handlers) HandleStopPreview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.Camera.StopPreview()
	h.respond(w, nil)
}

// HandleSwitch handles POST /switch.
func (h *Handlers) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req SwitchRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		h.respond(w, h.Camera.SwitchFacing())
		return
	}
	h.respond(w, h.Camera.SwitchDevice(req.DeviceID))
}

// HandleResolution handles POST /resolution.
func (h *Handlers) HandleResolution(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req ResolutionRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateResolution(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.respond(w, h.Camera.UpdateResolution(req.Width, req.Height))
}

// HandleCapture handles POST /capture. The capture completes asynchronously;
// its outcome is reported on the status stream.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req CaptureRequest
	if err := decode(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateCaptureName(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path := ""
	if req.Name != "" {
		path = filepath.Join(h.CaptureDir, req.Name)
	}
	if st := h.Camera.Status(); st.State != driver.Previewing {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "preview is not running", "state": st.State.String()})
		return
	}
	if err := h.Camera.Capture(path); err != nil {
		h.writeError(w, err)
		return
	}
	debug.Verbose("web: capture requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleRelease handles POST /release.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.Camera.Release()
	h.respond(w, nil)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
