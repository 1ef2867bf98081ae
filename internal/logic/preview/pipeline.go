// Package preview runs the live preview frame loop: one buffer circulates
// between the hardware and the registered listeners.
package preview

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Frame is one preview image. Data is only valid for the duration of the
// listener call; listeners that keep it must copy it.
type Frame struct {
	Data   []byte
	Format camera.Format
	Size   camera.Size
	Seq    uint64
}

// Listener receives preview frames on the hardware goroutine. It must return
// quickly and must not call back into the driver.
type Listener func(Frame)

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

// Hardware is the streaming part of camera.Subsystem.
type Hardware interface {
	SetFrameCallback(h camera.Handle, fn camera.FrameFunc) error
	SubmitBuffer(h camera.Handle, buf []byte) error
	StartStream(h camera.Handle) error
	StopStream(h camera.Handle) error
}

// Stats counts frame traffic since the pipeline was created.
type Stats struct {
	Delivered uint64 // frames fanned out to listeners
	Dropped   uint64 // stale or mis-sized buffers
	Submitted uint64 // buffer hand-overs to the hardware
	Skipped   uint64 // frames withheld from listeners while suspended
}

type registration struct {
	id ListenerID
	fn Listener
}

// Pipeline owns the preview buffer while armed.
//
// Every Arm starts a new generation. Callbacks carrying an older generation
// are dropped and their buffer is never resubmitted, so a late frame from a
// previous stream cannot leak into the current one.
type Pipeline struct {
	hw Hardware

	mu        sync.Mutex
	gen       uint64
	armed     bool
	suspended bool
	handle    camera.Handle
	size      camera.Size
	buf       []byte
	seq       uint64
	listeners []registration
	nextID    ListenerID
	stats     Stats
}

// New creates a disarmed pipeline.
func New(hw Hardware) *Pipeline {
	return &Pipeline{hw: hw}
}

// Arm allocates the frame buffer for size, registers the frame callback,
// submits the buffer and starts streaming on h. A pipeline that is already
// armed is disarmed first.
func (p *Pipeline) Arm(h camera.Handle, size camera.Size) error {
	if h == nil {
		return fmt.Errorf("preview: arm without handle")
	}
	if !size.Valid() {
		return fmt.Errorf("preview: invalid size %s", size)
	}
	p.Disarm()

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.armed = true
	p.suspended = false
	p.handle = h
	p.size = size
	p.buf = make([]byte, size.FrameBytes())
	buf := p.buf
	p.mu.Unlock()

	debug.Verbose("Preview: arming %s on device %s (gen %d, %d-byte buffer)", size, h.DeviceID(), gen, len(buf))

	if err := p.hw.SetFrameCallback(h, func(b []byte) { p.onFrame(gen, b) }); err != nil {
		p.Disarm()
		return fmt.Errorf("preview: set frame callback: %w", err)
	}
	if err := p.submit(h, buf); err != nil {
		p.Disarm()
		return fmt.Errorf("preview: submit buffer: %w", err)
	}
	if err := p.hw.StartStream(h); err != nil {
		p.Disarm()
		return fmt.Errorf("preview: start stream: %w", err)
	}
	return nil
}

func (p *Pipeline) submit(h camera.Handle, buf []byte) error {
	if err := p.hw.SubmitBuffer(h, buf); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.Submitted++
	p.mu.Unlock()
	return nil
}

// onFrame runs on the hardware goroutine.
func (p *Pipeline) onFrame(gen uint64, buf []byte) {
	p.mu.Lock()
	if gen != p.gen || !p.armed || len(buf) != p.size.FrameBytes() {
		p.stats.Dropped++
		current := p.gen
		p.mu.Unlock()
		debug.Trace("Preview: dropped buffer (gen %d, current %d, %d bytes)", gen, current, len(buf))
		return
	}
	if p.suspended {
		p.stats.Skipped++
		p.resubmitLocked(buf)
		p.mu.Unlock()
		return
	}
	p.seq++
	frame := Frame{Data: buf, Format: camera.FormatNV21, Size: p.size, Seq: p.seq}
	listeners := make([]registration, len(p.listeners))
	copy(listeners, p.listeners)
	p.stats.Delivered++
	p.mu.Unlock()

	debug.Frame(frame.Seq, len(buf), len(listeners))
	for _, l := range listeners {
		l.fn(frame)
	}

	// Resubmit only while this generation is still current.
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || !p.armed {
		return
	}
	p.resubmitLocked(buf)
}

// resubmitLocked hands buf back to the hardware; p.mu must be held.
func (p *Pipeline) resubmitLocked(buf []byte) {
	if err := p.hw.SubmitBuffer(p.handle, buf); err != nil {
		debug.Error(fmt.Errorf("preview: resubmit buffer: %w", err))
		return
	}
	p.stats.Submitted++
}

// Suspend stops fan-out until the next Arm. The stream keeps running and the
// buffer keeps circulating.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed && !p.suspended {
		p.suspended = true
		debug.Verbose("Preview: fan-out suspended")
	}
}

// Suspended reports whether fan-out is suspended.
func (p *Pipeline) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// Disarm clears the frame callback, stops streaming and drops the buffer.
// It is a no-op when the pipeline is not armed.
func (p *Pipeline) Disarm() {
	p.mu.Lock()
	if !p.armed {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.armed = false
	p.suspended = false
	h := p.handle
	p.handle = nil
	p.buf = nil
	p.mu.Unlock()

	// p.mu must be free here: StopStream may wait for a callback that needs it.
	if err := p.hw.SetFrameCallback(h, nil); err != nil {
		debug.Verbose("Preview: clear callback: %v", err)
	}
	if err := p.hw.StopStream(h); err != nil {
		debug.Verbose("Preview: stop stream: %v", err)
	}
	debug.Verbose("Preview: disarmed device %s", h.DeviceID())
}

// Armed reports whether a stream is running.
func (p *Pipeline) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

// Size returns the armed frame size, or the zero Size.
func (p *Pipeline) Size() camera.Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return camera.Size{}
	}
	return p.size
}

// AddListener registers fn. Registrations survive re-arming.
func (p *Pipeline) AddListener(fn Listener) ListenerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.listeners = append(p.listeners, registration{id: p.nextID, fn: fn})
	return p.nextID
}

// RemoveListener unregisters id. Unknown ids are ignored.
func (p *Pipeline) RemoveListener(id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.listeners {
		if l.id == id {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of registered listeners.
func (p *Pipeline) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
