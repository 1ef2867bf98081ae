// Package device keeps the table of camera units reported by the hardware.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/CamGo/internal/camerr"
	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
)

// Descriptor describes one physical camera unit.
type Descriptor struct {
	ID                    string             `json:"id" yaml:"id"`
	Label                 string             `json:"label" yaml:"label"`
	Facing                camera.Facing      `json:"facing" yaml:"facing"`
	VendorID              int                `json:"vendor_id" yaml:"vendor_id"`
	ProductID             int                `json:"product_id" yaml:"product_id"`
	SensorOrientation     int                `json:"sensor_orientation" yaml:"sensor_orientation"`
	SupportedPreviewSizes []camera.Size      `json:"preview_sizes" yaml:"preview_sizes"`
	FocusModes            []camera.FocusMode `json:"focus_modes,omitempty" yaml:"focus_modes,omitempty"`
}

// SupportsFocus reports whether the unit advertises focus mode m.
func (d Descriptor) SupportsFocus(m camera.FocusMode) bool {
	for _, f := range d.FocusModes {
		if f == m {
			return true
		}
	}
	return false
}

// Enumerator is the part of camera.Subsystem the registry needs.
type Enumerator interface {
	Devices() ([]camera.DeviceInfo, error)
}

// table is immutable once published.
type table struct {
	devices  []Descriptor
	byID     map[string]int
	byFacing map[camera.Facing]int
}

// Registry is a snapshot of the enumerated devices. Reads are lock-free;
// Enumerate publishes a new table atomically.
type Registry struct {
	hw  Enumerator
	tab atomic.Pointer[table]
}

// NewRegistry creates an empty registry. Call Enumerate to populate it.
func NewRegistry(hw Enumerator) *Registry {
	r := &Registry{hw: hw}
	r.tab.Store(&table{byID: map[string]int{}, byFacing: map[camera.Facing]int{}})
	return r
}

// Enumerate queries the hardware and replaces the table. When zero devices
// are reported it returns camerr.ErrNoDeviceFound and keeps the previous
// table.
func (r *Registry) Enumerate() error {
	infos, err := r.hw.Devices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if len(infos) == 0 {
		return camerr.ErrNoDeviceFound
	}

	t := &table{
		devices:  make([]Descriptor, 0, len(infos)),
		byID:     make(map[string]int, len(infos)),
		byFacing: make(map[camera.Facing]int, 2),
	}
	for i, info := range infos {
		if _, dup := t.byID[info.ID]; dup {
			debug.Verbose("Registry: duplicate device id %q ignored", info.ID)
			continue
		}
		d := Descriptor{
			ID:                    info.ID,
			Label:                 info.Label,
			Facing:                info.Facing,
			VendorID:              info.VendorID,
			ProductID:             info.ProductID,
			SensorOrientation:     info.SensorOrientation,
			SupportedPreviewSizes: append([]camera.Size(nil), info.PreviewSizes...),
			FocusModes:            append([]camera.FocusMode(nil), info.FocusModes...),
		}
		// Backends without USB identity get positional ids.
		if d.VendorID == 0 {
			d.VendorID = i + 1
		}
		if d.ProductID == 0 {
			d.ProductID = i + 1
		}
		idx := len(t.devices)
		t.devices = append(t.devices, d)
		t.byID[d.ID] = idx
		if _, seen := t.byFacing[d.Facing]; !seen {
			t.byFacing[d.Facing] = idx
		}
		debug.Device(d.ID, d.Facing.String(), len(d.SupportedPreviewSizes))
	}
	r.tab.Store(t)
	debug.Live("Registry: %d device(s) enumerated", len(t.devices))
	return nil
}

// LookupID returns the device with the given id.
func (r *Registry) LookupID(id string) (Descriptor, bool) {
	t := r.tab.Load()
	idx, ok := t.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return t.devices[idx], true
}

// LookupFacing returns the first enumerated device with facing f.
func (r *Registry) LookupFacing(f camera.Facing) (Descriptor, bool) {
	t := r.tab.Load()
	idx, ok := t.byFacing[f]
	if !ok {
		return Descriptor{}, false
	}
	return t.devices[idx], true
}

// Default returns the back device, or the first enumerated one when there is
// no back device.
func (r *Registry) Default() (Descriptor, bool) {
	if d, ok := r.LookupFacing(camera.FacingBack); ok {
		return d, true
	}
	t := r.tab.Load()
	if len(t.devices) == 0 {
		return Descriptor{}, false
	}
	return t.devices[0], true
}

// All returns the devices in enumeration order.
func (r *Registry) All() []Descriptor {
	t := r.tab.Load()
	out := make([]Descriptor, len(t.devices))
	copy(out, t.devices)
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return len(r.tab.Load().devices)
}
