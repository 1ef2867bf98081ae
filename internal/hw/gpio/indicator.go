package gpio

import "github.com/cjeanneret/CamGo/internal/debug"

// Indicator is a capture tally light wired to one GPIO pin. It is lit while a
// still capture is in flight.
//
// Wiring: LED anode -> pin, cathode -> resistor -> GND, unless ActiveLow is
// set, in which case the pin sinks current (LOW = lit).
type Indicator struct {
	gpio      Driver
	pin       int
	activeLow bool
}

// NewIndicator configures pin as an output and switches the light off.
// A pin <= 0 yields a disabled indicator whose methods do nothing.
func NewIndicator(g Driver, pin int, activeLow bool) *Indicator {
	ind := &Indicator{gpio: g, pin: pin, activeLow: activeLow}
	if !ind.enabled() {
		return ind
	}
	_ = g.SetupPin(pin, Output)
	_ = ind.Off()
	return ind
}

func (i *Indicator) enabled() bool {
	return i != nil && i.gpio != nil && i.pin > 0
}

func (i *Indicator) level(on bool) Level {
	if i.activeLow {
		return Level(!on)
	}
	return Level(on)
}

// On lights the indicator.
func (i *Indicator) On() error {
	if !i.enabled() {
		return nil
	}
	debug.Trace("Indicator: on (pin %d)", i.pin)
	return i.gpio.WritePin(i.pin, i.level(true))
}

// Off switches the indicator off.
func (i *Indicator) Off() error {
	if !i.enabled() {
		return nil
	}
	debug.Trace("Indicator: off (pin %d)", i.pin)
	return i.gpio.WritePin(i.pin, i.level(false))
}
