package gpio

import "testing"

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls []gpioCall
}

type gpioCall struct {
	op    string
	pin   int
	level Level
}

func (d *recordingDriver) SetupPin(pin int, mode PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (Level, error) {
	return Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func TestIndicator_InitializedOff(t *testing.T) {
	drv := &recordingDriver{}
	NewIndicator(drv, 17, false)

	if len(drv.calls) == 0 || drv.calls[0].op != "setup" || drv.calls[0].pin != 17 {
		t.Fatalf("expected pin 17 setup first, got %v", drv.calls)
	}
	writes := drv.writeCalls()
	if len(writes) != 1 || writes[0].level != Low {
		t.Errorf("expected a single LOW write after construction, got %v", writes)
	}
}

func TestIndicator_OnOffSequence(t *testing.T) {
	cases := []struct {
		name      string
		activeLow bool
		on, off   Level
	}{
		{"active_high", false, High, Low},
		{"active_low", true, Low, High},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &recordingDriver{}
			ind := NewIndicator(drv, 22, tc.activeLow)
			drv.calls = nil // reset after init

			if err := ind.On(); err != nil {
				t.Fatalf("On: %v", err)
			}
			if err := ind.Off(); err != nil {
				t.Fatalf("Off: %v", err)
			}

			writes := drv.writeCalls()
			if len(writes) != 2 {
				t.Fatalf("expected 2 writes, got %d: %v", len(writes), writes)
			}
			if writes[0].level != tc.on || writes[1].level != tc.off {
				t.Errorf("levels = %v,%v, want %v,%v", writes[0].level, writes[1].level, tc.on, tc.off)
			}
		})
	}
}

func TestIndicator_DisabledPin(t *testing.T) {
	drv := &recordingDriver{}
	ind := NewIndicator(drv, 0, false)
	if err := ind.On(); err != nil {
		t.Errorf("On on disabled indicator: %v", err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("disabled indicator touched GPIO: %v", drv.calls)
	}

	var nilInd *Indicator
	if err := nilInd.Off(); err != nil {
		t.Errorf("Off on nil indicator: %v", err)
	}
}

func TestMockDriver_RemembersLevels(t *testing.T) {
	m := &MockDriver{}
	_ = m.WritePin(5, High)
	got, err := m.ReadPin(5)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if got != High {
		t.Errorf("ReadPin = %v, want High", got)
	}
	if got, _ := m.ReadPin(6); got != Low {
		t.Errorf("unwritten pin = %v, want Low", got)
	}
}
