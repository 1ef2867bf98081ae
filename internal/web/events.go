package web

import (
	"github.com/cjeanneret/CamGo/internal/logic/capture"
	"github.com/cjeanneret/CamGo/internal/logic/driver"
)

// StateChange is the data of a "state" event.
type StateChange struct {
	From driver.State `json:"from"`
	To   driver.State `json:"to"`
}

// CaptureEvent is the data of a "capture" event.
type CaptureEvent struct {
	Phase  string          `json:"phase"` // "begin" or "complete"
	Result *capture.Result `json:"result,omitempty"`
}

// ErrorEvent is the data of an "error" event.
type ErrorEvent struct {
	Error string `json:"error"`
}

// DriverEvents forwards driver notifications to SSE clients.
func DriverEvents(b *StatusBroadcaster) driver.Events {
	return driver.Events{
		OnError: func(err error) {
			b.BroadcastEvent("error", "error", ErrorEvent{Error: err.Error()})
		},
		OnStateChange: func(from, to driver.State) {
			b.BroadcastEvent("info", "state", StateChange{From: from, To: to})
		},
		OnCaptureBegin: func() {
			b.BroadcastEvent("info", "capture", CaptureEvent{Phase: "begin"})
		},
		OnCaptureComplete: func(res capture.Result) {
			b.BroadcastEvent("info", "capture", CaptureEvent{Phase: "complete", Result: &res})
		},
	}
}
