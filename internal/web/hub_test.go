package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/logic/preview"
)

func testFrame(seq uint64) preview.Frame {
	size := camera.Size{Width: 16, Height: 16}
	data := make([]byte, size.FrameBytes())
	for i := range data {
		data[i] = 128
	}
	return preview.Frame{Data: data, Format: camera.FormatNV21, Size: size, Seq: seq}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPreviewHub_IsWindowSurface(t *testing.T) {
	var s camera.Surface = NewPreviewHub(time.Second, 70)
	if s.SurfaceKind() != camera.SurfaceWindow {
		t.Error("hub should be a window surface")
	}
}

func TestPreviewHub_NoClientsNoWork(t *testing.T) {
	h := NewPreviewHub(0, 70)
	h.OnFrame(testFrame(1))
	if len(h.kick) != 0 || h.frame != nil {
		t.Error("frames must be ignored without clients")
	}
}

func TestPreviewHub_Throttle(t *testing.T) {
	h := NewPreviewHub(100*time.Millisecond, 70)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.clients[&wsClient{send: make(chan []byte, clientBacklog)}] = struct{}{}

	h.OnFrame(testFrame(1))
	now = now.Add(50 * time.Millisecond)
	h.OnFrame(testFrame(2))
	if h.seq != 1 {
		t.Errorf("seq = %d, want 1 (second frame throttled)", h.seq)
	}
	now = now.Add(60 * time.Millisecond)
	h.OnFrame(testFrame(3))
	if h.seq != 3 {
		t.Errorf("seq = %d, want 3", h.seq)
	}
	if len(h.kick) != 1 {
		t.Errorf("kick backlog = %d, want 1", len(h.kick))
	}
}

func TestPreviewHub_SlowClientDropsFrames(t *testing.T) {
	h := NewPreviewHub(0, 70)
	c := &wsClient{send: make(chan []byte, clientBacklog)}
	h.clients[c] = struct{}{}
	for i := 0; i < 5; i++ {
		h.broadcast([]byte{byte(i)})
	}
	if len(c.send) != clientBacklog {
		t.Errorf("backlog = %d, want %d", len(c.send), clientBacklog)
	}
	if h.Sent() != clientBacklog {
		t.Errorf("Sent() = %d, want %d", h.Sent(), clientBacklog)
	}
}

func TestPreviewHub_WebsocketStream(t *testing.T) {
	h := NewPreviewHub(0, 70)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.Clients() == 1 })

	h.OnFrame(testFrame(7))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", typ)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("payload should be a JPEG")
	}

	conn.Close()
	waitFor(t, "client removal", func() bool { return h.Clients() == 0 })
}

func TestPreviewHub_RunStopsClients(t *testing.T) {
	h := NewPreviewHub(0, 70)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	c := &wsClient{send: make(chan []byte, clientBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := <-c.send; ok {
		t.Error("client channel should be closed")
	}
	if h.Clients() != 0 {
		t.Errorf("Clients() = %d, want 0", h.Clients())
	}
}
