package web

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/CamGo/internal/debug"
	"github.com/cjeanneret/CamGo/internal/hw/camera"
	"github.com/cjeanneret/CamGo/internal/logic/preview"
)

const (
	writeWait     = 5 * time.Second
	clientBacklog = 2
)

// PreviewHub is the display surface of the web UI. It receives preview
// frames as a listener, encodes at most one JPEG per interval and pushes it
// to every websocket client. Clients that fall behind miss frames.
type PreviewHub struct {
	interval time.Duration
	quality  int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    time.Time
	frame   []byte
	size    camera.Size
	seq     uint64
	kick    chan struct{}
	now     func() time.Time
	sent    uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewPreviewHub creates a hub pushing at most one frame per interval.
func NewPreviewHub(interval time.Duration, quality int) *PreviewHub {
	return &PreviewHub{
		interval: interval,
		quality:  quality,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 64 << 10},
		clients:  make(map[*wsClient]struct{}),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SurfaceKind implements camera.Surface.
func (h *PreviewHub) SurfaceKind() camera.SurfaceKind { return camera.SurfaceWindow }

// OnFrame is a preview.Listener. It copies the frame when a client is
// connected and the interval has elapsed; encoding happens in Run.
func (h *PreviewHub) OnFrame(f preview.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	now := h.now()
	if !h.last.IsZero() && now.Sub(h.last) < h.interval {
		return
	}
	h.last = now
	if cap(h.frame) < len(f.Data) {
		h.frame = make([]byte, len(f.Data))
	}
	h.frame = h.frame[:len(f.Data)]
	copy(h.frame, f.Data)
	h.size = f.Size
	h.seq = f.Seq
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Run encodes and distributes frames until ctx is cancelled, then
// disconnects every client.
func (h *PreviewHub) Run(ctx context.Context) {
	var nv21 []byte
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.kick:
		}
		h.mu.Lock()
		nv21 = append(nv21[:0], h.frame...)
		size, seq := h.size, h.seq
		h.mu.Unlock()

		var out bytes.Buffer
		if err := camera.EncodeJPEG(&out, nv21, size, h.quality); err != nil {
			debug.Verbose("preview hub: frame %d: %v", seq, err)
			continue
		}
		h.broadcast(out.Bytes())
	}
}

func (h *PreviewHub) broadcast(jpeg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- jpeg:
			h.sent++
		default:
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *PreviewHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Sent returns the number of frames queued to clients.
func (h *PreviewHub) Sent() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

// ServeHTTP upgrades the request and streams JPEG frames as binary messages.
func (h *PreviewHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("preview hub: upgrade: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	debug.Live("preview hub: client connected (%d total)", n)

	go h.write(c)
	// Inbound messages are ignored; a read error means the client left.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *PreviewHub) write(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *PreviewHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *PreviewHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
