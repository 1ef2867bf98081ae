package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/CamGo/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	hub      *PreviewHub
}

// NewServer creates a server configured for the given address and
// dependencies. hub may be nil, in which case /preview/ws is not served.
func NewServer(addr string, broadcaster *StatusBroadcaster, cam Camera, captureDir string, hub *PreviewHub) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, cam, captureDir, subFS),
		hub:      hub,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /devices", s.handlers.HandleDevices)
	mux.HandleFunc("GET /sizes", s.handlers.HandleSizes)
	mux.HandleFunc("GET /state", s.handlers.HandleState)
	mux.HandleFunc("POST /open", s.handlers.HandleOpen)
	mux.HandleFunc("POST /preview/start", s.handlers.HandleStartPreview)
	mux.HandleFunc("POST /preview/stop", s.handlers.HandleStopPreview)
	mux.HandleFunc("POST /switch", s.handlers.HandleSwitch)
	mux.HandleFunc("POST /resolution", s.handlers.HandleResolution)
	mux.HandleFunc("POST /capture", s.handlers.HandleCapture)
	mux.HandleFunc("POST /release", s.handlers.HandleRelease)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	if s.hub != nil {
		mux.Handle("GET /preview/ws", s.hub)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. The preview hub runs for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
