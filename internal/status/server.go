// Package status serves the mount's metrics, health, state and event
// stream over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/qbtfs/qbtfs/internal/events"
	"github.com/qbtfs/qbtfs/internal/logging"
	"github.com/qbtfs/qbtfs/internal/metrics"
	"github.com/qbtfs/qbtfs/internal/vfs"
)

// Onliner reports whether the item source is reachable.
type Onliner interface {
	IsOnline() bool
}

// Report is the /status response.
type Report struct {
	Generation  uint64            `json:"generation"`
	Origin      string            `json:"origin"`
	Items       int               `json:"items"`
	Nodes       uint64            `json:"nodes"`
	Skipped     int               `json:"skipped"`
	LastRebuild time.Time         `json:"last_rebuild"`
	Online      bool              `json:"online"`
	Uptime      int64             `json:"uptime_seconds"`
	Stats       vfs.StatsSnapshot `json:"stats"`
}

// Server is the status HTTP server.
type Server struct {
	fs          *vfs.FS
	source      Onliner
	broadcaster *events.Broadcaster
	started     time.Time

	httpServer *http.Server
	listener   net.Listener
	stop       context.CancelFunc
}

// New creates a status server. source and bus may be nil.
func New(fs *vfs.FS, source Onliner, bus *events.Broadcaster) *Server {
	return &Server{
		fs:          fs,
		source:      source,
		broadcaster: bus,
		started:     time.Now(),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.broadcaster != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	return logging.Middleware(metrics.Middleware(mux))
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.listener = ln

	// Request contexts derive from base so Shutdown can end event streams.
	base, stop := context.WithCancel(context.Background())
	s.stop = stop
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	go func() {
		logging.Info("status server listening", logging.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("status server error", logging.Err(err))
		}
	}()
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server. Open event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) online() bool {
	return s.source == nil || s.source.IsOnline()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.online() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "offline"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	g := s.fs.Current()
	report := Report{
		Generation:  g.Number,
		Origin:      g.Origin,
		Items:       g.Served,
		Nodes:       s.fs.StatFs().Nodes,
		Skipped:     g.Skipped,
		LastRebuild: g.Built,
		Online:      s.online(),
		Uptime:      int64(time.Since(s.started).Seconds()),
		Stats:       s.fs.GetStats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
