// Package health serves the broadcast's liveness, readiness and metrics
// endpoints over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health states reported by /healthz.
const (
	StatusHealthy     = "healthy"
	StatusStalled     = "stalled"
	StatusUnavailable = "unavailable"
)

// StatsProvider provides broadcast statistics.
type StatsProvider interface {
	// IsRunning returns true while the broadcast loop is ticking.
	IsRunning() bool

	// Stats returns broadcast statistics.
	Stats() Stats
}

// Stats contains broadcast health statistics.
type Stats struct {
	ListenAddr        string    `json:"listen_addr"`
	Sessions          int64     `json:"sessions"`
	SessionsCreated   uint64    `json:"sessions_created"`
	RetriesSent       uint64    `json:"retries_sent"`
	TokensRejected    uint64    `json:"tokens_rejected"`
	DatagramsReceived uint64    `json:"datagrams_received"`
	DatagramsDropped  uint64    `json:"datagrams_dropped"`
	PacketsSent       uint64    `json:"packets_sent"`
	BytesReceived     uint64    `json:"bytes_received"`
	BytesSent         uint64    `json:"bytes_sent"`
	FramesDelivered   uint64    `json:"frames_delivered"`
	FramesDropped     uint64    `json:"frames_dropped"`
	LastFrame         uint64    `json:"last_frame"`
	LastFrameAt       time.Time `json:"last_frame_at"`
	Ticks             uint64    `json:"ticks"`
	StartedAt         time.Time `json:"started_at"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// StallAfter marks the broadcast stalled when no frame was captured
	// for this long. Zero disables the check.
	StallAfter time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Now func() time.Time
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		StallAfter:   5 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Stop(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down. Calling it twice is harmless.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// state classifies the broadcast. A broadcast that has not produced its
// first frame yet is measured from its start time.
func (s *Server) state() (string, Stats) {
	if s.provider == nil || !s.provider.IsRunning() {
		return StatusUnavailable, Stats{}
	}
	st := s.provider.Stats()
	if s.cfg.StallAfter > 0 {
		last := st.LastFrameAt
		if last.IsZero() {
			last = st.StartedAt
		}
		if !last.IsZero() && s.cfg.Now().Sub(last) > s.cfg.StallAfter {
			return StatusStalled, st
		}
	}
	return StatusHealthy, st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// handleHealthz reports the state with the full stats. Anything but healthy
// answers 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state, st := s.state()
	code := http.StatusOK
	if state != StatusHealthy {
		code = http.StatusServiceUnavailable
	}

	if state == StatusUnavailable {
		writeJSON(w, code, struct {
			Status  string `json:"status"`
			Running bool   `json:"running"`
		}{state, false})
		return
	}

	writeJSON(w, code, struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		Stats
	}{state, true, st})
}

// handleReady answers 200 once the socket is bound and the loop ticks.
// A stalled source still counts as ready: viewers can connect.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state, st := s.state()
	if state == StatusUnavailable || st.ListenAddr == "" {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(body + "\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
