package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeBroadcast implements StatsProvider for testing.
type fakeBroadcast struct {
	running bool
	stats   Stats
}

func (f *fakeBroadcast) IsRunning() bool { return f.running }
func (f *fakeBroadcast) Stats() Stats    { return f.stats }

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(cfg ServerConfig, p StatsProvider) *Server {
	cfg.Now = func() time.Time { return epoch }
	return NewServer(cfg, p)
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestServer_Health(t *testing.T) {
	// Liveness answers even when the broadcast is down.
	s := newTestServer(DefaultServerConfig(), &fakeBroadcast{})

	rec := do(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK\n" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(s, http.MethodPost, "/health"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}
}

func TestServer_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		provider   StatsProvider
		stallAfter time.Duration
		wantCode   int
		wantStatus string
	}{
		{
			name:       "nil provider",
			provider:   nil,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnavailable,
		},
		{
			name:       "not running",
			provider:   &fakeBroadcast{running: false},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnavailable,
		},
		{
			name: "fresh frame",
			provider: &fakeBroadcast{running: true, stats: Stats{
				StartedAt:   epoch.Add(-time.Minute),
				LastFrameAt: epoch.Add(-time.Second),
			}},
			stallAfter: 5 * time.Second,
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "stale frame",
			provider: &fakeBroadcast{running: true, stats: Stats{
				StartedAt:   epoch.Add(-time.Minute),
				LastFrameAt: epoch.Add(-10 * time.Second),
			}},
			stallAfter: 5 * time.Second,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusStalled,
		},
		{
			name: "no frame yet within grace",
			provider: &fakeBroadcast{running: true, stats: Stats{
				StartedAt: epoch.Add(-2 * time.Second),
			}},
			stallAfter: 5 * time.Second,
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "no frame since long ago",
			provider: &fakeBroadcast{running: true, stats: Stats{
				StartedAt: epoch.Add(-time.Minute),
			}},
			stallAfter: 5 * time.Second,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusStalled,
		},
		{
			name: "stall check disabled",
			provider: &fakeBroadcast{running: true, stats: Stats{
				StartedAt:   epoch.Add(-time.Hour),
				LastFrameAt: epoch.Add(-time.Hour),
			}},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.StallAfter = tt.stallAfter
			s := newTestServer(cfg, tt.provider)

			rec := do(s, http.MethodGet, "/healthz")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if got := decode(t, rec)["status"]; got != tt.wantStatus {
				t.Errorf("status = %v, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestServer_HealthzStats(t *testing.T) {
	s := newTestServer(DefaultServerConfig(), &fakeBroadcast{
		running: true,
		stats: Stats{
			ListenAddr:      "127.0.0.1:1337",
			Sessions:        5,
			SessionsCreated: 10,
			RetriesSent:     12,
			LastFrame:       42,
			LastFrameAt:     epoch,
		},
	})

	resp := decode(t, do(s, http.MethodGet, "/healthz"))
	if resp["running"] != true {
		t.Errorf("running = %v", resp["running"])
	}
	checks := map[string]float64{
		"sessions":         5,
		"sessions_created": 10,
		"retries_sent":     12,
		"last_frame":       42,
	}
	for key, want := range checks {
		if got, _ := resp[key].(float64); got != want {
			t.Errorf("%s = %v, want %v", key, resp[key], want)
		}
	}
	if resp["listen_addr"] != "127.0.0.1:1337" {
		t.Errorf("listen_addr = %v", resp["listen_addr"])
	}
}

func TestServer_Ready(t *testing.T) {
	tests := []struct {
		name     string
		provider StatsProvider
		wantCode int
		wantBody string
	}{
		{"not running", &fakeBroadcast{}, http.StatusServiceUnavailable, "NOT READY\n"},
		{"unbound", &fakeBroadcast{running: true}, http.StatusServiceUnavailable, "NOT READY\n"},
		{"bound", &fakeBroadcast{running: true, stats: Stats{ListenAddr: "0.0.0.0:1337"}}, http.StatusOK, "READY\n"},
		{
			// Viewers can still connect to a stalled source.
			"stalled",
			&fakeBroadcast{running: true, stats: Stats{ListenAddr: "0.0.0.0:1337", StartedAt: epoch.Add(-time.Hour)}},
			http.StatusOK, "READY\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(DefaultServerConfig(), tt.provider)
			rec := do(s, http.MethodGet, "/ready")
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Errorf("GET /ready = %d %q, want %d %q", rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deskcast",
		Name:      "test_total",
		Help:      "Test counter.",
	})
	reg.MustRegister(c)
	c.Add(3)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := newTestServer(cfg, &fakeBroadcast{running: true})

	rec := do(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "deskcast_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}

func TestServer_Pprof(t *testing.T) {
	off := newTestServer(DefaultServerConfig(), &fakeBroadcast{running: true})
	if rec := do(off, http.MethodGet, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Errorf("pprof disabled: GET /debug/pprof/ = %d, want 404", rec.Code)
	}

	cfg := DefaultServerConfig()
	cfg.Pprof = true
	on := newTestServer(cfg, &fakeBroadcast{running: true})
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/symbol"} {
		if rec := do(on, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, &fakeBroadcast{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	addr := s.Address()
	if addr == nil {
		t.Fatal("Address() = nil after Start")
	}

	// Serve starts in a goroutine.
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("GET /health = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestServer_StartAddressInUse(t *testing.T) {
	first := NewServer(ServerConfig{Address: "127.0.0.1:0"}, nil)
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	second := NewServer(ServerConfig{Address: first.Address().String()}, nil)
	if err := second.Start(); err == nil {
		second.Stop()
		t.Error("Start() on a bound address succeeded")
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, &fakeBroadcast{running: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Run returned")
	}
}
