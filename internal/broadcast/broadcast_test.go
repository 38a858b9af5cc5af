package broadcast

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deskcast/deskcast/internal/config"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/server"
	"github.com/deskcast/deskcast/internal/viewer"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Capture.FPS = 120
	cfg.Capture.FrameSize = 256
	cfg.Capture.TickInterval = 200 * time.Microsecond
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Source = "dxgi"
	if _, err := New(cfg, Options{Logger: logging.NopLogger()}); err == nil {
		t.Error("New() accepted an invalid config")
	}
}

func TestNew_SealedTokens(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.TokenMode = "sealed"
	cfg.Retry.Secret = "0123456789abcdef-broadcast"
	b, err := New(cfg, Options{Logger: logging.NopLogger(), Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestBroadcast_ServesViewer(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, err := New(testConfig(), Options{Logger: logging.NopLogger(), Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	sock, err := server.ListenUDP(server.SocketConfig{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	var out bytes.Buffer
	v, err := viewer.New(viewer.Config{
		Server:  b.LocalAddr(),
		Path:    server.DefaultStreamPath,
		Output:  &out,
		Timeout: 5 * time.Second,
	}, eng, sock)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for v.Progress().Bytes < 4096 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d bytes within 5s", v.Progress().Bytes)
		}
		if err := v.Step(); err != nil {
			t.Fatalf("viewer Step: %v", err)
		}
		time.Sleep(200 * time.Microsecond)
	}

	if !b.IsRunning() {
		t.Error("IsRunning() = false while running")
	}
	st := b.Stats()
	if st.Sessions != 1 || st.SessionsCreated != 1 || st.RetriesSent != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.StartedAt.IsZero() || st.LastFrameAt.IsZero() || st.ListenAddr != b.LocalAddr().String() {
		t.Errorf("Stats() = %+v", st)
	}
	// Annex B start code of the first frame.
	if !bytes.HasPrefix(out.Bytes(), []byte{0, 0, 0, 1}) {
		t.Errorf("stream starts with % x", out.Bytes()[:4])
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
	if b.IsRunning() {
		t.Error("IsRunning() = true after Run returned")
	}

	if n, err := testutil.GatherAndCount(reg, "deskcast_sessions_created_total"); err != nil || n != 1 {
		t.Errorf("sessions_created_total series = %d, %v", n, err)
	}

	// The viewer sees the server's close.
	deadline = time.Now().Add(2 * time.Second)
	for {
		err := v.Step()
		if errors.Is(err, viewer.ErrConnectionClosed) || v.Done() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer did not see the shutdown")
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func TestBroadcast_RunTwice(t *testing.T) {
	b, err := New(testConfig(), Options{Logger: logging.NopLogger(), Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !b.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := b.Run(context.Background()); err == nil {
		t.Error("second Run() succeeded")
	}
	cancel()
	<-done
}
