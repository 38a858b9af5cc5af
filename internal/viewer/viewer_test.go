package viewer

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/server"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func listen(t *testing.T) *server.UDPSocket {
	t.Helper()
	sock, err := server.ListenUDP(server.SocketConfig{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func newServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.DefaultConfig(), newEngine(t), listen(t), server.Options{})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

// pump ticks srv and v until cond holds.
func pump(t *testing.T, srv *server.Server, v *Viewer, frames func(i int) *capture.Frame, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		var f *capture.Frame
		if frames != nil {
			f = frames(i)
		}
		if err := srv.Tick(f); err != nil {
			t.Fatalf("server Tick: %v", err)
		}
		if err := v.Step(); err != nil {
			t.Fatalf("viewer Step: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatal("condition not reached within 5s")
}

func TestViewer_ReceivesStream(t *testing.T) {
	srv := newServer(t)
	var out bytes.Buffer
	v, err := New(Config{
		Server: srv.LocalAddr(),
		Path:   server.DefaultStreamPath,
		Output: &out,
	}, newEngine(t), listen(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pump(t, srv, v, nil, func() bool {
		return v.Progress().Established && srv.Sessions() == 1 && srv.Stats().Ticks > 0
	})

	// Frames start once the request has been served.
	seq := uint64(0)
	frames := func(int) *capture.Frame {
		seq++
		return &capture.Frame{Seq: seq, Payloads: [][]byte{[]byte("\x00\x00\x00\x01"), bytes.Repeat([]byte{byte(seq)}, 100)}}
	}
	pump(t, srv, v, frames, func() bool { return v.Progress().Bytes >= 10*104 })

	got := out.Bytes()
	if !bytes.HasPrefix(got, []byte("\x00\x00\x00\x01")) {
		t.Errorf("stream does not start with a start code: % x", got[:8])
	}
	if p := v.Progress(); p.Bytes != uint64(len(got)) || p.Chunks == 0 {
		t.Errorf("Progress() = %+v, output %d bytes", p, len(got))
	}

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := v.Step()
		if errors.Is(err, ErrConnectionClosed) || v.Done() {
			break
		}
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer did not notice the server shutdown")
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestViewer_UnknownPathFinishesEmpty(t *testing.T) {
	srv := newServer(t)
	var out bytes.Buffer
	v, err := New(Config{
		Server: srv.LocalAddr(),
		Path:   "/nothing-here",
		Output: &out,
	}, newEngine(t), listen(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pump(t, srv, v, nil, v.Done)
	if out.Len() != 0 {
		t.Errorf("received %d bytes for an unknown path", out.Len())
	}
	if err := v.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestViewer_HandshakeTimeout(t *testing.T) {
	// Nothing listens behind this socket's peer.
	silent := listen(t)
	now := time.Unix(1000, 0)
	v, err := New(Config{
		Server:  silent.LocalAddr(),
		Path:    "/raw/stream.h264",
		Timeout: time.Second,
		Now:     func() time.Time { return now },
	}, newEngine(t), listen(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := v.Step(); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := v.Step(); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Step after timeout = %v, want ErrHandshakeTimeout", err)
	}
}

func TestViewer_RunStopsOnCancel(t *testing.T) {
	silent := listen(t)
	v, err := New(Config{
		Server:           silent.LocalAddr(),
		Path:             "/raw/stream.h264",
		ProgressInterval: time.Millisecond,
	}, newEngine(t), listen(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := v.Run(ctx); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	eng := newEngine(t)
	sock := listen(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no server", Config{Path: "/x"}},
		{"relative path", Config{Server: netip.MustParseAddrPort("127.0.0.1:1337"), Path: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, eng, sock); err == nil {
				t.Error("New() accepted an invalid config")
			}
		})
	}
}
