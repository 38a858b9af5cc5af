// Package viewer implements the client side of deskcast: it connects to a
// broadcast server, requests the video stream once the handshake completes
// and copies the received bytes to a writer.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/recovery"
	"github.com/deskcast/deskcast/internal/server"
	"github.com/deskcast/deskcast/internal/session"
)

// requestStream is the first client-initiated bidirectional stream.
const requestStream = 0

var (
	// ErrHandshakeTimeout is returned when the connection is not
	// established within Config.Timeout.
	ErrHandshakeTimeout = errors.New("viewer: handshake timed out")

	// ErrConnectionClosed is returned when the server closes the
	// connection before the stream finished.
	ErrConnectionClosed = errors.New("viewer: connection closed")
)

// Config configures a Viewer.
type Config struct {
	// Server is the broadcast server's address.
	Server netip.AddrPort

	// Path is requested with "GET <path>".
	Path string

	// Output receives the stream bytes.
	Output io.Writer

	// Timeout bounds the handshake. Zero disables it.
	Timeout time.Duration

	// TickInterval paces Run. Defaults to one millisecond.
	TickInterval time.Duration

	// ProgressInterval is how often Run logs progress. Zero disables it.
	ProgressInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Progress is a snapshot of the transfer.
type Progress struct {
	Bytes       uint64
	Chunks      uint64
	Established bool
	Done        bool
}

// Viewer is a single client connection. Step and Run must be called from
// one goroutine; Progress is safe from any.
type Viewer struct {
	cfg     Config
	sock    server.Socket
	sess    *session.Session
	logger  *slog.Logger
	started time.Time

	recvBuf []byte
	sendBuf []byte

	requested   bool
	bytes       atomic.Uint64
	chunks      atomic.Uint64
	established atomic.Bool
	done        atomic.Bool
	writeErr    error
}

// New starts a connection to cfg.Server over sock. Nothing is sent until the
// first Step.
func New(cfg Config, eng *engine.Engine, sock server.Socket) (*Viewer, error) {
	if !cfg.Server.IsValid() {
		return nil, fmt.Errorf("invalid server address %q", cfg.Server)
	}
	if cfg.Path == "" || cfg.Path[0] != '/' {
		return nil, fmt.Errorf("request path %q must start with /", cfg.Path)
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	peer := netip.AddrPortFrom(cfg.Server.Addr().Unmap(), cfg.Server.Port())
	scid, err := eng.NewConnectionID()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	dcid, err := eng.NewConnectionID()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	conn, err := eng.Connect(scid, dcid, peer)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", peer, err)
	}

	logger := cfg.Logger.With(slog.String(logging.KeyComponent, "viewer"))
	v := &Viewer{
		cfg:     cfg,
		sock:    sock,
		logger:  logger,
		started: cfg.Now(),
		recvBuf: make([]byte, server.DefaultRecvBuffer),
		sendBuf: make([]byte, eng.MaxDatagramSize()),
	}
	v.sess = session.New(scid, peer, conn, session.Options{
		Logger: logger,
		Now:    cfg.Now,
	})
	return v, nil
}

// Step runs one client tick: egress, the request protocol, then every
// datagram queued on the socket.
func (v *Viewer) Step() error {
	if _, err := v.sess.Egress(v.sock, v.sendBuf); err != nil {
		v.logger.Debug("egress failed", logging.KeyError, err)
	}
	if err := v.sess.ServiceApplication(v); err != nil {
		v.logger.Debug("application error", logging.KeyError, err)
	}
	if v.writeErr != nil {
		return fmt.Errorf("write output: %w", v.writeErr)
	}

	for {
		n, from, err := v.sock.ReadFrom(v.recvBuf)
		if errors.Is(err, server.ErrWouldBlock) {
			break
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := v.sess.Ingest(v.recvBuf[:n], from); err != nil {
			v.logger.Debug("datagram rejected",
				logging.KeyPeerAddr, from.String(),
				logging.KeyError, err)
		}
	}

	switch {
	case v.done.Load():
		return nil
	case v.sess.IsClosed():
		return fmt.Errorf("%w: %s", ErrConnectionClosed, v.sess.Stats().Engine.CloseReason)
	case !v.established.Load() && v.cfg.Timeout > 0 && v.cfg.Now().Sub(v.started) > v.cfg.Timeout:
		return ErrHandshakeTimeout
	}
	return nil
}

// Run steps until the stream finishes, ctx is cancelled or an error occurs.
// The connection is closed on return.
func (v *Viewer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})

	g.Go(func() error {
		defer close(finished)
		ticker := time.NewTicker(v.cfg.TickInterval)
		defer ticker.Stop()
		for !v.done.Load() {
			if err := v.Step(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		return nil
	})

	if v.cfg.ProgressInterval > 0 {
		g.Go(func() error {
			defer recovery.RecoverWithLog(v.logger, "viewer-progress")
			ticker := time.NewTicker(v.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-finished:
					return nil
				case <-ticker.C:
					p := v.Progress()
					v.logger.Info("receiving",
						logging.Bytes("received", p.Bytes),
						logging.KeyCount, p.Chunks)
				}
			}
		})
	}

	err := g.Wait()
	return errors.Join(err, v.Close())
}

// Progress returns a snapshot of the transfer.
func (v *Viewer) Progress() Progress {
	return Progress{
		Bytes:       v.bytes.Load(),
		Chunks:      v.chunks.Load(),
		Established: v.established.Load(),
		Done:        v.done.Load(),
	}
}

// Done reports whether the server finished the stream.
func (v *Viewer) Done() bool {
	return v.done.Load()
}

// Close sends a CONNECTION_CLOSE if the connection is still open and
// releases it. The socket is left to the caller.
func (v *Viewer) Close() error {
	if v.sess.IsClosed() {
		return v.sess.Close()
	}
	var errs []error
	if err := v.sess.Shutdown(0, "viewer closed"); err != nil {
		errs = append(errs, err)
	}
	if _, err := v.sess.Egress(v.sock, v.sendBuf); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	errs = append(errs, v.sess.Close())
	return errors.Join(errs...)
}

// OnEstablished sends the single request of this connection.
func (v *Viewer) OnEstablished(s *session.Session) error {
	v.established.Store(true)
	if v.requested {
		return nil
	}
	v.requested = true

	req := []byte("GET " + v.cfg.Path + "\r\n")
	n, err := s.StreamSend(requestStream, req, true)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if n < len(req) {
		return fmt.Errorf("send request: %d of %d bytes accepted", n, len(req))
	}
	v.logger.Info("stream requested",
		logging.KeyPeerAddr, s.Peer.String(),
		logging.KeyPath, v.cfg.Path,
		logging.KeyDuration, v.cfg.Now().Sub(v.started).Round(time.Millisecond))
	return nil
}

func (v *Viewer) OnStreamData(_ *session.Session, streamID uint64, chunk []byte, _ bool) error {
	if streamID != requestStream || len(chunk) == 0 || v.writeErr != nil {
		return nil
	}
	if _, err := v.cfg.Output.Write(chunk); err != nil {
		v.writeErr = err
		return err
	}
	v.bytes.Add(uint64(len(chunk)))
	v.chunks.Add(1)
	return nil
}

func (v *Viewer) OnTransferComplete(_ *session.Session, t *session.Transfer) error {
	if t.StreamID != requestStream {
		return nil
	}
	v.done.Store(true)
	v.logger.Info("stream finished",
		logging.Bytes("received", t.Bytes),
		logging.KeyCount, t.Reads,
		logging.KeyDuration, v.cfg.Now().Sub(t.Started).Round(time.Millisecond))
	return nil
}

var _ session.Handler = (*Viewer)(nil)
