// Package server multiplexes client sessions on one UDP socket.
//
// The server is driven by Tick, called once per scheduling interval from a
// single goroutine. A tick distributes the newest captured frame, sweeps
// every session (egress, application protocol, removal), then performs
// exactly one non-blocking socket read and routes that datagram through the
// retry gatekeeper. Nothing in the server blocks.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/logging"
	"github.com/deskcast/deskcast/internal/metrics"
	"github.com/deskcast/deskcast/internal/recovery"
	"github.com/deskcast/deskcast/internal/registry"
	"github.com/deskcast/deskcast/internal/session"
	"github.com/deskcast/deskcast/internal/token"
	"github.com/deskcast/deskcast/internal/wire"
)

// ErrClosed is returned by Tick after Shutdown.
var ErrClosed = errors.New("server: closed")

// Engine is the transport engine the server drives.
type Engine interface {
	ParseHeader(b []byte) (*wire.Header, error)
	VersionSupported(v quic.Version) bool
	MaxDatagramSize() int
	NewConnectionID() (quic.ConnectionID, error)
	Accept(scid, odcid quic.ConnectionID, peer netip.AddrPort) (engine.Conn, error)
	Retry(hdr *wire.Header, newSCID quic.ConnectionID, token, out []byte) (int, error)
	NegotiateVersion(hdr *wire.Header, out []byte) (int, error)
}

// Options supply the server's collaborators. Zero values select defaults:
// plain retry tokens, a private metrics registry, a discarding logger.
type Options struct {
	Tokens  token.Codec
	Handler session.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stats is a snapshot of server counters. It is safe to read from any
// goroutine.
type Stats struct {
	Sessions          int64
	SessionsCreated   uint64
	RetriesSent       uint64
	TokensRejected    uint64
	DatagramsReceived uint64
	DatagramsDropped  uint64
	PacketsSent       uint64
	BytesReceived     uint64
	BytesSent         uint64
	FramesDelivered   uint64
	FramesDropped     uint64
	Ticks             uint64
	LastFrame         uint64
}

type counters struct {
	sessions          atomic.Int64
	sessionsCreated   atomic.Uint64
	retriesSent       atomic.Uint64
	tokensRejected    atomic.Uint64
	datagramsReceived atomic.Uint64
	datagramsDropped  atomic.Uint64
	packetsSent       atomic.Uint64
	bytesReceived     atomic.Uint64
	bytesSent         atomic.Uint64
	framesDelivered   atomic.Uint64
	framesDropped     atomic.Uint64
	ticks             atomic.Uint64
	lastFrame         atomic.Uint64
}

// Server is the connection-multiplexing broadcast server.
type Server struct {
	cfg     Config
	engine  Engine
	socket  Socket
	tokens  token.Codec
	handler session.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sessions     *registry.Registry[quic.ConnectionID, *session.Session]
	retryLimiter *rate.Limiter

	recvBuf []byte
	sendBuf []byte

	lastFrame uint64
	haveFrame bool

	stats  counters
	closed bool
}

// New creates a server that reads and writes through sock.
func New(cfg Config, eng Engine, sock Socket, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Tokens == nil {
		opts.Tokens = token.NewPlain()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		cfg:      cfg,
		engine:   eng,
		socket:   sock,
		tokens:   opts.Tokens,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(slog.String(logging.KeyComponent, "server")),
		now:      opts.Now,
		sessions: registry.New[quic.ConnectionID, *session.Session](cfg.MaxSessions),
		recvBuf:  make([]byte, max(cfg.RecvBuffer, eng.MaxDatagramSize()+1)),
		sendBuf:  make([]byte, eng.MaxDatagramSize()),
	}
	if cfg.RetryRateLimit > 0 {
		s.retryLimiter = rate.NewLimiter(rate.Limit(cfg.RetryRateLimit), cfg.RetryBurst)
	}

	s.handler = opts.Handler
	if s.handler == nil {
		h, err := NewMediaHandler(cfg.StreamPath, s.metrics, opts.Logger)
		if err != nil {
			return nil, err
		}
		s.handler = h
	}
	return s, nil
}

// LocalAddr returns the socket's bound address.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.socket.LocalAddr()
}

// Tick runs one scheduling step. frame may be nil when no new frame was
// captured. Tick returns an error only when the socket is closed.
func (s *Server) Tick(frame *capture.Frame) error {
	if s.closed {
		return ErrClosed
	}
	start := s.now()
	defer func() {
		s.metrics.RecordTick(s.now().Sub(start).Seconds())
	}()
	s.stats.ticks.Add(1)

	s.fanOut(frame)
	s.sweep()

	n, from, err := s.socket.ReadFrom(s.recvBuf)
	switch {
	case err == nil:
	case errors.Is(err, ErrWouldBlock):
		return nil
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("read: %w", err)
	default:
		s.logger.Warn("socket read failed", logging.KeyError, err)
		return nil
	}

	s.handleDatagram(s.recvBuf[:n], from)
	return nil
}

// fanOut delivers frame to every established session, once per frame.
func (s *Server) fanOut(frame *capture.Frame) {
	if frame == nil || (s.haveFrame && frame.Seq <= s.lastFrame) {
		return
	}
	s.haveFrame = true
	s.lastFrame = frame.Seq
	s.stats.lastFrame.Store(frame.Seq)
	s.metrics.FramesCaptured.Inc()

	s.sessions.Each(func(id quic.ConnectionID, sess *session.Session) bool {
		if !sess.IsEstablished() {
			return true
		}
		before := sess.Stats()
		err := recovery.Guard(s.logger, "deliver", func() error {
			sess.Deliver(frame)
			return nil
		})
		if err != nil {
			s.removeAfterPanic(id)
			return true
		}
		after := sess.Stats()
		if d := after.FramesDelivered - before.FramesDelivered; d > 0 {
			s.stats.framesDelivered.Add(d)
			s.metrics.FramesDelivered.Add(float64(d))
		}
		if d := after.FramesDropped - before.FramesDropped; d > 0 {
			s.stats.framesDropped.Add(d)
			s.metrics.FramesDropped.Add(float64(d))
		}
		return true
	})
}

// sweep drives every session once and removes the finished ones.
func (s *Server) sweep() {
	s.sessions.Each(func(id quic.ConnectionID, sess *session.Session) bool {
		var reason string
		err := recovery.Guard(s.logger, "session", func() error {
			reason = s.drive(sess)
			return nil
		})
		if err != nil {
			s.removeAfterPanic(id)
			return true
		}
		if reason != "" {
			s.remove(id, reason)
		}
		return true
	})
}

// drive runs egress and the application protocol for one session and
// returns a removal reason, or "" to keep it.
func (s *Server) drive(sess *session.Session) string {
	if _, err := sess.Egress(writer{s}, s.sendBuf); err != nil {
		s.metrics.EgressErrors.Inc()
		s.logger.Debug("egress failed",
			logging.KeyConnID, sess.ID.String(),
			logging.KeyError, err)
	}
	if err := sess.ServiceApplication(s.handler); err != nil {
		s.logger.Debug("application error",
			logging.KeyConnID, sess.ID.String(),
			logging.KeyError, err)
	}

	switch {
	case sess.IsClosed():
		return metrics.RemoveClosed
	case sess.IsIdle(s.cfg.IdleTimeout):
		_ = sess.Shutdown(0, "idle timeout")
		_, _ = sess.Egress(writer{s}, s.sendBuf)
		return metrics.RemoveIdle
	default:
		return ""
	}
}

func (s *Server) remove(id quic.ConnectionID, reason string) {
	removed, err := s.sessions.Remove(id)
	if !removed {
		return
	}
	s.stats.sessions.Add(-1)
	s.metrics.RecordSessionRemoved(reason)
	if err != nil {
		s.logger.Warn("session close failed",
			logging.KeyConnID, id.String(),
			logging.KeyError, err)
	}
	s.logger.Info("session removed",
		logging.KeyConnID, id.String(),
		logging.KeyReason, reason,
		logging.KeySessions, s.sessions.Len())
}

func (s *Server) removeAfterPanic(id quic.ConnectionID) {
	s.metrics.SessionPanics.Inc()
	err := recovery.Guard(s.logger, "remove", func() error {
		s.remove(id, metrics.RemovePanic)
		return nil
	})
	if err != nil {
		s.logger.Error("session could not be removed after a panic", logging.KeyConnID, id.String())
	}
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// Session returns the session registered under id.
func (s *Server) Session(id quic.ConnectionID) (*session.Session, bool) {
	return s.sessions.Lookup(id)
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:          s.stats.sessions.Load(),
		SessionsCreated:   s.stats.sessionsCreated.Load(),
		RetriesSent:       s.stats.retriesSent.Load(),
		TokensRejected:    s.stats.tokensRejected.Load(),
		DatagramsReceived: s.stats.datagramsReceived.Load(),
		DatagramsDropped:  s.stats.datagramsDropped.Load(),
		PacketsSent:       s.stats.packetsSent.Load(),
		BytesReceived:     s.stats.bytesReceived.Load(),
		BytesSent:         s.stats.bytesSent.Load(),
		FramesDelivered:   s.stats.framesDelivered.Load(),
		FramesDropped:     s.stats.framesDropped.Load(),
		Ticks:             s.stats.ticks.Load(),
		LastFrame:         s.stats.lastFrame.Load(),
	}
}

// Shutdown finishes every media stream, closes every connection, flushes
// the close packets once and releases the socket.
func (s *Server) Shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.sessions.Each(func(id quic.ConnectionID, sess *session.Session) bool {
		_ = recovery.Guard(s.logger, "shutdown", func() error {
			sess.Finish()
			if err := sess.Shutdown(0, "server shutdown"); err != nil {
				return err
			}
			_, err := sess.Egress(writer{s}, s.sendBuf)
			return err
		})
		s.metrics.RecordSessionRemoved(metrics.RemoveShutdown)
		return true
	})

	n := s.sessions.Len()
	errs := []error{s.sessions.Clear(), s.socket.Close()}
	s.stats.sessions.Store(0)
	s.logger.Info("server stopped", logging.KeySessions, n)
	return errors.Join(errs...)
}

// writer counts datagrams written to the socket.
type writer struct {
	s *Server
}

func (w writer) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	n, err := w.s.socket.WriteTo(b, addr)
	if err != nil {
		return n, err
	}
	w.s.stats.packetsSent.Add(1)
	w.s.stats.bytesSent.Add(uint64(n))
	w.s.metrics.RecordSent(1, n)
	return n, nil
}
