package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/logging"
)

// Default limits.
const (
	DefaultMaxAccumulate = 4096
	DefaultMaxPending    = 4 << 20
	readBufferSize       = 65535
)

// State is the connection state of a session as seen by the application.
type State int

const (
	// StateHandshaking means the engine has not completed the handshake.
	StateHandshaking State = iota
	// StateEarlyData means the engine accepts stream data before the
	// handshake completes.
	StateEarlyData
	// StateEstablished means the handshake completed.
	StateEstablished
	// StateClosed means the engine reports the connection closed or the
	// session was closed.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEarlyData:
		return "EARLY_DATA"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PacketWriter transmits a datagram to an address.
type PacketWriter interface {
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
}

// Handler implements the application protocol spoken over a session.
type Handler interface {
	// OnEstablished is called once, on the first tick after the handshake
	// completes.
	OnEstablished(s *Session) error

	// OnStreamData is called for every chunk read from a stream.
	OnStreamData(s *Session, streamID uint64, chunk []byte, fin bool) error

	// OnTransferComplete is called when a stream's fin has been read. The
	// Transfer is retired afterwards.
	OnTransferComplete(s *Session, t *Transfer) error
}

// Transfer accumulates one inbound stream across ticks.
type Transfer struct {
	StreamID uint64
	Bytes    uint64
	Reads    uint64

	// Data holds the first MaxAccumulate bytes of the stream. Overflow is
	// set once more arrived than fit.
	Data     []byte
	Overflow bool
	Fin      bool

	Started time.Time
}

// Stats are per-session counters.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	DatagramsIn     uint64
	IngestErrors    uint64
	FramesDelivered uint64
	FramesDropped   uint64
	MediaBytes      uint64
	Engine          engine.Stats
}

// Options configure a session.
type Options struct {
	// MaxAccumulate bounds Transfer.Data.
	MaxAccumulate int

	// MaxPending bounds the bytes of a frame a sink may hold back when
	// the engine accepts only part of it. Larger frames are dropped.
	MaxPending int

	Logger *slog.Logger

	// Now overrides time.Now.
	Now func() time.Time
}

// sink is a media stream fed by Deliver.
type sink struct {
	streamID   uint64
	pending    []byte
	finPending bool
}

// Session is one client's connection and its application state.
type Session struct {
	ID   quic.ConnectionID
	Peer netip.AddrPort

	conn   engine.Conn
	opts   Options
	logger *slog.Logger

	established bool
	transfers   map[uint64]*Transfer
	sinks       []*sink

	lastSeq   uint64
	delivered bool

	CreatedAt    time.Time
	LastActivity time.Time

	readBuf []byte
	stats   Stats
	closed  bool
}

// New wraps conn, an engine connection to peer registered under id.
func New(id quic.ConnectionID, peer netip.AddrPort, conn engine.Conn, opts Options) *Session {
	if opts.MaxAccumulate <= 0 {
		opts.MaxAccumulate = DefaultMaxAccumulate
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	now := opts.Now()
	return &Session{
		ID:           id,
		Peer:         peer,
		conn:         conn,
		opts:         opts,
		logger:       opts.Logger.With(logging.KeyConnID, id.String(), logging.KeyPeerAddr, peer.String()),
		transfers:    make(map[uint64]*Transfer),
		CreatedAt:    now,
		LastActivity: now,
		readBuf:      make([]byte, readBufferSize),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	switch {
	case s.closed || s.conn.IsClosed():
		return StateClosed
	case s.conn.IsEstablished():
		return StateEstablished
	case s.conn.IsInEarlyData():
		return StateEarlyData
	default:
		return StateHandshaking
	}
}

// IsEstablished reports whether the handshake completed.
func (s *Session) IsEstablished() bool {
	return !s.closed && s.conn.IsEstablished()
}

// IsClosed reports whether the engine considers the connection closed.
func (s *Session) IsClosed() bool {
	return s.closed || s.conn.IsClosed()
}

// IsIdle reports whether no datagram arrived for longer than timeout.
// A zero timeout disables idle detection.
func (s *Session) IsIdle(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return s.opts.Now().Sub(s.LastActivity) > timeout
}

// Egress flushes pending media bytes and writes every packet the engine has
// ready to the session's peer. It returns the number of datagrams written.
// A send or write failure ends egress for this call.
func (s *Session) Egress(w PacketWriter, buf []byte) (int, error) {
	if s.closed {
		return 0, nil
	}
	s.flushPending()

	if !s.conn.IsEstablished() && !s.conn.IsInEarlyData() {
		// Marks writable streams as touched so the engine schedules them.
		for _, id := range s.conn.Writable() {
			_, _ = s.conn.StreamSend(id, nil, false)
		}
	}

	written := 0
	for {
		n, err := s.conn.Send(buf)
		if errors.Is(err, engine.ErrDone) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("send: %w", err)
		}
		if _, err := w.WriteTo(buf[:n], s.Peer); err != nil {
			return written, fmt.Errorf("write to %s: %w", s.Peer, err)
		}
		written++
		s.stats.PacketsSent++
		s.stats.BytesSent += uint64(n)
	}
}

// Ingest hands a datagram received from addr to the engine. Errors
// describe a rejected packet and leave the session usable.
func (s *Session) Ingest(datagram []byte, from netip.AddrPort) error {
	if s.closed {
		return engine.ErrDone
	}
	s.stats.DatagramsIn++
	if _, err := s.conn.Recv(datagram, from); err != nil {
		s.stats.IngestErrors++
		return fmt.Errorf("recv: %w", err)
	}
	s.LastActivity = s.opts.Now()
	return nil
}

// ServiceApplication runs the application protocol for this tick: the
// one-time established notification, then every readable stream is drained
// into its Transfer and reported to h.
func (s *Session) ServiceApplication(h Handler) error {
	if s.closed {
		return nil
	}
	var errs []error

	if !s.established && s.conn.IsEstablished() {
		s.established = true
		s.logger.Debug("session established")
		if err := h.OnEstablished(s); err != nil {
			errs = append(errs, fmt.Errorf("on established: %w", err))
		}
	}

	if !s.conn.IsEstablished() && !s.conn.IsInEarlyData() {
		return errors.Join(errs...)
	}

	for _, id := range s.conn.Readable() {
		if err := s.drainStream(id, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) drainStream(id uint64, h Handler) error {
	for {
		n, fin, err := s.conn.StreamRecv(id, s.readBuf)
		if errors.Is(err, engine.ErrDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream %d recv: %w", id, err)
		}

		t, ok := s.transfers[id]
		if !ok {
			t = &Transfer{StreamID: id, Started: s.opts.Now()}
			s.transfers[id] = t
		}
		t.Reads++
		t.Bytes += uint64(n)
		chunk := s.readBuf[:n]
		if room := s.opts.MaxAccumulate - len(t.Data); room > 0 {
			t.Data = append(t.Data, chunk[:min(room, n)]...)
		}
		if t.Bytes > uint64(s.opts.MaxAccumulate) {
			t.Overflow = true
		}

		if err := h.OnStreamData(s, id, chunk, fin); err != nil {
			return fmt.Errorf("stream %d data: %w", id, err)
		}
		if fin {
			t.Fin = true
			delete(s.transfers, id)
			if err := h.OnTransferComplete(s, t); err != nil {
				return fmt.Errorf("stream %d complete: %w", id, err)
			}
			return nil
		}
	}
}

// Transfers returns the stream ids with unfinished inbound transfers.
func (s *Session) Transfers() []uint64 {
	ids := make([]uint64, 0, len(s.transfers))
	for id := range s.transfers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StreamSend writes directly to a stream.
func (s *Session) StreamSend(streamID uint64, b []byte, fin bool) (int, error) {
	if s.closed {
		return 0, engine.ErrInvalidState
	}
	return s.conn.StreamSend(streamID, b, fin)
}

// Subscribe turns a stream into a media sink fed by Deliver.
func (s *Session) Subscribe(streamID uint64) {
	for _, k := range s.sinks {
		if k.streamID == streamID {
			return
		}
	}
	s.sinks = append(s.sinks, &sink{streamID: streamID})
	s.logger.Info("media stream subscribed", logging.KeyStreamID, streamID)
}

// Subscribed returns the ids of the media sinks.
func (s *Session) Subscribed() []uint64 {
	ids := make([]uint64, len(s.sinks))
	for i, k := range s.sinks {
		ids[i] = k.streamID
	}
	return ids
}

// Deliver writes frame into every media sink. A frame is delivered at most
// once; Deliver reports false for frames at or before the last one seen.
// A sink still holding bytes of an earlier frame drops the whole frame.
func (s *Session) Deliver(frame *capture.Frame) bool {
	if s.closed || frame == nil {
		return false
	}
	if s.delivered && frame.Seq <= s.lastSeq {
		return false
	}
	s.delivered = true
	s.lastSeq = frame.Seq

	if len(s.sinks) == 0 {
		return true
	}

	size := frame.Size()
	data := make([]byte, 0, size)
	for _, p := range frame.Payloads {
		data = append(data, p...)
	}

	s.sinks = slices.DeleteFunc(s.sinks, func(k *sink) bool {
		if len(k.pending) > 0 || k.finPending || size > s.opts.MaxPending {
			s.stats.FramesDropped++
			return false
		}
		n, err := s.conn.StreamSend(k.streamID, data, false)
		if err != nil && !errors.Is(err, engine.ErrDone) {
			s.logger.Debug("media stream failed",
				logging.KeyStreamID, k.streamID,
				logging.KeyError, err)
			return true
		}
		if n < len(data) {
			k.pending = append(k.pending, data[n:]...)
		}
		s.stats.FramesDelivered++
		s.stats.MediaBytes += uint64(n)
		return false
	})
	return true
}

// LastFrame returns the sequence of the last delivered frame.
func (s *Session) LastFrame() (uint64, bool) {
	return s.lastSeq, s.delivered
}

// flushPending retries held-back frame bytes, and the fin of finished sinks.
func (s *Session) flushPending() {
	s.sinks = slices.DeleteFunc(s.sinks, func(k *sink) bool {
		if len(k.pending) > 0 {
			n, err := s.conn.StreamSend(k.streamID, k.pending, false)
			if err != nil && !errors.Is(err, engine.ErrDone) {
				s.logger.Debug("media stream failed",
					logging.KeyStreamID, k.streamID,
					logging.KeyError, err)
				return true
			}
			s.stats.MediaBytes += uint64(n)
			k.pending = k.pending[n:]
			if len(k.pending) > 0 {
				return false
			}
			k.pending = nil
		}
		if k.finPending {
			if _, err := s.conn.StreamSend(k.streamID, nil, true); errors.Is(err, engine.ErrDone) {
				return false
			}
			return true
		}
		return false
	})
}

// Finish ends every media stream after its pending bytes.
func (s *Session) Finish() {
	for _, k := range s.sinks {
		k.finPending = true
	}
	s.flushPending()
}

// Shutdown asks the engine to close the connection with an application
// error code. The close is transmitted by the next Egress.
func (s *Session) Shutdown(code uint64, reason string) error {
	if s.closed || s.conn.IsClosed() {
		return nil
	}
	if err := s.conn.Close(true, code, reason); err != nil && !errors.Is(err, engine.ErrDone) {
		return err
	}
	return nil
}

// Stats returns the session's counters.
func (s *Session) Stats() Stats {
	st := s.stats
	if !s.closed {
		st.Engine = s.conn.Stats()
	}
	return st
}

// Close frees the engine connection. Only the registry calls it, once, when
// it removes the session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	st := s.conn.Stats()
	s.stats.Engine = st
	s.closed = true
	s.conn.Free()
	s.sinks = nil
	s.transfers = nil

	s.logger.Info("session closed",
		logging.KeyReason, st.CloseReason,
		logging.KeyDuration, s.opts.Now().Sub(s.CreatedAt).Round(time.Millisecond),
		logging.Bytes("sent", st.BytesSent),
		logging.Bytes("received", st.BytesReceived))
	return nil
}
