// Package engine implements a minimal datagram transport engine: a
// connection state machine with a two-message handshake, reliable ordered
// byte streams, stream and connection flow control, stateless Retry and
// Version Negotiation.
//
// The engine performs no I/O. Callers feed received datagrams to Conn.Recv
// and transmit whatever Conn.Send produces. It carries no packet protection,
// loss recovery or congestion control, so it is only suitable for networks
// that do not drop or reorder datagrams, such as loopback or a LAN.
package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"

	"github.com/quic-go/quic-go"

	"github.com/deskcast/deskcast/internal/wire"
)

// Default configuration values.
const (
	DefaultMaxDatagramSize = 1350
	DefaultConnIDLen       = 16
	DefaultMaxData         = 10_000_000
	DefaultMaxStreamData   = 1_000_000
	DefaultMaxStreamsBidi  = 100
)

// DefaultALPN is the application protocol list offered and accepted by default.
var DefaultALPN = []string{"hq-interop", "hq-29", "hq-28", "hq-27", "http/0.9"}

var (
	// ErrDone is returned when there is no more work to do: no packet to
	// send, no data to read, or no stream capacity to write into.
	ErrDone = errors.New("engine: done")

	// ErrInvalidPacket is returned for packets the connection rejects.
	ErrInvalidPacket = errors.New("engine: invalid packet")

	// ErrInvalidState is returned when an operation is not allowed in the
	// connection's current state.
	ErrInvalidState = errors.New("engine: invalid state")

	// ErrInvalidStream is returned for stream ids that cannot be used.
	ErrInvalidStream = errors.New("engine: invalid stream")

	// ErrStreamLimit is returned when opening a stream would exceed the
	// peer's stream limit.
	ErrStreamLimit = errors.New("engine: stream limit exceeded")

	// ErrFinalSize is returned when writing past a stream's fin.
	ErrFinalSize = errors.New("engine: write after fin")

	// ErrBufferTooShort is returned when the output buffer cannot hold a
	// packet.
	ErrBufferTooShort = errors.New("engine: buffer too short")

	// ErrNoCompatibleVersion is reported after a Version Negotiation packet
	// lists no version this engine speaks.
	ErrNoCompatibleVersion = errors.New("engine: no compatible version")
)

// Config holds engine configuration shared by all connections.
type Config struct {
	// MaxDatagramSize caps the size of every datagram Send produces and the
	// size of datagrams the server accepts.
	MaxDatagramSize int

	// ConnIDLen is the length of connection ids generated by the engine.
	// Short header packets are parsed assuming this length.
	ConnIDLen int

	// ConnIDGenerator overrides random connection id generation.
	ConnIDGenerator quic.ConnectionIDGenerator

	// Flow control limits advertised to the peer.
	MaxData        uint64
	MaxStreamData  uint64
	MaxStreamsBidi uint64

	// EnableEarlyData lets a server accept and send stream data before the
	// handshake completes.
	EnableEarlyData bool

	// ALPN lists the application protocols, in preference order.
	ALPN []string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize: DefaultMaxDatagramSize,
		ConnIDLen:       DefaultConnIDLen,
		MaxData:         DefaultMaxData,
		MaxStreamData:   DefaultMaxStreamData,
		MaxStreamsBidi:  DefaultMaxStreamsBidi,
		ALPN:            append([]string(nil), DefaultALPN...),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxDatagramSize < wire.MinInitialSize {
		errs = append(errs, fmt.Errorf("max datagram size %d is below %d", c.MaxDatagramSize, wire.MinInitialSize))
	}
	if c.MaxDatagramSize > 65527 {
		errs = append(errs, fmt.Errorf("max datagram size %d exceeds the UDP limit", c.MaxDatagramSize))
	}
	idLen := c.ConnIDLen
	if c.ConnIDGenerator != nil {
		idLen = c.ConnIDGenerator.ConnectionIDLen()
	}
	if idLen < 4 || idLen > wire.MaxConnIDLen {
		errs = append(errs, fmt.Errorf("connection id length %d must be between 4 and %d", idLen, wire.MaxConnIDLen))
	}
	if c.MaxData == 0 {
		errs = append(errs, errors.New("max data must be positive"))
	}
	if c.MaxStreamData == 0 {
		errs = append(errs, errors.New("max stream data must be positive"))
	}
	if c.MaxStreamsBidi == 0 {
		errs = append(errs, errors.New("max bidirectional streams must be positive"))
	}
	if len(c.ALPN) == 0 {
		errs = append(errs, errors.New("at least one ALPN protocol is required"))
	}
	for _, p := range c.ALPN {
		if p == "" || len(p) > 255 {
			errs = append(errs, fmt.Errorf("invalid ALPN protocol %q", p))
		}
	}
	return errors.Join(errs...)
}

// Conn is one connection's protocol state machine.
type Conn interface {
	// Recv processes one received datagram.
	Recv(b []byte, from netip.AddrPort) (int, error)

	// Send writes the next packet to transmit into out. It returns ErrDone
	// when nothing is pending.
	Send(out []byte) (int, error)

	// StreamSend queues b on a stream and returns how many bytes were
	// accepted. It returns ErrDone when the stream has no capacity.
	StreamSend(id uint64, b []byte, fin bool) (int, error)

	// StreamRecv reads received stream bytes into b. fin reports that the
	// peer's final byte has been read.
	StreamRecv(id uint64, b []byte) (n int, fin bool, err error)

	// Readable and Writable return stream ids in ascending order.
	Readable() []uint64
	Writable() []uint64

	IsEstablished() bool
	IsInEarlyData() bool
	IsClosed() bool

	// Close starts closing the connection. The CONNECTION_CLOSE frame is
	// sent by the next Send.
	Close(app bool, code uint64, reason string) error

	Stats() Stats

	// Free releases the connection's buffers. It is idempotent.
	Free()
}

// Stats are per-connection counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	StreamsOpened   uint64
	Retried         bool

	// CloseReason describes why the connection closed, if it has.
	CloseReason string
}

// Engine creates connections and answers datagrams that need no connection.
type Engine struct {
	cfg Config
	gen quic.ConnectionIDGenerator
}

// New creates an engine after validating cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	gen := cfg.ConnIDGenerator
	if gen == nil {
		gen = &randomConnIDGenerator{length: cfg.ConnIDLen}
	}
	cfg.ConnIDLen = gen.ConnectionIDLen()
	cfg.ALPN = append([]string(nil), cfg.ALPN...)
	return &Engine{cfg: cfg, gen: gen}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ParseHeader parses the header of a received datagram.
func (e *Engine) ParseHeader(b []byte) (*wire.Header, error) {
	return wire.ParseHeader(b, e.cfg.ConnIDLen)
}

// VersionSupported reports whether v is spoken by the engine.
func (e *Engine) VersionSupported(v quic.Version) bool {
	return wire.IsSupportedVersion(v)
}

// MaxDatagramSize returns the configured datagram size limit.
func (e *Engine) MaxDatagramSize() int {
	return e.cfg.MaxDatagramSize
}

// NewConnectionID returns a fresh connection id.
func (e *Engine) NewConnectionID() (quic.ConnectionID, error) {
	return e.gen.GenerateConnectionID()
}

// Accept creates a server connection. scid is the id the client now
// addresses (the id issued in the Retry), odcid the id the client chose for
// its first Initial.
func (e *Engine) Accept(scid, odcid quic.ConnectionID, peer netip.AddrPort) (Conn, error) {
	if scid.Len() != e.cfg.ConnIDLen {
		return nil, fmt.Errorf("%w: connection id length %d, want %d", ErrInvalidState, scid.Len(), e.cfg.ConnIDLen)
	}
	return newServerConn(&e.cfg, scid, odcid, peer), nil
}

// Connect creates a client connection to peer. scid identifies the client,
// dcid is the initial destination id, which the server replaces.
func (e *Engine) Connect(scid, dcid quic.ConnectionID, peer netip.AddrPort) (Conn, error) {
	if dcid.Len() < 8 {
		return nil, fmt.Errorf("%w: initial destination id must be at least 8 bytes", ErrInvalidState)
	}
	if scid.Len() != e.cfg.ConnIDLen {
		return nil, fmt.Errorf("%w: connection id length %d, want %d", ErrInvalidState, scid.Len(), e.cfg.ConnIDLen)
	}
	return newClientConn(&e.cfg, scid, dcid, peer), nil
}

// Retry writes a Retry packet answering the Initial described by hdr. The
// client will address newSCID and echo token in its next Initial.
func (e *Engine) Retry(hdr *wire.Header, newSCID quic.ConnectionID, token []byte, out []byte) (int, error) {
	if hdr.Type != wire.PacketInitial {
		return 0, fmt.Errorf("%w: retry for %s packet", ErrInvalidPacket, hdr.Type)
	}
	if len(token) == 0 || len(token) > wire.MaxTokenLen {
		return 0, fmt.Errorf("%w: retry token of %d bytes", ErrInvalidState, len(token))
	}
	n := 1 + 4 + 1 + hdr.SrcConnID.Len() + 1 + newSCID.Len() + len(token)
	if len(out) < n {
		return 0, ErrBufferTooShort
	}
	b := wire.AppendRetry(out[:0], hdr.Version, hdr.SrcConnID, newSCID, token)
	return len(b), nil
}

// NegotiateVersion writes a Version Negotiation packet answering hdr.
func (e *Engine) NegotiateVersion(hdr *wire.Header, out []byte) (int, error) {
	if hdr.Type == wire.PacketVersionNegotiation || !hdr.IsLong() {
		return 0, fmt.Errorf("%w: version negotiation for %s packet", ErrInvalidPacket, hdr.Type)
	}
	n := 1 + 4 + 1 + hdr.SrcConnID.Len() + 1 + hdr.DestConnID.Len() + 4*len(wire.SupportedVersions)
	if len(out) < n {
		return 0, ErrBufferTooShort
	}
	b := wire.AppendVersionNegotiation(out[:0], hdr.SrcConnID, hdr.DestConnID, wire.SupportedVersions)
	return len(b), nil
}

// randomConnIDGenerator produces random connection ids of a fixed length.
type randomConnIDGenerator struct {
	length int
}

func (g *randomConnIDGenerator) GenerateConnectionID() (quic.ConnectionID, error) {
	b := make([]byte, g.length)
	if _, err := rand.Read(b); err != nil {
		return quic.ConnectionID{}, fmt.Errorf("generate connection id: %w", err)
	}
	return quic.ConnectionIDFromBytes(b), nil
}

func (g *randomConnIDGenerator) ConnectionIDLen() int {
	return g.length
}

var _ quic.ConnectionIDGenerator = (*randomConnIDGenerator)(nil)
