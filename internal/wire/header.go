// Package wire implements the deskcast datagram format: long and short packet
// headers, Retry and Version Negotiation packets, and the frames carried in
// packet payloads.
//
// The header layout follows the version-independent invariants of QUIC
// (RFC 8999), so connection ids and versions can be read from any datagram
// before the server knows anything about the sender:
//
//	Long header:  1|1|TT|0000  Version(32)  DCIL(8) DCID  SCIL(8) SCID  type-specific...
//	Short header: 0|1|000000   DCID (fixed length, known to the receiver)  payload
//
// Type-specific long header fields for VersionDeskcast1:
//
//	Initial:   TokenLen(varint) Token  Length(varint) Payload
//	Handshake: Length(varint) Payload
//	Retry:     Token (rest of datagram)
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// MaxConnIDLen is the largest connection id accepted in any header.
	MaxConnIDLen = 20

	// MaxTokenLen is the size of the fixed token buffer. Initial packets
	// carrying a longer token are rejected during header parsing.
	MaxTokenLen = 128

	// MinInitialSize is the size clients pad their Initial datagrams to.
	MinInitialSize = 1200

	// VersionDeskcast1 is the only version spoken by this implementation.
	VersionDeskcast1 quic.Version = 0xdc000001

	headerFormLong = 0x80
	headerFixedBit = 0x40
)

var (
	// ErrTruncated is returned when a datagram ends inside a header field.
	ErrTruncated = errors.New("wire: packet truncated")

	// ErrInvalidHeader is returned for headers that violate the invariants.
	ErrInvalidHeader = errors.New("wire: invalid header")

	// ErrConnIDTooLong is returned for connection ids over MaxConnIDLen bytes.
	ErrConnIDTooLong = errors.New("wire: connection id too long")

	// ErrTokenTooLong is returned when a token does not fit the token buffer.
	ErrTokenTooLong = errors.New("wire: token too long")
)

// SupportedVersions lists the versions advertised in Version Negotiation.
var SupportedVersions = []quic.Version{VersionDeskcast1}

// IsSupportedVersion reports whether v is spoken by this implementation.
func IsSupportedVersion(v quic.Version) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// PacketType identifies the kind of packet a header introduces.
type PacketType uint8

const (
	PacketInitial PacketType = iota
	PacketZeroRTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	PacketShort
)

// String returns a human-readable packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "INITIAL"
	case PacketZeroRTT:
		return "0RTT"
	case PacketHandshake:
		return "HANDSHAKE"
	case PacketRetry:
		return "RETRY"
	case PacketVersionNegotiation:
		return "VERSION_NEGOTIATION"
	case PacketShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Header is a parsed packet header.
type Header struct {
	Type       PacketType
	Version    quic.Version
	DestConnID quic.ConnectionID
	SrcConnID  quic.ConnectionID

	// Token is set for Initial and Retry packets. It aliases the datagram.
	Token []byte

	// SupportedVersions is set for Version Negotiation packets.
	SupportedVersions []quic.Version

	// PayloadOffset and PayloadLen locate the packet payload in the
	// datagram. They are zero for Retry and Version Negotiation packets.
	PayloadOffset int
	PayloadLen    int
}

// IsLong reports whether the header uses the long form.
func (h *Header) IsLong() bool {
	return h.Type != PacketShort
}

// Payload returns the payload slice of datagram b described by h.
func (h *Header) Payload(b []byte) []byte {
	return b[h.PayloadOffset : h.PayloadOffset+h.PayloadLen]
}

// ParseHeader parses the header at the start of datagram b. Short headers
// carry no length for their destination connection id, so the caller passes
// the length of the ids it issues.
//
// For long headers of an unsupported version only the invariant fields are
// parsed; Token and the payload location stay empty.
func ParseHeader(b []byte, shortConnIDLen int) (*Header, error) {
	if len(b) == 0 {
		return nil, ErrTruncated
	}
	if b[0]&headerFormLong == 0 {
		return parseShortHeader(b, shortConnIDLen)
	}
	return parseLongHeader(b)
}

func parseShortHeader(b []byte, connIDLen int) (*Header, error) {
	if b[0]&headerFixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidHeader)
	}
	if connIDLen > MaxConnIDLen {
		return nil, ErrConnIDTooLong
	}
	if len(b) < 1+connIDLen {
		return nil, ErrTruncated
	}

	return &Header{
		Type:          PacketShort,
		DestConnID:    quic.ConnectionIDFromBytes(b[1 : 1+connIDLen]),
		PayloadOffset: 1 + connIDLen,
		PayloadLen:    len(b) - 1 - connIDLen,
	}, nil
}

func parseLongHeader(b []byte) (*Header, error) {
	if len(b) < 7 {
		return nil, ErrTruncated
	}

	h := &Header{
		Version: quic.Version(binary.BigEndian.Uint32(b[1:5])),
	}
	offset := 5

	dcid, offset, err := readConnID(b, offset)
	if err != nil {
		return nil, err
	}
	scid, offset, err := readConnID(b, offset)
	if err != nil {
		return nil, err
	}
	h.DestConnID = dcid
	h.SrcConnID = scid

	if h.Version == 0 {
		h.Type = PacketVersionNegotiation
		rest := b[offset:]
		if len(rest)%4 != 0 {
			return nil, fmt.Errorf("%w: version list not a multiple of 4", ErrInvalidHeader)
		}
		for i := 0; i < len(rest); i += 4 {
			h.SupportedVersions = append(h.SupportedVersions, quic.Version(binary.BigEndian.Uint32(rest[i:])))
		}
		return h, nil
	}

	h.Type = PacketType((b[0] >> 4) & 0x03)
	if !IsSupportedVersion(h.Version) {
		return h, nil
	}
	if b[0]&headerFixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidHeader)
	}

	switch h.Type {
	case PacketRetry:
		if len(b)-offset > MaxTokenLen {
			return nil, ErrTokenTooLong
		}
		h.Token = b[offset:]
		return h, nil

	case PacketInitial:
		tokenLen, next, err := readVarint(b, offset)
		if err != nil {
			return nil, err
		}
		if tokenLen > MaxTokenLen {
			return nil, ErrTokenTooLong
		}
		if uint64(len(b)-next) < tokenLen {
			return nil, ErrTruncated
		}
		if tokenLen > 0 {
			h.Token = b[next : next+int(tokenLen)]
		}
		offset = next + int(tokenLen)
	}

	length, next, err := readVarint(b, offset)
	if err != nil {
		return nil, err
	}
	if uint64(len(b)-next) < length {
		return nil, ErrTruncated
	}
	h.PayloadOffset = next
	h.PayloadLen = int(length)

	return h, nil
}

func readConnID(b []byte, offset int) (quic.ConnectionID, int, error) {
	if offset >= len(b) {
		return quic.ConnectionID{}, 0, ErrTruncated
	}
	l := int(b[offset])
	offset++
	if l > MaxConnIDLen {
		return quic.ConnectionID{}, 0, ErrConnIDTooLong
	}
	if len(b)-offset < l {
		return quic.ConnectionID{}, 0, ErrTruncated
	}
	return quic.ConnectionIDFromBytes(b[offset : offset+l]), offset + l, nil
}

func readVarint(b []byte, offset int) (uint64, int, error) {
	if offset >= len(b) {
		return 0, 0, ErrTruncated
	}
	r := bytes.NewReader(b[offset:])
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, 0, ErrTruncated
	}
	return v, len(b) - r.Len(), nil
}

// AppendLongHeader appends an Initial, 0-RTT or Handshake header announcing a
// payload of payloadLen bytes. The token is only written for Initial packets.
func AppendLongHeader(b []byte, t PacketType, v quic.Version, dcid, scid quic.ConnectionID, token []byte, payloadLen int) []byte {
	b = append(b, headerFormLong|headerFixedBit|byte(t)<<4)
	b = binary.BigEndian.AppendUint32(b, uint32(v))
	b = appendConnID(b, dcid)
	b = appendConnID(b, scid)
	if t == PacketInitial {
		b = quicvarint.Append(b, uint64(len(token)))
		b = append(b, token...)
	}
	return quicvarint.Append(b, uint64(payloadLen))
}

// LongHeaderLen returns the encoded size of the header AppendLongHeader writes.
func LongHeaderLen(t PacketType, dcid, scid quic.ConnectionID, token []byte, payloadLen int) int {
	n := 1 + 4 + 1 + dcid.Len() + 1 + scid.Len()
	if t == PacketInitial {
		n += quicvarint.Len(uint64(len(token))) + len(token)
	}
	return n + quicvarint.Len(uint64(payloadLen))
}

// AppendShortHeader appends a short header addressed to dcid.
func AppendShortHeader(b []byte, dcid quic.ConnectionID) []byte {
	b = append(b, headerFixedBit)
	return append(b, dcid.Bytes()...)
}

// AppendRetry appends a complete Retry packet. dcid is the client's source
// connection id, scid the id the server wants the client to use next.
func AppendRetry(b []byte, v quic.Version, dcid, scid quic.ConnectionID, token []byte) []byte {
	b = append(b, headerFormLong|headerFixedBit|byte(PacketRetry)<<4)
	b = binary.BigEndian.AppendUint32(b, uint32(v))
	b = appendConnID(b, dcid)
	b = appendConnID(b, scid)
	return append(b, token...)
}

// AppendVersionNegotiation appends a Version Negotiation packet. The
// connection ids are echoed from the offending packet with roles swapped.
func AppendVersionNegotiation(b []byte, dcid, scid quic.ConnectionID, versions []quic.Version) []byte {
	b = append(b, headerFormLong|headerFixedBit)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = appendConnID(b, dcid)
	b = appendConnID(b, scid)
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, uint32(v))
	}
	return b
}

func appendConnID(b []byte, id quic.ConnectionID) []byte {
	b = append(b, byte(id.Len()))
	return append(b, id.Bytes()...)
}
