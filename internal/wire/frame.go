package wire

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Frame type codes.
const (
	FramePadding          = 0x00
	FramePing             = 0x01
	FrameCrypto           = 0x06
	FrameStream           = 0x08 // 0x08-0x0f, low bits are OFF|LEN|FIN
	FrameMaxData          = 0x10
	FrameMaxStreamData    = 0x11
	FrameConnectionClose  = 0x1c
	FrameApplicationClose = 0x1d
	FrameHandshakeDone    = 0x1e

	streamBitOff = 0x04
	streamBitLen = 0x02
	streamBitFin = 0x01
)

var (
	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("wire: invalid frame")

	// ErrUnknownFrameType is returned for unrecognized frame types.
	ErrUnknownFrameType = errors.New("wire: unknown frame type")
)

// Frame is any frame carried in a packet payload.
type Frame interface {
	// Append encodes the frame onto b.
	Append(b []byte) []byte
	// Len returns the encoded size of the frame.
	Len() int
}

// PaddingFrame is a run of padding bytes.
type PaddingFrame struct {
	Count int
}

func (f *PaddingFrame) Append(b []byte) []byte {
	for i := 0; i < f.Count; i++ {
		b = append(b, FramePadding)
	}
	return b
}

func (f *PaddingFrame) Len() int { return f.Count }

// PingFrame asks the peer to respond with any packet.
type PingFrame struct{}

func (f *PingFrame) Append(b []byte) []byte { return append(b, FramePing) }
func (f *PingFrame) Len() int               { return 1 }

// HandshakeDoneFrame confirms the handshake to the client.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Append(b []byte) []byte { return append(b, FrameHandshakeDone) }
func (f *HandshakeDoneFrame) Len() int               { return 1 }

// CryptoFrame carries handshake messages.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

func (f *CryptoFrame) Append(b []byte) []byte {
	b = append(b, FrameCrypto)
	b = quicvarint.Append(b, f.Offset)
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

func (f *CryptoFrame) Len() int {
	return 1 + quicvarint.Len(f.Offset) + quicvarint.Len(uint64(len(f.Data))) + len(f.Data)
}

// StreamFrame carries application bytes for one stream.
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool
}

func (f *StreamFrame) Append(b []byte) []byte {
	typ := byte(FrameStream | streamBitOff | streamBitLen)
	if f.Fin {
		typ |= streamBitFin
	}
	b = append(b, typ)
	b = quicvarint.Append(b, f.StreamID)
	b = quicvarint.Append(b, f.Offset)
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

func (f *StreamFrame) Len() int {
	return StreamFrameOverhead(f.StreamID, f.Offset, len(f.Data)) + len(f.Data)
}

// StreamFrameOverhead returns the bytes a STREAM frame header takes for the
// given stream, offset and data length.
func StreamFrameOverhead(streamID, offset uint64, dataLen int) int {
	return 1 + quicvarint.Len(streamID) + quicvarint.Len(offset) + quicvarint.Len(uint64(dataLen))
}

// MaxDataFrame raises the connection-level flow control limit.
type MaxDataFrame struct {
	Max uint64
}

func (f *MaxDataFrame) Append(b []byte) []byte {
	b = append(b, FrameMaxData)
	return quicvarint.Append(b, f.Max)
}

func (f *MaxDataFrame) Len() int { return 1 + quicvarint.Len(f.Max) }

// MaxStreamDataFrame raises the flow control limit of one stream.
type MaxStreamDataFrame struct {
	StreamID uint64
	Max      uint64
}

func (f *MaxStreamDataFrame) Append(b []byte) []byte {
	b = append(b, FrameMaxStreamData)
	b = quicvarint.Append(b, f.StreamID)
	return quicvarint.Append(b, f.Max)
}

func (f *MaxStreamDataFrame) Len() int {
	return 1 + quicvarint.Len(f.StreamID) + quicvarint.Len(f.Max)
}

// CloseFrame terminates the connection. Application closes use type 0x1d and
// carry no offending frame type.
type CloseFrame struct {
	Application bool
	Code        uint64
	FrameType   uint64
	Reason      string
}

func (f *CloseFrame) Append(b []byte) []byte {
	if f.Application {
		b = append(b, FrameApplicationClose)
	} else {
		b = append(b, FrameConnectionClose)
	}
	b = quicvarint.Append(b, f.Code)
	if !f.Application {
		b = quicvarint.Append(b, f.FrameType)
	}
	b = quicvarint.Append(b, uint64(len(f.Reason)))
	return append(b, f.Reason...)
}

func (f *CloseFrame) Len() int {
	n := 1 + quicvarint.Len(f.Code) + quicvarint.Len(uint64(len(f.Reason))) + len(f.Reason)
	if !f.Application {
		n += quicvarint.Len(f.FrameType)
	}
	return n
}

// ParseFrame decodes the frame at the start of b and returns it with the
// number of bytes consumed. Returned slices alias b.
func ParseFrame(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty", ErrInvalidFrame)
	}

	typ := b[0]
	switch {
	case typ == FramePadding:
		n := 1
		for n < len(b) && b[n] == FramePadding {
			n++
		}
		return &PaddingFrame{Count: n}, n, nil

	case typ == FramePing:
		return &PingFrame{}, 1, nil

	case typ == FrameHandshakeDone:
		return &HandshakeDoneFrame{}, 1, nil

	case typ == FrameCrypto:
		offset, next, err := readFrameVarint(b, 1)
		if err != nil {
			return nil, 0, err
		}
		data, next, err := readFrameBytes(b, next)
		if err != nil {
			return nil, 0, err
		}
		return &CryptoFrame{Offset: offset, Data: data}, next, nil

	case typ >= FrameStream && typ <= FrameStream|0x07:
		return parseStreamFrame(b)

	case typ == FrameMaxData:
		limit, next, err := readFrameVarint(b, 1)
		if err != nil {
			return nil, 0, err
		}
		return &MaxDataFrame{Max: limit}, next, nil

	case typ == FrameMaxStreamData:
		id, next, err := readFrameVarint(b, 1)
		if err != nil {
			return nil, 0, err
		}
		limit, next, err := readFrameVarint(b, next)
		if err != nil {
			return nil, 0, err
		}
		return &MaxStreamDataFrame{StreamID: id, Max: limit}, next, nil

	case typ == FrameConnectionClose || typ == FrameApplicationClose:
		f := &CloseFrame{Application: typ == FrameApplicationClose}
		code, next, err := readFrameVarint(b, 1)
		if err != nil {
			return nil, 0, err
		}
		f.Code = code
		if !f.Application {
			if f.FrameType, next, err = readFrameVarint(b, next); err != nil {
				return nil, 0, err
			}
		}
		reason, next, err := readFrameBytes(b, next)
		if err != nil {
			return nil, 0, err
		}
		f.Reason = string(reason)
		return f, next, nil

	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, typ)
	}
}

func parseStreamFrame(b []byte) (Frame, int, error) {
	typ := b[0]
	f := &StreamFrame{Fin: typ&streamBitFin != 0}

	id, next, err := readFrameVarint(b, 1)
	if err != nil {
		return nil, 0, err
	}
	f.StreamID = id

	if typ&streamBitOff != 0 {
		if f.Offset, next, err = readFrameVarint(b, next); err != nil {
			return nil, 0, err
		}
	}

	if typ&streamBitLen != 0 {
		if f.Data, next, err = readFrameBytes(b, next); err != nil {
			return nil, 0, err
		}
	} else {
		f.Data = b[next:]
		next = len(b)
	}

	return f, next, nil
}

func readFrameVarint(b []byte, offset int) (uint64, int, error) {
	v, next, err := readVarint(b, offset)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: truncated varint", ErrInvalidFrame)
	}
	return v, next, nil
}

func readFrameBytes(b []byte, offset int) ([]byte, int, error) {
	l, next, err := readFrameVarint(b, offset)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-next) < l {
		return nil, 0, fmt.Errorf("%w: length %d exceeds payload", ErrInvalidFrame, l)
	}
	end := next + int(l)
	return b[next:end], end, nil
}
