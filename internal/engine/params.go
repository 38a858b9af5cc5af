package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/deskcast/deskcast/internal/wire"
)

// Handshake message types carried in CRYPTO frames.
const (
	msgClientHello = 0x01
	msgServerHello = 0x02
	msgFinished    = 0x14

	maxMessageSize = 1 << 14
)

// Transport parameter ids.
const (
	paramOriginalDestConnID = 0x00
	paramMaxData            = 0x04
	paramMaxStreamData      = 0x05
	paramMaxStreamsBidi     = 0x08
	paramRetrySourceConnID  = 0x10
	paramEarlyData          = 0x2a
	paramALPN               = 0x3a
)

var errMalformedParams = errors.New("malformed transport parameters")

// transportParams are exchanged in ClientHello and ServerHello.
type transportParams struct {
	MaxData        uint64
	MaxStreamData  uint64
	MaxStreamsBidi uint64
	EarlyData      bool
	ALPN           []string

	// Server only.
	OriginalDestConnID quic.ConnectionID
	RetrySourceConnID  quic.ConnectionID
}

func (p *transportParams) append(b []byte) []byte {
	b = appendParamVarint(b, paramMaxData, p.MaxData)
	b = appendParamVarint(b, paramMaxStreamData, p.MaxStreamData)
	b = appendParamVarint(b, paramMaxStreamsBidi, p.MaxStreamsBidi)
	if p.EarlyData {
		b = appendParam(b, paramEarlyData, nil)
	}
	if len(p.ALPN) > 0 {
		var list []byte
		for _, proto := range p.ALPN {
			list = append(list, byte(len(proto)))
			list = append(list, proto...)
		}
		b = appendParam(b, paramALPN, list)
	}
	if p.OriginalDestConnID.Len() > 0 {
		b = appendParam(b, paramOriginalDestConnID, p.OriginalDestConnID.Bytes())
	}
	if p.RetrySourceConnID.Len() > 0 {
		b = appendParam(b, paramRetrySourceConnID, p.RetrySourceConnID.Bytes())
	}
	return b
}

func appendParam(b []byte, id uint64, value []byte) []byte {
	b = quicvarint.Append(b, id)
	b = quicvarint.Append(b, uint64(len(value)))
	return append(b, value...)
}

func appendParamVarint(b []byte, id, v uint64) []byte {
	b = quicvarint.Append(b, id)
	b = quicvarint.Append(b, uint64(quicvarint.Len(v)))
	return quicvarint.Append(b, v)
}

func parseTransportParams(b []byte) (*transportParams, error) {
	p := &transportParams{}
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, errMalformedParams
		}
		l, err := quicvarint.Read(r)
		if err != nil || l > uint64(r.Len()) {
			return nil, errMalformedParams
		}
		value := make([]byte, l)
		if _, err := r.Read(value); err != nil && l > 0 {
			return nil, errMalformedParams
		}

		switch id {
		case paramMaxData:
			p.MaxData, err = paramVarint(value)
		case paramMaxStreamData:
			p.MaxStreamData, err = paramVarint(value)
		case paramMaxStreamsBidi:
			p.MaxStreamsBidi, err = paramVarint(value)
		case paramEarlyData:
			p.EarlyData = true
		case paramALPN:
			p.ALPN, err = parseALPN(value)
		case paramOriginalDestConnID:
			p.OriginalDestConnID, err = paramConnID(value)
		case paramRetrySourceConnID:
			p.RetrySourceConnID, err = paramConnID(value)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func paramVarint(value []byte) (uint64, error) {
	r := bytes.NewReader(value)
	v, err := quicvarint.Read(r)
	if err != nil || r.Len() != 0 {
		return 0, errMalformedParams
	}
	return v, nil
}

func paramConnID(value []byte) (quic.ConnectionID, error) {
	if len(value) > wire.MaxConnIDLen {
		return quic.ConnectionID{}, errMalformedParams
	}
	return quic.ConnectionIDFromBytes(value), nil
}

func parseALPN(value []byte) ([]string, error) {
	var protos []string
	for len(value) > 0 {
		l := int(value[0])
		if l == 0 || len(value) < 1+l {
			return nil, errMalformedParams
		}
		protos = append(protos, string(value[1:1+l]))
		value = value[1+l:]
	}
	return protos, nil
}

// appendMessage frames a handshake message: type, varint length, body.
func appendMessage(b []byte, typ byte, body []byte) []byte {
	b = append(b, typ)
	b = quicvarint.Append(b, uint64(len(body)))
	return append(b, body...)
}

// nextMessage pops one complete handshake message off buf. It returns
// ok=false when buf holds only part of a message.
func nextMessage(buf []byte) (typ byte, body []byte, rest []byte, ok bool, err error) {
	if len(buf) == 0 {
		return 0, nil, buf, false, nil
	}
	r := bytes.NewReader(buf[1:])
	l, err := quicvarint.Read(r)
	if err != nil {
		// The length itself may still be in flight.
		return 0, nil, buf, false, nil
	}
	if l > maxMessageSize {
		return 0, nil, nil, false, fmt.Errorf("handshake message of %d bytes", l)
	}
	start := len(buf) - r.Len()
	if l > uint64(r.Len()) {
		return 0, nil, buf, false, nil
	}
	end := start + int(l)
	return buf[0], buf[start:end], buf[end:], true, nil
}

// selectALPN returns the first client protocol the server also speaks.
func selectALPN(server, client []string) (string, bool) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, true
			}
		}
	}
	return "", false
}
