package token

import (
	"bytes"
	"net/netip"
)

var plainMarker = []byte("deskcast")

// Plain is the unkeyed codec: marker, address length, address bytes,
// original destination connection id. Tokens are deterministic and can be forged by anyone who
// knows the format, so Plain only proves that the client can receive
// packets at its address. Use Sealed where that is not enough.
type Plain struct{}

// NewPlain returns the plain codec.
func NewPlain() *Plain {
	return &Plain{}
}

// Mint binds odcid to the exact address and port of peer.
func (p *Plain) Mint(peer netip.AddrPort, odcid []byte) ([]byte, error) {
	addr := addrBytes(peer)
	token := make([]byte, 0, len(plainMarker)+1+len(addr)+len(odcid))
	token = append(token, plainMarker...)
	token = append(token, byte(len(addr)))
	token = append(token, addr...)
	token = append(token, odcid...)
	return token, nil
}

// Validate checks the marker and that the embedded address equals peer
// byte for byte, then returns the connection id if it fits maxODCIDLen.
func (p *Plain) Validate(token []byte, peer netip.AddrPort, maxODCIDLen int) ([]byte, error) {
	if !bytes.HasPrefix(token, plainMarker) {
		return nil, invalid(ErrMarker)
	}
	token = token[len(plainMarker):]
	if len(token) == 0 || len(token)-1 < int(token[0]) {
		return nil, invalid(ErrMalformed)
	}
	n := int(token[0])
	token = token[1:]

	if !bytes.Equal(token[:n], addrBytes(peer)) {
		return nil, invalid(ErrAddressMismatch)
	}

	odcid := token[n:]
	if len(odcid) > maxODCIDLen {
		return nil, invalid(ErrCapacity)
	}
	return odcid, nil
}
