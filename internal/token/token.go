// Package token mints and validates stateless retry tokens.
//
// A retry token binds the client's source address to the connection id the
// client chose for its first Initial packet (the original destination
// connection id). The server hands the token out in a Retry packet and
// accepts the client's next Initial only if it echoes a token minted for the
// same address. No server state is kept between the two packets.
package token

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Token modes.
const (
	ModePlain  = "plain"
	ModeSealed = "sealed"
)

var (
	// ErrInvalidToken is wrapped by every validation failure.
	ErrInvalidToken = errors.New("invalid retry token")

	// ErrMarker means the token does not start with the codec's marker.
	ErrMarker = errors.New("bad marker")

	// ErrAddressMismatch means the token was minted for another address.
	ErrAddressMismatch = errors.New("address mismatch")

	// ErrCapacity means the embedded connection id does not fit the caller's
	// buffer.
	ErrCapacity = errors.New("connection id too long")

	// ErrExpired means a sealed token is older than its maximum age.
	ErrExpired = errors.New("token expired")

	// ErrForged means a sealed token failed authentication.
	ErrForged = errors.New("authentication failed")

	// ErrMalformed means the token is too short to hold its fields.
	ErrMalformed = errors.New("malformed token")
)

// Codec mints and validates retry tokens.
type Codec interface {
	// Mint returns a token binding peer to odcid.
	Mint(peer netip.AddrPort, odcid []byte) ([]byte, error)

	// Validate checks token against peer and returns the embedded original
	// destination connection id. The id must not exceed maxODCIDLen bytes.
	Validate(token []byte, peer netip.AddrPort, maxODCIDLen int) ([]byte, error)
}

// Config selects and configures a codec.
type Config struct {
	// Mode is ModePlain or ModeSealed.
	Mode string

	// Secret seeds the sealed codec's key.
	Secret string

	// MaxAge bounds the age of sealed tokens. Zero disables the check.
	MaxAge time.Duration
}

// New creates the codec described by cfg.
func New(cfg Config) (Codec, error) {
	switch cfg.Mode {
	case "", ModePlain:
		return NewPlain(), nil
	case ModeSealed:
		return NewSealed([]byte(cfg.Secret), cfg.MaxAge)
	default:
		return nil, fmt.Errorf("unknown token mode %q", cfg.Mode)
	}
}

func invalid(reason error) error {
	return fmt.Errorf("%w: %w", ErrInvalidToken, reason)
}

// addrBytes returns the binary form of peer with IPv4-mapped addresses
// unmapped, so both socket families produce the same bytes.
func addrBytes(peer netip.AddrPort) []byte {
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	b, err := peer.MarshalBinary()
	if err != nil {
		// MarshalBinary never fails for AddrPort.
		return nil
	}
	return b
}
