package token

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLen is the shortest secret NewSealed accepts.
	MinSecretLen = 16

	hkdfInfo = "deskcast-retry-token-v1"

	issuedAtLen = 8
)

var sealedMarker = []byte("dksl")

// Sealed encrypts the original destination connection id and the issue time
// with XChaCha20-Poly1305, authenticating the client address as associated
// data. Tokens cannot be forged or moved to another address without the
// secret.
//
// Format: marker | nonce (24) | ciphertext(issued-at (8) | odcid) | tag (16)
type Sealed struct {
	aead   cipher.AEAD
	maxAge time.Duration
	now    func() time.Time
}

// NewSealed derives the token key from secret with HKDF-SHA256.
func NewSealed(secret []byte, maxAge time.Duration) (*Sealed, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLen)
	}
	if maxAge < 0 {
		return nil, errors.New("token max age must not be negative")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &Sealed{aead: aead, maxAge: maxAge, now: time.Now}, nil
}

// Overhead returns the bytes a sealed token adds to the connection id.
func (s *Sealed) Overhead() int {
	return len(sealedMarker) + s.aead.NonceSize() + issuedAtLen + s.aead.Overhead()
}

// Mint seals odcid and the issue time, authenticating the address and
// port of peer as associated data.
func (s *Sealed) Mint(peer netip.AddrPort, odcid []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	token := make([]byte, len(sealedMarker)+nonceSize, s.Overhead()+len(odcid))
	copy(token, sealedMarker)
	if _, err := rand.Read(token[len(sealedMarker):]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := token[len(sealedMarker):]

	plaintext := make([]byte, issuedAtLen, issuedAtLen+len(odcid))
	binary.BigEndian.PutUint64(plaintext, uint64(s.now().Unix()))
	plaintext = append(plaintext, odcid...)

	return s.aead.Seal(token, nonce, plaintext, addrBytes(peer)), nil
}

// Validate opens the token with peer as associated data, so a token from
// another address fails as forged, then checks age and capacity.
func (s *Sealed) Validate(token []byte, peer netip.AddrPort, maxODCIDLen int) ([]byte, error) {
	if !bytes.HasPrefix(token, sealedMarker) {
		return nil, invalid(ErrMarker)
	}
	if len(token) < s.Overhead() {
		return nil, invalid(ErrMalformed)
	}

	nonceEnd := len(sealedMarker) + s.aead.NonceSize()
	nonce := token[len(sealedMarker):nonceEnd]
	plaintext, err := s.aead.Open(nil, nonce, token[nonceEnd:], addrBytes(peer))
	if err != nil {
		return nil, invalid(ErrForged)
	}

	if s.maxAge > 0 {
		issued := time.Unix(int64(binary.BigEndian.Uint64(plaintext)), 0)
		if s.now().Sub(issued) > s.maxAge {
			return nil, invalid(ErrExpired)
		}
	}

	odcid := plaintext[issuedAtLen:]
	if len(odcid) > maxODCIDLen {
		return nil, invalid(ErrCapacity)
	}
	return odcid, nil
}
