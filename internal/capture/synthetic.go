package capture

import (
	"fmt"
	"time"
)

// NAL unit types used by the synthetic source.
const (
	nalSlice = 1
	nalIDR   = 5
	nalSPS   = 7
	nalPPS   = 8
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Synthetic produces H.264-shaped frames: a parameter set pair and an IDR
// slice every GOP frames, non-IDR slices otherwise. After the first header
// byte, slice bodies hold "seq=<n>;" followed by filler, so receivers can check ordering.
type Synthetic struct {
	pacer     pacer
	gop       int
	frameSize int
	seq       uint64
	closed    bool
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(fps, gop, frameSize int) (*Synthetic, error) {
	if fps <= 0 || fps > 240 {
		return nil, fmt.Errorf("fps must be between 1 and 240, got %d", fps)
	}
	if gop <= 0 {
		return nil, fmt.Errorf("gop must be positive, got %d", gop)
	}
	if frameSize < 16 {
		return nil, fmt.Errorf("frame size must be at least 16 bytes, got %d", frameSize)
	}
	return &Synthetic{
		pacer:     newPacer(fps),
		gop:       gop,
		frameSize: frameSize,
	}, nil
}

func (s *Synthetic) Next(now time.Time) (*Frame, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if !s.pacer.due(now) {
		return nil, nil
	}

	s.seq++
	f := &Frame{
		Seq:      s.seq,
		Keyframe: (s.seq-1)%uint64(s.gop) == 0,
		Captured: now,
	}
	if f.Keyframe {
		f.Payloads = append(f.Payloads,
			nalUnit(nalSPS, []byte{0x42, 0xc0, 0x1f, 0x8c, 0x8d, 0x40}),
			nalUnit(nalPPS, []byte{0xce, 0x3c, 0x80}))
	}

	// 0x88 opens the slice header with first_mb_in_slice = 0.
	body := fmt.Appendf(append(make([]byte, 0, s.frameSize), 0x88), "seq=%d;", s.seq)
	for i := len(body); i < s.frameSize; i++ {
		// No zero bytes, so the filler never reads as a start code.
		body = append(body, byte(0x80|(i+int(s.seq))&0x7f))
	}
	body = body[:s.frameSize]
	typ := byte(nalSlice)
	if f.Keyframe {
		typ = nalIDR
	}
	f.Payloads = append(f.Payloads, nalUnit(typ, body))
	return f, nil
}

func (s *Synthetic) Close() error {
	s.closed = true
	return nil
}

func nalUnit(typ byte, body []byte) []byte {
	nal := make([]byte, 0, len(startCode)+1+len(body))
	nal = append(nal, startCode...)
	nal = append(nal, 0x60|typ)
	return append(nal, body...)
}
