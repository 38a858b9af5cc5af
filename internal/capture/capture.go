// Package capture produces encoded video frames for broadcasting.
//
// A Source is polled once per scheduling tick with the current time and
// returns a frame only when one is due, so the caller's loop paces itself
// and never blocks on capture.
package capture

import (
	"errors"
	"fmt"
	"time"
)

// Source kinds.
const (
	SourceSynthetic = "synthetic"
	SourceFile      = "file"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("capture: source closed")

// Frame is one encoded frame ready for fan-out. Payloads are Annex B NAL
// units including their start codes; concatenated they form a valid
// elementary stream segment.
type Frame struct {
	Seq      uint64
	Payloads [][]byte
	Keyframe bool
	Captured time.Time
}

// Size returns the total payload bytes of the frame.
func (f *Frame) Size() int {
	n := 0
	for _, p := range f.Payloads {
		n += len(p)
	}
	return n
}

// Source yields frames.
type Source interface {
	// Next returns the frame due at now, or nil if none is due yet.
	Next(now time.Time) (*Frame, error)

	Close() error
}

// Config selects and configures a source.
type Config struct {
	Source    string
	Path      string
	FPS       int
	GOP       int
	FrameSize int
}

// New creates the source described by cfg.
func New(cfg Config) (Source, error) {
	switch cfg.Source {
	case "", SourceSynthetic:
		return NewSynthetic(cfg.FPS, cfg.GOP, cfg.FrameSize)
	case SourceFile:
		return OpenFile(cfg.Path, cfg.FPS)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// pacer releases one frame per interval. When the caller falls behind,
// missed frames are skipped rather than bursted.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps int) pacer {
	return pacer{interval: time.Second / time.Duration(fps)}
}

func (p *pacer) due(now time.Time) bool {
	if p.next.IsZero() {
		p.next = now.Add(p.interval)
		return true
	}
	if now.Before(p.next) {
		return false
	}
	p.next = p.next.Add(p.interval)
	if p.next.Before(now) {
		p.next = now.Add(p.interval)
	}
	return true
}
