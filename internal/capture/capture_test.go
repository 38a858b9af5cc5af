package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSyntheticPacing(t *testing.T) {
	s, err := NewSynthetic(10, 5, 100)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}

	f, err := s.Next(epoch)
	if err != nil || f == nil {
		t.Fatalf("first Next = %v, %v", f, err)
	}
	if f, _ := s.Next(epoch.Add(50 * time.Millisecond)); f != nil {
		t.Error("frame produced before the interval elapsed")
	}
	f, _ = s.Next(epoch.Add(100 * time.Millisecond))
	if f == nil || f.Seq != 2 {
		t.Fatalf("second frame = %+v", f)
	}

	// Falling far behind yields one frame, not a burst.
	late := epoch.Add(2 * time.Second)
	if f, _ := s.Next(late); f == nil {
		t.Fatal("no frame after a long pause")
	}
	if f, _ := s.Next(late); f != nil {
		t.Error("burst of frames after a long pause")
	}
}

func TestSyntheticKeyframes(t *testing.T) {
	s, err := NewSynthetic(30, 3, 64)
	if err != nil {
		t.Fatal(err)
	}
	now := epoch
	for i := 1; i <= 7; i++ {
		f, err := s.Next(now)
		if err != nil || f == nil {
			t.Fatalf("frame %d: %v, %v", i, f, err)
		}
		now = now.Add(time.Second)

		wantKey := i == 1 || i == 4 || i == 7
		if f.Keyframe != wantKey {
			t.Errorf("frame %d keyframe = %v, want %v", i, f.Keyframe, wantKey)
		}
		wantNALs := 1
		if wantKey {
			wantNALs = 3
		}
		if len(f.Payloads) != wantNALs {
			t.Errorf("frame %d has %d NAL units, want %d", i, len(f.Payloads), wantNALs)
		}
		slice := f.Payloads[len(f.Payloads)-1]
		if len(slice) != len(startCode)+1+64 {
			t.Errorf("frame %d slice is %d bytes", i, len(slice))
		}
		if !bytes.Contains(slice, []byte("seq=")) {
			t.Errorf("frame %d slice lacks sequence marker", i)
		}
	}
}

func TestSyntheticErrors(t *testing.T) {
	tests := []struct {
		name            string
		fps, gop, frame int
	}{
		{"zero fps", 0, 30, 1000},
		{"huge fps", 1000, 30, 1000},
		{"zero gop", 30, 0, 1000},
		{"tiny frame", 30, 30, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSynthetic(tt.fps, tt.gop, tt.frame); err == nil {
				t.Error("expected error")
			}
		})
	}

	s, _ := NewSynthetic(30, 30, 100)
	_ = s.Close()
	if _, err := s.Next(epoch); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after Close error = %v", err)
	}
}

// writeStream records frames of a synthetic source as an Annex B file.
func writeStream(t *testing.T, frames int, gop int) string {
	t.Helper()
	s, err := NewSynthetic(30, gop, 200)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	now := epoch
	for i := 0; i < frames; i++ {
		f, err := s.Next(now)
		if err != nil || f == nil {
			t.Fatalf("frame %d: %v, %v", i, f, err)
		}
		for _, p := range f.Payloads {
			buf.Write(p)
		}
		now = now.Add(time.Second)
	}
	path := filepath.Join(t.TempDir(), "stream.h264")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSplitsAccessUnits(t *testing.T) {
	path := writeStream(t, 6, 3)
	f, err := OpenFile(path, 30)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if f.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", f.Len())
	}

	now := epoch
	var seen []string
	for i := 0; i < 8; i++ {
		fr, err := f.Next(now)
		if err != nil || fr == nil {
			t.Fatalf("frame %d: %v, %v", i, fr, err)
		}
		now = now.Add(time.Second)

		if fr.Seq != uint64(i+1) {
			t.Errorf("frame %d Seq = %d", i, fr.Seq)
		}
		wantKey := i%3 == 0
		if fr.Keyframe != wantKey {
			t.Errorf("frame %d keyframe = %v, want %v", i, fr.Keyframe, wantKey)
		}
		last := fr.Payloads[len(fr.Payloads)-1]
		marker := string(last[bytes.Index(last, []byte("seq=")):])
		seen = append(seen, marker[:strings.IndexByte(marker, ';')])
	}

	// Playback loops after the sixth unit.
	if seen[6] != "seq=1" || seen[7] != "seq=2" {
		t.Errorf("looped frames = %v", seen[6:])
	}
}

func TestSplitNALUnits(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xaa, // SPS, 4-byte start code
		0, 0, 1, 0x68, 0xbb, // PPS, 3-byte start code
		0, 0, 0, 1, 0x65, 0x88, 0xcc, 0, 0, // IDR with trailing zeros
	}
	nals := splitNALUnits(data)
	if len(nals) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nals))
	}
	wantTypes := []byte{nalSPS, nalPPS, nalIDR}
	for i, nal := range nals {
		if got := nalType(nal); got != wantTypes[i] {
			t.Errorf("NAL %d type = %d, want %d", i, got, wantTypes[i])
		}
	}
	if !bytes.Equal(nals[2], []byte{0, 0, 0, 1, 0x65, 0x88, 0xcc}) {
		t.Errorf("IDR NAL = %x", nals[2])
	}

	units := splitAccessUnits(data)
	if len(units) != 1 || !units[0].keyframe || len(units[0].nals) != 3 {
		t.Errorf("access units = %+v", units)
	}
}

func TestOpenFileErrors(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.h264"), 30); err == nil {
		t.Error("missing file opened")
	}

	empty := filepath.Join(t.TempDir(), "empty.h264")
	if err := os.WriteFile(empty, []byte("not video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(empty, 30); err == nil {
		t.Error("file without access units opened")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Source: SourceSynthetic, FPS: 30, GOP: 30, FrameSize: 1000}); err != nil {
		t.Errorf("synthetic: %v", err)
	}
	if _, err := New(Config{Source: SourceFile, Path: writeStream(t, 2, 2), FPS: 30}); err != nil {
		t.Errorf("file: %v", err)
	}
	if _, err := New(Config{Source: "dxgi"}); err == nil {
		t.Error("unknown source accepted")
	}
}

func TestFrameSize(t *testing.T) {
	f := &Frame{Payloads: [][]byte{make([]byte, 10), make([]byte, 5)}}
	if f.Size() != 15 {
		t.Errorf("Size() = %d, want 15", f.Size())
	}
}
