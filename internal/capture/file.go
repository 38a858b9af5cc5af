package capture

import (
	"bytes"
	"fmt"
	"os"
	"time"
)

const (
	nalSEI = 6
	nalAUD = 9
)

// File replays an Annex B H.264 elementary stream, one access unit per
// frame interval, looping at the end of the file.
type File struct {
	path   string
	pacer  pacer
	units  []accessUnit
	pos    int
	seq    uint64
	closed bool
}

type accessUnit struct {
	nals     [][]byte
	keyframe bool
}

// OpenFile reads and splits the stream at path.
func OpenFile(path string, fps int) (*File, error) {
	if fps <= 0 || fps > 240 {
		return nil, fmt.Errorf("fps must be between 1 and 240, got %d", fps)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture file: %w", err)
	}
	units := splitAccessUnits(data)
	if len(units) == 0 {
		return nil, fmt.Errorf("capture file %s contains no H.264 access units", path)
	}
	return &File{path: path, pacer: newPacer(fps), units: units}, nil
}

// Len returns the number of access units in the file.
func (f *File) Len() int {
	return len(f.units)
}

func (f *File) Next(now time.Time) (*Frame, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if !f.pacer.due(now) {
		return nil, nil
	}

	au := f.units[f.pos]
	f.pos = (f.pos + 1) % len(f.units)
	f.seq++

	return &Frame{
		Seq:      f.seq,
		Payloads: au.nals,
		Keyframe: au.keyframe,
		Captured: now,
	}, nil
}

func (f *File) Close() error {
	f.closed = true
	f.units = nil
	return nil
}

// splitNALUnits returns the NAL units in data, each with its start code.
func splitNALUnits(data []byte) [][]byte {
	var starts []int
	for i := 0; i+3 <= len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			s := i
			if i > 0 && data[i-1] == 0 {
				s = i - 1
			}
			starts = append(starts, s)
			i += 3
			continue
		}
		i++
	}

	nals := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		nal := bytes.TrimRight(data[s:end], "\x00")
		if len(nal) > len(startCode) || (len(nal) > 3 && nal[2] == 1) {
			nals = append(nals, nal)
		}
	}
	return nals
}

// nalType returns the type of a NAL unit that includes its start code.
func nalType(nal []byte) byte {
	i := bytes.IndexByte(nal, 1)
	if i < 0 || i+1 >= len(nal) {
		return 0
	}
	return nal[i+1] & 0x1f
}

// firstSliceOfPicture reports whether a slice NAL starts a new picture,
// which is the case when first_mb_in_slice is zero.
func firstSliceOfPicture(nal []byte) bool {
	i := bytes.IndexByte(nal, 1)
	if i < 0 || i+2 >= len(nal) {
		return false
	}
	// first_mb_in_slice is ue(v); zero encodes as a single '1' bit.
	return nal[i+2]&0x80 != 0
}

// splitAccessUnits groups NAL units into access units.
func splitAccessUnits(data []byte) []accessUnit {
	var (
		units  []accessUnit
		cur    accessUnit
		hasVCL bool
	)
	flush := func() {
		if len(cur.nals) > 0 && hasVCL {
			units = append(units, cur)
		}
		cur = accessUnit{}
		hasVCL = false
	}

	for _, nal := range splitNALUnits(data) {
		typ := nalType(nal)
		switch {
		case typ == nalAUD:
			flush()
		case typ == nalSEI || typ == nalSPS || typ == nalPPS:
			if hasVCL {
				flush()
			}
		case typ == nalSlice || typ == nalIDR:
			if hasVCL && firstSliceOfPicture(nal) {
				flush()
			}
			hasVCL = true
			if typ == nalIDR {
				cur.keyframe = true
			}
		}
		cur.nals = append(cur.nals, nal)
	}
	flush()
	return units
}
