package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// errNoFrames is returned for a fragment that demuxed without a single access unit.
var errNoFrames = errors.New("fragment contains no decodable frames")

// tsFragment is the result of demuxing one MPEG-TS fragment.
type tsFragment struct {
	// firstPTS and lastPTS are in 90 kHz units.
	firstPTS int64
	lastPTS  int64
	frames   int
	tracks   int
}

// span returns the media time covered by the fragment's timestamps.
func (f tsFragment) span() int64 {
	return f.lastPTS - f.firstPTS
}

// demuxTS decodes a whole MPEG-TS fragment, calling onFrame with each access
// unit's PTS. A fragment without a PAT/PMT or without any frame is a decode fault.
func demuxTS(data []byte, onFrame func(pts int64)) (tsFragment, error) {
	var frag tsFragment

	r := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := r.Initialize(); err != nil {
		return frag, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	var decodeErr error
	r.OnDecodeError(func(err error) {
		if decodeErr == nil {
			decodeErr = err
		}
	})

	record := func(pts int64) {
		if frag.frames == 0 || pts < frag.firstPTS {
			frag.firstPTS = pts
		}
		if frag.frames == 0 || pts > frag.lastPTS {
			frag.lastPTS = pts
		}
		frag.frames++
		if onFrame != nil {
			onFrame(pts)
		}
	}

	for _, track := range r.Tracks() {
		if onTrackData(r, track, record) {
			frag.tracks++
		}
	}
	if frag.tracks == 0 {
		return frag, fmt.Errorf("no supported tracks in fragment")
	}

	for {
		if err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return frag, fmt.Errorf("reading mpegts: %w", err)
		}
	}

	if frag.frames == 0 {
		if decodeErr != nil {
			return frag, fmt.Errorf("%w: %w", errNoFrames, decodeErr)
		}
		return frag, errNoFrames
	}
	return frag, nil
}

// onTrackData registers fn for every access unit of track, reporting whether
// the codec is one the engine understands.
func onTrackData(r *mpegts.Reader, track *mpegts.Track, fn func(pts int64)) bool {
	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		r.OnDataH264(track, func(pts, _ int64, _ [][]byte) error {
			fn(pts)
			return nil
		})
	case *mpegts.CodecH265:
		r.OnDataH265(track, func(pts, _ int64, _ [][]byte) error {
			fn(pts)
			return nil
		})
	case *mpegts.CodecMPEG4Audio:
		r.OnDataMPEG4Audio(track, func(pts int64, _ [][]byte) error {
			fn(pts)
			return nil
		})
	case *mpegts.CodecAC3:
		r.OnDataAC3(track, func(pts int64, _ []byte) error {
			fn(pts)
			return nil
		})
	case *mpegts.CodecMPEG1Audio:
		r.OnDataMPEG1Audio(track, func(pts int64, _ [][]byte) error {
			fn(pts)
			return nil
		})
	case *mpegts.CodecOpus:
		r.OnDataOpus(track, func(pts int64, _ [][]byte) error {
			fn(pts)
			return nil
		})
	default:
		return false
	}
	return true
}
