package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/asticode/go-astits"
	"github.com/jmylchreest/playarr/internal/urlutil"
)

// ErrStreamEnded is reported when a native source stops producing data.
var ErrStreamEnded = errors.New("native stream ended")

// NativeEngine plays a whole resource without a playback backend, the way a
// media element decodes a progressive source assigned to its src attribute.
type NativeEngine interface {
	// CanPlay reports whether the engine decodes mime.
	CanPlay(mime string) bool
	// Play decodes url until ctx is cancelled, calling feed with the media
	// position reached and fail once if decoding stops for any other reason.
	Play(ctx context.Context, url string, feed func(time.Duration), fail func(error))
}

// Opener opens a resource for reading.
type Opener interface {
	Fetch(ctx context.Context, location string) (io.ReadCloser, error)
}

// TSEngine plays progressive MPEG-TS streams by demuxing PES headers and
// reporting presentation time.
type TSEngine struct {
	opener Opener
	types  map[string]bool
	logger *slog.Logger
}

// NewTSEngine creates an engine reading through opener. extraTypes adds MIME
// types beyond MPEG-TS the platform claims to handle natively.
func NewTSEngine(opener Opener, logger *slog.Logger, extraTypes ...string) *TSEngine {
	if logger == nil {
		logger = slog.Default()
	}
	types := map[string]bool{urlutil.MIMEMPEGTS: true}
	for _, t := range extraTypes {
		types[strings.ToLower(t)] = true
	}
	return &TSEngine{
		opener: opener,
		types:  types,
		logger: logger.With(slog.String("component", "native_engine")),
	}
}

// CanPlay implements NativeEngine.
func (e *TSEngine) CanPlay(mime string) bool {
	mime, _, _ = strings.Cut(strings.ToLower(mime), ";")
	return e.types[strings.TrimSpace(mime)]
}

// Play implements NativeEngine.
func (e *TSEngine) Play(ctx context.Context, url string, feed func(time.Duration), fail func(error)) {
	body, err := e.opener.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() == nil {
			fail(fmt.Errorf("opening native source: %w", err))
		}
		return
	}
	defer body.Close()

	dmx := astits.NewDemuxer(ctx, body)
	var first int64 = -1
	for {
		d, err := dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				fail(ErrStreamEnded)
				return
			}
			fail(fmt.Errorf("demuxing native source: %w", err))
			return
		}
		pts, ok := pesPTS(d)
		if !ok {
			continue
		}
		if first < 0 || pts < first {
			first = pts
		}
		feed(ptsDuration(pts - first))
	}
}

func pesPTS(d *astits.DemuxerData) (int64, bool) {
	if d == nil || d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
		return 0, false
	}
	ref := d.PES.Header.OptionalHeader.PTS
	if ref == nil {
		return 0, false
	}
	return ref.Base, true
}

// ptsDuration converts 90 kHz ticks to a duration.
func ptsDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / 90000
}
