package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/urlutil"
)

type hlsLevel struct {
	quality    models.QualityLevel
	uri        string
	audioGroup string
}

type hlsRendition struct {
	track models.AudioTrack
	uri   string
}

// Segmented plays HLS: it parses playlists, picks a level by measured
// throughput (or the pinned one), demuxes each MPEG-TS fragment and feeds the
// decoded span to the sink. Level changes apply at the next fragment boundary.
type Segmented struct {
	*core
	estimator *BandwidthEstimator

	state       sync.Mutex
	url         string
	parsed      bool
	levels      []hlsLevel
	renditions  []hlsRendition
	activeAudio string
	pinned      int
	current     int
	started     bool
	nextSeq     int
	nextPos     time.Duration
	decodeErrs  int
}

// NewSegmented creates an HLS backend.
func NewSegmented(opts Options) *Segmented {
	return &Segmented{
		core:      newCore(FamilySegmented, opts),
		estimator: NewBandwidthEstimator(),
		pinned:    models.AutoLevel,
		current:   -1,
	}
}

// LoadManifest implements Backend.
func (s *Segmented) LoadManifest(url string) error {
	if _, err := s.attachedSink(); err != nil {
		return err
	}
	s.state.Lock()
	s.url = url
	s.parsed = false
	s.started = false
	s.levels = nil
	s.renditions = nil
	s.current = -1
	s.decodeErrs = 0
	s.state.Unlock()

	s.run(s.load)
	return nil
}

// StartLoad implements Backend. Loading resumes at the next unloaded fragment.
func (s *Segmented) StartLoad() {
	s.logger.Debug("restarting load")
	s.run(s.load)
}

// RecoverMediaError implements Backend.
func (s *Segmented) RecoverMediaError() {
	s.state.Lock()
	s.decodeErrs = 0
	s.state.Unlock()
	s.logger.Debug("recovering media error")
	s.run(s.load)
}

// SetLevel implements Backend.
func (s *Segmented) SetLevel(index int) error {
	s.state.Lock()
	defer s.state.Unlock()
	if index != models.AutoLevel && (index < 0 || index >= len(s.levels)) {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, index)
	}
	s.pinned = index
	return nil
}

// SetAudioTrack implements Backend.
func (s *Segmented) SetAudioTrack(id string) error {
	s.state.Lock()
	found := false
	for _, r := range s.renditions {
		if r.track.ID == id {
			found = true
			break
		}
	}
	if found {
		s.activeAudio = id
	}
	s.state.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownAudioTrack, id)
	}
	s.events.emit(Event{Kind: EventAudioTrackSwitched, AudioTrack: id})
	return nil
}

// Destroy implements Backend.
func (s *Segmented) Destroy() {
	s.destroy()
}

func (s *Segmented) load(ctx context.Context) {
	sink, err := s.attachedSink()
	if err != nil {
		return
	}

	s.state.Lock()
	parsed := s.parsed
	s.state.Unlock()
	if !parsed {
		s.events.emit(Event{Kind: EventManifestLoading})
		if !s.loadMultivariant(ctx) {
			return
		}
	}

	level := s.pickLevel()
	media, mediaURL, err := s.fetchMedia(ctx, level)
	if err != nil {
		s.reportFetch(ctx, "level load", err)
		return
	}
	s.noteLevel(level)

	seq, pos := s.resumePoint(media)
	for ctx.Err() == nil {
		idx := seq - media.MediaSequence
		if idx < 0 {
			next := liveStart(media, s.opts.LiveSyncSegments)
			pos += time.Duration(next-seq) * time.Duration(media.TargetDuration) * time.Second
			s.logger.Debug("fell behind live window",
				slog.Int("sequence", seq),
				slog.Int("resume_sequence", next))
			seq = next
			continue
		}

		if idx >= len(media.Segments) {
			if media.Endlist {
				s.awaitEnd(ctx, sink, pos)
				return
			}
			if !sleep(ctx, refreshDelay(media)) {
				return
			}
			media, mediaURL, err = s.fetchMedia(ctx, level)
			if err != nil {
				s.reportFetch(ctx, "level reload", err)
				return
			}
			continue
		}

		if !s.waitForBufferRoom(ctx, sink, s.opts.MaxBuffer) {
			return
		}

		seg := media.Segments[idx]
		segURL, err := urlutil.Resolve(mediaURL, seg.URI)
		if err != nil {
			s.events.emitError(ErrorOther, true, "fragment url", err)
			return
		}

		start := time.Now()
		data, err := s.opts.Client.Fetch(ctx, segURL, nil, 0)
		if err != nil {
			s.reportFetch(ctx, "fragment load", err)
			return
		}
		s.estimator.Sample(len(data), time.Since(start))

		_, decodeErr := demuxTS(data, nil)
		pos += seg.Duration
		seq++
		s.saveResume(seq, pos)

		if decodeErr != nil {
			if fatal := s.noteDecodeError(); fatal {
				s.events.emitError(ErrorMedia, true, "fragment decode", decodeErr)
				return
			}
			s.events.emitError(ErrorMedia, false, "fragment decode", decodeErr)
		} else {
			s.clearDecodeErrors()
			s.feed(pos)
		}
		s.events.emit(Event{
			Kind:     EventFragmentLoaded,
			Level:    level,
			Sequence: seq - 1,
			Duration: seg.Duration,
			Bytes:    len(data),
		})

		if want := s.pickLevel(); want != level {
			next, nextURL, err := s.fetchMedia(ctx, want)
			if err != nil {
				s.reportFetch(ctx, "level switch", err)
				return
			}
			level, media, mediaURL = want, next, nextURL
			s.noteLevel(level)
		}
	}
}

func (s *Segmented) loadMultivariant(ctx context.Context) bool {
	s.state.Lock()
	url := s.url
	s.state.Unlock()

	body, err := s.fetchManifest(ctx, url)
	if err != nil {
		s.reportFetch(ctx, "manifest load", err)
		return false
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		s.events.emitError(ErrorOther, true, "manifest parse", err)
		return false
	}

	var levels []hlsLevel
	var renditions []hlsRendition
	switch p := pl.(type) {
	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			s.events.emitError(ErrorOther, true, "manifest parse", errors.New("multivariant playlist has no variants"))
			return false
		}
		levels, err = variantLevels(url, p.Variants)
		if err != nil {
			s.events.emitError(ErrorOther, true, "manifest parse", err)
			return false
		}
		renditions = audioRenditions(url, p.Renditions, levels[0].audioGroup)
	case *playlist.Media:
		levels = []hlsLevel{{quality: models.QualityLevel{Index: 0, Label: models.QualityLabel(0, 0)}, uri: url}}
	default:
		s.events.emitError(ErrorOther, true, "manifest parse", fmt.Errorf("unexpected playlist type %T", pl))
		return false
	}

	qualities := make([]models.QualityLevel, len(levels))
	for i, l := range levels {
		qualities[i] = l.quality
	}
	tracks := make([]models.AudioTrack, len(renditions))
	defaultAudio := ""
	for i, r := range renditions {
		tracks[i] = r.track
		if r.track.IsActive && defaultAudio == "" {
			defaultAudio = r.track.ID
		}
	}
	if defaultAudio == "" && len(tracks) > 0 {
		defaultAudio = tracks[0].ID
	}

	s.state.Lock()
	s.levels = levels
	s.renditions = renditions
	s.activeAudio = defaultAudio
	s.parsed = true
	s.state.Unlock()

	s.logger.Debug("manifest parsed",
		slog.Int("levels", len(levels)),
		slog.Int("audio_tracks", len(tracks)))
	s.events.emit(Event{
		Kind:         EventManifestParsed,
		Levels:       qualities,
		AudioTracks:  tracks,
		DefaultAudio: defaultAudio,
	})
	return true
}

func (s *Segmented) fetchManifest(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ManifestTimeout)
	defer cancel()
	return s.opts.Client.Fetch(ctx, url, nil, s.opts.MaxManifestBytes)
}

func (s *Segmented) fetchMedia(ctx context.Context, level int) (*playlist.Media, string, error) {
	s.state.Lock()
	if level < 0 || level >= len(s.levels) {
		s.state.Unlock()
		return nil, "", fmt.Errorf("%w: %d", ErrUnknownLevel, level)
	}
	uri := s.levels[level].uri
	s.state.Unlock()

	body, err := s.fetchManifest(ctx, uri)
	if err != nil {
		return nil, "", err
	}
	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, "", fmt.Errorf("level %d is not a media playlist", level)
	}
	if media.Map != nil {
		return nil, "", errors.New("fragmented MP4 renditions are not supported by the segmented backend")
	}
	return media, uri, nil
}

func (s *Segmented) pickLevel() int {
	s.state.Lock()
	pinned := s.pinned
	qualities := make([]models.QualityLevel, len(s.levels))
	for i, l := range s.levels {
		qualities[i] = l.quality
	}
	s.state.Unlock()

	if pinned != models.AutoLevel {
		return pinned
	}
	return s.estimator.Choose(qualities)
}

func (s *Segmented) noteLevel(level int) {
	s.state.Lock()
	changed := s.current != level
	s.current = level
	s.state.Unlock()

	if changed {
		s.logger.Debug("level switched", slog.Int("level", level))
		s.events.emit(Event{Kind: EventLevelSwitched, Level: level})
	}
}

func (s *Segmented) resumePoint(media *playlist.Media) (int, time.Duration) {
	s.state.Lock()
	defer s.state.Unlock()
	if s.started {
		return s.nextSeq, s.nextPos
	}
	s.started = true
	if media.Endlist {
		s.nextSeq = media.MediaSequence
	} else {
		s.nextSeq = liveStart(media, s.opts.LiveSyncSegments)
	}
	s.nextPos = 0
	return s.nextSeq, s.nextPos
}

func (s *Segmented) saveResume(seq int, pos time.Duration) {
	s.state.Lock()
	s.nextSeq, s.nextPos = seq, pos
	s.state.Unlock()
}

func (s *Segmented) noteDecodeError() bool {
	s.state.Lock()
	defer s.state.Unlock()
	s.decodeErrs++
	return s.decodeErrs >= s.opts.MaxDecodeErrors
}

func (s *Segmented) clearDecodeErrors() {
	s.state.Lock()
	s.decodeErrs = 0
	s.state.Unlock()
}

func (s *Segmented) reportFetch(ctx context.Context, details string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.events.emitError(classifyFetchError(err), true, details, err)
}

// liveStart returns the sequence number sync segments behind the live edge.
func liveStart(media *playlist.Media, sync int) int {
	start := len(media.Segments) - sync
	if start < 0 {
		start = 0
	}
	return media.MediaSequence + start
}

// refreshDelay is how long to wait before reloading a live playlist that has
// been fully consumed: half the target duration, as clients conventionally do.
func refreshDelay(media *playlist.Media) time.Duration {
	d := time.Duration(media.TargetDuration) * time.Second / 2
	if d < 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func variantLevels(base string, variants []*playlist.MultivariantVariant) ([]hlsLevel, error) {
	levels := make([]hlsLevel, 0, len(variants))
	for i, v := range variants {
		uri, err := urlutil.Resolve(base, v.URI)
		if err != nil {
			return nil, err
		}
		height := resolutionHeight(v.Resolution)
		levels = append(levels, hlsLevel{
			quality: models.QualityLevel{
				Index:              i,
				VerticalResolution: height,
				BitrateBps:         int64(v.Bandwidth),
				Label:              models.QualityLabel(height, int64(v.Bandwidth)),
			},
			uri:        uri,
			audioGroup: v.Audio,
		})
	}
	return levels, nil
}

func audioRenditions(base string, renditions []*playlist.MultivariantRendition, group string) []hlsRendition {
	var out []hlsRendition
	for _, r := range renditions {
		if r.Type != playlist.MultivariantRenditionTypeAudio {
			continue
		}
		if group != "" && r.GroupID != group {
			continue
		}
		uri := ""
		if r.URI != nil && *r.URI != "" {
			if resolved, err := urlutil.Resolve(base, *r.URI); err == nil {
				uri = resolved
			}
		}
		out = append(out, hlsRendition{
			track: models.AudioTrack{
				ID:       strconv.Itoa(len(out)),
				Name:     r.Name,
				Language: r.Language,
				IsActive: r.Default,
			},
			uri: uri,
		})
	}
	return out
}

// resolutionHeight extracts the height from a "WIDTHxHEIGHT" attribute.
func resolutionHeight(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height < 0 {
		return 0
	}
	return height
}
