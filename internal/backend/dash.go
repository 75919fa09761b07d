package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/jmylchreest/playarr/internal/models"
)

// errNoSamples is returned for a media segment carrying no samples.
var errNoSamples = errors.New("segment contains no samples")

// ManifestDescription plays DASH: it parses the MPD, checks content
// protection against the source's decryption descriptor, and loads fragmented
// MP4 segments addressed by SegmentTemplate.
type ManifestDescription struct {
	*core
	estimator *BandwidthEstimator

	state       sync.Mutex
	url         string
	manifest    *dashManifest
	activeAudio string
	pinned      int
	current     int
	started     bool
	nextNum     uint64
	nextPos     time.Duration
	decodeErrs  int
	initLoaded  map[string]bool
}

// NewManifestDescription creates a DASH backend.
func NewManifestDescription(opts Options) *ManifestDescription {
	return &ManifestDescription{
		core:      newCore(FamilyManifestDescription, opts),
		estimator: NewBandwidthEstimator(),
		pinned:    models.AutoLevel,
		current:   -1,
	}
}

// LoadManifest implements Backend.
func (d *ManifestDescription) LoadManifest(url string) error {
	if _, err := d.attachedSink(); err != nil {
		return err
	}
	d.state.Lock()
	d.url = url
	d.manifest = nil
	d.started = false
	d.current = -1
	d.decodeErrs = 0
	d.initLoaded = make(map[string]bool)
	d.state.Unlock()

	d.run(d.load)
	return nil
}

// StartLoad implements Backend.
func (d *ManifestDescription) StartLoad() {
	d.logger.Debug("restarting load")
	d.run(d.load)
}

// RecoverMediaError implements Backend. Init segments are fetched again.
func (d *ManifestDescription) RecoverMediaError() {
	d.state.Lock()
	d.decodeErrs = 0
	d.initLoaded = make(map[string]bool)
	d.state.Unlock()
	d.logger.Debug("recovering media error")
	d.run(d.load)
}

// SetLevel implements Backend.
func (d *ManifestDescription) SetLevel(index int) error {
	d.state.Lock()
	defer d.state.Unlock()
	n := 0
	if d.manifest != nil {
		n = len(d.manifest.video)
	}
	if index != models.AutoLevel && (index < 0 || index >= n) {
		return fmt.Errorf("%w: %d", ErrUnknownLevel, index)
	}
	d.pinned = index
	return nil
}

// SetAudioTrack implements Backend.
func (d *ManifestDescription) SetAudioTrack(id string) error {
	d.state.Lock()
	found := false
	if d.manifest != nil {
		for _, a := range d.manifest.audio {
			if a.id == id {
				found = true
				break
			}
		}
	}
	if found {
		d.activeAudio = id
	}
	d.state.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownAudioTrack, id)
	}
	d.events.emit(Event{Kind: EventAudioTrackSwitched, AudioTrack: id})
	return nil
}

// Destroy implements Backend.
func (d *ManifestDescription) Destroy() {
	d.destroy()
}

func (d *ManifestDescription) load(ctx context.Context) {
	sink, err := d.attachedSink()
	if err != nil {
		return
	}

	d.state.Lock()
	m := d.manifest
	d.state.Unlock()
	if m == nil {
		d.events.emit(Event{Kind: EventManifestLoading})
		if m = d.loadMPD(ctx, true); m == nil {
			return
		}
	}

	level := d.pickLevel(m)
	d.noteLevel(level)
	num, pos := d.resumePoint(m, &m.video[level])

	for ctx.Err() == nil {
		rep := &m.video[level]
		if !d.ensureInit(ctx, "video:"+rep.id, rep) {
			return
		}
		if audio := d.activeAudioRep(m); audio != nil && audio != rep {
			if !d.ensureInit(ctx, "audio", audio) {
				return
			}
		}

		seg, state := m.lookup(rep, num, d.opts.Clock())
		switch state {
		case lookupEnd:
			d.awaitEnd(ctx, sink, pos)
			return
		case lookupBehind:
			next := m.startNumber(rep, d.opts.Clock(), d.opts.LiveSyncSegments)
			if next > num {
				pos += time.Duration(next-num) * rep.segmentDuration()
			}
			d.logger.Debug("fell behind live window",
				slog.Uint64("number", num),
				slog.Uint64("resume_number", next))
			num = next
			continue
		case lookupWait:
			if !sleep(ctx, m.refreshInterval(rep)/2) {
				return
			}
			if len(rep.timeline) > 0 {
				refreshed := d.loadMPD(ctx, false)
				if refreshed == nil {
					return
				}
				m = refreshed
				level = d.pickLevel(m)
				d.noteLevel(level)
			}
			continue
		}

		if !d.waitForBufferRoom(ctx, sink, d.opts.MaxBuffer) {
			return
		}

		segURL, err := rep.mediaURL(seg)
		if err != nil {
			d.events.emitError(ErrorOther, true, "fragment url", err)
			return
		}
		start := time.Now()
		data, err := d.opts.Client.Fetch(ctx, segURL, nil, 0)
		if err != nil {
			d.reportFetch(ctx, "fragment load", err)
			return
		}
		d.estimator.Sample(len(data), time.Since(start))

		decodeErr := validateSegment(data)
		pos += seg.dur
		num = seg.number + 1
		d.saveResume(num, pos)

		if decodeErr != nil {
			if fatal := d.noteDecodeError(); fatal {
				d.events.emitError(ErrorMedia, true, "fragment decode", decodeErr)
				return
			}
			d.events.emitError(ErrorMedia, false, "fragment decode", decodeErr)
		} else {
			d.clearDecodeErrors()
			d.feed(pos)
		}
		d.events.emit(Event{
			Kind:     EventFragmentLoaded,
			Level:    level,
			Sequence: int(seg.number),
			Duration: seg.dur,
			Bytes:    len(data),
		})

		if want := d.pickLevel(m); want != level {
			level = want
			d.noteLevel(level)
		}
	}
}

// loadMPD fetches and parses the MPD and checks content protection. The first
// load announces levels and tracks; a reload announces them again only when
// the renditions changed.
func (d *ManifestDescription) loadMPD(ctx context.Context, announce bool) *dashManifest {
	d.state.Lock()
	url := d.url
	d.state.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, d.opts.ManifestTimeout)
	body, err := d.opts.Client.Fetch(fetchCtx, url, nil, d.opts.MaxManifestBytes)
	cancel()
	if err != nil {
		d.reportFetch(ctx, "manifest load", err)
		return nil
	}

	m, err := parseMPD(url, body)
	if err != nil {
		d.events.emitError(ErrorOther, true, "manifest parse", err)
		return nil
	}

	keySystem := ""
	if d.opts.Decryption != nil {
		keySystem = d.opts.Decryption.KeySystem
	}
	matched, err := matchKeySystem(m.video[0].protection, keySystem)
	if err != nil {
		d.events.emitError(ErrorOther, true, "key system", err)
		return nil
	}

	d.state.Lock()
	prev := d.manifest
	d.manifest = m
	changed := prev != nil && !sameRenditions(prev, m)
	if changed {
		d.pinned = models.AutoLevel
		d.current = -1
	}
	if d.activeAudio == "" || !hasAudioSet(m, d.activeAudio) {
		d.activeAudio = defaultAudioSet(m)
	}
	active := d.activeAudio
	if d.pinned >= len(m.video) {
		d.pinned = models.AutoLevel
	}
	d.state.Unlock()

	if !announce && !changed {
		return m
	}

	levels := make([]models.QualityLevel, len(m.video))
	for i, r := range m.video {
		levels[i] = models.QualityLevel{
			Index:              i,
			VerticalResolution: r.height,
			BitrateBps:         r.bandwidth,
			Label:              models.QualityLabel(r.height, r.bandwidth),
		}
	}
	tracks := make([]models.AudioTrack, len(m.audio))
	for i, a := range m.audio {
		tracks[i] = models.AudioTrack{ID: a.id, Name: a.name, Language: a.lang, IsActive: a.id == active}
	}

	d.logger.Debug("manifest parsed",
		slog.Int("levels", len(levels)),
		slog.Int("audio_tracks", len(tracks)),
		slog.Bool("dynamic", m.dynamic),
		slog.Bool("refreshed", changed),
		slog.String("key_system", matched))
	d.events.emit(Event{
		Kind:         EventManifestParsed,
		Levels:       levels,
		AudioTracks:  tracks,
		DefaultAudio: active,
		KeySystem:    matched,
		Live:         m.dynamic,
		Refreshed:    changed,
	})
	return m
}

// ensureInit fetches and parses the initialization segment for rep once per key.
func (d *ManifestDescription) ensureInit(ctx context.Context, key string, rep *dashRep) bool {
	d.state.Lock()
	loaded := d.initLoaded[key+"@"+rep.id]
	d.state.Unlock()
	if loaded {
		return true
	}

	initURL, ok := rep.initURL()
	if !ok {
		return true
	}
	data, err := d.opts.Client.Fetch(ctx, initURL, nil, d.opts.MaxManifestBytes)
	if err != nil {
		d.reportFetch(ctx, "init segment load", err)
		return false
	}
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		d.events.emitError(ErrorMedia, true, "init segment decode", err)
		return false
	}

	d.state.Lock()
	d.initLoaded[key+"@"+rep.id] = true
	d.state.Unlock()
	d.logger.Debug("init segment loaded",
		slog.String("representation", rep.id),
		slog.Int("tracks", len(init.Tracks)))
	return true
}

func (d *ManifestDescription) activeAudioRep(m *dashManifest) *dashRep {
	d.state.Lock()
	id := d.activeAudio
	d.state.Unlock()
	for i := range m.audio {
		if m.audio[i].id == id && len(m.audio[i].reps) > 0 {
			return &m.audio[i].reps[0]
		}
	}
	return nil
}

func (d *ManifestDescription) pickLevel(m *dashManifest) int {
	d.state.Lock()
	pinned := d.pinned
	d.state.Unlock()
	if pinned != models.AutoLevel && pinned < len(m.video) {
		return pinned
	}
	levels := make([]models.QualityLevel, len(m.video))
	for i, r := range m.video {
		levels[i] = models.QualityLevel{Index: i, BitrateBps: r.bandwidth}
	}
	return d.estimator.Choose(levels)
}

func (d *ManifestDescription) noteLevel(level int) {
	d.state.Lock()
	changed := d.current != level
	d.current = level
	d.state.Unlock()
	if changed {
		d.logger.Debug("level switched", slog.Int("level", level))
		d.events.emit(Event{Kind: EventLevelSwitched, Level: level})
	}
}

func (d *ManifestDescription) resumePoint(m *dashManifest, rep *dashRep) (uint64, time.Duration) {
	d.state.Lock()
	defer d.state.Unlock()
	if !d.started {
		d.started = true
		d.nextNum = m.startNumber(rep, d.opts.Clock(), d.opts.LiveSyncSegments)
		d.nextPos = 0
	}
	return d.nextNum, d.nextPos
}

func (d *ManifestDescription) saveResume(num uint64, pos time.Duration) {
	d.state.Lock()
	d.nextNum, d.nextPos = num, pos
	d.state.Unlock()
}

func (d *ManifestDescription) noteDecodeError() bool {
	d.state.Lock()
	defer d.state.Unlock()
	d.decodeErrs++
	return d.decodeErrs >= d.opts.MaxDecodeErrors
}

func (d *ManifestDescription) clearDecodeErrors() {
	d.state.Lock()
	d.decodeErrs = 0
	d.state.Unlock()
}

func (d *ManifestDescription) reportFetch(ctx context.Context, details string, err error) {
	if ctx.Err() != nil {
		return
	}
	d.events.emitError(classifyFetchError(err), true, details, err)
}

// sameRenditions reports whether two manifests offer the same video levels
// and audio sets in the same order.
func sameRenditions(a, b *dashManifest) bool {
	if len(a.video) != len(b.video) || len(a.audio) != len(b.audio) {
		return false
	}
	for i := range a.video {
		x, y := &a.video[i], &b.video[i]
		if x.id != y.id || x.bandwidth != y.bandwidth || x.height != y.height {
			return false
		}
	}
	for i := range a.audio {
		if a.audio[i].id != b.audio[i].id {
			return false
		}
	}
	return true
}

func hasAudioSet(m *dashManifest, id string) bool {
	for _, a := range m.audio {
		if a.id == id {
			return true
		}
	}
	return false
}

func defaultAudioSet(m *dashManifest) string {
	for _, a := range m.audio {
		if a.main {
			return a.id
		}
	}
	if len(m.audio) > 0 {
		return m.audio[0].id
	}
	return ""
}

// validateSegment decodes a media segment's fragments and checks it carries samples.
func validateSegment(data []byte) error {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return fmt.Errorf("decoding fmp4 segment: %w", err)
	}
	for _, p := range parts {
		for _, t := range p.Tracks {
			if len(t.Samples) > 0 {
				return nil
			}
		}
	}
	return errNoSamples
}
