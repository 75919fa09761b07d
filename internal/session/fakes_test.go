package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/loop"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/recovery"
	"github.com/stretchr/testify/require"
)

// script drives every fake backend a harness builds.
type script struct {
	levels []models.QualityLevel
	audio  []models.AudioTrack
	// buffer is how much media LoadManifest feeds; zero renders no frame.
	buffer      time.Duration
	onStartLoad func(f *fakeBackend)
	onRecover   func(f *fakeBackend)
}

// trail records cross-backend ordering.
type trail struct {
	mu      sync.Mutex
	entries []string
}

func (t *trail) add(format string, args ...any) {
	t.mu.Lock()
	t.entries = append(t.entries, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

func (t *trail) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entries...)
}

type fakeBackend struct {
	name   string
	family backend.Family
	sched  loop.Scheduler
	script *script
	trail  *trail

	mu        sync.Mutex
	sink      media.Sink
	handlers  []backend.Handler
	destroyed bool
	fed       time.Duration

	loads      []string
	startLoads int
	recovers   int
	levels     []int
	audio      []string
}

func (f *fakeBackend) Family() backend.Family { return f.family }

func (f *fakeBackend) Attach(sink media.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return backend.ErrDestroyed
	}
	err := sink.Claim(f.name, media.Listener{
		OnFrame: func() { f.emit(backend.Event{Kind: backend.EventFrameRendered}) },
	})
	if err != nil {
		return err
	}
	f.sink = sink
	f.trail.add("attach:%s", f.name)
	return nil
}

func (f *fakeBackend) LoadManifest(url string) error {
	f.mu.Lock()
	f.loads = append(f.loads, url)
	f.mu.Unlock()

	f.emit(backend.Event{Kind: backend.EventManifestLoading})
	f.emit(backend.Event{
		Kind:         backend.EventManifestParsed,
		Levels:       f.script.levels,
		AudioTracks:  f.script.audio,
		DefaultAudio: defaultAudio(f.script.audio),
	})
	if f.script.buffer > 0 {
		f.feed(f.script.buffer)
	}
	return nil
}

func defaultAudio(tracks []models.AudioTrack) string {
	for _, t := range tracks {
		if t.IsActive {
			return t.ID
		}
	}
	return ""
}

func (f *fakeBackend) On(kind backend.EventKind, h backend.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.handlers = append(f.handlers, h)
}

func (f *fakeBackend) StartLoad() {
	f.mu.Lock()
	f.startLoads++
	f.mu.Unlock()
	if f.script.onStartLoad != nil {
		f.script.onStartLoad(f)
	}
}

func (f *fakeBackend) RecoverMediaError() {
	f.mu.Lock()
	f.recovers++
	f.mu.Unlock()
	if f.script.onRecover != nil {
		f.script.onRecover(f)
	}
}

func (f *fakeBackend) SetLevel(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, index)
	return nil
}

func (f *fakeBackend) SetAudioTrack(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, id)
	return nil
}

func (f *fakeBackend) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.handlers = nil
	sink := f.sink
	f.sink = nil
	f.mu.Unlock()

	if sink != nil {
		sink.Release(f.name)
	}
	f.trail.add("destroy:%s", f.name)
}

// emit queues ev like the real backends: handlers are looked up when the
// event runs, so a destroyed backend delivers nothing.
func (f *fakeBackend) emit(ev backend.Event) {
	f.sched.Post(func() {
		f.mu.Lock()
		hs := append([]backend.Handler(nil), f.handlers...)
		f.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}
	})
}

func (f *fakeBackend) fail(kind backend.ErrorKind, fatal bool, details string) {
	f.emit(backend.Event{Kind: backend.EventError, Err: &backend.Error{
		Kind: kind, Fatal: fatal, Details: details, Err: errors.New(details),
	}})
}

// feed extends the buffered media to pos.
func (f *fakeBackend) feed(pos time.Duration) {
	f.mu.Lock()
	sink := f.sink
	if pos > f.fed {
		f.fed = pos
	}
	f.mu.Unlock()
	if sink != nil {
		sink.Feed(f.name, pos)
	}
}

func (f *fakeBackend) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// recordingObserver keeps every notification.
type recordingObserver struct {
	mu          sync.Mutex
	started     []string
	transitions []recovery.Transition
	attempts    []recovery.Decision
	fragments   int
	ended       []Summary
}

func (o *recordingObserver) SessionStarted(id string, _ models.PlaybackSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *recordingObserver) StateChanged(_ string, t recovery.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) RecoveryAttempted(_ string, d recovery.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, d)
}

func (o *recordingObserver) FragmentLoaded(string, backend.Family, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fragments++
}

func (o *recordingObserver) SessionEnded(s Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, s)
}

// reached returns when the observer first saw a transition into state.
func (o *recordingObserver) reached(from, to models.SessionState) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.transitions {
		if t.From == from && t.To == to {
			return t.At, true
		}
	}
	return time.Time{}, false
}

// flakySink rejects the first rejections calls to Play with err.
type flakySink struct {
	*media.Surface
	rejections int
	err        error
	plays      int
}

func (s *flakySink) Play() error {
	s.plays++
	if s.plays <= s.rejections {
		return s.err
	}
	return s.Surface.Play()
}

var epoch = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	m      *loop.Manual
	sink   *media.Surface
	mgr    *Manager
	script *script
	trail  *trail
	obs    *recordingObserver
	built  []*fakeBackend
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	autoplay    media.AutoplayPolicy
	maxAttempts int
	wrap        func(*media.Surface) media.Sink
	selector    backend.SelectorConfig
}

func withAutoplay(p media.AutoplayPolicy) harnessOption {
	return func(c *harnessConfig) { c.autoplay = p }
}

func withMaxAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.maxAttempts = n }
}

func withSink(wrap func(*media.Surface) media.Sink) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func newHarness(t *testing.T, sc *script, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{autoplay: media.AutoplayAllowed}
	for _, o := range opts {
		o(&cfg)
	}

	m := loop.NewManual(epoch)
	surface := media.NewSurface(media.SurfaceConfig{Autoplay: cfg.autoplay, Clock: m.Now})
	var sink media.Sink = surface
	if cfg.wrap != nil {
		sink = cfg.wrap(surface)
	}

	h := &harness{t: t, m: m, sink: surface, script: sc, trail: &trail{}, obs: &recordingObserver{}}

	cfg.selector.Options.Scheduler = m
	sel := backend.NewSelector(cfg.selector)
	for _, fam := range []backend.Family{
		backend.FamilySegmented, backend.FamilyManifestDescription, backend.FamilyNative, backend.FamilyEmbedded,
	} {
		fam := fam
		sel.SetFactory(fam, func(o backend.Options) backend.Backend {
			fb := &fakeBackend{
				name:   fmt.Sprintf("%s-%d", fam, len(h.built)),
				family: fam,
				sched:  o.Scheduler,
				script: h.script,
				trail:  h.trail,
			}
			h.built = append(h.built, fb)
			return fb
		})
	}

	h.mgr = NewManager(Config{
		Scheduler: m,
		Sink:      sink,
		Selector:  sel,
		Recovery:  recovery.Config{MaxAttempts: cfg.maxAttempts},
		Observers: []Observer{h.obs},
	})
	t.Cleanup(h.mgr.Unmount)
	return h
}

func (h *harness) mount(url string) {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Mount(models.PlaybackSource{URL: url}))
	h.m.Flush()
}

func (h *harness) last() *fakeBackend {
	h.t.Helper()
	require.NotEmpty(h.t, h.built)
	return h.built[len(h.built)-1]
}

// elapsed returns virtual time since the harness started.
func (h *harness) elapsed(at time.Time) time.Duration {
	return at.Sub(epoch)
}
