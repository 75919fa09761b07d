// Package session runs playback sessions: one mounted source, its backend,
// health monitor and recovery state machine. Manager is confined to a loop;
// Player wraps it for use from any goroutine.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/health"
	"github.com/jmylchreest/playarr/internal/loop"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/recovery"
	"github.com/jmylchreest/playarr/internal/tracks"
	"github.com/jmylchreest/playarr/internal/unmute"
)

// ErrNotMounted is returned by controls that need a mounted source.
var ErrNotMounted = errors.New("no source mounted")

// Play retry defaults.
const (
	DefaultPlayRetries    = 3
	DefaultPlayRetryDelay = 250 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	Scheduler loop.Scheduler
	Sink      media.Sink
	Selector  *backend.Selector
	// Presentation is optional; without it fullscreen requests fail.
	Presentation *presentation.Controller

	Health   health.Config
	Recovery recovery.Config

	PlayRetries    int
	PlayRetryDelay time.Duration

	Observers []Observer
	// OnChange receives a snapshot after every handled event or control.
	OnChange func(Snapshot)
	Logger   *slog.Logger
}

// session is one mount. Everything it creates is released by teardown.
type session struct {
	id        string
	source    models.PlaybackSource
	effective string
	family    backend.Family
	backend   backend.Backend

	disposer  *loop.Disposer
	monitor   *health.Monitor
	playTimer loop.Timer
	recovery  loop.Timer
	destroyed bool

	startedAt time.Time
	played    bool
	playTries int
	live      bool
	attempts  int
	stalls    int
	bytes     int64
}

// Manager owns the single SessionState of a player and the lifecycle of
// every session mounted on it.
type Manager struct {
	config Config
	logger *slog.Logger

	sched    loop.Scheduler
	sink     media.Sink
	selector *backend.Selector
	policy   *recovery.Policy
	catalog  *tracks.Catalog
	gate     *unmute.Gate
	present  *presentation.Controller

	cur       *session
	sessionID string
	version   uint64
}

// NewManager creates an idle manager.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.PlayRetries <= 0 {
		config.PlayRetries = DefaultPlayRetries
	}
	if config.PlayRetryDelay <= 0 {
		config.PlayRetryDelay = DefaultPlayRetryDelay
	}
	logger := config.Logger.With(slog.String("component", "session"))

	m := &Manager{
		config:   config,
		logger:   logger,
		sched:    config.Scheduler,
		sink:     config.Sink,
		selector: config.Selector,
		catalog:  tracks.New(config.Logger),
		gate:     unmute.New(config.Sink, config.Logger),
		present:  config.Presentation,
	}

	rc := config.Recovery
	rc.Logger = config.Logger
	if rc.Clock == nil {
		rc.Clock = config.Scheduler.Now
	}
	rc.OnTransition = m.onTransition
	m.policy = recovery.New(rc)
	return m
}

// State returns the current session state.
func (m *Manager) State() models.SessionState { return m.policy.State() }

// History returns recent state transitions.
func (m *Manager) History() []recovery.Transition { return m.policy.History() }

// Mount tears down the current session and starts playing src. Mounting a
// source equal to the current one is a no-op unless the session failed.
func (m *Manager) Mount(src models.PlaybackSource) error {
	if err := src.Validate(); err != nil {
		return fmt.Errorf("mounting source: %w", err)
	}
	if m.cur != nil && m.cur.source.Equal(src) && m.policy.State() != models.StateFailed {
		return nil
	}
	m.teardown("source changed")
	err := m.start(src)
	m.publish()
	return err
}

// Unmount tears down the current session and returns to Idle, leaving
// fullscreen.
func (m *Manager) Unmount() {
	m.teardown("unmounted")
	if m.present != nil {
		m.present.Unmount()
	}
	m.publish()
}

func (m *Manager) start(src models.PlaybackSource) error {
	s := &session{
		id:        uuid.NewString(),
		source:    src,
		disposer:  loop.NewDisposer(m.sched),
		startedAt: m.sched.Now(),
	}
	m.cur = s
	m.sessionID = s.id

	hc := m.config.Health
	hc.Logger = m.config.Logger
	hc.OnStall = func(r health.Reason) { m.onStall(s, r) }
	hc.OnAdvance = func(time.Duration) { m.onAdvance(s) }
	s.monitor = health.New(hc, m.sink, s.disposer)
	s.disposer.Defer(s.monitor.Dispose)

	m.gate.Arm()
	if m.present != nil {
		m.present.Mount()
	}
	for _, o := range m.config.Observers {
		o.SessionStarted(s.id, src)
	}

	m.logger.Info("mounting source",
		slog.String("session_id", s.id),
		slog.String("url", src.URL),
		slog.String("type", src.ProtocolType.String()))

	if err := m.policy.Load(); err != nil {
		return err
	}
	if err := m.build(s); err != nil {
		m.logger.Error("no playable backend for source",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		if ferr := m.policy.Fail(models.ClassUnclassified, src.URL, err); ferr != nil {
			return ferr
		}
		m.fail(s)
		return err
	}
	s.monitor.Start()
	return nil
}

// build selects, attaches and loads a backend for s. The selector destroys
// any previous backend first.
func (m *Manager) build(s *session) error {
	m.catalog.Bind(nil)
	s.backend = nil

	b, effective, err := m.selector.Select(s.source, m.sink)
	if err != nil {
		return fmt.Errorf("selecting backend: %w", err)
	}
	b.On(backend.EventAny, func(ev backend.Event) { m.handle(s, b, ev) })
	if err := b.Attach(m.sink); err != nil {
		m.selector.Release()
		return fmt.Errorf("attaching %s backend: %w", b.Family(), err)
	}

	s.backend, s.effective, s.family = b, effective, b.Family()
	s.played = false
	m.catalog.Reset()
	m.catalog.Bind(b)

	if err := b.LoadManifest(effective); err != nil {
		m.catalog.Bind(nil)
		m.selector.Release()
		s.backend = nil
		return fmt.Errorf("loading %s: %w", b.Family(), err)
	}
	s.monitor.Rearm()
	s.monitor.ArmLoadTimeout()

	m.logger.Debug("backend attached",
		slog.String("session_id", s.id),
		slog.String("backend", string(s.family)),
		slog.String("effective_url", effective))
	return nil
}

// teardown synchronously stops every timer of the current session and
// destroys its backend. It is safe to call repeatedly.
func (m *Manager) teardown(reason string) {
	s := m.cur
	if s == nil {
		m.policy.Reset(reason)
		return
	}
	s.destroyed = true
	m.cur = nil

	s.disposer.Dispose()
	m.catalog.Bind(nil)
	m.catalog.Reset()
	m.selector.Release()
	s.backend = nil
	m.sink.Pause()
	if m.present != nil {
		m.present.Detach()
	}

	summary := m.summary(s, reason)
	m.policy.Reset(reason)
	m.sessionID = ""

	for _, o := range m.config.Observers {
		o.SessionEnded(summary)
	}
	m.logger.Info("session torn down",
		slog.String("session_id", s.id),
		slog.String("reason", reason),
		slog.String("final_state", summary.FinalState.String()),
		slog.Int("recovery_attempts", s.attempts))
}

func (m *Manager) summary(s *session, reason string) Summary {
	sum := Summary{
		SessionID:  s.id,
		Source:     s.source,
		Backend:    s.family,
		FinalState: m.policy.State(),
		Attempts:   s.attempts,
		Stalls:     s.stalls,
		Bytes:      s.bytes,
		StartedAt:  s.startedAt,
		EndedAt:    m.sched.Now(),
		Reason:     reason,
	}
	if t := m.policy.Terminal(); t != nil {
		sum.ErrorClass = t.Class.String()
		sum.Error = t.Error()
	}
	return sum
}

// handle runs backend events on the loop. Events of a replaced backend or a
// torn-down session are dropped.
func (m *Manager) handle(s *session, b backend.Backend, ev backend.Event) {
	if s.destroyed || s != m.cur || s.backend != b {
		return
	}
	m.logEvent(s, ev)

	switch ev.Kind {
	case backend.EventManifestParsed:
		m.catalog.OnManifestParsed(ev.Levels, ev.AudioTracks, ev.DefaultAudio)
		s.live = ev.Live
		if !ev.Refreshed {
			m.attemptPlay(s)
		}
	case backend.EventLevelSwitched:
		m.catalog.OnLevelSwitched(ev.Level)
	case backend.EventAudioTrackSwitched:
		m.catalog.OnAudioTrackSwitched(ev.AudioTrack)
	case backend.EventFragmentLoaded:
		s.bytes += int64(ev.Bytes)
		for _, o := range m.config.Observers {
			o.FragmentLoaded(s.id, s.family, ev.Bytes, ev.Duration)
		}
	case backend.EventFrameRendered:
		s.monitor.FrameRendered()
		m.maybeStarted(s)
	case backend.EventEnded:
		m.onEnded(s)
	case backend.EventError:
		if tr, ok := recovery.FromBackend(ev.Err); ok {
			m.trigger(s, tr)
		}
	}
	m.publish()
}

func (m *Manager) logEvent(s *session, ev backend.Event) {
	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("backend", string(s.family)),
		slog.String("event", ev.Kind.String()),
	}
	switch ev.Kind {
	case backend.EventManifestParsed:
		attrs = append(attrs,
			slog.Int("levels", len(ev.Levels)),
			slog.Int("audio_tracks", len(ev.AudioTracks)),
			slog.Bool("live", ev.Live))
	case backend.EventLevelSwitched:
		attrs = append(attrs, slog.Int("level", ev.Level))
	case backend.EventFragmentLoaded:
		attrs = append(attrs,
			slog.Int("level", ev.Level),
			slog.Int("sequence", ev.Sequence),
			slog.Int("bytes", ev.Bytes))
	case backend.EventError:
		attrs = append(attrs,
			slog.String("kind", ev.Err.Kind.String()),
			slog.Bool("fatal", ev.Err.Fatal),
			slog.String("error", ev.Err.Error()))
		if ev.Err.Fatal {
			m.logger.Warn("backend error", attrs...)
			return
		}
	}
	m.logger.Debug("backend event", attrs...)
}

// maybeStarted moves Loading → Playing once play succeeded and a frame rendered.
func (m *Manager) maybeStarted(s *session) {
	if m.policy.State() != models.StateLoading || !s.played || !m.sink.HasRenderedFrame() {
		return
	}
	if err := m.policy.Started(); err != nil {
		m.logger.Error("start transition rejected", slog.String("error", err.Error()))
	}
}

// attemptPlay starts a fresh round of play attempts.
func (m *Manager) attemptPlay(s *session) {
	if s.playTimer != nil {
		s.playTimer.Stop()
		s.playTimer = nil
	}
	s.playTries = 0
	m.tryPlay(s)
}

func (m *Manager) tryPlay(s *session) {
	err := m.sink.Play()
	switch {
	case err == nil:
		s.played = true
		// Recovery may restart a session the user had paused.
		s.monitor.SetPaused(false)
		m.maybeStarted(s)
	case errors.Is(err, models.ErrAutoplayBlocked):
		// Not a stream failure: wait for the user.
		m.gate.Blocked()
		s.monitor.SetPaused(true)
	default:
		s.playTries++
		if s.playTries < m.config.PlayRetries {
			s.playTimer = s.disposer.AfterFunc(m.config.PlayRetryDelay, func() {
				if s.destroyed {
					return
				}
				m.tryPlay(s)
				m.publish()
			})
			return
		}
		m.trigger(s, recovery.Trigger{
			Class:  models.ClassUnclassified,
			Reason: "play rejected",
			Err:    fmt.Errorf("%w after %d attempts: %w", models.ErrPlayRejected, s.playTries, err),
		})
	}
}

func (m *Manager) onStall(s *session, r health.Reason) {
	if s.destroyed || s != m.cur {
		return
	}
	m.trigger(s, recovery.FromStall(r))
	m.publish()
}

func (m *Manager) onAdvance(s *session) {
	if s.destroyed || s != m.cur {
		return
	}
	if m.policy.Advance() {
		m.logger.Info("recovered",
			slog.String("session_id", s.id),
			slog.Int("recovery_attempts", s.attempts))
	}
	m.publish()
}

func (m *Manager) onEnded(s *session) {
	if m.policy.State() != models.StatePlaying {
		return
	}
	if err := m.policy.End(); err != nil {
		return
	}
	m.sink.Pause()
	s.monitor.SetPaused(true)
}

// trigger stalls the session. With budget left the next step runs after the
// backoff; otherwise the session fails at once.
func (m *Manager) trigger(s *session, tr recovery.Trigger) {
	if !m.policy.Trigger(tr) {
		return
	}
	s.stalls++
	if s.playTimer != nil {
		s.playTimer.Stop()
		s.playTimer = nil
	}

	budget := m.policy.Budget()
	if budget.Exhausted() {
		m.recover(s)
		return
	}
	m.logger.Info("recovery scheduled",
		slog.String("session_id", s.id),
		slog.String("class", tr.Class.String()),
		slog.String("reason", tr.Reason),
		slog.Int("attempts_made", budget.AttemptsMade),
		slog.Duration("backoff", budget.Backoff))

	s.recovery = s.disposer.AfterFunc(budget.Backoff, func() {
		s.recovery = nil
		if s.destroyed || s != m.cur {
			return
		}
		m.recover(s)
		m.publish()
	})
}

// recover takes the Stalled session to Recovering and runs the action, or
// to Failed when the budget is spent.
func (m *Manager) recover(s *session) {
	d, err := m.policy.Next()
	if err != nil {
		m.logger.Error("recovery step rejected", slog.String("error", err.Error()))
		return
	}
	if m.policy.State() == models.StateFailed {
		m.fail(s)
		return
	}

	s.attempts++
	for _, o := range m.config.Observers {
		o.RecoveryAttempted(s.id, d)
	}
	m.logger.Info("recovery attempt",
		slog.String("session_id", s.id),
		slog.String("class", d.Trigger.Class.String()),
		slog.String("action", d.Action.String()),
		slog.Int("attempt", d.Attempt))
	m.runAction(s, d)
}

func (m *Manager) runAction(s *session, d recovery.Decision) {
	action := d.Action
	if s.backend == nil {
		action = recovery.ActionRebuild
	}

	switch action {
	case recovery.ActionSoftRestart:
		s.backend.StartLoad()
	case recovery.ActionResetDecoder:
		s.backend.RecoverMediaError()
	case recovery.ActionRebuild:
		if err := m.build(s); err != nil {
			m.logger.Warn("backend rebuild failed",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()))
			m.trigger(s, recovery.Trigger{Class: models.ClassUnclassified, Reason: "rebuild", Err: err})
			return
		}
		// Play resumes once the new manifest parses.
		return
	}
	s.monitor.Rearm()
	m.attemptPlay(s)
}

// fail stops everything but keeps the session mounted so the terminal error
// stays visible until a remount.
func (m *Manager) fail(s *session) {
	if s.playTimer != nil {
		s.playTimer.Stop()
	}
	s.monitor.Dispose()
	s.disposer.Dispose()
	m.catalog.Bind(nil)
	m.selector.Release()
	s.backend = nil
	m.sink.Pause()

	if t := m.policy.Terminal(); t != nil {
		m.logger.Error("stream unavailable",
			slog.String("session_id", s.id),
			slog.String("class", t.Class.String()),
			slog.String("error", t.Error()))
	}
}

// Pause pauses playback at the user's request.
func (m *Manager) Pause() error {
	if m.cur == nil {
		return ErrNotMounted
	}
	if err := m.policy.Pause(); err != nil {
		return err
	}
	m.sink.Pause()
	m.cur.monitor.SetPaused(true)
	m.publish()
	return nil
}

// Resume resumes a paused session. An ended presentation is replayed from
// the start.
func (m *Manager) Resume() error {
	s := m.cur
	if s == nil {
		return ErrNotMounted
	}
	if m.policy.State() != models.StatePaused {
		return fmt.Errorf("%w: resume from %s", recovery.ErrInvalidTransition, m.policy.State())
	}
	if m.policy.Ended() {
		src := s.source
		m.teardown("replay")
		err := m.start(src)
		m.publish()
		return err
	}
	if err := m.sink.Play(); err != nil {
		if errors.Is(err, models.ErrAutoplayBlocked) {
			m.gate.Blocked()
			m.publish()
		}
		return fmt.Errorf("resuming playback: %w", err)
	}
	if err := m.policy.Resume(); err != nil {
		return err
	}
	s.monitor.SetPaused(false)
	m.publish()
	return nil
}

// Gesture delivers a user interaction to the unmute gate, resuming playback
// that was blocked by the autoplay policy.
func (m *Manager) Gesture() {
	resume := m.gate.Gesture()
	if s := m.cur; resume && s != nil && !s.destroyed {
		s.monitor.SetPaused(m.policy.State() == models.StatePaused)
		m.attemptPlay(s)
	}
	m.publish()
}

// SelectQuality pins a quality level, or returns to Auto with models.AutoLevel.
func (m *Manager) SelectQuality(index int) error {
	if m.cur == nil {
		return ErrNotMounted
	}
	if err := m.catalog.SelectLevel(index); err != nil {
		return err
	}
	m.publish()
	return nil
}

// SelectAudio switches the audio rendition.
func (m *Manager) SelectAudio(id string) error {
	if m.cur == nil {
		return ErrNotMounted
	}
	if err := m.catalog.SelectAudioTrack(id); err != nil {
		return err
	}
	m.publish()
	return nil
}

// SetFullscreen enters or leaves fullscreen.
func (m *Manager) SetFullscreen(active bool) error {
	if m.present == nil {
		return presentation.ErrFullscreenUnsupported
	}
	if err := m.present.Set(active); err != nil {
		return err
	}
	m.publish()
	return nil
}

// ActiveTimers returns the live tracked timers of the current session.
func (m *Manager) ActiveTimers() int {
	if m.cur == nil {
		return 0
	}
	return m.cur.disposer.Active()
}

func (m *Manager) onTransition(t recovery.Transition) {
	for _, o := range m.config.Observers {
		o.StateChanged(m.sessionID, t)
	}
}

// Snapshot builds the renderer view.
func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		Version:           m.version,
		State:             m.policy.State(),
		Ended:             m.policy.Ended(),
		Budget:            m.policy.Budget(),
		Qualities:         m.catalog.Levels(),
		SelectedQuality:   m.catalog.Selected(),
		PlayingQuality:    m.catalog.Playing(),
		ShowQualityMenu:   m.catalog.ShowQualityMenu(),
		AudioTracks:       m.catalog.AudioTracks(),
		Muted:             m.sink.Muted(),
		ShowUnmuteOverlay: m.gate.ShowOverlay(),
		AwaitingGesture:   m.gate.AwaitingGesture(),
	}
	if m.present != nil {
		snap.Fullscreen = m.present.Active()
	}
	if s := m.cur; s != nil {
		src := s.source
		snap.SessionID = s.id
		snap.Source = &src
		snap.Backend = s.family
		snap.Live = s.live
		snap.Position = m.sink.CurrentTime()
	}
	if snap.State == models.StateFailed {
		snap.Unavailable = true
		if t := m.policy.Terminal(); t != nil {
			snap.Error = t.Error()
			snap.ErrorClass = t.Class.String()
		}
	}
	return snap
}

func (m *Manager) publish() {
	m.version++
	if m.config.OnChange != nil {
		m.config.OnChange(m.Snapshot())
	}
}
