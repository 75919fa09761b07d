// Package media provides the shared headless video surface every playback
// backend attaches to. The surface is the engine's only mutual-exclusion
// boundary: exactly one owner may hold it at a time.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/playarr/internal/models"
)

// Surface errors.
var (
	// ErrSinkBusy is returned when a second owner tries to claim the surface.
	ErrSinkBusy = errors.New("media sink already attached to another backend")
	// ErrNotOwner is returned for operations by a backend that does not hold the surface.
	ErrNotOwner = errors.New("media sink not held by caller")
	// ErrNoSource is returned by Play when nothing is attached.
	ErrNoSource = errors.New("media sink has no source")
	// ErrUnsupportedType is returned when the native engine cannot play a source.
	ErrUnsupportedType = errors.New("native engine cannot play source type")
)

// AutoplayPolicy mirrors the platform rules for starting playback without a gesture.
type AutoplayPolicy int

// Autoplay policies.
const (
	// AutoplayMutedOnly allows muted autoplay and blocks audible autoplay.
	AutoplayMutedOnly AutoplayPolicy = iota
	// AutoplayAllowed never blocks.
	AutoplayAllowed
	// AutoplayDenied blocks every play until a user gesture.
	AutoplayDenied
)

// ParseAutoplayPolicy parses "muted", "allowed" or "denied".
func ParseAutoplayPolicy(s string) (AutoplayPolicy, error) {
	switch strings.ToLower(s) {
	case "", "muted", "muted_only":
		return AutoplayMutedOnly, nil
	case "allowed", "allow":
		return AutoplayAllowed, nil
	case "denied", "deny":
		return AutoplayDenied, nil
	default:
		return AutoplayMutedOnly, fmt.Errorf("unknown autoplay policy %q", s)
	}
}

// Listener receives surface notifications for the current owner. Callbacks
// run on the goroutine that produced them; owners hop onto their loop.
type Listener struct {
	// OnFrame fires once per claim (or timeline reset) when the first frame renders.
	OnFrame func()
	// OnError reports native engine failures for sources set with SetSource.
	OnError func(error)
}

// Sink is the shared video surface as seen by backends and the session.
type Sink interface {
	Claim(owner string, l Listener) error
	Release(owner string)
	Owner() string

	SetSource(owner, url string) error
	CanPlayType(mime string) bool

	Feed(owner string, position time.Duration)
	ResetTimeline(owner string)
	CurrentTime() time.Duration
	BufferAhead() time.Duration
	HasRenderedFrame() bool

	Play() error
	Pause()
	Paused() bool
	Muted() bool
	SetMuted(muted bool)
	GrantUserActivation()
}

// SurfaceConfig configures a Surface.
type SurfaceConfig struct {
	Autoplay AutoplayPolicy
	// Native plays sources assigned directly with SetSource. Optional.
	Native NativeEngine
	// Clock returns the current time; defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Surface is the headless media element. Backends feed decoded media
// positions; the surface turns them into a playback clock that only advances
// while playing and never past what has been buffered.
type Surface struct {
	config SurfaceConfig
	logger *slog.Logger

	mu        sync.Mutex
	owner     string
	listener  Listener
	source    string
	cancelSrc context.CancelFunc

	playing   bool
	muted     bool
	activated bool

	position time.Duration
	anchor   time.Time
	buffered time.Duration
	hasFrame bool
}

// NewSurface creates a detached surface.
func NewSurface(config SurfaceConfig) *Surface {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Surface{
		config: config,
		logger: config.Logger.With(slog.String("component", "media_surface")),
	}
}

// Claim attaches owner to the surface and resets the timeline.
func (s *Surface) Claim(owner string, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != "" && s.owner != owner {
		return fmt.Errorf("%w: held by %s", ErrSinkBusy, s.owner)
	}
	s.owner = owner
	s.listener = l
	s.resetLocked()
	s.logger.Debug("media sink claimed", slog.String("owner", owner))
	return nil
}

// Release detaches owner. Releasing a surface held by someone else is a no-op.
func (s *Surface) Release(owner string) {
	s.mu.Lock()
	if s.owner != owner {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelSrc
	s.owner = ""
	s.listener = Listener{}
	s.source = ""
	s.cancelSrc = nil
	s.playing = false
	s.resetLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Debug("media sink released", slog.String("owner", owner))
}

// Owner returns the current owner, empty when detached.
func (s *Surface) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// CanPlayType reports whether the native engine plays mime directly.
func (s *Surface) CanPlayType(mime string) bool {
	if s.config.Native == nil {
		return false
	}
	return s.config.Native.CanPlay(mime)
}

// SetSource assigns url to the native engine, replacing any previous source.
func (s *Surface) SetSource(owner, url string) error {
	if s.config.Native == nil {
		return ErrUnsupportedType
	}

	s.mu.Lock()
	if s.owner != owner {
		s.mu.Unlock()
		return ErrNotOwner
	}
	if s.cancelSrc != nil {
		s.cancelSrc()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.source = url
	s.cancelSrc = cancel
	s.resetLocked()
	s.mu.Unlock()

	feed := func(pos time.Duration) { s.Feed(owner, pos) }
	fail := func(err error) {
		s.mu.Lock()
		l := s.listener
		current := s.owner == owner && s.source == url
		s.mu.Unlock()
		if current && l.OnError != nil && ctx.Err() == nil {
			l.OnError(err)
		}
	}
	go s.config.Native.Play(ctx, url, feed, fail)
	return nil
}

// Feed records that media up to position has been decoded by owner.
// Feeds from a previous owner are dropped.
func (s *Surface) Feed(owner string, position time.Duration) {
	s.mu.Lock()
	if s.owner != owner || owner == "" {
		s.mu.Unlock()
		return
	}
	s.settleLocked()
	if position > s.buffered {
		s.buffered = position
	}
	first := !s.hasFrame
	s.hasFrame = true
	if first && s.playing {
		s.anchor = s.config.Clock()
	}
	onFrame := s.listener.OnFrame
	s.mu.Unlock()

	if first && onFrame != nil {
		onFrame()
	}
}

// ResetTimeline clears buffered media so the next feed renders a new first frame.
func (s *Surface) ResetTimeline(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.resetLocked()
}

func (s *Surface) resetLocked() {
	s.position = 0
	s.buffered = 0
	s.hasFrame = false
	s.anchor = s.config.Clock()
}

// settleLocked folds elapsed play time into position, capped at the buffer.
func (s *Surface) settleLocked() {
	now := s.config.Clock()
	if s.playing && s.hasFrame {
		p := s.position + now.Sub(s.anchor)
		if p > s.buffered {
			p = s.buffered
		}
		if p > s.position {
			s.position = p
		}
	}
	s.anchor = now
}

// CurrentTime returns the playback position.
func (s *Surface) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	return s.position
}

// BufferAhead returns how much decoded media is ahead of the playback position.
func (s *Surface) BufferAhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	return s.buffered - s.position
}

// HasRenderedFrame reports whether a frame rendered since the last reset.
func (s *Surface) HasRenderedFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasFrame
}

// Play starts the playback clock, applying the autoplay policy.
func (s *Surface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner == "" {
		return ErrNoSource
	}
	switch s.config.Autoplay {
	case AutoplayMutedOnly:
		if !s.muted && !s.activated {
			return models.ErrAutoplayBlocked
		}
	case AutoplayDenied:
		if !s.activated {
			return models.ErrAutoplayBlocked
		}
	}
	if !s.playing {
		s.settleLocked()
		s.playing = true
	}
	return nil
}

// Pause freezes the playback clock.
func (s *Surface) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	s.playing = false
}

// Paused reports whether the playback clock is stopped.
func (s *Surface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing
}

// Muted reports whether audio output is muted.
func (s *Surface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetMuted mutes or unmutes audio output.
func (s *Surface) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// GrantUserActivation records a user gesture, lifting the autoplay restriction.
func (s *Surface) GrantUserActivation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = true
}
