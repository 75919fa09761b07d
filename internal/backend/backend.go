// Package backend implements the playback backends a session can drive and
// the selector that picks one per source.
//
// Every backend owns its network and decode goroutines but reports to the
// session only through events posted on the session's loop. Once Destroy
// returns, no handler registered on that backend runs again, even for events
// already queued.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/loop"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/models"
)

// Backend errors.
var (
	ErrNoBackend          = errors.New("no playback backend can handle source")
	ErrNotAttached        = errors.New("backend not attached to a media sink")
	ErrDestroyed          = errors.New("backend destroyed")
	ErrLevelsUnsupported  = errors.New("backend does not expose quality levels")
	ErrUnknownLevel       = errors.New("unknown quality level")
	ErrUnknownAudioTrack  = errors.New("unknown audio track")
	ErrNoPlayableMedia    = errors.New("page contains no playable media")
	ErrUnsupportedKeySys  = errors.New("no content protection matches the decryption key system")
	ErrDecryptionRequired = errors.New("protected content requires a decryption descriptor")
)

// Family identifies a backend implementation.
type Family string

// Backend families.
const (
	FamilySegmented           Family = "segmented"
	FamilyManifestDescription Family = "manifestDescription"
	FamilyNative              Family = "native"
	FamilyEmbedded            Family = "embedded"
)

// Backend is a playback adapter attached to the shared media sink.
type Backend interface {
	// Family reports which implementation this is.
	Family() Family
	// Attach claims the sink. It fails with media.ErrSinkBusy when another
	// backend still holds it.
	Attach(sink media.Sink) error
	// LoadManifest starts loading url. Progress is reported through events.
	LoadManifest(url string) error
	// On registers h for events of kind. EventAny receives every event.
	On(kind EventKind, h Handler)
	// StartLoad restarts loading from the current position (soft restart).
	StartLoad()
	// RecoverMediaError resets the decode pipeline and resumes loading.
	RecoverMediaError()
	// SetLevel pins a quality level, or models.AutoLevel to adapt.
	SetLevel(index int) error
	// SetAudioTrack switches the active audio rendition.
	SetAudioTrack(id string) error
	// Destroy detaches handlers, stops loading and releases the sink.
	Destroy()
}

// EventKind identifies a backend event.
type EventKind int

// Backend events.
const (
	EventAny EventKind = iota
	EventManifestLoading
	EventManifestParsed
	EventLevelSwitched
	EventAudioTrackSwitched
	EventFragmentLoaded
	EventFrameRendered
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAny:
		return "any"
	case EventManifestLoading:
		return "manifest_loading"
	case EventManifestParsed:
		return "manifest_parsed"
	case EventLevelSwitched:
		return "level_switched"
	case EventAudioTrackSwitched:
		return "audio_track_switched"
	case EventFragmentLoaded:
		return "fragment_loaded"
	case EventFrameRendered:
		return "frame_rendered"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a backend notification.
type Event struct {
	Kind EventKind

	// EventManifestParsed
	Levels       []models.QualityLevel
	AudioTracks  []models.AudioTrack
	DefaultAudio string
	KeySystem    string
	Live         bool
	// Refreshed marks a live manifest reload that changed the renditions.
	Refreshed bool

	// EventLevelSwitched, EventFragmentLoaded
	Level int
	// EventAudioTrackSwitched
	AudioTrack string

	// EventFragmentLoaded
	Sequence int
	Duration time.Duration
	Bytes    int

	// EventError
	Err *Error
}

// Handler receives backend events on the session loop.
type Handler func(Event)

// ErrorKind classifies backend failures.
type ErrorKind int

// Error kinds.
const (
	ErrorNetwork ErrorKind = iota
	ErrorMedia
	ErrorOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorMedia:
		return "media"
	default:
		return "other"
	}
}

// Error is a backend failure. Non-fatal errors are informational; the
// backend keeps loading. Fatal errors stop loading until a recovery hook runs.
type Error struct {
	Kind    ErrorKind
	Fatal   bool
	Details string
	Err     error
}

func (e *Error) Error() string {
	severity := "non-fatal"
	if e.Fatal {
		severity = "fatal"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s error (%s): %v", severity, e.Kind, e.Details, e.Err)
	}
	return fmt.Sprintf("%s %s error (%s)", severity, e.Kind, e.Details)
}

func (e *Error) Unwrap() error { return e.Err }

// Options carries the collaborators and tuning every backend receives.
type Options struct {
	Scheduler loop.Scheduler
	Client    *httpclient.Client
	Logger    *slog.Logger

	Decryption *models.DecryptionDescriptor

	// MaxManifestBytes bounds playlist and MPD documents.
	MaxManifestBytes int64
	// LiveSyncSegments is how many segments behind the live edge loading starts.
	LiveSyncSegments int
	// MaxBuffer is how far ahead of the playhead loading runs.
	MaxBuffer time.Duration
	// ManifestTimeout bounds a single manifest request.
	ManifestTimeout time.Duration
	// MaxDecodeErrors is how many consecutive undecodable fragments become fatal.
	MaxDecodeErrors int
	// Clock is used for live edge computation; defaults to time.Now.
	Clock func() time.Time
}

// Default tuning, matching a low-latency live profile.
const (
	DefaultMaxManifestBytes = 4 << 20
	DefaultLiveSyncSegments = 3
	DefaultMaxBuffer        = 30 * time.Second
	DefaultManifestTimeout  = 10 * time.Second
	DefaultMaxDecodeErrors  = 3
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Client == nil {
		o.Client = httpclient.NewWithDefaults()
	}
	if o.MaxManifestBytes <= 0 {
		o.MaxManifestBytes = DefaultMaxManifestBytes
	}
	if o.LiveSyncSegments <= 0 {
		o.LiveSyncSegments = DefaultLiveSyncSegments
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = DefaultMaxBuffer
	}
	if o.ManifestTimeout <= 0 {
		o.ManifestTimeout = DefaultManifestTimeout
	}
	if o.MaxDecodeErrors <= 0 {
		o.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

var backendSeq atomic.Uint64

// emitter delivers events on the scheduler and drops them after detach.
type emitter struct {
	sched    loop.Scheduler
	mu       sync.Mutex
	handlers map[EventKind][]Handler
	detached atomic.Bool
}

func newEmitter(sched loop.Scheduler) *emitter {
	return &emitter{sched: sched, handlers: make(map[EventKind][]Handler)}
}

func (e *emitter) on(kind EventKind, h Handler) {
	if e.detached.Load() {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], h)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	if e.detached.Load() {
		return
	}
	e.sched.Post(func() {
		if e.detached.Load() {
			return
		}
		e.mu.Lock()
		hs := append([]Handler(nil), e.handlers[EventAny]...)
		hs = append(hs, e.handlers[ev.Kind]...)
		e.mu.Unlock()
		for _, h := range hs {
			if e.detached.Load() {
				return
			}
			h(ev)
		}
	})
}

func (e *emitter) emitError(kind ErrorKind, fatal bool, details string, err error) {
	e.emit(Event{Kind: EventError, Err: &Error{Kind: kind, Fatal: fatal, Details: details, Err: err}})
}

func (e *emitter) detach() {
	e.detached.Store(true)
	e.mu.Lock()
	e.handlers = make(map[EventKind][]Handler)
	e.mu.Unlock()
}

// classifyFetchError maps a fetch failure onto an error kind.
func classifyFetchError(err error) ErrorKind {
	var statusErr *httpclient.StatusError
	switch {
	case errors.As(err, &statusErr):
		return ErrorNetwork
	case errors.Is(err, httpclient.ErrBodyTooLarge):
		return ErrorOther
	default:
		return ErrorNetwork
	}
}
