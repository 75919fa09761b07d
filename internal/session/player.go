package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/health"
	"github.com/jmylchreest/playarr/internal/loop"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/recovery"
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	Sink     media.Sink
	Selector backend.SelectorConfig
	// Platform is the display; nil disables fullscreen.
	Platform       presentation.Platform
	NarrowViewport int

	Health         health.Config
	Recovery       recovery.Config
	PlayRetries    int
	PlayRetryDelay time.Duration
	Observers      []Observer
	Logger         *slog.Logger
}

// Player runs a Manager on its own loop goroutine. All methods are safe for
// concurrent use; control methods block until the loop has applied them.
type Player struct {
	loop     *loop.Loop
	mgr      *Manager
	selector *backend.Selector

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	subs    map[uint64]chan Snapshot
	nextSub uint64
	closed  bool
}

// NewPlayer creates a player. Run must be called before any control method.
func NewPlayer(config PlayerConfig) *Player {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	l := loop.New()
	p := &Player{loop: l, subs: make(map[uint64]chan Snapshot)}

	sc := config.Selector
	sc.Options.Scheduler = l
	if sc.Options.Logger == nil {
		sc.Options.Logger = config.Logger
	}
	p.selector = backend.NewSelector(sc)

	var present *presentation.Controller
	if config.Platform != nil {
		present = presentation.New(config.Platform, presentation.Config{
			NarrowViewport: config.NarrowViewport,
			Dispatch:       l.Post,
			Logger:         config.Logger,
		})
	}

	p.mgr = NewManager(Config{
		Scheduler:      l,
		Sink:           config.Sink,
		Selector:       p.selector,
		Presentation:   present,
		Health:         config.Health,
		Recovery:       config.Recovery,
		PlayRetries:    config.PlayRetries,
		PlayRetryDelay: config.PlayRetryDelay,
		Observers:      config.Observers,
		OnChange:       p.deliver,
		Logger:         config.Logger,
	})
	initial := p.mgr.Snapshot()
	p.snap.Store(&initial)
	return p
}

// Selector exposes the backend selector, e.g. to register extra factories
// before Run.
func (p *Player) Selector() *backend.Selector { return p.selector }

// Run executes the player loop until ctx is cancelled, then tears down the
// mounted session and closes every subscription.
func (p *Player) Run(ctx context.Context) error {
	err := p.loop.Run(ctx)
	// The loop has stopped; nothing else touches the manager now.
	p.mgr.Unmount()

	p.mu.Lock()
	p.closed = true
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	return err
}

func (p *Player) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := p.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// Mount plays src, replacing the current source.
func (p *Player) Mount(ctx context.Context, src models.PlaybackSource) error {
	return p.call(ctx, func() error { return p.mgr.Mount(src) })
}

// Unmount stops playback and returns to Idle.
func (p *Player) Unmount(ctx context.Context) error {
	return p.call(ctx, func() error { p.mgr.Unmount(); return nil })
}

// Pause pauses playback.
func (p *Player) Pause(ctx context.Context) error {
	return p.call(ctx, p.mgr.Pause)
}

// Resume resumes paused playback.
func (p *Player) Resume(ctx context.Context) error {
	return p.call(ctx, p.mgr.Resume)
}

// Gesture delivers a user interaction.
func (p *Player) Gesture(ctx context.Context) error {
	return p.call(ctx, func() error { p.mgr.Gesture(); return nil })
}

// SelectQuality pins a quality level; models.AutoLevel returns to Auto.
func (p *Player) SelectQuality(ctx context.Context, index int) error {
	return p.call(ctx, func() error { return p.mgr.SelectQuality(index) })
}

// SelectAudio switches the audio rendition.
func (p *Player) SelectAudio(ctx context.Context, id string) error {
	return p.call(ctx, func() error { return p.mgr.SelectAudio(id) })
}

// SetFullscreen enters or leaves fullscreen.
func (p *Player) SetFullscreen(ctx context.Context, active bool) error {
	return p.call(ctx, func() error { return p.mgr.SetFullscreen(active) })
}

// History returns recent state transitions.
func (p *Player) History(ctx context.Context) ([]recovery.Transition, error) {
	var out []recovery.Transition
	err := p.call(ctx, func() error { out = p.mgr.History(); return nil })
	return out, err
}

// Refresh publishes a fresh snapshot, updating the playback position.
func (p *Player) Refresh(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.call(ctx, func() error {
		p.mgr.publish()
		snap = *p.snap.Load()
		return nil
	})
	return snap, err
}

// Snapshot returns the latest published snapshot.
func (p *Player) Snapshot() Snapshot {
	return *p.snap.Load()
}

// Subscribe returns a channel receiving snapshots as they are published.
// Slow subscribers only see the latest snapshot. The returned function
// cancels the subscription.
func (p *Player) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	ch <- p.Snapshot()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *Player) deliver(s Snapshot) {
	p.snap.Store(&s)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
