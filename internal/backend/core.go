package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/playarr/internal/media"
)

// core holds what every backend shares: sink ownership, event delivery and a
// single cancellable loader goroutine.
type core struct {
	opts   Options
	logger *slog.Logger
	events *emitter
	id     string
	family Family

	mu        sync.Mutex
	sink      media.Sink
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool

	// onSinkError receives native engine failures; set by backends that use
	// media.Sink.SetSource.
	onSinkError func(error)
}

func newCore(family Family, opts Options) *core {
	opts = opts.withDefaults()
	id := fmt.Sprintf("%s-%d", family, backendSeq.Add(1))
	return &core{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "backend"), slog.String("backend", id)),
		events: newEmitter(opts.Scheduler),
		id:     id,
		family: family,
	}
}

// Family implements Backend.
func (c *core) Family() Family { return c.family }

// On implements Backend.
func (c *core) On(kind EventKind, h Handler) { c.events.on(kind, h) }

// Attach implements Backend.
func (c *core) Attach(sink media.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}

	err := sink.Claim(c.id, media.Listener{
		OnFrame: func() { c.events.emit(Event{Kind: EventFrameRendered}) },
		OnError: func(err error) {
			if c.onSinkError != nil {
				c.onSinkError(err)
			}
		},
	})
	if err != nil {
		return err
	}
	c.sink = sink
	return nil
}

func (c *core) attachedSink() (media.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if c.sink == nil {
		return nil, ErrNotAttached
	}
	return c.sink, nil
}

// feed reports decoded media up to pos to the sink.
func (c *core) feed(pos time.Duration) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.Feed(c.id, pos)
	}
}

// run replaces the loader goroutine with fn. The previous loader is cancelled
// and waited for, so at most one runs at a time.
func (c *core) run(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// stopLoader cancels the loader and waits for it to exit.
func (c *core) stopLoader() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// destroy detaches handlers first so nothing queued reaches the session, then
// stops loading and releases the sink.
func (c *core) destroy() {
	c.events.detach()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.stopLoader()

	c.mu.Lock()
	sink := c.sink
	c.sink = nil
	c.mu.Unlock()
	if sink != nil {
		sink.Release(c.id)
	}
	c.logger.Debug("backend destroyed")
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// waitForBufferRoom blocks while the sink holds more than max ahead of the playhead.
func (c *core) waitForBufferRoom(ctx context.Context, sink media.Sink, max time.Duration) bool {
	for sink.BufferAhead() > max {
		if !sleep(ctx, 250*time.Millisecond) {
			return false
		}
	}
	return ctx.Err() == nil
}

// awaitEnd emits EventEnded once the playhead reaches end.
func (c *core) awaitEnd(ctx context.Context, sink media.Sink, end time.Duration) {
	for sink.CurrentTime() < end-100*time.Millisecond {
		if !sleep(ctx, 250*time.Millisecond) {
			return
		}
	}
	c.events.emit(Event{Kind: EventEnded})
}
