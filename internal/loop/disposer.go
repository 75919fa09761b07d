package loop

import (
	"sync"
	"time"
)

// Disposer tracks every timer and cleanup a session creates so teardown can
// release them at once. After Dispose, new timers are refused (stopped
// immediately) and new cleanups run immediately.
type Disposer struct {
	sched Scheduler

	mu       sync.Mutex
	timers   map[*trackedTimer]struct{}
	cleanups []func()
	disposed bool
}

// NewDisposer creates a disposer scheduling on sched.
func NewDisposer(sched Scheduler) *Disposer {
	return &Disposer{
		sched:  sched,
		timers: make(map[*trackedTimer]struct{}),
	}
}

type trackedTimer struct {
	d     *Disposer
	inner Timer
}

func (t *trackedTimer) Stop() bool {
	t.d.untrack(t)
	if t.inner == nil {
		return false
	}
	return t.inner.Stop()
}

// AfterFunc schedules a tracked one-shot timer.
func (d *Disposer) AfterFunc(delay time.Duration, fn func()) Timer {
	t := &trackedTimer{d: d}
	if !d.track(t) {
		return t
	}
	t.inner = d.sched.AfterFunc(delay, func() {
		d.untrack(t)
		fn()
	})
	return t
}

// Every schedules a tracked periodic timer.
func (d *Disposer) Every(period time.Duration, fn func()) Timer {
	t := &trackedTimer{d: d}
	if !d.track(t) {
		return t
	}
	t.inner = d.sched.Every(period, fn)
	return t
}

// Defer registers a cleanup run on Dispose, in reverse registration order.
func (d *Disposer) Defer(fn func()) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return
	}
	d.cleanups = append(d.cleanups, fn)
	d.mu.Unlock()
}

// Dispose stops all tracked timers and runs cleanups. It is idempotent.
func (d *Disposer) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	timers := d.timers
	d.timers = make(map[*trackedTimer]struct{})
	cleanups := d.cleanups
	d.cleanups = nil
	d.mu.Unlock()

	for t := range timers {
		if t.inner != nil {
			t.inner.Stop()
		}
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Disposed reports whether Dispose has run.
func (d *Disposer) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Active returns the number of live tracked timers.
func (d *Disposer) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Disposer) track(t *trackedTimer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return false
	}
	d.timers[t] = struct{}{}
	return true
}

func (d *Disposer) untrack(t *trackedTimer) {
	d.mu.Lock()
	delete(d.timers, t)
	d.mu.Unlock()
}
