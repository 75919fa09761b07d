package presentation

import (
	"errors"
	"sync"
)

// ErrOrientationUnsupported is what Virtual returns for orientation calls when
// built without orientation support.
var ErrOrientationUnsupported = errors.New("screen orientation lock not supported")

// Virtual is an in-memory display for the headless engine and tests.
type Virtual struct {
	mu          sync.Mutex
	width       int
	entries     map[string]bool
	orientation bool
	fullscreen  bool
	locked      string
	listeners   map[int]func(bool)
	nextID      int
	requests    []string
}

// NewVirtual creates a display of the given width exposing the named
// fullscreen entries. With orientation false, lock calls fail.
func NewVirtual(width int, orientation bool, entries ...string) *Virtual {
	v := &Virtual{
		width:       width,
		entries:     make(map[string]bool, len(entries)),
		orientation: orientation,
		listeners:   make(map[int]func(bool)),
	}
	for _, e := range entries {
		v.entries[e] = true
	}
	return v
}

type virtualEntry struct {
	v    *Virtual
	name string
}

func (e virtualEntry) Request() error {
	e.v.mu.Lock()
	e.v.requests = append(e.v.requests, e.name)
	e.v.mu.Unlock()
	e.v.setFullscreen(true)
	return nil
}

func (e virtualEntry) Exit() error {
	e.v.setFullscreen(false)
	return nil
}

// FullscreenEntry implements Platform.
func (v *Virtual) FullscreenEntry(name string) (FullscreenEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.entries[name] {
		return nil, false
	}
	return virtualEntry{v: v, name: name}, true
}

// LockOrientation implements Platform.
func (v *Virtual) LockOrientation(orientation string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.orientation {
		return ErrOrientationUnsupported
	}
	v.locked = orientation
	return nil
}

// UnlockOrientation implements Platform.
func (v *Virtual) UnlockOrientation() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.orientation {
		return ErrOrientationUnsupported
	}
	v.locked = ""
	return nil
}

// ViewportWidth implements Platform.
func (v *Virtual) ViewportWidth() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.width
}

// SetViewportWidth resizes the display.
func (v *Virtual) SetViewportWidth(width int) {
	v.mu.Lock()
	v.width = width
	v.mu.Unlock()
}

// OnFullscreenChange implements Platform.
func (v *Virtual) OnFullscreenChange(fn func(bool)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

// UserExit simulates the platform leaving fullscreen without the player
// asking, such as the escape key.
func (v *Virtual) UserExit() {
	v.setFullscreen(false)
}

func (v *Virtual) setFullscreen(active bool) {
	v.mu.Lock()
	if v.fullscreen == active {
		v.mu.Unlock()
		return
	}
	v.fullscreen = active
	fns := make([]func(bool), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(active)
	}
}

// Fullscreen reports whether the display is fullscreen.
func (v *Virtual) Fullscreen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fullscreen
}

// LockedOrientation returns the held orientation lock, empty when unlocked.
func (v *Virtual) LockedOrientation() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.locked
}

// Listeners returns the number of registered fullscreen-change listeners.
func (v *Virtual) Listeners() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.listeners)
}

// Requests returns the entry names used to request fullscreen, in order.
func (v *Virtual) Requests() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.requests...)
}
