// Package presentation manages fullscreen and orientation for a player.
package presentation

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrFullscreenUnsupported is returned when no fullscreen entry point exists.
var ErrFullscreenUnsupported = errors.New("fullscreen not supported")

// Fullscreen entry point names, in probe order.
const (
	EntryStandard = "standard"
	EntryWebkit   = "webkit"
	EntryMoz      = "moz"
	EntryMS       = "ms"
)

var entryOrder = []string{EntryStandard, EntryWebkit, EntryMoz, EntryMS}

// DefaultNarrowViewport is the width in pixels below which fullscreen also
// locks landscape orientation.
const DefaultNarrowViewport = 768

// OrientationLandscape is the orientation locked on narrow viewports.
const OrientationLandscape = "landscape"

// FullscreenEntry is one vendor-specific way in and out of fullscreen.
type FullscreenEntry interface {
	Request() error
	Exit() error
}

// Platform is the display capability probe.
type Platform interface {
	// FullscreenEntry returns the named entry point when the platform has it.
	FullscreenEntry(name string) (FullscreenEntry, bool)
	// LockOrientation locks the screen orientation.
	LockOrientation(orientation string) error
	// UnlockOrientation releases an orientation lock.
	UnlockOrientation() error
	// ViewportWidth returns the viewport width in CSS pixels.
	ViewportWidth() int
	// OnFullscreenChange registers fn and returns a function removing it.
	OnFullscreenChange(fn func(active bool)) (remove func())
}

// Config configures a Controller.
type Config struct {
	NarrowViewport int
	// Dispatch runs platform callbacks on the owner's loop. Nil runs them inline.
	Dispatch func(func())
	Logger   *slog.Logger
}

// Controller toggles fullscreen. It is confined to the session loop.
type Controller struct {
	platform Platform
	config   Config
	logger   *slog.Logger

	entry     FullscreenEntry
	entryName string

	active         bool
	locked         bool
	lastOrientErr  error
	removeListener func()
}

// New creates a controller for platform.
func New(platform Platform, config Config) *Controller {
	if config.NarrowViewport <= 0 {
		config.NarrowViewport = DefaultNarrowViewport
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Dispatch == nil {
		config.Dispatch = func(fn func()) { fn() }
	}
	return &Controller{
		platform: platform,
		config:   config,
		logger:   config.Logger.With(slog.String("component", "presentation")),
	}
}

// Mount registers the fullscreen-change listener. Mounting twice keeps one.
func (c *Controller) Mount() {
	if c.removeListener != nil {
		return
	}
	c.removeListener = c.platform.OnFullscreenChange(func(active bool) {
		c.config.Dispatch(func() { c.onChange(active) })
	})
}

// Detach removes the listener and leaves fullscreen and any lock in place,
// so a source change keeps the player fullscreen.
func (c *Controller) Detach() {
	if c.removeListener != nil {
		c.removeListener()
		c.removeListener = nil
	}
}

// Unmount leaves fullscreen, releases the lock and removes the listener.
func (c *Controller) Unmount() {
	c.Detach()
	if c.active && c.entry != nil {
		if err := c.entry.Exit(); err != nil {
			c.logger.Debug("exit fullscreen on unmount failed", slog.String("error", err.Error()))
		}
	}
	c.active = false
	c.releaseLock()
}

// Entry returns the name of the entry point in use after probing.
func (c *Controller) Entry() string {
	if c.entry == nil {
		c.probe()
	}
	return c.entryName
}

func (c *Controller) probe() FullscreenEntry {
	if c.entry != nil {
		return c.entry
	}
	for _, name := range entryOrder {
		if e, ok := c.platform.FullscreenEntry(name); ok {
			c.entry, c.entryName = e, name
			return e
		}
	}
	return nil
}

// Active reports whether the player is fullscreen.
func (c *Controller) Active() bool { return c.active }

// Locked reports whether an orientation lock is held.
func (c *Controller) Locked() bool { return c.locked }

// LastOrientationError returns the most recent orientation failure.
func (c *Controller) LastOrientationError() error { return c.lastOrientErr }

// Enter requests fullscreen and, on a narrow viewport, a landscape lock.
// Orientation failures are recorded, never returned.
func (c *Controller) Enter() error {
	if c.active {
		return nil
	}
	e := c.probe()
	if e == nil {
		return ErrFullscreenUnsupported
	}
	if err := e.Request(); err != nil {
		return fmt.Errorf("requesting %s fullscreen: %w", c.entryName, err)
	}
	c.active = true

	if width := c.platform.ViewportWidth(); width < c.config.NarrowViewport {
		if err := c.platform.LockOrientation(OrientationLandscape); err != nil {
			c.lastOrientErr = err
			c.logger.Debug("orientation lock failed",
				slog.Int("viewport_width", width),
				slog.String("error", err.Error()))
		} else {
			c.locked = true
		}
	}
	return nil
}

// Exit leaves fullscreen and releases any orientation lock.
func (c *Controller) Exit() error {
	if !c.active {
		return nil
	}
	c.active = false
	c.releaseLock()
	if err := c.entry.Exit(); err != nil {
		return fmt.Errorf("exiting %s fullscreen: %w", c.entryName, err)
	}
	return nil
}

// Set enters or exits fullscreen.
func (c *Controller) Set(active bool) error {
	if active {
		return c.Enter()
	}
	return c.Exit()
}

func (c *Controller) onChange(active bool) {
	if active {
		c.active = true
		return
	}
	if !c.active {
		return
	}
	// The platform left fullscreen on its own, e.g. the escape key.
	c.active = false
	c.releaseLock()
}

func (c *Controller) releaseLock() {
	if !c.locked {
		return
	}
	c.locked = false
	if err := c.platform.UnlockOrientation(); err != nil {
		c.lastOrientErr = err
		c.logger.Debug("orientation unlock failed", slog.String("error", err.Error()))
	}
}
