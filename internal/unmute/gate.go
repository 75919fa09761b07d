// Package unmute implements the muted-autoplay handshake: playback starts
// muted behind an overlay and the first user gesture unmutes it.
package unmute

import (
	"log/slog"
)

// Sink is the part of the media sink the gate drives.
type Sink interface {
	Muted() bool
	SetMuted(muted bool)
	GrantUserActivation()
}

// Gate tracks the unmute overlay for one player. Call it from the session loop.
type Gate struct {
	sink   Sink
	logger *slog.Logger

	overlay   bool
	awaiting  bool
	activated bool
}

// New creates a gate for sink.
func New(sink Sink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{sink: sink, logger: logger.With(slog.String("component", "unmute_gate"))}
}

// Arm prepares a new mount. Until the user has interacted once, playback
// starts muted with the overlay shown; activation survives remounts.
func (g *Gate) Arm() {
	g.awaiting = false
	if g.activated {
		g.overlay = false
		return
	}
	g.sink.SetMuted(true)
	g.overlay = true
}

// Blocked records an autoplay rejection. Playback waits for a gesture.
func (g *Gate) Blocked() {
	if !g.awaiting {
		g.logger.Info("autoplay blocked, waiting for user gesture")
	}
	g.awaiting = true
	g.overlay = true
}

// Gesture handles a user interaction: it grants activation, unmutes and hides
// the overlay. It reports whether playback was waiting on the gesture and
// should be resumed.
func (g *Gate) Gesture() bool {
	g.sink.GrantUserActivation()
	g.sink.SetMuted(false)
	g.activated = true
	g.overlay = false

	resume := g.awaiting
	g.awaiting = false
	g.logger.Debug("user gesture", slog.Bool("resume", resume))
	return resume
}

// ShowOverlay reports whether the unmute overlay should be displayed.
func (g *Gate) ShowOverlay() bool { return g.overlay }

// AwaitingGesture reports whether playback is blocked on a gesture.
func (g *Gate) AwaitingGesture() bool { return g.awaiting }

// Muted reports the sink's mute state.
func (g *Gate) Muted() bool { return g.sink.Muted() }
