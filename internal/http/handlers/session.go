// Package handlers provides the control API handlers for playarr.
package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/recovery"
	"github.com/jmylchreest/playarr/internal/session"
)

// Controller is the player surface the control API drives.
// *session.Player satisfies it.
type Controller interface {
	Mount(ctx context.Context, src models.PlaybackSource) error
	Unmount(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Gesture(ctx context.Context) error
	SelectQuality(ctx context.Context, index int) error
	SelectAudio(ctx context.Context, id string) error
	SetFullscreen(ctx context.Context, active bool) error
	History(ctx context.Context) ([]recovery.Transition, error)
	Refresh(ctx context.Context) (session.Snapshot, error)
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

var _ Controller = (*session.Player)(nil)

// SessionHandler handles the playback session endpoints.
type SessionHandler struct {
	player Controller
}

// NewSessionHandler creates a session handler for player.
func NewSessionHandler(player Controller) *SessionHandler {
	return &SessionHandler{player: player}
}

// SessionOutput returns the player snapshot after an operation.
type SessionOutput struct {
	Body session.Snapshot
}

// GetSessionInput is the input for reading the session.
type GetSessionInput struct{}

// MountInput is the input for mounting a source.
type MountInput struct {
	Body models.PlaybackSource
}

// UnmountInput is the input for unmounting.
type UnmountInput struct{}

// ControlInput is the input for bodiless controls.
type ControlInput struct{}

// SelectQualityInput pins a quality level.
type SelectQualityInput struct {
	Body struct {
		// Index is the level index, or -1 for Auto.
		Index int `json:"index" minimum:"-1" doc:"Quality level index, -1 selects Auto"`
	}
}

// SelectAudioInput switches the audio rendition.
type SelectAudioInput struct {
	Body struct {
		ID string `json:"id" minLength:"1" doc:"Audio track identifier"`
	}
}

// FullscreenInput toggles fullscreen.
type FullscreenInput struct {
	Body struct {
		Active bool `json:"active"`
	}
}

// TransitionsOutput lists recent state transitions.
type TransitionsOutput struct {
	Body struct {
		Transitions []recovery.Transition `json:"transitions"`
	}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      "GET",
		Path:        "/api/v1/session",
		Summary:     "Get session",
		Description: "Returns the current player snapshot with a fresh playback position",
		Tags:        []string{"Session"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "mountSource",
		Method:      "PUT",
		Path:        "/api/v1/session/source",
		Summary:     "Mount source",
		Description: "Plays a source, replacing whatever is mounted",
		Tags:        []string{"Session"},
	}, h.Mount)

	huma.Register(api, huma.Operation{
		OperationID: "unmountSource",
		Method:      "DELETE",
		Path:        "/api/v1/session",
		Summary:     "Unmount source",
		Description: "Stops playback and releases every session resource",
		Tags:        []string{"Session"},
	}, h.Unmount)

	huma.Register(api, huma.Operation{
		OperationID: "pauseSession",
		Method:      "POST",
		Path:        "/api/v1/session/pause",
		Summary:     "Pause playback",
		Tags:        []string{"Session"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "resumeSession",
		Method:      "POST",
		Path:        "/api/v1/session/resume",
		Summary:     "Resume playback",
		Description: "Resumes a paused session; an ended presentation replays from the start",
		Tags:        []string{"Session"},
	}, h.Resume)

	huma.Register(api, huma.Operation{
		OperationID: "sessionGesture",
		Method:      "POST",
		Path:        "/api/v1/session/gesture",
		Summary:     "Deliver user gesture",
		Description: "Unmutes playback and resumes a session blocked by the autoplay policy",
		Tags:        []string{"Session"},
	}, h.Gesture)

	huma.Register(api, huma.Operation{
		OperationID: "selectQuality",
		Method:      "PUT",
		Path:        "/api/v1/session/quality",
		Summary:     "Select quality",
		Tags:        []string{"Session"},
	}, h.SelectQuality)

	huma.Register(api, huma.Operation{
		OperationID: "selectAudio",
		Method:      "PUT",
		Path:        "/api/v1/session/audio",
		Summary:     "Select audio track",
		Tags:        []string{"Session"},
	}, h.SelectAudio)

	huma.Register(api, huma.Operation{
		OperationID: "setFullscreen",
		Method:      "PUT",
		Path:        "/api/v1/session/fullscreen",
		Summary:     "Enter or leave fullscreen",
		Tags:        []string{"Session"},
	}, h.SetFullscreen)

	huma.Register(api, huma.Operation{
		OperationID: "getSessionTransitions",
		Method:      "GET",
		Path:        "/api/v1/session/transitions",
		Summary:     "List state transitions",
		Description: "Returns the most recent state transitions of the session",
		Tags:        []string{"Session"},
	}, h.Transitions)
}

// Get returns the current snapshot.
func (h *SessionHandler) Get(ctx context.Context, _ *GetSessionInput) (*SessionOutput, error) {
	snap, err := h.player.Refresh(ctx)
	if err != nil {
		return nil, controlError(err)
	}
	return &SessionOutput{Body: snap}, nil
}

// Mount plays the given source.
func (h *SessionHandler) Mount(ctx context.Context, input *MountInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.Mount(ctx, input.Body) })
}

// Unmount stops playback.
func (h *SessionHandler) Unmount(ctx context.Context, _ *UnmountInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.Unmount(ctx) })
}

// Pause pauses playback.
func (h *SessionHandler) Pause(ctx context.Context, _ *ControlInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.Pause(ctx) })
}

// Resume resumes playback.
func (h *SessionHandler) Resume(ctx context.Context, _ *ControlInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.Resume(ctx) })
}

// Gesture delivers a user gesture.
func (h *SessionHandler) Gesture(ctx context.Context, _ *ControlInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.Gesture(ctx) })
}

// SelectQuality pins a quality level.
func (h *SessionHandler) SelectQuality(ctx context.Context, input *SelectQualityInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.SelectQuality(ctx, input.Body.Index) })
}

// SelectAudio switches the audio rendition.
func (h *SessionHandler) SelectAudio(ctx context.Context, input *SelectAudioInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.SelectAudio(ctx, input.Body.ID) })
}

// SetFullscreen enters or leaves fullscreen.
func (h *SessionHandler) SetFullscreen(ctx context.Context, input *FullscreenInput) (*SessionOutput, error) {
	return h.do(ctx, func() error { return h.player.SetFullscreen(ctx, input.Body.Active) })
}

// Transitions lists recent state transitions.
func (h *SessionHandler) Transitions(ctx context.Context, _ *GetSessionInput) (*TransitionsOutput, error) {
	ts, err := h.player.History(ctx)
	if err != nil {
		return nil, controlError(err)
	}
	out := &TransitionsOutput{}
	out.Body.Transitions = ts
	if out.Body.Transitions == nil {
		out.Body.Transitions = []recovery.Transition{}
	}
	return out, nil
}

func (h *SessionHandler) do(ctx context.Context, op func() error) (*SessionOutput, error) {
	if err := op(); err != nil {
		return nil, controlError(err)
	}
	return &SessionOutput{Body: h.player.Snapshot()}, nil
}

// controlError maps player errors onto HTTP problems.
func controlError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("player unavailable", err)
	case errors.Is(err, models.ErrURLRequired),
		errors.Is(err, models.ErrInvalidURL),
		errors.Is(err, models.ErrInvalidProtocolType),
		errors.Is(err, models.ErrKeySystemRequired):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, backend.ErrUnknownLevel), errors.Is(err, backend.ErrUnknownAudioTrack):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, session.ErrNotMounted),
		errors.Is(err, backend.ErrNotAttached),
		errors.Is(err, recovery.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, presentation.ErrFullscreenUnsupported),
		errors.Is(err, presentation.ErrOrientationUnsupported):
		return huma.Error501NotImplemented(err.Error())
	case errors.Is(err, models.ErrAutoplayBlocked):
		return huma.NewError(428, err.Error())
	default:
		return huma.Error500InternalServerError("player operation failed", err)
	}
}
