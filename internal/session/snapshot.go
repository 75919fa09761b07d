package session

import (
	"time"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/recovery"
)

// Snapshot is an immutable view of the player for renderers.
type Snapshot struct {
	Version   uint64                 `json:"version"`
	SessionID string                 `json:"session_id,omitempty"`
	Source    *models.PlaybackSource `json:"source,omitempty"`
	Backend   backend.Family         `json:"backend,omitempty"`

	State models.SessionState `json:"state"`
	Ended bool                `json:"ended"`
	Live  bool                `json:"live"`
	// Unavailable raises the "stream unavailable" indicator until a remount.
	Unavailable bool   `json:"unavailable"`
	Error       string `json:"error,omitempty"`
	ErrorClass  string `json:"error_class,omitempty"`

	Budget   models.RetryBudget `json:"budget"`
	Position time.Duration      `json:"position"`

	Qualities       []models.QualityLevel `json:"qualities"`
	SelectedQuality int                   `json:"selected_quality"`
	PlayingQuality  int                   `json:"playing_quality"`
	ShowQualityMenu bool                  `json:"show_quality_menu"`
	AudioTracks     []models.AudioTrack   `json:"audio_tracks"`

	Muted             bool `json:"muted"`
	ShowUnmuteOverlay bool `json:"show_unmute_overlay"`
	AwaitingGesture   bool `json:"awaiting_gesture"`
	Fullscreen        bool `json:"fullscreen"`
}

// Summary describes a finished session.
type Summary struct {
	SessionID  string
	Source     models.PlaybackSource
	Backend    backend.Family
	FinalState models.SessionState
	ErrorClass string
	Error      string
	Attempts   int
	Stalls     int
	Bytes      int64
	StartedAt  time.Time
	EndedAt    time.Time
	Reason     string
}

// Observer receives session lifecycle notifications on the session loop.
// Implementations must not block.
type Observer interface {
	SessionStarted(id string, src models.PlaybackSource)
	StateChanged(id string, t recovery.Transition)
	RecoveryAttempted(id string, d recovery.Decision)
	FragmentLoaded(id string, family backend.Family, bytes int, d time.Duration)
	SessionEnded(s Summary)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) SessionStarted(string, models.PlaybackSource) {}
func (NopObserver) StateChanged(string, recovery.Transition) {}
func (NopObserver) RecoveryAttempted(string, recovery.Decision) {}
func (NopObserver) FragmentLoaded(string, backend.Family, int, time.Duration) {}
func (NopObserver) SessionEnded(Summary) {}
