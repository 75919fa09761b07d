package models

import (
	"fmt"
	"time"
)

// AutoLevel is the quality index that delegates selection to the backend.
const AutoLevel = -1

// QualityLevel is one selectable rendition. Index is the backend's level index
// and is only stable for the manifest it came from.
type QualityLevel struct {
	Index              int    `json:"index"`
	VerticalResolution int    `json:"vertical_resolution,omitempty"`
	BitrateBps         int64  `json:"bitrate_bps"`
	Label              string `json:"label"`
}

// QualityLabel formats the menu label for a rendition.
func QualityLabel(height int, bitrate int64) string {
	if height > 0 {
		return fmt.Sprintf("%dp", height)
	}
	if bitrate > 0 {
		return fmt.Sprintf("%d kbps", bitrate/1000)
	}
	return "unknown"
}

// AudioTrack is one selectable audio rendition.
type AudioTrack struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	IsActive bool   `json:"is_active"`
}

// SessionState is the single state of a playback session.
type SessionState int

// Session states.
const (
	StateIdle SessionState = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStalled
	StateRecovering
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStalled:
		return "stalled"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *SessionState) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSessionState returns the state with the given name.
func ParseSessionState(name string) (SessionState, error) {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown session state %q", name)
}

// RetryBudget bounds automatic recovery. AttemptsMade never exceeds MaxAttempts.
type RetryBudget struct {
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Backoff      time.Duration `json:"backoff"`
}

// Exhausted reports whether no attempt is left.
func (b RetryBudget) Exhausted() bool {
	return b.AttemptsMade >= b.MaxAttempts
}

// Remaining returns the number of attempts left.
func (b RetryBudget) Remaining() int {
	if b.Exhausted() {
		return 0
	}
	return b.MaxAttempts - b.AttemptsMade
}
