package models

import (
	"errors"
	"fmt"
)

// Source validation errors.
var (
	// ErrURLRequired indicates a source without a URL.
	ErrURLRequired = errors.New("url is required")

	// ErrInvalidURL indicates a malformed or relative source URL.
	ErrInvalidURL = errors.New("invalid URL format")

	// ErrInvalidProtocolType indicates an unknown protocol type.
	ErrInvalidProtocolType = errors.New("invalid protocol type: must be 'segmented', 'manifestDescription', 'embedded' or empty")

	// ErrKeySystemRequired indicates a decryption descriptor without a key system.
	ErrKeySystemRequired = errors.New("decryption key_system is required")
)

// Playback errors surfaced to the session.
var (
	// ErrAutoplayBlocked is returned by the sink when the platform refuses to
	// start audible playback without a user gesture.
	ErrAutoplayBlocked = errors.New("autoplay blocked: user gesture required")

	// ErrLoadTimeout indicates no first frame rendered within the load window.
	ErrLoadTimeout = errors.New("load timeout: no frame rendered")

	// ErrSilentStall indicates the playback position stopped advancing.
	ErrSilentStall = errors.New("playback stalled")

	// ErrRetryBudgetExhausted is the terminal error of a failed session.
	ErrRetryBudgetExhausted = errors.New("stream unavailable: retry budget exhausted")

	// ErrPlayRejected indicates play attempts kept failing for reasons other
	// than the autoplay policy.
	ErrPlayRejected = errors.New("play rejected")
)

// ErrorClass is the recovery taxonomy for playback failures.
type ErrorClass int

// Error classes.
const (
	ClassUnclassified ErrorClass = iota
	ClassAutoplayBlocked
	ClassTransientNetwork
	ClassDecodeFault
	ClassLoadTimeout
	ClassRetryBudgetExhausted
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAutoplayBlocked:
		return "autoplay-blocked"
	case ClassTransientNetwork:
		return "transient-network"
	case ClassDecodeFault:
		return "decode-fault"
	case ClassLoadTimeout:
		return "load-timeout"
	case ClassRetryBudgetExhausted:
		return "retry-budget-exhausted"
	default:
		return "unclassified-fatal"
	}
}

// Terminal reports whether the class ends the session.
func (c ErrorClass) Terminal() bool {
	return c == ClassRetryBudgetExhausted
}

// SessionError is the terminal error exposed to renderers.
type SessionError struct {
	Class  ErrorClass
	Source string
	Err    error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Class, e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}
