// Package hubcore holds the error taxonomy shared by every component of the
// core: the cast output hub, the WebSocket v3 hub, ownership, and the
// session monitor all report failures through the same HubError shape so
// they can be turned into ERROR frames without per-package translation.
package hubcore

import "fmt"

// ErrorCode classifies a HubError per the error taxonomy.
type ErrorCode string

const (
	// ErrNotFound covers session paths or session state that isn't there.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrIOFailure covers transient read/write errors during history replay or live tail.
	ErrIOFailure ErrorCode = "IO_FAILURE"
	// ErrProtocol covers malformed client frames.
	ErrProtocol ErrorCode = "PROTOCOL"
	// ErrUpstreamUnavailable covers a failed or timed-out remote handshake.
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	// ErrFatal covers a cast file that shrank or disappeared under an active tail.
	ErrFatal ErrorCode = "FATAL"
)

// HubError is an error with a taxonomy code and the session it concerns.
type HubError struct {
	Message   string
	Code      ErrorCode
	SessionID string
	Cause     error
}

func (e *HubError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session: %s, code: %s)", e.Message, e.SessionID, e.Code)
	}
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

func (e *HubError) Unwrap() error {
	return e.Cause
}

// New creates a HubError with no underlying cause.
func New(message string, code ErrorCode, sessionID string) *HubError {
	return &HubError{Message: message, Code: code, SessionID: sessionID}
}

// Wrap attaches taxonomy and session context to an existing error.
func Wrap(err error, code ErrorCode, sessionID string) *HubError {
	if err == nil {
		return nil
	}
	if he, ok := err.(*HubError); ok {
		return &HubError{Message: he.Message, Code: code, SessionID: sessionID, Cause: he}
	}
	return &HubError{Message: err.Error(), Code: code, SessionID: sessionID, Cause: err}
}

// Is reports whether err is a HubError with the given code.
func Is(err error, code ErrorCode) bool {
	he, ok := err.(*HubError)
	return ok && he.Code == code
}

// NotFound builds the standard "session not found" error.
func NotFound(sessionID string) *HubError {
	return New(fmt.Sprintf("session %s not found", sessionID), ErrNotFound, sessionID)
}

// Fatal builds the standard "cast file shrank or disappeared" error.
func Fatal(sessionID string, cause error) *HubError {
	return &HubError{
		Message:   "cast file shrank or was removed under an active tail",
		Code:      ErrFatal,
		SessionID: sessionID,
		Cause:     cause,
	}
}
