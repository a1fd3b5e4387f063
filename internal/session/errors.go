package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures for observers deciding whether
// a retry could help.
type ErrorKind string

const (
	// KindDeviceUnavailable: capture device could not be opened; start
	// again once the device is back.
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	// KindDeviceFailure: the device died mid-session.
	KindDeviceFailure ErrorKind = "device_failure"
	// KindTransportInitFailed: the sink stream could not be opened.
	KindTransportInitFailed ErrorKind = "transport_init_failed"
	// KindTransportFailure: delivery broke mid-session.
	KindTransportFailure ErrorKind = "transport_failure"
	// KindFlushTimeout: finalize did not confirm every chunk in time.
	// The recording up to the last acknowledged chunk is still usable,
	// so there is nothing to retry.
	KindFlushTimeout ErrorKind = "flush_timeout"
	// KindInvalidTransition: command rejected in the current state.
	// Local and synchronous, never published as a session fault.
	KindInvalidTransition ErrorKind = "invalid_transition"
)

// Retryable reports whether starting a fresh session may succeed after
// a failure of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindDeviceUnavailable, KindDeviceFailure, KindTransportInitFailed, KindTransportFailure:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition marks synchronous command rejections.
var ErrInvalidTransition = errors.New("invalid transition")

// Error couples a failure kind with its underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the session error kind, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	if errors.Is(err, ErrInvalidTransition) {
		return KindInvalidTransition, true
	}
	return "", false
}

func kindError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func rejection(state, command string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, command, state)
}
