package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidWindow     = errors.New("invalid reservation window")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSlotConflict      = errors.New("requested slot is already booked")
	ErrInvalidTransition = errors.New("invalid reservation state transition")
	ErrNotFound          = errors.New("not found")
	ErrNotYetStartable   = errors.New("reservation window has not started")
	ErrWindowExpired     = errors.New("reservation window has ended")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("request timed out")
	ErrUnavailable       = errors.New("service unavailable")

	ErrNoteTooLong      = fmt.Errorf("%w: note too long", ErrInvalidRequest)
	ErrUnknownConnector = fmt.Errorf("%w: connector type not offered by station", ErrNotFound)
)

// Error codes shared by the HTTP and gRPC surfaces and the Go client.
const (
	CodeInvalidWindow     = "invalid_window"
	CodeInvalidRequest    = "invalid_request"
	CodeSlotConflict      = "slot_conflict"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeNotYetStartable   = "not_yet_startable"
	CodeWindowExpired     = "window_expired"
	CodeUnauthorized      = "unauthorized"
	CodeTimeout           = "timeout"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidWindow, CodeInvalidWindow},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrSlotConflict, CodeSlotConflict},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrNotFound, CodeNotFound},
	{ErrNotYetStartable, CodeNotYetStartable},
	{ErrWindowExpired, CodeWindowExpired},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrTimeout, CodeTimeout},
	{ErrUnavailable, CodeUnavailable},
}

// Code maps err to its stable wire code. nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode is the inverse of Code. Unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// IsDomain reports whether err is a user-displayable rejection rather than
// an infrastructure failure.
func IsDomain(err error) bool {
	switch Code(err) {
	case CodeInternal, CodeTimeout, CodeUnavailable, "":
		return false
	default:
		return true
	}
}
