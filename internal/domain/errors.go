package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrNotLinked       = errors.New("user is not linked to an external account")
	ErrUnknownRank     = errors.New("unknown rank value")
	ErrRunInProgress   = errors.New("an update run is already in progress")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
	ErrMemberNotFound  = errors.New("member not found in guild")
	ErrPermission      = errors.New("missing permission to modify member roles")
	ErrUsernameInvalid = errors.New("external username not found")
)

// AdapterErrorKind classifies failures from the rank source adapter.
type AdapterErrorKind string

const (
	AdapterNotFound    AdapterErrorKind = "not_found"
	AdapterRateLimited AdapterErrorKind = "rate_limited"
	AdapterTransient   AdapterErrorKind = "transient"
	AdapterFatal       AdapterErrorKind = "fatal"
)

// AdapterError is a typed failure from the rank source adapter.
// RetryAfter is only meaningful for AdapterRateLimited.
type AdapterError struct {
	Kind       AdapterErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rank source %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("rank source %s", e.Kind)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError wraps err with an adapter failure classification.
func NewAdapterError(kind AdapterErrorKind, err error) *AdapterError {
	return &AdapterError{Kind: kind, Err: err}
}

// AdapterErrorOf extracts an AdapterError from err, if present.
func AdapterErrorOf(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsAdapterKind reports whether err is an adapter failure of the given kind.
func IsAdapterKind(err error, kind AdapterErrorKind) bool {
	ae, ok := AdapterErrorOf(err)
	return ok && ae.Kind == kind
}

// ValidationError is returned when a username fails link validation.
// Suggestions carries nearest matches from the recent-username cache.
type ValidationError struct {
	Username    string
	Suggestions []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("username %q not found", e.Username)
}

func (e *ValidationError) Unwrap() error {
	return ErrUsernameInvalid
}
