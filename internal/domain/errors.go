package domain

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by adapters when the change system responds with HTTP 401.
// Callers can check for it using errors.Is to trigger token refresh.
var ErrUnauthorized = errors.New("unauthorized")

// ErrUnreachable is returned when the change system cannot be reached or answers
// with a non-OK status. Gates apply the unit's tolerate/fail policy to it.
var ErrUnreachable = errors.New("change system unreachable")

// ErrUnknownToken is returned when a callback names a token that was never
// registered or has already been consumed.
var ErrUnknownToken = errors.New("unknown or consumed token")

// ErrMalformedDecision is returned when a decision payload cannot be parsed.
// A malformed decision is never treated as an approval.
var ErrMalformedDecision = errors.New("malformed decision payload")

// Failure reasons carried by GateError.
const (
	ReasonNotApproved = "not approved"
	ReasonCanceled    = "canceled"
	ReasonTimedOut    = "timed out"
	ReasonError       = "change control error"
)

// GateError fails a governed execution path.
type GateError struct {
	Reason   string
	Comments string
}

func (e *GateError) Error() string {
	if e.Comments == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Comments)
}
