// Package faults defines the error taxonomy shared by the store, the oracle
// and the engines: transient errors are retried, structural errors are
// skipped and counted, catastrophic errors abort a run.
package faults

import (
	"context"
	"errors"
)

// Transient
var (
	ErrRateLimited = errors.New("rate limited")
	ErrBusy        = errors.New("resource busy")
	ErrTimeout     = errors.New("call timed out")
)

// Structural
var (
	ErrNotFound  = errors.New("not found")
	ErrMalformed = errors.New("malformed")
)

// Catastrophic
var ErrUnavailable = errors.New("unavailable")

// Transient reports whether err is worth retrying with backoff.
// A per-call deadline counts as transient; cancellation of the caller's
// context does not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Structural reports whether err means the input itself is unusable
// (vanished node, bad proposal) and should be skipped.
func Structural(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}

// Catastrophic reports whether err should abort the whole run.
func Catastrophic(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
