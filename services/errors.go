package services

import (
	"fmt"
	"time"
)

// PreconditionFailedError signals that a referenced aggregate is not in a
// usable state, e.g. identity not active or garment not ready.
type PreconditionFailedError struct {
	Message string
}

func (e *PreconditionFailedError) Error() string {
	return e.Message
}

// VendorError is a non retryable failure from the generation API. Code,
// message and type are surfaced verbatim.
type VendorError struct {
	Code    int
	Message string
	Type    string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor error %d (%s): %s", e.Code, e.Type, e.Message)
}

// TransientError wraps a timeout or network failure that is worth
// retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient generation error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RateLimitedError is an explicit deny from the rate limiter. It carries
// the remaining quota and the time until the window resets so callers can
// schedule a retry instead of failing.
type RateLimitedError struct {
	Remaining int
	ResetIn   time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d requests remaining, resets in %s", e.Remaining, e.ResetIn.Round(time.Second))
}
