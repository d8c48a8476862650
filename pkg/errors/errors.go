// Package apperrors defines the shared broker error taxonomy. Every concrete
// broker gateway maps its native failures into these sentinels so retry and
// lifecycle decisions stay broker-independent.
package apperrors

import (
	"context"
	"errors"
)

// Retryable broker failures: the operation may have succeeded server-side,
// so reconciliation remains the backstop after retries are exhausted.
var (
	ErrNetwork           = errors.New("network error")
	ErrTimeout           = errors.New("request timed out")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrBrokerMaintenance = errors.New("broker maintenance")
)

// Fatal broker failures: no retry, terminal immediately.
var (
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrOrderRejected        = errors.New("order rejected")
	ErrInvalidInstrument    = errors.New("invalid instrument")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidOrderParam    = errors.New("invalid order parameter")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrOrderNotFound        = errors.New("order not found")
)

// Core-level errors.
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrSubmissionsHalted     = errors.New("submissions halted")
	ErrAlreadyInFlight       = errors.New("execution already in flight")
)

// IsRetryable reports whether err is a transient broker failure that the
// backoff controller should retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrBrokerUnavailable),
		errors.Is(err, ErrBrokerMaintenance),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsFatal reports whether err must short-circuit to a terminal state with no
// retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidInstrument),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidOrderParam),
		errors.Is(err, ErrDuplicateOrder):
		return true
	}
	return false
}

// IsRejection reports whether err means the broker refused the order itself,
// as opposed to the submission attempt failing.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrInvalidInstrument) ||
		errors.Is(err, ErrInvalidOrderParam)
}
