package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnknown             = errors.New("unknown exchange state")
	ErrTransientNetwork    = errors.New("transient network error")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrVerificationTimeout = errors.New("fill verification timed out")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPhantomPosition     = errors.New("phantom position")
	ErrOrderRejected       = errors.New("order rejected")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrNotAllowed          = errors.New("not allowed")
	ErrCycleInProgress     = errors.New("cycle already in progress")
	ErrSigningFailed       = errors.New("signing failed")
	ErrLockHeld            = errors.New("lock held by another process")
)

// OrderRejectedError carries the exchange's reason for refusing an order.
// It matches ErrOrderRejected under errors.Is.
type OrderRejectedError struct {
	Code   int
	Reason string
}

func (e *OrderRejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order rejected: %s (code %d)", e.Reason, e.Code)
	}
	return "order rejected: " + e.Reason
}

func (e *OrderRejectedError) Is(target error) bool {
	return target == ErrOrderRejected
}

// IsTransient reports whether err should be treated as unknown rather than
// as negative evidence.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnknown)
}
