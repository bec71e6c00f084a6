// Package apperr carries structured, user-facing failures. Each error has a
// Kind that decides the transport status and a stable Code callers branch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindInsufficientFunds
	KindPrecondition
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindPrecondition:
		return "precondition"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindPrecondition:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	// Status overrides Kind.HTTPStatus when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinels survive With and Wrap copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.HTTPStatus()
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	return &c
}

// With returns a copy carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	c := e.clone()
	c.Details[key] = value
	return c
}

// Withf returns a copy with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

func (e *Error) Wrap(err error) *Error {
	c := e.clone()
	c.Err = err
	return c
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidation          = New(KindValidation, "validation_failed", "invalid request")
	ErrNotFound            = New(KindNotFound, "not_found", "resource not found")
	ErrInternal            = New(KindInternal, "internal", "internal error")
	ErrAlreadyClaimed      = New(KindConflict, "already_claimed", "ride was already claimed by another driver")
	ErrInvalidTransition   = New(KindConflict, "invalid_transition", "ride is not in a state that allows this action")
	ErrNotAssigned         = New(KindConflict, "not_assigned", "ride is not assigned to this driver")
	ErrLockNotFound        = New(KindConflict, "lock_not_found", "no active fund lock for this ride")
	ErrDuplicatePayment    = New(KindConflict, "duplicate_payment", "payment was already captured")
	ErrInsufficientFunds   = New(KindInsufficientFunds, "insufficient_funds", "wallet balance is too low for this action")
	ErrWalletEmpty         = New(KindInsufficientFunds, "wallet_empty", "wallet is empty, add money to accept rides")
	ErrTooFarFromPickup    = New(KindPrecondition, "too_far_from_pickup", "driver is too far from the pickup point")
	ErrLocationUnavailable = New(KindPrecondition, "location_unavailable", "driver location is unknown")
	ErrPickupTimePassed    = New(KindPrecondition, "pickup_time_passed", "pickup time is in the past")

	ErrInvalidOrUsedOtp = &Error{Kind: KindConflict, Code: "invalid_or_used_otp", Message: "otp is invalid or was already used", Status: http.StatusBadRequest}
	ErrNotRideOwner     = &Error{Kind: KindConflict, Code: "not_ride_owner", Message: "only the ride owner may do this", Status: http.StatusForbidden}
)

func Validation(msg string) *Error { return ErrValidation.Withf("%s", msg) }

func NotFound(what string) *Error { return ErrNotFound.Withf("%s not found", what) }

// Internal wraps an infrastructure failure.
func Internal(err error) *Error { return ErrInternal.Wrap(err) }

// From extracts an *Error, treating anything else as internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
