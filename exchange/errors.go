package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation marks caller mistakes: bad asset, amount or address.
	ErrValidation        = errors.New("validation failed")
	ErrUnsupportedAsset  = errors.New("unsupported asset")
	ErrAmountOutOfBounds = errors.New("amount out of bounds")
	ErrInvalidIncrement  = errors.New("amount not a multiple of the minimum increment")
	ErrInvalidAddress    = errors.New("invalid receive address")

	ErrRateLimited         = errors.New("rate limited")
	ErrFraudBlocked        = errors.New("blocked by fraud policy")
	ErrNotFound            = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrVersionConflict is returned by a Store when a conditional update lost a race.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrDuplicateCode is returned by a Store when a generated order code is already taken.
	ErrDuplicateCode = errors.New("order code already exists")
)

// ValidationError describes a rejected input. It matches both ErrValidation
// and its specific Kind under errors.Is.
type ValidationError struct {
	Field  string
	Kind   error
	Detail string
}

func (e *ValidationError) Error() string {
	kind := ErrValidation
	if e.Kind != nil {
		kind = e.Kind
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Field, kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, kind, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Kind != nil && target == e.Kind)
}

// RateLimitedError is an admission denial from the sliding-window limiter.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s scope, retry after %s", e.Scope, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// FraudBlockedError is an admission denial from the fraud scorer.
type FraudBlockedError struct {
	Score   int
	Reasons []string
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("blocked by fraud policy (score %d: %s)", e.Score, strings.Join(e.Reasons, ", "))
}

func (e *FraudBlockedError) Is(target error) bool { return target == ErrFraudBlocked }

// TransitionError reports a refused state change together with the order's
// actual status so clients can reconcile without another read.
type TransitionError struct {
	Code      string
	Current   string
	Attempted string
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("order %s: cannot move from %s to %s", e.Code, e.Current, e.Attempted)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotFoundError names the unknown order code.
func NotFoundError(code string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, code)
}
