package errors

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind is the failure taxonomy shared by clients and the retry engine.
type FailureKind string

const (
	KindTransient          FailureKind = "transient"
	KindRateLimited        FailureKind = "rate_limited"
	KindQuotaExhausted     FailureKind = "quota_exhausted"
	KindPermanentContent   FailureKind = "permanent_content"
	KindPermanentTechnical FailureKind = "permanent_technical"
	KindInvariantViolation FailureKind = "invariant_violation"
)

/*
ClassifiedError wraps a failure from an external call with its taxonomy kind.
Clients classify at the edge (HTTP status, provider error body) so the retry
engine never has to guess from message text.
	- ResetIn is only meaningful for KindRateLimited: the provider-signaled
	  cooldown, zero when the provider gave no hint.
*/
type ClassifiedError struct {
	Kind    FailureKind
	Err     error
	ResetIn time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

func RateLimited(err error, resetIn time.Duration) error {
	return &ClassifiedError{Kind: KindRateLimited, Err: err, ResetIn: resetIn}
}

func QuotaExhausted(err error) error {
	return &ClassifiedError{Kind: KindQuotaExhausted, Err: err}
}

func PermanentContent(err error) error {
	return &ClassifiedError{Kind: KindPermanentContent, Err: err}
}

func PermanentTechnical(err error) error {
	return &ClassifiedError{Kind: KindPermanentTechnical, Err: err}
}

func InvariantViolation(err error) error {
	return &ClassifiedError{Kind: KindInvariantViolation, Err: err}
}

// Classify extracts the taxonomy kind from an error chain.
// Unclassified errors default to transient: the caller cannot distinguish a
// network blip from anything worse, and a bounded retry is the safe reading.
func Classify(err error) FailureKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// ResetHint returns the provider-signaled cooldown for rate-limited failures.
func ResetHint(err error) (time.Duration, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Kind == KindRateLimited && ce.ResetIn > 0 {
		return ce.ResetIn, true
	}
	return 0, false
}
