package settlement

import (
	"errors"
	"fmt"
)

// Normalized adapter errors. Provider-specific failure shapes are translated
// into these values at the adapter boundary and never leak past it.
var (
	// ErrDeclined indicates the issuer declined the authorization. The payer
	// may retry with another payment method.
	ErrDeclined = errors.New("settlement: payment declined")
	// ErrAuthRequired indicates the payer must complete an additional
	// authentication challenge before the authorization can succeed. Not a
	// terminal failure; retry with the same idempotency key afterwards.
	ErrAuthRequired = errors.New("settlement: additional authentication required")
	// ErrAlreadyCaptured indicates capture or cancel was attempted after a
	// capture already occurred for the reference.
	ErrAlreadyCaptured = errors.New("settlement: already captured")
	// ErrNotAuthorized indicates the hold expired or was never created.
	ErrNotAuthorized = errors.New("settlement: no active authorization")
	// ErrRefundExceedsCaptured indicates a refund amount above the captured
	// total.
	ErrRefundExceedsCaptured = errors.New("settlement: refund exceeds captured amount")
	// ErrInsufficientAllowance indicates the renter has not pre-approved the
	// escrow contract for the required amount. Recoverable by prompting an
	// approval step and retrying the same creation call.
	ErrInsufficientAllowance = errors.New("settlement: insufficient spending allowance")
	// ErrPickupNotConfirmed indicates a release was attempted before pickup
	// confirmation was recorded for the deal.
	ErrPickupNotConfirmed = errors.New("settlement: pickup not confirmed")
	// ErrAlreadyPickedUp indicates a cancellation after pickup confirmation.
	ErrAlreadyPickedUp = errors.New("settlement: pickup already confirmed")
	// ErrUnsupported indicates the operation does not apply to this rail.
	ErrUnsupported = errors.New("settlement: operation not supported on this rail")
)

// RetryableError wraps a transient provider failure (outage, 5xx, transport
// error) where the request definitely did not take effect. Callers may retry
// with the same idempotency key.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("settlement: retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err represents a transient failure that is safe
// to retry with the same idempotency key.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// PendingError indicates the operation was submitted but its outcome is
// unknown: a timed-out provider call or an unconfirmed chain transaction. The
// orchestrator must not assume failure; it parks the deal and reconciles via
// the adapter snapshot.
type PendingError struct {
	TxHash string
	Err    error
}

func (e *PendingError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: confirmation pending: tx %s", e.TxHash)
	}
	return fmt.Sprintf("settlement: outcome unknown: %v", e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// AsPending extracts a PendingError if err carries one.
func AsPending(err error) (*PendingError, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
