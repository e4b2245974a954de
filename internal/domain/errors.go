/**
 * @description
 * Error taxonomy for the settlement domain.
 */
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotEligible       = errors.New("connected account is not eligible to accept payments")
	ErrFeeExceedsAmount         = errors.New("platform fee leaves no amount for the owner")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")
	ErrAlreadyReversed          = errors.New("transfer already reversed")
	ErrIllegalTransition        = errors.New("illegal state transition")
	ErrInvalidRefundReason      = errors.New("invalid refund reason")
	ErrRefundExceedsAmount      = errors.New("refund amount exceeds payment amount")
	ErrInvalidAmount            = errors.New("amount must be greater than zero")
	ErrRefundNotFound           = errors.New("no refund found on platform")
	ErrExternalPlatform         = errors.New("payment platform error")
)

// ExternalPlatformError is returned for every failed call to the payment platform.
// Code carries the platform's own error code when one was reported.
type ExternalPlatformError struct {
	Op         string
	Code       string
	HTTPStatus int
	Message    string
	RequestID  string
	Err        error
}

func (e *ExternalPlatformError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: payment platform error (code=%s status=%d): %s", e.Op, e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: payment platform error (status=%d): %s", e.Op, e.HTTPStatus, e.Message)
}

func (e *ExternalPlatformError) Unwrap() error { return e.Err }

func (e *ExternalPlatformError) Is(target error) bool { return target == ErrExternalPlatform }

// Retryable reports whether the failure is transient on the platform side.
func (e *ExternalPlatformError) Retryable() bool {
	return e.HTTPStatus == 0 || e.HTTPStatus == 409 || e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

// LedgerInvariantError describes a transfer write that would break the accounting identity.
type LedgerInvariantError struct {
	PaymentID      string
	IdempotencyKey string
	Reason         string
}

func (e *LedgerInvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violation for payment %s (key=%s): %s", e.PaymentID, e.IdempotencyKey, e.Reason)
}

func (e *LedgerInvariantError) Unwrap() error { return ErrLedgerInvariantViolation }
