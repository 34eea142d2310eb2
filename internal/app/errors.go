package app

import (
	"errors"
	"fmt"
)

// Business error codes. They double as error catalog keys.
const (
	CodeDuplicateTransfer     = "DUPLICATE_TRANSFER"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeAccountBlocked        = "ACCOUNT_BLOCKED"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeCurrencyMismatch      = "CURRENCY_MISMATCH"
	CodeReceiverNameMismatch  = "RECEIVER_NAME_MISMATCH"
	CodeBalanceUpdateRejected = "BALANCE_UPDATE_REJECTED"
	CodeTechnicalError        = "TECHNICAL_ERROR"
)

var (
	ErrHoldNotFound     = errors.New("held transfer not found")
	ErrHoldNotPending   = errors.New("transfer is not awaiting confirmation")
	ErrInvalidAuthCode  = errors.New("invalid or expired authentication code")
	ErrRequestInFlight  = errors.New("request with this idempotency key is still being processed")
	ErrMissingRequestID = errors.New("idempotency key is required")
)

// ValidationError is a malformed command. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// BusinessError is a rule rejection reported to the user with a catalog message.
type BusinessError struct {
	Code   string
	Params map[string]string
}

func (e *BusinessError) Error() string {
	return "business rule rejected transfer: " + e.Code
}

func newBusinessError(code string, params map[string]string) *BusinessError {
	return &BusinessError{Code: code, Params: params}
}

// TechnicalError wraps a collaborator or infrastructure failure. Retry asks the
// consumer to requeue the message because no persisted state can drive a retry.
type TechnicalError struct {
	Op    string
	Err   error
	Retry bool
}

func (e *TechnicalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TechnicalError) Unwrap() error {
	return e.Err
}

func technical(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TechnicalError
	if errors.As(err, &te) {
		return err
	}
	return &TechnicalError{Op: op, Err: err}
}

func retryable(op string, err error) error {
	return &TechnicalError{Op: op, Err: err, Retry: true}
}

// shouldRequeue reports whether a consumer should nack err for redelivery.
func shouldRequeue(err error) bool {
	var te *TechnicalError
	return errors.As(err, &te) && te.Retry
}

// errorKind names the taxonomy bucket of err for reports and logs.
func errorKind(err error) string {
	var ve *ValidationError
	var be *BusinessError
	switch {
	case errors.As(err, &ve):
		return "VALIDATION"
	case errors.As(err, &be):
		return "BUSINESS"
	default:
		return "TECHNICAL"
	}
}
