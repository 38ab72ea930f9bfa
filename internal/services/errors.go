package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the order and payment engine.
type ErrorKind string

const (
	KindNotFound                    ErrorKind = "not_found"
	KindConflict                    ErrorKind = "conflict"
	KindInvalidState                ErrorKind = "invalid_state"
	KindProviderError               ErrorKind = "provider_error"
	KindSignatureVerificationFailed ErrorKind = "signature_verification_failed"
	KindValidation                  ErrorKind = "validation_error"
	KindUnavailable                 ErrorKind = "unavailable"
	KindPayloadTooLarge             ErrorKind = "payload_too_large"
)

var (
	// ErrNotFound matches any *Error of KindNotFound.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches idempotency payload mismatches.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState matches disallowed payment/refund transitions.
	ErrInvalidState = errors.New("invalid state")
	// ErrProvider matches payment gateway failures.
	ErrProvider = errors.New("payment provider error")
	// ErrSignatureVerification matches rejected webhooks.
	ErrSignatureVerification = errors.New("signature verification failed")
	// ErrValidation matches rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable matches transient backend failures.
	ErrUnavailable = errors.New("service unavailable")
	// ErrPayloadTooLarge matches deliveries rejected for size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:                    ErrNotFound,
	KindConflict:                    ErrConflict,
	KindInvalidState:                ErrInvalidState,
	KindProviderError:               ErrProvider,
	KindSignatureVerificationFailed: ErrSignatureVerification,
	KindValidation:                  ErrValidation,
	KindUnavailable:                 ErrUnavailable,
	KindPayloadTooLarge:             ErrPayloadTooLarge,
}

// Error is the typed failure returned by services. Code is a stable machine readable
// identifier; Details are safe to return to clients; Raw carries the provider payload
// for diagnostics and is never serialised to clients.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]any
	Raw     map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, ErrConflict) and friends match on kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) withDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of err, or an empty kind for untyped errors.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ""
}

// AsError extracts the typed service error, if any.
func AsError(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
