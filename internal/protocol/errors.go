package protocol

import (
	"errors"
	"net/http"
)

// ErrorKind classifies recoverable failures crossing the router boundary.
type ErrorKind string

const (
	ErrKindValidation    ErrorKind = "validation"
	ErrKindStale         ErrorKind = "stale_signature"
	ErrKindSigner        ErrorKind = "signer_mismatch"
	ErrKindAddressFormat ErrorKind = "address_format"
	ErrKindAuthorization ErrorKind = "authorization"
	ErrKindRoundState    ErrorKind = "round_state"
	ErrKindNotFound      ErrorKind = "not_found"
	ErrKindStore         ErrorKind = "store"
)

// Error is the structured result returned for any rejected message. It carries
// a user-facing message and a numeric status so transports can surface it
// without interpreting internals.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// WithCause attaches the originating error while preserving the user message.
func (e *Error) WithCause(cause error) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.cause = cause
	return &clone
}

// NewValidationError flags a malformed envelope; it carries no side effects.
func NewValidationError(message string) *Error {
	return &Error{Kind: ErrKindValidation, Status: http.StatusBadRequest, Message: message}
}

// NewStaleSignatureError flags a timestamp outside the freshness window.
func NewStaleSignatureError(message string) *Error {
	return &Error{Kind: ErrKindStale, Status: http.StatusUnauthorized, Message: message}
}

// NewSignerMismatchError flags a recovered signer that differs from the claim.
func NewSignerMismatchError(message string) *Error {
	return &Error{Kind: ErrKindSigner, Status: http.StatusUnauthorized, Message: message}
}

// NewAddressFormatError flags a syntactically invalid account address.
func NewAddressFormatError(message string) *Error {
	return &Error{Kind: ErrKindAddressFormat, Status: http.StatusUnauthorized, Message: message}
}

// NewAuthorizationError flags a signer without the required privilege.
func NewAuthorizationError(message string) *Error {
	return &Error{Kind: ErrKindAuthorization, Status: http.StatusForbidden, Message: message}
}

// NewRoundStateError flags a missing or inactive round where one is required.
func NewRoundStateError(message string) *Error {
	return &Error{Kind: ErrKindRoundState, Status: http.StatusConflict, Message: message}
}

// NewNotFoundError flags an absent target agent or effect.
func NewNotFoundError(message string) *Error {
	return &Error{Kind: ErrKindNotFound, Status: http.StatusNotFound, Message: message}
}

// NewStoreError flags persistence failure surfaced after retry exhaustion.
func NewStoreError(message string) *Error {
	return &Error{Kind: ErrKindStore, Status: http.StatusInternalServerError, Message: message}
}

// AsError extracts the structured error, wrapping foreign errors as store
// failures so callers always receive a status and user-facing message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewStoreError("internal error").WithCause(err)
}
