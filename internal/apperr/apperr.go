// Package apperr maps the error taxonomy of §7 (authn/authz, precondition,
// validation, availability, internal) onto HTTP status codes, so handlers
// translate a domain error into a response without each repeating the same
// switch.
package apperr

import (
	"errors"
	"net/http"

	"github.com/rcrt/substrate/internal/auth"
	"github.com/rcrt/substrate/internal/store"
)

// Kind is the error taxonomy bucket of §7, independent of the concrete Go
// error type, used only for logging/metrics classification.
type Kind string

const (
	KindAuthn        Kind = "authn"
	KindPrecondition Kind = "precondition"
	KindValidation   Kind = "validation"
	KindAvailability Kind = "availability"
	KindInternal     Kind = "internal"
)

// Classify buckets err into a taxonomy Kind for logging/metrics.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, auth.ErrMalformedToken), errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrInsufficientRole),
		errors.Is(err, auth.ErrReasonRequired):
		return KindAuthn
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrPreconditionFailed),
		errors.Is(err, store.ErrIdempotencyConflict), errors.Is(err, store.ErrExhausted):
		return KindPrecondition
	case errors.Is(err, store.ErrPayloadTooLarge):
		return KindValidation
	case errors.Is(err, store.ErrChecksumMismatch):
		return KindInternal
	default:
		return KindInternal
	}
}

// Status maps err to the HTTP status code named in §6.1's status table.
// Unrecognized errors default to 500 — callers should still log them.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, store.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrExhausted):
		return http.StatusGone
	case errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrChecksumMismatch):
		return http.StatusInternalServerError
	case errors.Is(err, auth.ErrMalformedToken), errors.Is(err, auth.ErrBadSignature), errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInsufficientRole):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrReasonRequired):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
