package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. Every stage short-circuits with a
// distinct kind; kinds are surfaced to callers as structured errors and are
// never collapsed into a generic 500.
type Kind string

const (
	KindUnauthenticated        Kind = "unauthenticated"
	KindMalformedCredential    Kind = "malformed_credential"
	KindInvalidCredential      Kind = "invalid_credential"
	KindCredentialExpired      Kind = "credential_expired"
	KindCredentialRevoked      Kind = "credential_revoked_or_expired"
	KindUnknownSigningKey      Kind = "unknown_signing_key"
	KindTenantMismatch         Kind = "tenant_mismatch"
	KindInsufficientPermission Kind = "insufficient_permission"
	KindRateLimited            Kind = "rate_limited"
	KindDependencyUnavailable  Kind = "dependency_unavailable"
)

// Error is a gateway failure carrying its classification. All gateway kinds
// are terminal for the current request; none are retried automatically.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a gateway error with the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a gateway error wrapping an underlying cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, or "" if the error is not a
// gateway error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// HTTPStatus maps a kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated, KindMalformedCredential, KindInvalidCredential,
		KindCredentialExpired, KindCredentialRevoked, KindUnknownSigningKey:
		return http.StatusUnauthorized
	case KindTenantMismatch, KindInsufficientPermission:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
