// Package errors defines the gateway's error taxonomy: a single sum type
// carrying a machine-checkable Kind, a message safe to surface to a caller,
// and an optional wrapped cause kept only for logs/audit detail. Transport
// status codes are derived from Kind at the dispatch boundary, never
// earlier, so internal code never has to know which transport is in use.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a GatewayError for status mapping and audit outcome
// recording. New kinds must be added here, not invented ad hoc at call
// sites, so the taxonomy stays closed and exhaustive switches stay correct.
type Kind string

const (
	KindInvalidToken       Kind = "invalid_token"
	KindExpiredToken       Kind = "expired_token"
	KindUntrustedIssuer    Kind = "untrusted_issuer"
	KindAudienceMismatch   Kind = "audience_mismatch"
	KindUnauthorized       Kind = "unauthorized"
	KindSessionNotFound    Kind = "session_not_found"
	KindSessionExpired     Kind = "session_expired"
	KindExchangeFailed     Kind = "exchange_failed"
	KindExchangeUnreach    Kind = "exchange_unreachable"
	KindDelegationDenied   Kind = "delegation_denied"
	KindDelegationFailed   Kind = "delegation_failed"
	KindUnknownModule      Kind = "unknown_delegation_module"
	KindConfigInvalid      Kind = "config_invalid"
	KindUnresolvedSecret   Kind = "config_unresolved_secret"
	KindUnauthorizedTarget Kind = "unauthorized_delegation_target"
	KindKDCUnreachable     Kind = "kdc_unreachable"
	KindClockSkew          Kind = "clock_skew"
	KindInternal           Kind = "internal"
)

// GatewayError is the taxonomy's single concrete type. Message must never
// contain Cause's text verbatim when Cause might carry upstream secrets
// (token fragments, connection strings) — callers construct Message
// explicitly rather than relying on Cause.Error().
type GatewayError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// New constructs a GatewayError with no wrapped cause.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap constructs a GatewayError carrying cause for logs/audit, keeping
// Message as the only text safe to return to a caller.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Cause: cause}
}

// As is a thin wrapper over errors.As for the common case of extracting a
// *GatewayError from an arbitrary wrapped error chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *GatewayError, or
// KindInternal otherwise — the safe default for an error the taxonomy
// didn't anticipate.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return KindInternal
}
