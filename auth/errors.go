package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure returned by the authorization and session layers.
type Kind string

// Error kinds
const (
	// KindInvalidRequest is a malformed or incomplete request the client can correct.
	KindInvalidRequest Kind = "invalid_request"

	// KindInvalidGrant is an unusable code or refresh token.
	KindInvalidGrant Kind = "invalid_grant"

	// KindUnsupportedGrantType is returned for unknown grant_type values.
	KindUnsupportedGrantType Kind = "unsupported_grant_type"

	// KindAuthentication is a missing or unverifiable bearer credential.
	KindAuthentication Kind = "invalid_token"

	// KindAuthorization is a verified identity without sufficient rights.
	KindAuthorization Kind = "access_denied"

	// KindInvalidSession is an unknown session identifier on a continuation request.
	KindInvalidSession Kind = "invalid_session"

	// KindInternal is an unexpected failure.
	KindInternal Kind = "server_error"
)

const invalidGrantDescription = "the provided authorization grant is invalid, expired, or revoked"

// Error is a classified failure. Description is safe to show to clients;
// Detail and Cause are for server-side diagnostics only.
type Error struct {
	Kind        Kind
	Description string
	Detail      string
	Cause       error
}

// Error returns the full diagnostic message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Description)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInvalidRequest, KindInvalidGrant, KindUnsupportedGrantType, KindInvalidSession:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidRequestError creates a client-correctable request error.
func NewInvalidRequestError(description string) *Error {
	return &Error{Kind: KindInvalidRequest, Description: description}
}

// NewInvalidGrantError creates an invalid grant error. The detail is never
// sent to the client: used, expired and mismatched grants look the same on the wire.
func NewInvalidGrantError(detail string, cause error) *Error {
	return &Error{Kind: KindInvalidGrant, Description: invalidGrantDescription, Detail: detail, Cause: cause}
}

// NewUnsupportedGrantTypeError creates an unsupported grant type error.
func NewUnsupportedGrantTypeError(grantType string) *Error {
	return &Error{
		Kind:        KindUnsupportedGrantType,
		Description: "grant_type is not supported",
		Detail:      grantType,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(description string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Description: description, Cause: cause}
}

// NewAuthorizationError creates an authorization error.
func NewAuthorizationError(description string) *Error {
	return &Error{Kind: KindAuthorization, Description: description}
}

// NewInvalidSessionError creates an invalid session error.
func NewInvalidSessionError(detail string) *Error {
	return &Error{Kind: KindInvalidSession, Description: "invalid or missing session", Detail: detail}
}

// NewInternalError creates an internal error.
func NewInternalError(description string, cause error) *Error {
	return &Error{Kind: KindInternal, Description: description, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
