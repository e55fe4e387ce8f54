package server

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. The HTTP layer maps kinds to wire
// error codes and statuses.
type ErrorKind int

const (
	KindServerError ErrorKind = iota
	KindClientNotFound
	KindUnauthorizedClient
	KindInvalidRedirectURI
	KindInvalidRequest
	KindInvalidScope
	KindInvalidGrant
	KindInvalidClientAuthentication
	KindConsentRequired
	KindAccessDenied
	KindUnsupportedGrantType
	KindUnsupportedResponseType
	KindDuplicateClientID
	KindInvalidToken
	KindInsufficientScope
)

var kindNames = map[ErrorKind]string{
	KindServerError:                 "ServerError",
	KindClientNotFound:              "ClientNotFound",
	KindUnauthorizedClient:          "UnauthorizedClient",
	KindInvalidRedirectURI:          "InvalidRedirectURI",
	KindInvalidRequest:              "InvalidRequest",
	KindInvalidScope:                "InvalidScope",
	KindInvalidGrant:                "InvalidGrant",
	KindInvalidClientAuthentication: "InvalidClientAuthentication",
	KindConsentRequired:             "ConsentRequired",
	KindAccessDenied:                "AccessDenied",
	KindUnsupportedGrantType:        "UnsupportedGrantType",
	KindUnsupportedResponseType:     "UnsupportedResponseType",
	KindDuplicateClientID:           "DuplicateClientID",
	KindInvalidToken:                "InvalidToken",
	KindInsufficientScope:           "InsufficientScope",
}

// String returns the kind's name
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Code returns the RFC 6749 error code for the kind, as used in
// authorization redirects.
func (k ErrorKind) Code() string {
	switch k {
	case KindClientNotFound, KindInvalidClientAuthentication:
		return "invalid_client"
	case KindUnauthorizedClient:
		return "unauthorized_client"
	case KindInvalidRedirectURI, KindInvalidRequest, KindDuplicateClientID:
		return "invalid_request"
	case KindInvalidScope:
		return "invalid_scope"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindConsentRequired:
		return "consent_required"
	case KindAccessDenied:
		return "access_denied"
	case KindUnsupportedGrantType:
		return "unsupported_grant_type"
	case KindUnsupportedResponseType:
		return "unsupported_response_type"
	case KindInvalidToken:
		return "invalid_token"
	case KindInsufficientScope:
		return "insufficient_scope"
	default:
		return "server_error"
	}
}

// Error is an engine failure. Description is safe to show to clients; Cause
// is for logs only.
type Error struct {
	Kind        ErrorKind
	Description string
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Kind.Code()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the kind sentinels: errors.Is(err, ErrInvalidGrant) holds for
// every *Error of KindInvalidGrant.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Description != "" || t.Cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrServerError                 = &Error{Kind: KindServerError}
	ErrClientNotFound              = &Error{Kind: KindClientNotFound}
	ErrUnauthorizedClient          = &Error{Kind: KindUnauthorizedClient}
	ErrInvalidRedirectURI          = &Error{Kind: KindInvalidRedirectURI}
	ErrInvalidRequest              = &Error{Kind: KindInvalidRequest}
	ErrInvalidScope                = &Error{Kind: KindInvalidScope}
	ErrInvalidGrant                = &Error{Kind: KindInvalidGrant}
	ErrInvalidClientAuthentication = &Error{Kind: KindInvalidClientAuthentication}
	ErrConsentRequired             = &Error{Kind: KindConsentRequired}
	ErrAccessDenied                = &Error{Kind: KindAccessDenied}
	ErrUnsupportedGrantType        = &Error{Kind: KindUnsupportedGrantType}
	ErrUnsupportedResponseType     = &Error{Kind: KindUnsupportedResponseType}
	ErrDuplicateClientID           = &Error{Kind: KindDuplicateClientID}
	ErrInvalidToken                = &Error{Kind: KindInvalidToken}
	ErrInsufficientScope           = &Error{Kind: KindInsufficientScope}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// internalError hides cause behind a generic description.
func internalError(cause error) *Error {
	return &Error{Kind: KindServerError, Description: "internal server error", Cause: cause}
}

// KindOf returns the kind of err, or KindServerError when err is not an
// *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}
