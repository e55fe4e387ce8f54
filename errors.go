package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-authserver/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// genericServerError is the only description ever sent for server_error.
const genericServerError = "internal server error"

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the bearer token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError hides an internal failure behind a generic description
	ErrServerError = func() *OAuthError {
		return NewOAuthError(ErrorCodeServerError, genericServerError, http.StatusInternalServerError)
	}
)

// ToOAuthError maps an engine error to its wire form. Errors that are not
// *server.Error, and engine server errors, become a generic server_error so
// nothing internal reaches the client. A nil error maps to nil.
func ToOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var engineErr *server.Error
	if !errors.As(err, &engineErr) {
		return ErrServerError()
	}

	switch engineErr.Kind {
	case server.KindServerError:
		return ErrServerError()
	case server.KindClientNotFound, server.KindInvalidClientAuthentication:
		// One description for both so client ids cannot be probed.
		return ErrInvalidClient("client authentication failed")
	case server.KindInvalidToken:
		return ErrInvalidToken(describe(engineErr, "the access token is invalid"))
	case server.KindInsufficientScope:
		return NewOAuthError(ErrorCodeInsufficientScope, engineErr.Description, http.StatusForbidden)
	default:
		return NewOAuthError(engineErr.Kind.Code(), engineErr.Description, http.StatusBadRequest)
	}
}

func describe(err *server.Error, fallback string) string {
	if err.Description != "" {
		return err.Description
	}
	return fallback
}
