package storage

import "errors"

// Sentinel errors returned by every backend. Match them with errors.Is.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrClientExists              = errors.New("client already exists")
	ErrInvalidClientCredentials  = errors.New("invalid client credentials")
	ErrPrincipalNotFound         = errors.New("principal not found")
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrTokenNotFound             = errors.New("token not found")
	ErrTokenExpired              = errors.New("token expired")
	ErrTokenRevoked              = errors.New("token revoked")
	ErrConsentNotFound           = errors.New("consent not found")
)
