package server

import "github.com/giantswarm/oidc-authserver/storage"

// Grant is a token endpoint grant. The set is closed: only the types in this
// package implement it.
type Grant interface {
	GrantType() string
	isGrant()
}

// AuthorizationCodeGrant exchanges an authorization code (RFC 6749 section 4.1.3).
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshTokenGrant trades a refresh token for new tokens. Scopes, when set,
// narrow the new access token.
type RefreshTokenGrant struct {
	RefreshToken string
	Scopes       []string
}

// ClientCredentialsGrant issues a token to the client itself.
type ClientCredentialsGrant struct {
	Scopes []string
}

func (AuthorizationCodeGrant) GrantType() string { return storage.GrantTypeAuthorizationCode }
func (RefreshTokenGrant) GrantType() string      { return storage.GrantTypeRefreshToken }
func (ClientCredentialsGrant) GrantType() string { return storage.GrantTypeClientCredentials }

func (AuthorizationCodeGrant) isGrant() {}
func (RefreshTokenGrant) isGrant()      {}
func (ClientCredentialsGrant) isGrant() {}

var (
	_ Grant = AuthorizationCodeGrant{}
	_ Grant = RefreshTokenGrant{}
	_ Grant = ClientCredentialsGrant{}
)

// TokenRequest is one call to the token endpoint.
type TokenRequest struct {
	Client ClientCredentials
	Grant  Grant
}

// TokenResult is a successful token response. RefreshToken and IDToken are
// empty when not issued.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scopes       []string
	GrantID      string
}
