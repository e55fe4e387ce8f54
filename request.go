package oauth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
)

// singleValueParams must not be repeated (RFC 6749 section 3.1).
var singleValueParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state", "nonce",
	"code_challenge", "code_challenge_method", "prompt",
	"grant_type", "code", "code_verifier", "refresh_token", "client_secret",
	"token", "token_type_hint",
}

// checkRepeatedParams rejects requests carrying one of singleValueParams
// more than once.
func checkRepeatedParams(values url.Values) *OAuthError {
	for _, name := range singleValueParams {
		if len(values[name]) > 1 {
			return ErrInvalidRequest("parameter " + name + " must not be repeated")
		}
	}
	return nil
}

// authorizationRequestFromQuery reads the authorization request parameters.
func authorizationRequestFromQuery(q url.Values) *server.AuthorizationRequest {
	return &server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompt:              q.Get("prompt"),
	}
}

// clientCredentialsFromRequest extracts client authentication (RFC 6749
// section 2.3.1) from a parsed form request. Basic credentials are
// form-urlencoded before being base64 encoded, so both halves are unescaped.
// A client that authenticates two ways is rejected.
func clientCredentialsFromRequest(r *http.Request) (server.ClientCredentials, *OAuthError) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if rawID, rawSecret, ok := r.BasicAuth(); ok {
		if formSecret != "" {
			return server.ClientCredentials{}, ErrInvalidRequest("multiple client authentication methods used")
		}
		clientID, err := url.QueryUnescape(rawID)
		if err != nil {
			return server.ClientCredentials{}, ErrInvalidRequest("malformed client credentials")
		}
		secret, err := url.QueryUnescape(rawSecret)
		if err != nil {
			return server.ClientCredentials{}, ErrInvalidRequest("malformed client credentials")
		}
		if formID != "" && formID != clientID {
			return server.ClientCredentials{}, ErrInvalidRequest("client_id does not match the authenticated client")
		}
		return server.ClientCredentials{
			ClientID: clientID,
			Secret:   secret,
			Method:   storage.AuthMethodClientSecretBasic,
		}, nil
	}

	if formSecret != "" {
		return server.ClientCredentials{
			ClientID: formID,
			Secret:   formSecret,
			Method:   storage.AuthMethodClientSecretPost,
		}, nil
	}

	if formID == "" {
		return server.ClientCredentials{}, ErrInvalidClient("client authentication failed")
	}
	return server.ClientCredentials{ClientID: formID, Method: storage.AuthMethodNone}, nil
}

// grantFromForm maps grant_type and its parameters onto a server.Grant.
func grantFromForm(form url.Values) (server.Grant, *OAuthError) {
	switch grantType := form.Get("grant_type"); grantType {
	case storage.GrantTypeAuthorizationCode:
		return server.AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}, nil
	case storage.GrantTypeRefreshToken:
		return server.RefreshTokenGrant{
			RefreshToken: form.Get("refresh_token"),
			Scopes:       util.ParseScopes(form.Get("scope")),
		}, nil
	case storage.GrantTypeClientCredentials:
		return server.ClientCredentialsGrant{
			Scopes: util.ParseScopes(form.Get("scope")),
		}, nil
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("grant type " + grantType + " is not supported")
	}
}

// bearerToken returns the token of an "Authorization: Bearer" header
// (RFC 6750 section 2.1).
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
