package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Token authenticates the client and runs the grant.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()

	if req.Grant == nil {
		return nil, newError(KindInvalidRequest, "grant_type is required")
	}
	instrumentation.AddGrantAttributes(span, req.Grant.GrantType(), "")

	client, err := s.AuthenticateClient(ctx, req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	if !client.AllowsGrant(req.Grant.GrantType()) {
		s.Logger.Debug("grant type not allowed for client",
			"client_id", client.ClientID,
			"grant_type", req.Grant.GrantType())
		return nil, newError(KindUnauthorizedClient, "client is not allowed to use the %s grant", req.Grant.GrantType())
	}

	var result *TokenResult
	switch g := req.Grant.(type) {
	case AuthorizationCodeGrant:
		result, err = s.exchangeAuthorizationCode(ctx, client, g)
	case RefreshTokenGrant:
		result, err = s.refreshToken(ctx, client, g)
	case ClientCredentialsGrant:
		result, err = s.clientCredentials(ctx, client, g)
	default:
		return nil, newError(KindUnsupportedGrantType, "unsupported grant type")
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.AddGrantAttributes(span, req.Grant.GrantType(), result.GrantID)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// exchangeAuthorizationCode implements RFC 6749 section 4.1.3 with PKCE.
// The code is checked against the request before it is consumed, so a wrong
// redirect_uri or code_verifier leaves it redeemable. A code presented by
// another client is burned.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, g AuthorizationCodeGrant) (*TokenResult, error) {
	if g.Code == "" {
		return nil, newError(KindInvalidRequest, "code is required")
	}

	code, err := s.recordStore.GetAuthorizationCode(ctx, g.Code)
	if err != nil {
		return nil, s.codeLookupError(client, g.Code, err)
	}
	if code.Consumed {
		s.handleCodeReuse(ctx, client, code)
		return nil, newError(KindInvalidGrant, "authorization code has already been used")
	}

	if security.IsExpiredAt(code.ExpiresAt, s.now(), s.Config.clockSkew()) {
		s.Auditor.LogAuthFailure(code.PrincipalName, client.ClientID, "", "authorization_code_expired")
		return nil, newError(KindInvalidGrant, "invalid authorization code")
	}

	if code.ClientID != client.ClientID {
		s.Logger.Debug("authorization code rejected",
			"reason", "client_id_mismatch",
			"expected_client_id", code.ClientID,
			"provided_client_id", client.ClientID)
		s.Auditor.LogAuthFailure(code.PrincipalName, client.ClientID, "", "client_id_mismatch")
		if _, err := s.recordStore.ConsumeAuthorizationCode(ctx, g.Code); err != nil &&
			!errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			s.Logger.Debug("failed to burn authorization code", "client_id", client.ClientID, "error", err)
		}
		return nil, newError(KindInvalidGrant, "invalid authorization code")
	}

	if code.RedirectURI != "" && code.RedirectURI != g.RedirectURI {
		s.Logger.Debug("authorization code rejected",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"redirect_uri", sanitizeURIForLogging(g.RedirectURI))
		s.Auditor.LogAuthFailure(code.PrincipalName, client.ClientID, "", "redirect_uri_mismatch")
		return nil, newError(KindInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, g.CodeVerifier); err != nil {
		method := code.CodeChallengeMethod
		if method == "" {
			method = "none"
		}
		s.metrics().RecordPKCEValidationFailed(ctx, method)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Principal: code.PrincipalName,
			ClientID:  client.ClientID,
			Details:   map[string]any{"reason": err.Error()},
		})
		return nil, &Error{Kind: KindInvalidGrant, Description: "PKCE verification failed", Cause: err}
	}

	// Only one concurrent exchange wins the consume; the others count as reuse.
	code, err = s.recordStore.ConsumeAuthorizationCode(ctx, g.Code)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAuthorizationCodeUsed) && code != nil:
		s.handleCodeReuse(ctx, client, code)
		return nil, newError(KindInvalidGrant, "authorization code has already been used")
	default:
		return nil, s.codeLookupError(client, g.Code, err)
	}

	principal := s.loadPrincipal(ctx, code.PrincipalName)
	params := mintParams{
		client:    client,
		principal: principal,
		subject:   code.PrincipalName,
		scopes:    code.Scopes,
		grantID:   code.GrantID,
		grantType: storage.GrantTypeAuthorizationCode,
		authTime:  code.AuthTime,
		nonce:     code.Nonce,
	}
	result, err := s.issueTokens(ctx, params, s.offersRefresh(client, code.Scopes))
	if err != nil {
		return nil, err
	}

	pkceMethod := code.CodeChallengeMethod
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	s.metrics().RecordCodeExchange(ctx, client.ClientID, pkceMethod)
	s.Auditor.LogTokenIssued(code.PrincipalName, client.ClientID, storage.GrantTypeAuthorizationCode, util.JoinScopes(code.Scopes))
	s.Logger.Info("exchanged authorization code",
		"client_id", client.ClientID,
		"grant_id", code.GrantID,
		"refresh_token", result.RefreshToken != "",
		"id_token", result.IDToken != "")
	return result, nil
}

// codeLookupError maps a failed code lookup or consume to a grant error.
func (s *Server) codeLookupError(client *storage.Client, value string, err error) error {
	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) || errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		s.Logger.Debug("authorization code rejected",
			"client_id", client.ClientID,
			"reason", err.Error(),
			"code_prefix", util.SafeTruncate(value, tokenIDLogLength))
		s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_authorization_code")
		return newError(KindInvalidGrant, "invalid authorization code")
	}
	s.Logger.Error("failed to load authorization code", "client_id", client.ClientID, "error", err)
	return internalError(err)
}

// handleCodeReuse revokes the lineage of a code presented a second time.
func (s *Server) handleCodeReuse(ctx context.Context, client *storage.Client, code *storage.AuthorizationCode) {
	revoked, err := s.recordStore.RevokeGrant(ctx, code.GrantID)
	if err != nil {
		s.Logger.Error("failed to revoke tokens after code reuse", "grant_id", code.GrantID, "error", err)
	}
	s.Logger.Error("authorization code reuse detected, revoking lineage",
		"client_id", client.ClientID,
		"grant_id", code.GrantID,
		"tokens_revoked", revoked)
	s.metrics().RecordCodeReuseDetected(ctx)
	s.Auditor.LogCodeReuseDetected(code.PrincipalName, client.ClientID, code.GrantID, revoked)
}

// refreshToken implements RFC 6749 section 6 with rotation and reuse
// detection.
func (s *Server) refreshToken(ctx context.Context, client *storage.Client, g RefreshTokenGrant) (*TokenResult, error) {
	if g.RefreshToken == "" {
		return nil, newError(KindInvalidRequest, "refresh_token is required")
	}

	record, err := s.recordStore.GetToken(ctx, g.RefreshToken)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		s.Auditor.LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
		return nil, newError(KindInvalidGrant, "invalid refresh token")
	default:
		s.Logger.Error("failed to look up refresh token", "client_id", client.ClientID, "error", err)
		return nil, internalError(err)
	}

	if record.Type != storage.TokenTypeRefresh {
		return nil, newError(KindInvalidGrant, "invalid refresh token")
	}
	if record.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(record.PrincipalName, client.ClientID, "", "refresh_token_client_mismatch")
		return nil, newError(KindInvalidGrant, "invalid refresh token")
	}
	if security.IsExpiredAt(record.ExpiresAt, s.now(), s.Config.clockSkew()) {
		return nil, newError(KindInvalidGrant, "invalid refresh token")
	}
	if record.Revoked {
		s.handleRefreshReuse(ctx, client, record)
		return nil, newError(KindInvalidGrant, "refresh token has been revoked")
	}

	scopes := record.Scopes
	if len(g.Scopes) > 0 {
		if !util.ContainsAll(record.Scopes, g.Scopes) {
			return nil, newError(KindInvalidScope, "requested scope exceeds the original grant")
		}
		scopes = g.Scopes
	}

	rotate := s.Config.RotateRefreshTokens && !client.ReuseRefreshTokens
	if rotate {
		if _, err := s.recordStore.RotateRefreshToken(ctx, g.RefreshToken); err != nil {
			switch {
			case errors.Is(err, storage.ErrTokenRevoked):
				// Lost a race with another rotation of the same token.
				s.handleRefreshReuse(ctx, client, record)
				return nil, newError(KindInvalidGrant, "refresh token has been revoked")
			case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
				return nil, newError(KindInvalidGrant, "invalid refresh token")
			default:
				s.Logger.Error("failed to rotate refresh token", "client_id", client.ClientID, "error", err)
				return nil, internalError(err)
			}
		}
	}

	var authTime time.Time
	if v, ok := record.Claims[ClaimAuthTime]; ok {
		authTime = unixClaim(v)
	}
	params := mintParams{
		client:    client,
		principal: s.loadPrincipal(ctx, record.PrincipalName),
		subject:   record.PrincipalName,
		scopes:    scopes,
		grantID:   record.GrantID,
		grantType: storage.GrantTypeRefreshToken,
		authTime:  authTime,
	}

	result, err := s.issueTokens(ctx, params, false)
	if err != nil {
		return nil, err
	}
	if rotate {
		// The successor keeps the lineage's full scope.
		params.scopes = record.Scopes
		refresh, err := s.mintRefreshToken(ctx, params)
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh.value
	} else {
		result.RefreshToken = g.RefreshToken
	}

	s.metrics().RecordTokenRefresh(ctx, client.ClientID, rotate)
	s.Auditor.LogTokenRefreshed(record.PrincipalName, client.ClientID, rotate)
	s.Logger.Debug("refreshed tokens", "client_id", client.ClientID, "grant_id", record.GrantID, "rotated", rotate)
	return result, nil
}

// handleRefreshReuse revokes the lineage of a refresh token presented after
// it was rotated or revoked.
func (s *Server) handleRefreshReuse(ctx context.Context, client *storage.Client, record *storage.TokenRecord) {
	revoked, err := s.recordStore.RevokeGrant(ctx, record.GrantID)
	if err != nil {
		s.Logger.Error("failed to revoke tokens after refresh token reuse", "grant_id", record.GrantID, "error", err)
	}
	s.Logger.Error("refresh token reuse detected, revoking lineage",
		"client_id", client.ClientID,
		"grant_id", record.GrantID,
		"tokens_revoked", revoked)
	s.metrics().RecordRefreshReuseDetected(ctx)
	s.Auditor.LogRefreshReuseDetected(record.PrincipalName, client.ClientID, record.GrantID, revoked)
}

// clientCredentials implements RFC 6749 section 4.4.
func (s *Server) clientCredentials(ctx context.Context, client *storage.Client, g ClientCredentialsGrant) (*TokenResult, error) {
	if !client.IsConfidential() {
		return nil, newError(KindUnauthorizedClient, "client_credentials requires a confidential client")
	}

	scopes := g.Scopes
	if len(scopes) == 0 {
		scopes = slices.DeleteFunc(slices.Clone(client.Scopes), func(sc string) bool {
			return sc == ScopeOpenID || sc == ScopeOfflineAccess
		})
	} else if err := validateClientScopes(scopes, client.Scopes); err != nil {
		return nil, &Error{Kind: KindInvalidScope, Description: err.Error()}
	}

	result, err := s.issueTokens(ctx, mintParams{
		client:    client,
		subject:   client.ClientID,
		scopes:    scopes,
		grantID:   uuid.NewString(),
		grantType: storage.GrantTypeClientCredentials,
	}, false)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(client.ClientID, client.ClientID, storage.GrantTypeClientCredentials, util.JoinScopes(scopes))
	return result, nil
}

// offersRefresh reports whether a code exchange mints a refresh token.
func (s *Server) offersRefresh(client *storage.Client, scopes []string) bool {
	return client.AllowsGrant(storage.GrantTypeRefreshToken) && slices.Contains(scopes, ScopeOfflineAccess)
}

// loadPrincipal returns the stored principal, or a bare one carrying only
// the name when it cannot be loaded.
func (s *Server) loadPrincipal(ctx context.Context, name string) *storage.Principal {
	principal, err := s.principalStore.GetPrincipal(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrPrincipalNotFound) {
			s.Logger.Warn("failed to load principal", "error", err)
		}
		return &storage.Principal{Name: name}
	}
	return principal
}

// unixClaim reads a NumericDate claim that may have passed through JSON.
func unixClaim(v any) time.Time {
	switch n := v.(type) {
	case int64:
		return time.Unix(n, 0)
	case float64:
		return time.Unix(int64(n), 0)
	case int:
		return time.Unix(int64(n), 0)
	default:
		return time.Time{}
	}
}
