package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

// JOSE typ header values
const (
	TypeAccessToken = "at+jwt"
	TypeJWT         = "jwt"
	TypeIDToken     = "JWT"
)

// mintParams describes the tokens to mint for one grant.
type mintParams struct {
	client    *storage.Client
	principal *storage.Principal // nil for client_credentials
	subject   string
	scopes    []string
	grantID   string
	grantType string
	authTime  time.Time
	nonce     string
}

// mintedToken is a token value together with its persisted record.
type mintedToken struct {
	value  string
	record *storage.TokenRecord
}

// issueTokens mints an access token, plus an ID token when openid is in
// scope and a refresh token when withRefresh is set. Every record is
// persisted before the result is returned.
func (s *Server) issueTokens(ctx context.Context, p mintParams, withRefresh bool) (*TokenResult, error) {
	access, err := s.mintAccessToken(ctx, p)
	if err != nil {
		return nil, err
	}
	result := &TokenResult{
		AccessToken: access.value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(clientTTL(p.client.AccessTokenTTL, s.Config.AccessTokenTTL) / time.Second),
		Scopes:      p.scopes,
		GrantID:     p.grantID,
	}

	if p.principal != nil && slices.Contains(p.scopes, ScopeOpenID) {
		id, err := s.mintIDToken(ctx, p)
		if err != nil {
			return nil, err
		}
		result.IDToken = id.value
	}

	if withRefresh {
		refresh, err := s.mintRefreshToken(ctx, p)
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh.value
	}
	return result, nil
}

// baseClaims is the draft shared by access and ID tokens.
func (s *Server) baseClaims(p mintParams, jti string, now, expiresAt time.Time) map[string]any {
	return map[string]any{
		ClaimIssuer:    s.Config.Issuer,
		ClaimSubject:   p.subject,
		ClaimAudience:  p.client.ClientID,
		ClaimIssuedAt:  now.Unix(),
		ClaimNotBefore: now.Unix(),
		ClaimExpiry:    expiresAt.Unix(),
		ClaimJWTID:     jti,
	}
}

func (s *Server) mintAccessToken(ctx context.Context, p mintParams) (*mintedToken, error) {
	ctx, span := s.tracer.Start(ctx, "server.mintAccessToken")
	defer span.End()

	now := s.now()
	expiresAt := now.Add(clientTTL(p.client.AccessTokenTTL, s.Config.AccessTokenTTL))
	jti := uuid.NewString()

	draft := s.baseClaims(p, jti, now, expiresAt)
	draft[ClaimScope] = util.JoinScopes(p.scopes)
	draft[ClaimClientID] = p.client.ClientID
	claims := s.customizeClaims(ctx, p.principal, storage.TokenTypeAccess, draft)
	typ := splitHeaderType(claims, TypeAccessToken)

	format := p.client.AccessTokenFormat
	if format == "" {
		format = storage.TokenFormatJWT
	}

	var value string
	if format == storage.TokenFormatReference {
		value = generateRandomToken()
	} else {
		signed, err := s.sign(ctx, storage.TokenTypeAccess, typ, claims)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		value = signed
	}

	return s.persist(ctx, &mintedToken{value: value, record: &storage.TokenRecord{
		ID:            jti,
		Type:          storage.TokenTypeAccess,
		Format:        format,
		ClientID:      p.client.ClientID,
		PrincipalName: p.subject,
		Scopes:        slices.Clone(p.scopes),
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		Claims:        claims,
		GrantID:       p.grantID,
	}}, p.grantType)
}

func (s *Server) mintIDToken(ctx context.Context, p mintParams) (*mintedToken, error) {
	ctx, span := s.tracer.Start(ctx, "server.mintIDToken")
	defer span.End()

	now := s.now()
	expiresAt := now.Add(clientTTL(p.client.IDTokenTTL, s.Config.IDTokenTTL))
	jti := uuid.NewString()

	draft := s.baseClaims(p, jti, now, expiresAt)
	draft[ClaimAZP] = p.client.ClientID
	if !p.authTime.IsZero() {
		draft[ClaimAuthTime] = p.authTime.Unix()
	}
	if p.nonce != "" {
		draft[ClaimNonce] = p.nonce
	}
	if slices.Contains(p.scopes, "profile") {
		if p.principal.GivenName != "" {
			draft["given_name"] = p.principal.GivenName
		}
		if p.principal.FamilyName != "" {
			draft["family_name"] = p.principal.FamilyName
		}
	}
	if slices.Contains(p.scopes, "email") && p.principal.Email != "" {
		draft["email"] = p.principal.Email
	}

	claims := s.customizeClaims(ctx, p.principal, storage.TokenTypeID, draft)
	// ID tokens always carry typ JWT.
	delete(claims, ClaimHeaderType)

	signed, err := s.sign(ctx, storage.TokenTypeID, TypeIDToken, claims)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	return s.persist(ctx, &mintedToken{value: signed, record: &storage.TokenRecord{
		ID:            jti,
		Type:          storage.TokenTypeID,
		Format:        storage.TokenFormatJWT,
		ClientID:      p.client.ClientID,
		PrincipalName: p.subject,
		Scopes:        slices.Clone(p.scopes),
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		Claims:        claims,
		GrantID:       p.grantID,
	}}, p.grantType)
}

func (s *Server) mintRefreshToken(ctx context.Context, p mintParams) (*mintedToken, error) {
	now := s.now()
	var claims map[string]any
	if !p.authTime.IsZero() {
		// Carried so ID tokens minted on refresh keep the original auth_time.
		claims = map[string]any{ClaimAuthTime: p.authTime.Unix()}
	}
	return s.persist(ctx, &mintedToken{value: generateRandomToken(), record: &storage.TokenRecord{
		ID:            uuid.NewString(),
		Type:          storage.TokenTypeRefresh,
		Format:        storage.TokenFormatReference,
		ClientID:      p.client.ClientID,
		PrincipalName: p.subject,
		Scopes:        slices.Clone(p.scopes),
		IssuedAt:      now,
		ExpiresAt:     now.Add(clientTTL(p.client.RefreshTokenTTL, s.Config.RefreshTokenTTL)),
		Claims:        claims,
		GrantID:       p.grantID,
	}}, p.grantType)
}

// sign signs claims with the current key and records how long it took.
func (s *Server) sign(ctx context.Context, t storage.TokenType, typ string, claims map[string]any) (string, error) {
	start := time.Now()
	signed, err := s.keys.Sign(ctx, typ, claims)
	s.metrics().RecordSign(ctx, string(t), float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.Logger.Error("failed to sign token", "token_type", string(t), "error", err)
		return "", internalError(fmt.Errorf("failed to sign %s: %w", t, err))
	}
	return signed, nil
}

// persist saves the record of m before the value is handed out.
func (s *Server) persist(ctx context.Context, m *mintedToken, grantType string) (*mintedToken, error) {
	m.record.Key = storage.HashToken(m.value)
	if err := s.recordStore.SaveToken(ctx, m.record); err != nil {
		s.Logger.Error("failed to save token",
			"client_id", m.record.ClientID,
			"token_type", string(m.record.Type),
			"error", err)
		return nil, internalError(fmt.Errorf("failed to save %s: %w", m.record.Type, err))
	}
	s.metrics().RecordTokenIssued(ctx, m.record.ClientID, grantType, string(m.record.Type))
	return m, nil
}
