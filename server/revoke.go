package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

// RevokeToken implements RFC 7009. Unknown tokens and tokens of other
// clients are not errors; a refresh token takes its lineage with it.
func (s *Server) RevokeToken(ctx context.Context, creds ClientCredentials, token string) error {
	ctx, span := s.tracer.Start(ctx, "server.RevokeToken")
	defer span.End()

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return err
	}
	if token == "" {
		return newError(KindInvalidRequest, "token is required")
	}

	record, err := s.recordStore.GetToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return nil
	default:
		s.Logger.Error("failed to look up token for revocation", "client_id", client.ClientID, "error", err)
		return internalError(err)
	}

	if record.ClientID != client.ClientID {
		s.Logger.Warn("ignoring revocation of another client's token",
			"client_id", client.ClientID,
			"token_client_id", record.ClientID)
		return nil
	}

	revoked, err := s.recordStore.RevokeToken(ctx, token)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Error("failed to revoke token", "client_id", client.ClientID, "error", err)
		return internalError(err)
	}

	s.metrics().RecordTokenRevocation(ctx, client.ClientID, revoked)
	s.Auditor.LogTokenRevoked(record.PrincipalName, client.ClientID, string(record.Type), revoked)
	s.Logger.Info("revoked token",
		"client_id", client.ClientID,
		"token_type", string(record.Type),
		"grant_id", record.GrantID,
		"tokens_revoked", revoked)
	return nil
}

// Introspection is an RFC 7662 response. Only Active is set for inactive
// tokens.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// IntrospectToken implements RFC 7662 for an authenticated client.
func (s *Server) IntrospectToken(ctx context.Context, creds ClientCredentials, token string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.IntrospectToken")
	defer span.End()

	if _, err := s.AuthenticateClient(ctx, creds); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, newError(KindInvalidRequest, "token is required")
	}

	record, err := s.recordStore.GetToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return &Introspection{Active: false}, nil
	default:
		s.Logger.Error("failed to look up token for introspection", "error", err)
		return nil, internalError(err)
	}

	if !record.IsActive(s.now()) {
		return &Introspection{Active: false}, nil
	}

	tokenType := ""
	if record.Type == storage.TokenTypeAccess {
		tokenType = "Bearer"
	}
	return &Introspection{
		Active:    true,
		Scope:     util.JoinScopes(record.Scopes),
		ClientID:  record.ClientID,
		Username:  record.PrincipalName,
		TokenType: tokenType,
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
		Nbf:       record.IssuedAt.Unix(),
		Sub:       record.PrincipalName,
		Aud:       record.ClientID,
		Iss:       s.Config.Issuer,
		Jti:       record.ID,
	}, nil
}
