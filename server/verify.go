package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/storage"
)

// ValidateAccessToken verifies an access token and returns its record. JWTs
// are checked against the published key set first; every token must then
// have an active access token record.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.TokenRecord, error) {
	ctx, span := s.tracer.Start(ctx, "server.ValidateAccessToken")
	defer span.End()

	if token == "" {
		return nil, newError(KindInvalidToken, "access token is required")
	}

	if looksLikeJWT(token) {
		if err := s.verifyJWT(ctx, token); err != nil {
			s.Logger.Debug("access token signature rejected", "error", err)
			instrumentation.RecordError(span, err)
			return nil, &Error{Kind: KindInvalidToken, Description: "invalid access token", Cause: err}
		}
	}

	record, err := s.recordStore.GetToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return nil, newError(KindInvalidToken, "invalid access token")
	default:
		s.Logger.Error("failed to look up access token", "error", err)
		return nil, internalError(err)
	}

	if record.Type != storage.TokenTypeAccess || !record.IsActive(s.now()) {
		return nil, newError(KindInvalidToken, "invalid access token")
	}
	instrumentation.SetSpanSuccess(span)
	return record, nil
}

// verifyJWT checks signature, algorithm, issuer and time claims.
func (s *Server) verifyJWT(ctx context.Context, token string) error {
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		set, err := s.keys.PublicKeySet(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range set.Key(kid) {
			if k.Algorithm == "" || k.Algorithm == keys.Algorithm {
				return k.Key, nil
			}
		}
		return nil, fmt.Errorf("no key for kid %q", kid)
	}

	_, err := jwt.Parse(token, keyFunc,
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.Config.clockSkew()),
		jwt.WithTimeFunc(s.now),
	)
	return err
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
