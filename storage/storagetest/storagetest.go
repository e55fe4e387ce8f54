// Package storagetest is a conformance suite run by every storage backend's
// tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run runs the full conformance suite against the stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("ClientSecret", func(t *testing.T) { testClientSecret(t, newStore(t)) })
	t.Run("Consent", func(t *testing.T) { testConsent(t, newStore(t)) })
	t.Run("Principals", func(t *testing.T) { testPrincipals(t, newStore(t)) })
	t.Run("AuthorizationCode", func(t *testing.T) { testAuthorizationCode(t, newStore(t)) })
	t.Run("AuthorizationCodeExpired", func(t *testing.T) { testAuthorizationCodeExpired(t, newStore(t)) })
	t.Run("ConcurrentConsume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("RevokeAccessToken", func(t *testing.T) { testRevokeAccessToken(t, newStore(t)) })
	t.Run("RevokeRefreshTokenCascades", func(t *testing.T) { testRevokeRefreshCascades(t, newStore(t)) })
	t.Run("RevokedGrantRevokesLaterTokens", func(t *testing.T) { testRevokedGrantRevokesLaterTokens(t, newStore(t)) })
	t.Run("RotateRefreshToken", func(t *testing.T) { testRotateRefreshToken(t, newStore(t)) })
	t.Run("ConcurrentRotate", func(t *testing.T) { testConcurrentRotate(t, newStore(t)) })
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := testutil.ConfidentialClient(t, "client-a")

	require.NoError(t, s.CreateClient(ctx, client))

	err := s.CreateClient(ctx, testutil.ConfidentialClient(t, "client-a"))
	assert.ErrorIs(t, err, storage.ErrClientExists)

	got, err := s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, client.AccessTokenFormat, got.AccessTokenFormat)

	_, err = s.GetClient(ctx, "CLIENT-A")
	assert.ErrorIs(t, err, storage.ErrClientNotFound, "lookup must be case-sensitive")

	require.NoError(t, s.CreateClient(ctx, testutil.PublicClient("client-b")))
	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}

func testClientSecret(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, testutil.ConfidentialClient(t, "confidential")))
	require.NoError(t, s.CreateClient(ctx, testutil.PublicClient("public")))

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"correct secret", "confidential", testutil.ClientSecret, false},
		{"wrong secret", "confidential", "nope", true},
		{"unknown client", "ghost", testutil.ClientSecret, true},
		{"public client has no secret", "public", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidClientCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func testConsent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetConsent(ctx, "client", "alice")
	assert.ErrorIs(t, err, storage.ErrConsentNotFound)

	require.NoError(t, s.AddConsent(ctx, "client", "alice", []string{"openid", "profile"}))
	require.NoError(t, s.AddConsent(ctx, "client", "alice", []string{"profile", "email"}))

	consent, err := s.GetConsent(ctx, "client", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openid", "profile", "email"}, consent.Scopes)

	_, err = s.GetConsent(ctx, "client", "bob")
	assert.ErrorIs(t, err, storage.ErrConsentNotFound)
}

func testPrincipals(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := testutil.Principal(t, "alice")
	require.NoError(t, s.SavePrincipal(ctx, p))

	got, err := s.GetPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, p.Email, got.Email)
	assert.Equal(t, p.Roles, got.Roles)

	_, err = s.GetPrincipal(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrPrincipalNotFound)
}

func testAuthorizationCode(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := testutil.AuthorizationCode("client", 5*time.Minute)
	code.CodeChallenge, _ = testutil.GeneratePKCEPair()
	code.CodeChallengeMethod = storage.PKCEMethodS256
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.Code, got.Code)
	assert.Equal(t, code.GrantID, got.GrantID)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.False(t, got.Consumed, "lookup must not consume")

	consumed, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)
	assert.Equal(t, code.ClientID, consumed.ClientID)
	assert.Equal(t, code.Scopes, consumed.Scopes)

	again, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	require.NotNil(t, again, "reuse must return the code for lineage revocation")
	assert.Equal(t, code.GrantID, again.GrantID)

	_, err = s.ConsumeAuthorizationCode(ctx, "unknown-code")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testAuthorizationCodeExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := testutil.AuthorizationCode("client", -time.Minute)
	code.IssuedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	assert.Nil(t, got)
	assert.True(t,
		errors.Is(err, storage.ErrAuthorizationCodeExpired) || errors.Is(err, storage.ErrAuthorizationCodeNotFound),
		"expired code must not be consumable, got %v", err)
}

func testConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := testutil.AuthorizationCode("client", 5*time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 50
	var successes, reuses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reuses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one consumer may win")
	assert.Equal(t, int32(workers-1), reuses.Load())
}

func newValue() string { return oauth2.GenerateVerifier() }

func testTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	value := newValue()
	record := testutil.TokenRecord(value, storage.TokenTypeAccess, "client", uuid.NewString(), time.Hour)
	record.Claims = map[string]any{"roles": []any{"user"}}
	require.NoError(t, s.SaveToken(ctx, record))

	got, err := s.GetToken(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.GrantID, got.GrantID)
	assert.Equal(t, storage.TokenTypeAccess, got.Type)
	assert.Equal(t, []any{"user"}, got.Claims["roles"])
	assert.False(t, got.Revoked)

	_, err = s.GetToken(ctx, newValue())
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	expiredValue := newValue()
	expired := testutil.TokenRecord(expiredValue, storage.TokenTypeAccess, "client", uuid.NewString(), -time.Minute)
	expired.IssuedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.SaveToken(ctx, expired))
	_, err = s.GetToken(ctx, expiredValue)
	assert.True(t,
		errors.Is(err, storage.ErrTokenExpired) || errors.Is(err, storage.ErrTokenNotFound),
		"expired token must not be returned, got %v", err)
}

func testRevokeAccessToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grantID := uuid.NewString()
	access, refresh := newValue(), newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(access, storage.TokenTypeAccess, "client", grantID, time.Hour)))
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(refresh, storage.TokenTypeRefresh, "client", grantID, time.Hour)))

	n, err := s.RevokeToken(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetToken(ctx, access)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	got, err = s.GetToken(ctx, refresh)
	require.NoError(t, err)
	assert.False(t, got.Revoked, "revoking an access token must leave the refresh token alone")

	_, err = s.RevokeToken(ctx, newValue())
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testRevokeRefreshCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grantID, otherGrant := uuid.NewString(), uuid.NewString()
	access, refresh, id, other := newValue(), newValue(), newValue(), newValue()

	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(access, storage.TokenTypeAccess, "client", grantID, time.Hour)))
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(refresh, storage.TokenTypeRefresh, "client", grantID, time.Hour)))
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(id, storage.TokenTypeID, "client", grantID, time.Hour)))
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(other, storage.TokenTypeAccess, "client", otherGrant, time.Hour)))

	n, err := s.RevokeToken(ctx, refresh)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, v := range []string{access, refresh, id} {
		got, err := s.GetToken(ctx, v)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	}
	got, err := s.GetToken(ctx, other)
	require.NoError(t, err)
	assert.False(t, got.Revoked, "other lineages are untouched")

	n, err = s.RevokeGrant(ctx, grantID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already revoked tokens are not counted again")
}

func testRevokedGrantRevokesLaterTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grantID := uuid.NewString()

	n, err := s.RevokeGrant(ctx, grantID)
	require.NoError(t, err)
	assert.Zero(t, n)

	late := newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(late, storage.TokenTypeAccess, "client", grantID, time.Hour)))
	got, err := s.GetToken(ctx, late)
	require.NoError(t, err)
	assert.True(t, got.Revoked, "a token minted into a revoked lineage is born revoked")

	unrelated := newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(unrelated, storage.TokenTypeAccess, "client", "", time.Hour)))
	got, err = s.GetToken(ctx, unrelated)
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	n, err = s.RevokeGrant(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testRotateRefreshToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grantID := uuid.NewString()
	refresh := newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(refresh, storage.TokenTypeRefresh, "client", grantID, time.Hour)))

	record, err := s.RotateRefreshToken(ctx, refresh)
	require.NoError(t, err)
	assert.Equal(t, grantID, record.GrantID)

	again, err := s.RotateRefreshToken(ctx, refresh)
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, again)
	assert.Equal(t, grantID, again.GrantID)

	access := newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(access, storage.TokenTypeAccess, "client", grantID, time.Hour)))
	_, err = s.RotateRefreshToken(ctx, access)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "access tokens cannot be rotated")

	_, err = s.RotateRefreshToken(ctx, newValue())
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testConcurrentRotate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	refresh := newValue()
	require.NoError(t, s.SaveToken(ctx, testutil.TokenRecord(refresh, storage.TokenTypeRefresh, "client", uuid.NewString(), time.Hour)))

	const workers = 20
	var successes atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RotateRefreshToken(ctx, refresh); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}
