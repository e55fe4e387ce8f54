package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/storage"
)

// Redirect URIs registered on the fixture clients
const (
	RedirectURI      = "http://127.0.0.1:9095/client/callback"
	OtherRedirectURI = "http://127.0.0.1:9095/client/authorized"
)

// ClientSecret is the plaintext secret of ConfidentialClient
const ClientSecret = "secret"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString returns a URL-safe random string of length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HashSecret bcrypt-hashes secret at minimum cost to keep tests fast
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// ConfidentialClient returns a client_secret_basic client holding ClientSecret
func ConfidentialClient(t testing.TB, clientID string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:          clientID,
		ClientSecretHash:  HashSecret(t, ClientSecret),
		ClientName:        clientID,
		AuthMethods:       []string{storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost},
		GrantTypes:        []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		RedirectURIs:      []string{RedirectURI, OtherRedirectURI},
		Scopes:            []string{"openid", "profile", "email", "offline_access"},
		AccessTokenFormat: storage.TokenFormatJWT,
		CreatedAt:         time.Now(),
	}
}

// PublicClient returns a PKCE-only client without a secret
func PublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:          clientID,
		AuthMethods:       []string{storage.AuthMethodNone},
		GrantTypes:        []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		RedirectURIs:      []string{RedirectURI},
		Scopes:            []string{"openid", "profile", "offline_access"},
		RequireProofKey:   true,
		AccessTokenFormat: storage.TokenFormatJWT,
		CreatedAt:         time.Now(),
	}
}

// Principal returns a demo user with password "password"
func Principal(t testing.TB, name string) *storage.Principal {
	t.Helper()
	return &storage.Principal{
		Name:         name,
		GivenName:    "Demo",
		FamilyName:   "User",
		Email:        name + "@example.com",
		Roles:        []string{"user"},
		PasswordHash: HashSecret(t, "password"),
	}
}

// AuthorizationCode returns an unconsumed code for clientID valid for ttl
func AuthorizationCode(clientID string, ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:          oauth2.GenerateVerifier(),
		GrantID:       uuid.NewString(),
		ClientID:      clientID,
		PrincipalName: "user",
		RedirectURI:   RedirectURI,
		Scopes:        []string{"openid", "offline_access"},
		State:         "xyz",
		AuthTime:      now,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
}

// TokenRecord returns a record for value in lineage grantID
func TokenRecord(value string, typ storage.TokenType, clientID, grantID string, ttl time.Duration) *storage.TokenRecord {
	now := time.Now()
	return &storage.TokenRecord{
		ID:            uuid.NewString(),
		Key:           storage.HashToken(value),
		Type:          typ,
		Format:        storage.TokenFormatReference,
		ClientID:      clientID,
		PrincipalName: "user",
		Scopes:        []string{"openid"},
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		GrantID:       grantID,
	}
}
