package storage

import (
	"context"
	"slices"
	"time"
)

// Client authentication methods
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Access token formats
const (
	TokenFormatJWT       = "jwt"
	TokenFormatReference = "reference"
)

// TokenType distinguishes the records held by a RecordStore.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access_token"
	TokenTypeRefresh TokenType = "refresh_token"
	TokenTypeID      TokenType = "id_token"
)

// RevokedGrantRetention is how long a revoked lineage keeps revoking tokens
// saved into it. It covers a mint racing with reuse detection.
const RevokedGrantRetention = time.Hour

// PKCE challenge methods
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Client is a registered OAuth2 client. It is immutable once loaded for a
// request and changes only through registry administration.
type Client struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"` // bcrypt, empty for public clients
	ClientName       string    `json:"client_name,omitempty"`
	AuthMethods      []string  `json:"auth_methods"`
	GrantTypes       []string  `json:"grant_types"`
	RedirectURIs     []string  `json:"redirect_uris"`
	Scopes           []string  `json:"scopes"`
	RequireProofKey  bool      `json:"require_proof_key"`
	RequireConsent   bool      `json:"require_consent"`
	CreatedAt        time.Time `json:"created_at"`

	// AccessTokenFormat is TokenFormatJWT or TokenFormatReference
	AccessTokenFormat string `json:"access_token_format"`

	// Lifetimes in seconds. Zero means the server default.
	AccessTokenTTL  int64 `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL int64 `json:"refresh_token_ttl,omitempty"`
	IDTokenTTL      int64 `json:"id_token_ttl,omitempty"`

	// ReuseRefreshTokens disables refresh token rotation for this client
	ReuseRefreshTokens bool `json:"reuse_refresh_tokens,omitempty"`
}

// IsConfidential reports whether the client holds a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientSecretHash != ""
}

// AllowsGrant reports whether grantType is registered for the client.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsAuthMethod reports whether method is registered for the client.
func (c *Client) AllowsAuthMethod(method string) bool {
	return slices.Contains(c.AuthMethods, method)
}

// AuthorizationCode is the persisted state of one authorization transaction.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	GrantID             string    `json:"grant_id"`
	ClientID            string    `json:"client_id"`
	PrincipalName       string    `json:"principal_name"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
	ConsumedAt          time.Time `json:"consumed_at,omitzero"`
}

// Consent is the set of scopes a principal approved for a client.
type Consent struct {
	ClientID      string    `json:"client_id"`
	PrincipalName string    `json:"principal_name"`
	Scopes        []string  `json:"scopes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TokenRecord is the server-side record of an issued token.
type TokenRecord struct {
	// ID is a UUID, also used as the JWT jti
	ID string `json:"id"`

	// Key is HashToken(value); the value itself is never stored
	Key string `json:"key"`

	Type          TokenType      `json:"type"`
	Format        string         `json:"format"`
	ClientID      string         `json:"client_id"`
	PrincipalName string         `json:"principal_name"`
	Scopes        []string       `json:"scopes"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Claims        map[string]any `json:"claims,omitempty"`

	// GrantID links every token minted from one authorization
	GrantID string `json:"grant_id"`

	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

// Principal is an end user known to the server.
type Principal struct {
	Name         string   `json:"name"`
	GivenName    string   `json:"given_name,omitempty"`
	FamilyName   string   `json:"family_name,omitempty"`
	Email        string   `json:"email,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	PasswordHash string   `json:"password_hash,omitempty"`
}

// ClientStore persists registered clients.
type ClientStore interface {
	// CreateClient stores client unless its ID is taken, in which case it
	// returns ErrClientExists. The check and insert are atomic.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrClientNotFound. Lookup is exact and
	// case-sensitive.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret compares secret against the stored bcrypt hash.
	// Unknown clients are compared against a dummy hash so the call takes the
	// same time either way. Failure is ErrInvalidClientCredentials.
	ValidateClientSecret(ctx context.Context, clientID, secret string) error

	// ListClients returns every registered client
	ListClients(ctx context.Context) ([]*Client, error)
}

// ConsentStore persists approved scopes per (client, principal).
type ConsentStore interface {
	// GetConsent returns the stored consent or ErrConsentNotFound
	GetConsent(ctx context.Context, clientID, principalName string) (*Consent, error)

	// AddConsent unions scopes into the stored set atomically
	AddConsent(ctx context.Context, clientID, principalName string, scopes []string) error
}

// PrincipalStore persists end users.
type PrincipalStore interface {
	SavePrincipal(ctx context.Context, principal *Principal) error
	GetPrincipal(ctx context.Context, name string) (*Principal, error)
}

// RecordStore persists authorization codes and issued tokens.
type RecordStore interface {
	// SaveAuthorizationCode stores a fresh code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns a copy of the code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode marks the code consumed and returns it, in one
	// atomic step. A code that was already consumed is returned together with
	// ErrAuthorizationCodeUsed so the caller can revoke its lineage. Absent
	// codes return ErrAuthorizationCodeNotFound, expired ones
	// ErrAuthorizationCodeExpired.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// SaveToken stores a token record. record.Key must be HashToken(value).
	SaveToken(ctx context.Context, record *TokenRecord) error

	// GetToken looks up a token by its value. Expired records return
	// ErrTokenExpired; revoked ones are returned with Revoked set.
	GetToken(ctx context.Context, value string) (*TokenRecord, error)

	// RevokeToken revokes a token by value and returns how many records were
	// revoked. Refresh tokens revoke their whole lineage, as RevokeGrant does.
	RevokeToken(ctx context.Context, value string) (int, error)

	// RevokeGrant revokes every token of a lineage. The lineage stays marked
	// revoked for RevokedGrantRetention, and tokens saved into it meanwhile
	// are stored revoked.
	RevokeGrant(ctx context.Context, grantID string) (int, error)

	// RotateRefreshToken atomically revokes an active refresh token and
	// returns its record. A token that was already revoked returns the record
	// together with ErrTokenRevoked.
	RotateRefreshToken(ctx context.Context, value string) (*TokenRecord, error)
}

// Store is the union implemented by the full backends.
type Store interface {
	ClientStore
	ConsentStore
	PrincipalStore
	RecordStore
}
