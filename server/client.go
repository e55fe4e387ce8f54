package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/storage"
)

var (
	knownAuthMethods = []string{
		storage.AuthMethodNone,
		storage.AuthMethodClientSecretBasic,
		storage.AuthMethodClientSecretPost,
	}
	knownGrantTypes = []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
		storage.GrantTypeClientCredentials,
	}
)

// ClientRegistration describes a client to add to the registry. Empty
// fields get defaults: a UUID client ID, client_secret_basic (or none when
// Public is set), the authorization_code grant and JWT access tokens.
type ClientRegistration struct {
	ClientID     string
	ClientName   string
	Public       bool
	Secret       string // generated for confidential clients when empty
	AuthMethods  []string
	GrantTypes   []string
	RedirectURIs []string
	Scopes       []string

	RequireProofKey   bool
	RequireConsent    bool
	AccessTokenFormat string

	AccessTokenTTL     int64
	RefreshTokenTTL    int64
	IDTokenTTL         int64
	ReuseRefreshTokens bool
}

// ClientCredentials is what a client presented at the token, revocation or
// introspection endpoint.
type ClientCredentials struct {
	ClientID string
	Secret   string
	Method   string // one of the storage.AuthMethod* values
}

// RegisterClient validates reg and adds it to the registry. It returns the
// stored client and the plaintext secret, which is not recoverable later.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	applyRegistrationDefaults(&reg)
	if err := s.validateRegistration(&reg); err != nil {
		return nil, "", err
	}

	secret := reg.Secret
	if !reg.Public && secret == "" {
		secret = generateRandomToken()
	}
	var secretHash string
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", internalError(fmt.Errorf("failed to hash client secret: %w", err))
		}
		secretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:           reg.ClientID,
		ClientSecretHash:   secretHash,
		ClientName:         reg.ClientName,
		AuthMethods:        reg.AuthMethods,
		GrantTypes:         reg.GrantTypes,
		RedirectURIs:       reg.RedirectURIs,
		Scopes:             reg.Scopes,
		RequireProofKey:    reg.RequireProofKey,
		RequireConsent:     reg.RequireConsent,
		AccessTokenFormat:  reg.AccessTokenFormat,
		AccessTokenTTL:     reg.AccessTokenTTL,
		RefreshTokenTTL:    reg.RefreshTokenTTL,
		IDTokenTTL:         reg.IDTokenTTL,
		ReuseRefreshTokens: reg.ReuseRefreshTokens,
		CreatedAt:          s.now(),
	}

	if err := s.clientStore.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, "", newError(KindDuplicateClientID, "client %q is already registered", reg.ClientID)
		}
		return nil, "", internalError(fmt.Errorf("failed to save client: %w", err))
	}

	s.metrics().RecordClientRegistration(ctx, client.IsConfidential())
	s.Auditor.LogClientRegistered(client.ClientID, client.IsConfidential())
	s.Logger.Info("registered client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_methods", client.AuthMethods,
		"grant_types", client.GrantTypes)

	if reg.Secret != "" {
		// The caller already knows it.
		return client, "", nil
	}
	return client, secret, nil
}

func applyRegistrationDefaults(reg *ClientRegistration) {
	if reg.ClientID == "" {
		reg.ClientID = uuid.NewString()
	}
	if len(reg.AuthMethods) == 0 {
		if reg.Public {
			reg.AuthMethods = []string{storage.AuthMethodNone}
		} else {
			reg.AuthMethods = []string{storage.AuthMethodClientSecretBasic}
		}
	}
	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = []string{storage.GrantTypeAuthorizationCode}
	}
	if reg.AccessTokenFormat == "" {
		reg.AccessTokenFormat = storage.TokenFormatJWT
	}
}

func (s *Server) validateRegistration(reg *ClientRegistration) error {
	var errs []error

	for _, m := range reg.AuthMethods {
		if !slices.Contains(knownAuthMethods, m) {
			errs = append(errs, fmt.Errorf("unknown auth method %q", m))
		}
	}
	for _, g := range reg.GrantTypes {
		if !slices.Contains(knownGrantTypes, g) {
			errs = append(errs, fmt.Errorf("unknown grant type %q", g))
		}
	}

	if reg.Public {
		if reg.Secret != "" {
			errs = append(errs, errors.New("public clients cannot have a secret"))
		}
		if slices.ContainsFunc(reg.AuthMethods, func(m string) bool { return m != storage.AuthMethodNone }) {
			errs = append(errs, errors.New("a client without a secret may only use auth method none"))
		}
		if slices.Contains(reg.GrantTypes, storage.GrantTypeClientCredentials) {
			errs = append(errs, errors.New("client_credentials requires a confidential client"))
		}
	} else if slices.Contains(reg.AuthMethods, storage.AuthMethodNone) {
		errs = append(errs, errors.New("confidential clients cannot use auth method none"))
	}

	if slices.Contains(reg.GrantTypes, storage.GrantTypeAuthorizationCode) && len(reg.RedirectURIs) == 0 {
		errs = append(errs, errors.New("authorization_code clients need at least one redirect URI"))
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRegisteredRedirectURI(uri); err != nil {
			errs = append(errs, err)
		}
	}

	if reg.AccessTokenFormat != storage.TokenFormatJWT && reg.AccessTokenFormat != storage.TokenFormatReference {
		errs = append(errs, fmt.Errorf("unknown access token format %q", reg.AccessTokenFormat))
	}

	errs = append(errs,
		validateClientLifetime("AccessTokenTTL", reg.AccessTokenTTL, s.Config.MaxAccessTokenTTL),
		validateClientLifetime("IDTokenTTL", reg.IDTokenTTL, s.Config.MaxAccessTokenTTL),
		validateClientLifetime("RefreshTokenTTL", reg.RefreshTokenTTL, s.Config.MaxRefreshTokenTTL),
	)

	if err := errors.Join(errs...); err != nil {
		return &Error{Kind: KindInvalidRequest, Description: "invalid client registration", Cause: err}
	}
	return nil
}

// GetClient returns the registered client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, newError(KindClientNotFound, "unknown client")
		}
		return nil, internalError(err)
	}
	return client, nil
}

// ListClients returns every registered client
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	clients, err := s.clientStore.ListClients(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return clients, nil
}

// AuthenticateClient checks creds and returns the authenticated client.
// Secrets are compared with bcrypt; unknown clients are compared against a
// dummy hash so failures take the same time.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials) (*storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "server.AuthenticateClient")
	defer span.End()

	fail := func(reason string) error {
		s.metrics().RecordClientAuthFailed(ctx, creds.Method)
		s.Auditor.LogAuthFailure("", creds.ClientID, "", reason)
		s.Logger.Debug("client authentication failed", "client_id", creds.ClientID, "method", creds.Method, "reason", reason)
		return newError(KindInvalidClientAuthentication, "client authentication failed")
	}

	if creds.ClientID == "" {
		return nil, fail("missing_client_id")
	}

	client, lookupErr := s.clientStore.GetClient(ctx, creds.ClientID)
	if lookupErr != nil && !errors.Is(lookupErr, storage.ErrClientNotFound) {
		return nil, internalError(lookupErr)
	}

	switch creds.Method {
	case storage.AuthMethodNone:
		if lookupErr != nil {
			return nil, fail("unknown_client")
		}
		if client.IsConfidential() || !client.AllowsAuthMethod(storage.AuthMethodNone) {
			return nil, fail("auth_method_not_allowed")
		}
		return client, nil

	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		if err := storage.VerifyClientSecret(client, lookupErr, creds.Secret); err != nil {
			return nil, fail("invalid_secret")
		}
		if !client.AllowsAuthMethod(creds.Method) {
			return nil, fail("auth_method_not_allowed")
		}
		return client, nil

	default:
		return nil, fail("unknown_auth_method")
	}
}

// clientTTL returns the client's override, or the server default.
func clientTTL(override, def int64) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Second
	}
	return time.Duration(def) * time.Second
}
