package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authserver/storage"
)

// DefaultIssuer is the issuer of the demo deployment
const DefaultIssuer = "http://auth-server:9000"

// Demo client IDs seeded by DefaultBootstrapConfig
const (
	DemoClientID           = "demo-client"
	DemoPKCEClientID       = "demo-client-pkce"
	DemoOpaquePKCEClientID = "demo-opaque-client-pkce"
	DemoConsentClientID    = "demo-client-consent"

	// DemoClientSecret is the secret of every confidential demo client
	DemoClientSecret = "secret"
)

// DemoRedirectURIs are registered on every demo client
var DemoRedirectURIs = []string{
	"http://127.0.0.1:9095/client/callback",
	"http://127.0.0.1:9095/client/authorized",
	"http://127.0.0.1:9095/client",
}

// PrincipalSeed is a principal to create at startup with a plaintext password.
type PrincipalSeed struct {
	Name       string
	Password   string
	GivenName  string
	FamilyName string
	Email      string
	Roles      []string
}

// BootstrapConfig lists what Bootstrap seeds.
type BootstrapConfig struct {
	Clients    []ClientRegistration
	Principals []PrincipalSeed
}

// DefaultBootstrapConfig returns the demo clients and principals.
func DefaultBootstrapConfig() BootstrapConfig {
	oidcScopes := []string{"openid", "profile", "email", ScopeOfflineAccess}
	confidentialGrants := []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
		storage.GrantTypeClientCredentials,
	}
	// Public clients cannot authenticate, so they do not get client_credentials.
	publicGrants := []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	secretMethods := []string{storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost}

	return BootstrapConfig{
		Clients: []ClientRegistration{
			{
				ClientID:     DemoClientID,
				ClientName:   "Demo client",
				Secret:       DemoClientSecret,
				AuthMethods:  secretMethods,
				GrantTypes:   confidentialGrants,
				RedirectURIs: DemoRedirectURIs,
				Scopes:       oidcScopes,
			},
			{
				ClientID:        DemoPKCEClientID,
				ClientName:      "Demo public client",
				Public:          true,
				GrantTypes:      publicGrants,
				RedirectURIs:    DemoRedirectURIs,
				Scopes:          oidcScopes,
				RequireProofKey: true,
			},
			{
				ClientID:          DemoOpaquePKCEClientID,
				ClientName:        "Demo public client with opaque tokens",
				Public:            true,
				GrantTypes:        publicGrants,
				RedirectURIs:      DemoRedirectURIs,
				Scopes:            oidcScopes,
				RequireProofKey:   true,
				AccessTokenFormat: storage.TokenFormatReference,
			},
			{
				ClientID:       DemoConsentClientID,
				ClientName:     "Demo client with consent",
				Secret:         DemoClientSecret,
				AuthMethods:    secretMethods,
				GrantTypes:     confidentialGrants,
				RedirectURIs:   DemoRedirectURIs,
				Scopes:         oidcScopes,
				RequireConsent: true,
			},
		},
		Principals: []PrincipalSeed{
			{
				Name:       "user",
				Password:   "password",
				GivenName:  "Bruce",
				FamilyName: "Wayne",
				Email:      "bruce.wayne@example.com",
				Roles:      []string{"USER"},
			},
			{
				Name:       "admin",
				Password:   "admin",
				GivenName:  "Clark",
				FamilyName: "Kent",
				Email:      "clark.kent@example.com",
				Roles:      []string{"USER", "ADMIN"},
			},
		},
	}
}

// Bootstrap seeds clients and principals. Clients that already exist are
// left alone and principals are overwritten, so it is safe to run on every
// start.
func (s *Server) Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	for _, reg := range cfg.Clients {
		_, _, err := s.RegisterClient(ctx, reg)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateClientID):
			s.Logger.Debug("bootstrap client already registered", "client_id", reg.ClientID)
		default:
			return fmt.Errorf("failed to bootstrap client %q: %w", reg.ClientID, err)
		}
	}

	for _, seed := range cfg.Principals {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password of %q: %w", seed.Name, err)
		}
		principal := &storage.Principal{
			Name:         seed.Name,
			GivenName:    seed.GivenName,
			FamilyName:   seed.FamilyName,
			Email:        seed.Email,
			Roles:        seed.Roles,
			PasswordHash: string(hash),
		}
		if err := s.principalStore.SavePrincipal(ctx, principal); err != nil {
			return fmt.Errorf("failed to bootstrap principal %q: %w", seed.Name, err)
		}
	}

	s.Logger.Info("bootstrapped demo data",
		"clients", len(cfg.Clients),
		"principals", len(cfg.Principals))
	return nil
}

// AuthenticatePrincipal checks a username and password against the
// principal store. Unknown names cost one bcrypt comparison as well.
func (s *Server) AuthenticatePrincipal(ctx context.Context, name, password string) (*storage.Principal, error) {
	principal, err := s.principalStore.GetPrincipal(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrPrincipalNotFound) {
		return nil, internalError(err)
	}
	if !storage.VerifyPassword(principal, err, password) {
		s.Auditor.LogAuthFailure(name, "", "", "invalid_credentials")
		return nil, newError(KindAccessDenied, "invalid username or password")
	}
	return principal, nil
}
