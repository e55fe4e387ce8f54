package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/storage"
)

// ScopeOpenID marks an OIDC request. It never needs consent.
const ScopeOpenID = "openid"

// ScopeOfflineAccess asks for a refresh token
const ScopeOfflineAccess = "offline_access"

// IsApproved reports whether principal already approved every scope in
// scopes for clientID. A missing record or a store error means false.
func (s *Server) IsApproved(ctx context.Context, clientID, principal string, scopes []string) bool {
	consent, err := s.consentStore.GetConsent(ctx, clientID, principal)
	if err != nil {
		if !errors.Is(err, storage.ErrConsentNotFound) {
			s.Logger.Error("failed to load consent", "client_id", clientID, "error", err)
		}
		return false
	}
	return util.ContainsAll(consent.Scopes, scopes)
}

// RecordApproval unions scopes into the stored approval of principal for
// clientID.
func (s *Server) RecordApproval(ctx context.Context, clientID, principal string, scopes []string) error {
	if len(scopes) == 0 {
		return nil
	}
	if err := s.consentStore.AddConsent(ctx, clientID, principal, scopes); err != nil {
		return internalError(fmt.Errorf("failed to record consent: %w", err))
	}
	return nil
}

// consentScopes are the requested scopes that need a consent decision.
func consentScopes(requested []string) []string {
	return slices.DeleteFunc(slices.Clone(requested), func(s string) bool { return s == ScopeOpenID })
}

// needsConsent reports whether the principal must see a consent prompt
// before a code is issued for scopes.
func (s *Server) needsConsent(ctx context.Context, client *storage.Client, principal string, scopes []string) bool {
	if !client.RequireConsent {
		return false
	}
	pending := consentScopes(scopes)
	if len(pending) == 0 {
		return false
	}
	return !s.IsApproved(ctx, client.ClientID, principal, pending)
}
