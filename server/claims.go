package server

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// ClaimsCustomizer adjusts the claims of an access or ID token before it is
// signed. It receives a copy of the draft and returns the claims to use.
// Protected claims are restored afterwards, and an error or panic leaves the
// draft unchanged. A "typ" entry on an access token is moved into the JOSE
// header instead of the payload.
//
// p is nil for client_credentials tokens.
type ClaimsCustomizer func(p *storage.Principal, t storage.TokenType, draft map[string]any) (map[string]any, error)

// Claim names set by the issuer
const (
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimExpiry    = "exp"
	ClaimIssuedAt  = "iat"
	ClaimNotBefore = "nbf"
	ClaimJWTID     = "jti"
	ClaimScope     = "scope"
	ClaimClientID  = "client_id"
	ClaimAuthTime  = "auth_time"
	ClaimAZP       = "azp"
	ClaimNonce     = "nonce"

	// ClaimHeaderType is read from customized access token claims and used
	// as the JOSE typ header.
	ClaimHeaderType = "typ"
)

// protectedClaims cannot be changed by a ClaimsCustomizer.
var protectedClaims = []string{
	ClaimIssuer, ClaimSubject, ClaimAudience, ClaimExpiry, ClaimIssuedAt, ClaimJWTID, ClaimNotBefore,
}

// PrincipalClaims is the default customizer. It copies the principal's
// roles and profile onto access tokens and switches their header to typ=jwt.
func PrincipalClaims(p *storage.Principal, t storage.TokenType, draft map[string]any) (map[string]any, error) {
	if p == nil || t != storage.TokenTypeAccess {
		return draft, nil
	}
	if len(p.Roles) > 0 {
		draft["roles"] = p.Roles
	}
	if p.GivenName != "" {
		draft["given_name"] = p.GivenName
	}
	if p.FamilyName != "" {
		draft["family_name"] = p.FamilyName
	}
	if p.Email != "" {
		draft["email"] = p.Email
	}
	draft[ClaimHeaderType] = "jwt"
	return draft, nil
}

func (s *Server) customizer() ClaimsCustomizer {
	s.customizerMu.RLock()
	defer s.customizerMu.RUnlock()
	return s.claimsCustomizer
}

// customizeClaims runs the customizer over a copy of draft. It never fails:
// errors and panics fall back to draft.
func (s *Server) customizeClaims(ctx context.Context, p *storage.Principal, t storage.TokenType, draft map[string]any) (claims map[string]any) {
	hook := s.customizer()
	if hook == nil {
		return draft
	}

	clientID, _ := draft[ClaimAudience].(string)
	fallback := func(reason string, cause any) map[string]any {
		s.Logger.Warn("claims customization failed, using default claims",
			"client_id", clientID,
			"token_type", string(t),
			"error", fmt.Sprint(cause))
		s.metrics().RecordClaimsCustomizationFailed(ctx, string(t))
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventClaimsCustomizationFailed,
			ClientID: clientID,
			Details:  map[string]any{"token_type": string(t), "reason": reason},
		})
		return draft
	}

	defer func() {
		if r := recover(); r != nil {
			claims = fallback("panic", r)
		}
	}()

	out, err := hook(p, t, maps.Clone(draft))
	if err != nil {
		return fallback("error", err)
	}
	if out == nil {
		return draft
	}

	for _, name := range protectedClaims {
		orig, had := draft[name]
		if got, ok := out[name]; ok != had || !reflect.DeepEqual(got, orig) {
			s.Logger.Warn("claims customizer changed a protected claim, restoring it",
				"client_id", clientID,
				"claim", name)
		}
		if had {
			out[name] = orig
		} else {
			delete(out, name)
		}
	}
	return out
}

// splitHeaderType removes ClaimHeaderType from claims and returns it, or def
// when it is absent.
func splitHeaderType(claims map[string]any, def string) string {
	v, ok := claims[ClaimHeaderType]
	if !ok {
		return def
	}
	delete(claims, ClaimHeaderType)
	if typ, ok := v.(string); ok && typ != "" {
		return typ
	}
	return def
}
