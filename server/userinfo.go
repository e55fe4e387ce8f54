package server

import (
	"context"
	"slices"

	"github.com/giantswarm/oidc-authserver/storage"
)

// userInfoClaims are projected from the access token onto the UserInfo
// response.
var userInfoClaims = []string{"given_name", "family_name", "email"}

// UserInfo returns the OIDC UserInfo claims for a bearer access token that
// was granted openid.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	record, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(record.Scopes, ScopeOpenID) {
		return nil, newError(KindInsufficientScope, "the access token was not granted openid")
	}

	info := map[string]any{ClaimSubject: record.PrincipalName}
	for _, name := range userInfoClaims {
		if v, ok := record.Claims[name]; ok {
			info[name] = v
		}
	}

	// Reference tokens of clients without customization carry no profile.
	if len(info) == 1 {
		s.fillFromPrincipal(ctx, info, record)
	}
	return info, nil
}

func (s *Server) fillFromPrincipal(ctx context.Context, info map[string]any, record *storage.TokenRecord) {
	principal, err := s.principalStore.GetPrincipal(ctx, record.PrincipalName)
	if err != nil {
		return
	}
	if slices.Contains(record.Scopes, "profile") {
		if principal.GivenName != "" {
			info["given_name"] = principal.GivenName
		}
		if principal.FamilyName != "" {
			info["family_name"] = principal.FamilyName
		}
	}
	if slices.Contains(record.Scopes, "email") && principal.Email != "" {
		info["email"] = principal.Email
	}
}
