package server

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/storage"
)

func exchange(srv *Server, creds ClientCredentials, code, verifier string) (*TokenResult, error) {
	return srv.Token(context.Background(), TokenRequest{
		Client: creds,
		Grant: AuthorizationCodeGrant{
			Code:         code,
			RedirectURI:  testutil.RedirectURI,
			CodeVerifier: verifier,
		},
	})
}

func refresh(srv *Server, creds ClientCredentials, token string, scopes ...string) (*TokenResult, error) {
	return srv.Token(context.Background(), TokenRequest{
		Client: creds,
		Grant:  RefreshTokenGrant{RefreshToken: token, Scopes: scopes},
	})
}

func unverifiedClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	return claims
}

func mustExchange(t *testing.T, srv *Server, creds ClientCredentials, code, verifier string) *TokenResult {
	t.Helper()
	result, err := exchange(srv, creds, code, verifier)
	if err != nil {
		t.Fatalf("Token(authorization_code) error = %v", err)
	}
	return result
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	code := issueCode(t, srv, "confidential-client", "openid profile offline_access", "")
	result := mustExchange(t, srv, basicCreds("confidential-client"), code, "")

	if result.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", result.TokenType)
	}
	if result.ExpiresIn != DefaultAccessTokenTTL {
		t.Errorf("ExpiresIn = %d, want %d", result.ExpiresIn, DefaultAccessTokenTTL)
	}
	if result.AccessToken == "" || result.RefreshToken == "" || result.IDToken == "" {
		t.Fatalf("expected access, refresh and ID tokens, got %+v", result)
	}
	if diff := cmp.Diff([]string{"openid", "profile", "offline_access"}, result.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}

	for name, value := range map[string]string{
		"access":  result.AccessToken,
		"refresh": result.RefreshToken,
		"id":      result.IDToken,
	} {
		record, err := store.GetToken(ctx, value)
		if err != nil {
			t.Fatalf("GetToken(%s) error = %v", name, err)
		}
		if record.GrantID != result.GrantID {
			t.Errorf("%s token GrantID = %q, want %q", name, record.GrantID, result.GrantID)
		}
		if record.Key != storage.HashToken(value) {
			t.Errorf("%s token is not keyed by its hash", name)
		}
	}

	access := unverifiedClaims(t, result.AccessToken)
	if access["iss"] != testIssuer || access["sub"] != "user" || access["client_id"] != "confidential-client" {
		t.Errorf("access token claims = %v", access)
	}
	if access["scope"] != "openid profile offline_access" {
		t.Errorf("scope claim = %v", access["scope"])
	}

	id := unverifiedClaims(t, result.IDToken)
	if id["aud"] != "confidential-client" || id["azp"] != "confidential-client" {
		t.Errorf("ID token audience = %v / %v", id["aud"], id["azp"])
	}
	if id["nonce"] != "n-0S6_WzA2Mj" {
		t.Errorf("nonce = %v", id["nonce"])
	}
	if id["given_name"] != "Demo" {
		t.Errorf("given_name = %v, want Demo for the profile scope", id["given_name"])
	}
	if _, ok := id["email"]; ok {
		t.Error("email was not requested")
	}
	if _, ok := id["auth_time"]; !ok {
		t.Error("auth_time should be set")
	}
}

func TestServer_ExchangeAuthorizationCode_OptionalTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicCreds("confidential-client")

	result := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid profile", ""), "")
	if result.RefreshToken != "" {
		t.Error("no refresh token without offline_access")
	}
	if result.IDToken == "" {
		t.Error("openid should yield an ID token")
	}

	result = mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "profile offline_access", ""), "")
	if result.IDToken != "" {
		t.Error("no ID token without openid")
	}
	if result.RefreshToken == "" {
		t.Error("offline_access should yield a refresh token")
	}
}

func TestServer_ExchangeAuthorizationCode_PKCE(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{name: "matching verifier", verifier: verifier},
		{name: "wrong verifier", verifier: otherVerifier, wantErr: true},
		{name: "missing verifier", verifier: "", wantErr: true},
		{name: "short verifier", verifier: verifier[:42], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			code := issueCode(t, srv, "public-client", "openid", challenge)

			result, err := exchange(srv, publicCreds("public-client"), code, tt.verifier)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGrant) {
					t.Errorf("Token() error = %v, want invalid_grant", err)
				}
				// A failed verifier leaves the code redeemable by its owner.
				if _, err := exchange(srv, publicCreds("public-client"), code, verifier); err != nil {
					t.Errorf("retry with the right verifier error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if result.AccessToken == "" {
				t.Error("AccessToken should be set")
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode_VerifierWithoutChallenge(t *testing.T) {
	srv, _ := newTestServer(t)
	_, verifier := testutil.GeneratePKCEPair()

	code := issueCode(t, srv, "confidential-client", "openid", "")
	if _, err := exchange(srv, basicCreds("confidential-client"), code, verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Token() error = %v, want invalid_grant", err)
	}
}

func TestServer_ExchangeAuthorizationCode_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		exchange func(srv *Server, code string) error
		wantErr  error
		// burned reports whether the owner can no longer redeem the code.
		burned bool
		// noRetry skips the follow-up exchange by the owner.
		noRetry bool
	}{
		{
			name: "redirect_uri mismatch",
			exchange: func(srv *Server, code string) error {
				_, err := srv.Token(context.Background(), TokenRequest{
					Client: basicCreds("confidential-client"),
					Grant:  AuthorizationCodeGrant{Code: code, RedirectURI: testutil.OtherRedirectURI},
				})
				return err
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "redirect_uri omitted",
			exchange: func(srv *Server, code string) error {
				_, err := srv.Token(context.Background(), TokenRequest{
					Client: basicCreds("confidential-client"),
					Grant:  AuthorizationCodeGrant{Code: code},
				})
				return err
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "another client",
			exchange: func(srv *Server, code string) error {
				_, err := exchange(srv, basicCreds("other-client"), code, "")
				return err
			},
			wantErr: ErrInvalidGrant,
			burned:  true,
		},
		{
			name: "unknown code",
			exchange: func(srv *Server, _ string) error {
				_, err := exchange(srv, basicCreds("confidential-client"), "not-a-code", "")
				return err
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "empty code",
			exchange: func(srv *Server, _ string) error {
				_, err := exchange(srv, basicCreds("confidential-client"), "", "")
				return err
			},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "expired code",
			exchange: func(srv *Server, code string) error {
				srv.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
				_, err := exchange(srv, basicCreds("confidential-client"), code, "")
				return err
			},
			wantErr: ErrInvalidGrant,
			noRetry: true,
		},
		{
			name: "bad client secret",
			exchange: func(srv *Server, code string) error {
				creds := basicCreds("confidential-client")
				creds.Secret = "wrong"
				_, err := exchange(srv, creds, code, "")
				return err
			},
			wantErr: ErrInvalidClientAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := newTestServer(t)
			mustAddClient(t, store, testutil.ConfidentialClient(t, "other-client"))
			code := issueCode(t, srv, "confidential-client", "openid", "")

			if err := tt.exchange(srv, code); !errors.Is(err, tt.wantErr) {
				t.Errorf("Token() error = %v, want %v", err, tt.wantErr)
			}
			if tt.noRetry {
				return
			}

			_, err := exchange(srv, basicCreds("confidential-client"), code, "")
			switch {
			case tt.burned && !errors.Is(err, ErrInvalidGrant):
				t.Errorf("owner exchange error = %v, want invalid_grant", err)
			case !tt.burned && err != nil:
				t.Errorf("owner exchange error = %v, want success", err)
			}
		})
	}
}

func TestServer_AuthorizationCodeReuseRevokesLineage(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	creds := basicCreds("confidential-client")

	code := issueCode(t, srv, "confidential-client", "openid offline_access", "")
	first := mustExchange(t, srv, creds, code, "")

	if _, err := srv.ValidateAccessToken(ctx, first.AccessToken); err != nil {
		t.Fatalf("ValidateAccessToken() before reuse error = %v", err)
	}

	if _, err := exchange(srv, creds, code, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second exchange error = %v, want invalid_grant", err)
	}

	if _, err := srv.ValidateAccessToken(ctx, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateAccessToken() after reuse error = %v, want invalid_token", err)
	}
	if _, err := refresh(srv, creds, first.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("refresh after reuse error = %v, want invalid_grant", err)
	}
}

func TestServer_Token_Dispatch(t *testing.T) {
	srv, _ := newTestServer(t)

	if _, err := srv.Token(context.Background(), TokenRequest{Client: basicCreds("confidential-client")}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil grant error = %v, want invalid_request", err)
	}

	_, err := srv.Token(context.Background(), TokenRequest{
		Client: basicCreds("confidential-client"),
		Grant:  ClientCredentialsGrant{},
	})
	if !errors.Is(err, ErrUnauthorizedClient) {
		t.Errorf("unregistered grant error = %v, want unauthorized_client", err)
	}
}

func TestServer_RefreshTokenRotation(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid profile offline_access", ""), "")

	second, err := refresh(srv, creds, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}
	if second.GrantID != first.GrantID {
		t.Error("the rotated token stays in the lineage")
	}
	if second.IDToken == "" {
		t.Error("refresh with openid should mint an ID token")
	}

	old, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !old.Revoked {
		t.Error("the rotated refresh token should be revoked")
	}

	third, err := refresh(srv, creds, second.RefreshToken)
	if err != nil {
		t.Fatalf("refresh of the successor error = %v", err)
	}

	// Presenting the first token again is reuse: the lineage goes.
	if _, err := refresh(srv, creds, first.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("reuse error = %v, want invalid_grant", err)
	}
	if _, err := refresh(srv, creds, third.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("refresh after reuse error = %v, want invalid_grant", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, third.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token after reuse error = %v, want invalid_token", err)
	}
}

func TestServer_RefreshToken_KeepsAuthTime(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid offline_access", ""), "")
	second, err := refresh(srv, creds, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}

	want := unverifiedClaims(t, first.IDToken)["auth_time"]
	if got := unverifiedClaims(t, second.IDToken)["auth_time"]; got != want {
		t.Errorf("auth_time = %v, want %v", got, want)
	}
}

func TestServer_RefreshToken_WithoutRotation(t *testing.T) {
	tests := []struct {
		name   string
		config func(*Config)
		client func(*storage.Client)
	}{
		{
			name: "rotation disabled",
			config: func(c *Config) {
				c.RotateRefreshTokens = false
				c.AuditEnabled = true
			},
			client: func(*storage.Client) {},
		},
		{
			name:   "client opts out",
			config: func(*Config) {},
			client: func(c *storage.Client) { c.ReuseRefreshTokens = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := newTestServer(t, tt.config)
			client := testutil.ConfidentialClient(t, "reuse-client")
			tt.client(client)
			mustAddClient(t, store, client)
			creds := basicCreds("reuse-client")

			first := mustExchange(t, srv, creds, issueCode(t, srv, "reuse-client", "openid offline_access", ""), "")
			for i := range 2 {
				next, err := refresh(srv, creds, first.RefreshToken)
				if err != nil {
					t.Fatalf("refresh %d error = %v", i, err)
				}
				if next.RefreshToken != first.RefreshToken {
					t.Errorf("refresh %d returned a new refresh token", i)
				}
				if next.AccessToken == first.AccessToken {
					t.Errorf("refresh %d returned the old access token", i)
				}
			}
		})
	}
}

func TestServer_RefreshToken_Scopes(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid profile offline_access", ""), "")

	if _, err := refresh(srv, creds, first.RefreshToken, "openid", "email"); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("broader scope error = %v, want invalid_scope", err)
	}

	narrowed, err := refresh(srv, creds, first.RefreshToken, "profile")
	if err != nil {
		t.Fatalf("narrowed refresh error = %v", err)
	}
	if diff := cmp.Diff([]string{"profile"}, narrowed.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
	if narrowed.IDToken != "" {
		t.Error("no ID token once openid is narrowed away")
	}

	successor, err := store.GetToken(ctx, narrowed.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !slices.Equal(successor.Scopes, first.Scopes) {
		t.Errorf("successor scopes = %v, want the original %v", successor.Scopes, first.Scopes)
	}
}

func TestServer_RefreshToken_Rejections(t *testing.T) {
	srv, store := newTestServer(t)
	mustAddClient(t, store, testutil.ConfidentialClient(t, "other-client"))
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid offline_access", ""), "")

	tests := []struct {
		name    string
		creds   ClientCredentials
		token   string
		wantErr error
	}{
		{name: "another client", creds: basicCreds("other-client"), token: first.RefreshToken, wantErr: ErrInvalidGrant},
		{name: "access token", creds: creds, token: first.AccessToken, wantErr: ErrInvalidGrant},
		{name: "unknown token", creds: creds, token: "nope", wantErr: ErrInvalidGrant},
		{name: "empty token", creds: creds, token: "", wantErr: ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := refresh(srv, tt.creds, tt.token); !errors.Is(err, tt.wantErr) {
				t.Errorf("refresh error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// None of the rejections revoked the lineage.
	if _, err := refresh(srv, creds, first.RefreshToken); err != nil {
		t.Errorf("refresh error = %v", err)
	}
}

func TestServer_RefreshToken_Expired(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid offline_access", ""), "")
	srv.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := refresh(srv, creds, first.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("refresh error = %v, want invalid_grant", err)
	}
}

func machineClient(t *testing.T, store storage.ClientStore) *storage.Client {
	t.Helper()
	return mustAddClient(t, store, &storage.Client{
		ClientID:          "machine",
		ClientSecretHash:  testutil.HashSecret(t, testutil.ClientSecret),
		AuthMethods:       []string{storage.AuthMethodClientSecretBasic},
		GrantTypes:        []string{storage.GrantTypeClientCredentials},
		Scopes:            []string{"openid", "message.read", "message.write"},
		AccessTokenFormat: storage.TokenFormatJWT,
	})
}

func TestServer_ClientCredentials(t *testing.T) {
	srv, store := newTestServer(t)
	machineClient(t, store)
	ctx := context.Background()

	result, err := srv.Token(ctx, TokenRequest{Client: basicCreds("machine"), Grant: ClientCredentialsGrant{}})
	if err != nil {
		t.Fatalf("Token(client_credentials) error = %v", err)
	}
	if result.RefreshToken != "" || result.IDToken != "" {
		t.Error("client_credentials issues an access token only")
	}
	if diff := cmp.Diff([]string{"message.read", "message.write"}, result.Scopes); diff != "" {
		t.Errorf("default scopes mismatch (-want +got):\n%s", diff)
	}

	record, err := srv.ValidateAccessToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if record.PrincipalName != "machine" {
		t.Errorf("PrincipalName = %q, want the client id", record.PrincipalName)
	}
	if claims := unverifiedClaims(t, result.AccessToken); claims["sub"] != "machine" {
		t.Errorf("sub = %v", claims["sub"])
	}

	narrowed, err := srv.Token(ctx, TokenRequest{
		Client: basicCreds("machine"),
		Grant:  ClientCredentialsGrant{Scopes: []string{"message.read"}},
	})
	if err != nil {
		t.Fatalf("Token(client_credentials) error = %v", err)
	}
	if diff := cmp.Diff([]string{"message.read"}, narrowed.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}

	_, err = srv.Token(ctx, TokenRequest{
		Client: basicCreds("machine"),
		Grant:  ClientCredentialsGrant{Scopes: []string{"message.delete"}},
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("unregistered scope error = %v, want invalid_scope", err)
	}
}

func TestServer_ReferenceAccessTokens(t *testing.T) {
	srv, store := newTestServer(t)
	client := testutil.ConfidentialClient(t, "opaque-client")
	client.AccessTokenFormat = storage.TokenFormatReference
	mustAddClient(t, store, client)
	ctx := context.Background()

	result := mustExchange(t, srv, basicCreds("opaque-client"), issueCode(t, srv, "opaque-client", "openid", ""), "")
	if looksLikeJWT(result.AccessToken) {
		t.Errorf("reference token %q looks like a JWT", result.AccessToken)
	}
	if !looksLikeJWT(result.IDToken) {
		t.Error("ID tokens are always JWTs")
	}

	record, err := srv.ValidateAccessToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if record.Format != storage.TokenFormatReference {
		t.Errorf("Format = %q", record.Format)
	}
}

func TestServer_ClientAccessTokenLifetime(t *testing.T) {
	srv, store := newTestServer(t)
	client := testutil.ConfidentialClient(t, "short-lived")
	client.AccessTokenTTL = 60
	mustAddClient(t, store, client)

	result := mustExchange(t, srv, basicCreds("short-lived"), issueCode(t, srv, "short-lived", "openid", ""), "")
	if result.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", result.ExpiresIn)
	}
	claims := unverifiedClaims(t, result.AccessToken)
	exp, _ := claims["exp"].(float64)
	iat, _ := claims["iat"].(float64)
	if exp-iat != 60 {
		t.Errorf("exp - iat = %v, want 60", exp-iat)
	}
}

func TestUnixClaim(t *testing.T) {
	want := time.Unix(1700000000, 0)
	for _, v := range []any{int64(1700000000), float64(1700000000), int(1700000000)} {
		if got := unixClaim(v); !got.Equal(want) {
			t.Errorf("unixClaim(%T) = %v", v, got)
		}
	}
	if !unixClaim("1700000000").IsZero() {
		t.Error("strings are not NumericDates")
	}
}
