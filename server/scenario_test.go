package server

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/storage"
)

const appCallback = "https://app/cb"

// registerC1 registers the confidential scenario client through the public
// API, the way an operator would.
func registerC1(t *testing.T, srv *Server) ClientCredentials {
	t.Helper()
	_, secret, err := srv.RegisterClient(context.Background(), ClientRegistration{
		ClientID:       "c1",
		GrantTypes:     []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		RedirectURIs:   []string{appCallback},
		Scopes:         []string{"openid", "profile", ScopeOfflineAccess},
		RequireConsent: true,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return ClientCredentials{ClientID: "c1", Secret: secret, Method: storage.AuthMethodClientSecretBasic}
}

// authorizeC1 runs c1 through consent and returns the issued code.
func authorizeC1(t *testing.T, srv *Server, challenge string) string {
	t.Helper()
	ctx := context.Background()

	validated, err := srv.ValidateAuthorizationRequest(ctx, &AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "c1",
		RedirectURI:         appCallback,
		Scope:               "openid profile offline_access",
		State:               "s1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: storage.PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}

	user := mustPrincipal(t, srv, "user")
	decision, err := srv.Authorize(ctx, validated, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Status == StatusConsentPending {
		decision, err = srv.ApproveConsent(ctx, validated, user, decision.ConsentScopes)
		if err != nil {
			t.Fatalf("ApproveConsent() error = %v", err)
		}
	}
	if decision.Status != StatusIssued {
		t.Fatalf("status = %s, want ISSUED", decision.Status)
	}

	u, err := url.Parse(decision.RedirectURL)
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if u.Query().Get("state") != "s1" {
		t.Errorf("state = %q, want s1", u.Query().Get("state"))
	}
	return codeFromRedirect(t, decision.RedirectURL)
}

func exchangeC1(srv *Server, creds ClientCredentials, code, verifier string) (*TokenResult, error) {
	return srv.Token(context.Background(), TokenRequest{
		Client: creds,
		Grant:  AuthorizationCodeGrant{Code: code, RedirectURI: appCallback, CodeVerifier: verifier},
	})
}

func TestScenario_AuthorizationCodeWithConsent(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := registerC1(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()

	code := authorizeC1(t, srv, challenge)
	result, err := exchangeC1(srv, creds, code, verifier)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if result.AccessToken == "" || result.IDToken == "" || result.RefreshToken == "" {
		t.Errorf("expected access, ID and refresh tokens, got %+v", result)
	}

	// Consent is remembered for the next authorization.
	authorizeC1(t, srv, challenge)
}

func TestScenario_CodeExchangedTwice(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := registerC1(t, srv)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeC1(t, srv, challenge)

	first, err := exchangeC1(srv, creds, code, verifier)
	if err != nil {
		t.Fatalf("first Token() error = %v", err)
	}
	if _, err := exchangeC1(srv, creds, code, verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second Token() error = %v, want invalid_grant", err)
	}

	got, err := srv.IntrospectToken(context.Background(), creds, first.AccessToken)
	if err != nil {
		t.Fatalf("IntrospectToken() error = %v", err)
	}
	if got.Active {
		t.Error("the access token of a replayed code must be inactive")
	}
}

func TestScenario_PublicClientWrongVerifier(t *testing.T) {
	srv, _ := newTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	_, wrong := testutil.GeneratePKCEPair()

	code := issueCode(t, srv, "public-client", "openid", challenge)
	if _, err := exchange(srv, publicCreds("public-client"), code, wrong); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("wrong verifier error = %v, want invalid_grant", err)
	}

	result, err := exchange(srv, publicCreds("public-client"), code, verifier)
	if err != nil {
		t.Fatalf("correct verifier on the same code error = %v", err)
	}
	if _, err := srv.ValidateAccessToken(context.Background(), result.AccessToken); err != nil {
		t.Errorf("ValidateAccessToken() error = %v, the failed attempt must not revoke anything", err)
	}

	if _, err := exchange(srv, publicCreds("public-client"), code, verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("replayed code error = %v, want invalid_grant", err)
	}
}

func TestScenario_ProofKeyRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.ValidateAuthorizationRequest(context.Background(), authzRequest("public-client", "openid"))
	authErr := asAuthorizationError(t, err)
	u, err := url.Parse(authErr.RedirectURL())
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if u.Query().Get("error") != "invalid_request" || u.Query().Get("state") != "xyz" {
		t.Errorf("redirect = %q", authErr.RedirectURL())
	}
}

func TestScenario_UnregisteredRedirect(t *testing.T) {
	srv, _ := newTestServer(t)
	registerC1(t, srv)

	_, err := srv.ValidateAuthorizationRequest(context.Background(), &AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     "c1",
		RedirectURI:  "https://evil/cb",
		Scope:        "openid",
		State:        "s1",
	})
	authErr := asAuthorizationError(t, err)
	if authErr.Redirectable() || authErr.RedirectURL() != "" {
		t.Errorf("an unregistered redirect_uri must never be redirected to: %q", authErr.RedirectURL())
	}
}

func TestScenario_ConcurrentCodeExchange(t *testing.T) {
	srv, store := newTestServer(t)
	code := issueCode(t, srv, "confidential-client", "openid offline_access", "")

	const workers = 50
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		mu        sync.Mutex
		winner    *TokenResult
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := exchange(srv, basicCreds("confidential-client"), code, "")
			if err != nil {
				if !errors.Is(err, ErrInvalidGrant) {
					t.Errorf("unexpected error = %v", err)
				}
				return
			}
			successes.Add(1)
			mu.Lock()
			winner = result
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("%d exchanges succeeded, want exactly 1", got)
	}

	// Every loser triggered reuse detection, so the winner's lineage is gone.
	ctx := context.Background()
	for name, value := range map[string]string{"access": winner.AccessToken, "refresh": winner.RefreshToken} {
		record, err := store.GetToken(ctx, value)
		if err != nil {
			t.Fatalf("GetToken(%s) error = %v", name, err)
		}
		if !record.Revoked {
			t.Errorf("%s token should be revoked after concurrent reuse", name)
		}
	}
}
