package server

import (
	"context"
	"strings"
	"testing"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/security"
)

// containsAuthFailure checks if log output contains an auth failure with given reason
func containsAuthFailure(logOutput, reason string) bool {
	return containsAuditEvent(logOutput, security.EventAuthFailure) && strings.Contains(logOutput, reason)
}

// auditedServer returns a test server whose audit events land in the
// returned buffer.
func auditedServer(t *testing.T) (*Server, func() string) {
	t.Helper()
	srv, _ := newTestServer(t)
	logger, buf := captureLogger()
	srv.Logger = logger
	srv.SetAuditor(security.NewAuditor(logger, true))
	return srv, buf.String
}

func TestServer_AuditLoggingClientIDMismatch(t *testing.T) {
	srv, logs := auditedServer(t)
	other := testutil.ConfidentialClient(t, "other-client")
	if _, _, err := srv.RegisterClient(context.Background(), ClientRegistration{
		ClientID:     other.ClientID,
		Secret:       testutil.ClientSecret,
		AuthMethods:  other.AuthMethods,
		GrantTypes:   other.GrantTypes,
		RedirectURIs: other.RedirectURIs,
		Scopes:       other.Scopes,
	}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if !containsAuditEvent(logs(), security.EventClientRegistered) {
		t.Error("expected client_registered audit event")
	}

	code := issueCode(t, srv, "confidential-client", "openid", "")
	if _, err := exchange(srv, basicCreds("other-client"), code, ""); err == nil {
		t.Fatal("exchange by another client should fail")
	}

	if !containsAuthFailure(logs(), "client_id_mismatch") {
		t.Errorf("expected client_id_mismatch auth failure, got:\n%s", logs())
	}
}

func TestServer_AuditLoggingRedirectURIMismatch(t *testing.T) {
	srv, logs := auditedServer(t)

	code := issueCode(t, srv, "confidential-client", "openid", "")
	_, err := srv.Token(context.Background(), TokenRequest{
		Client: basicCreds("confidential-client"),
		Grant:  AuthorizationCodeGrant{Code: code, RedirectURI: testutil.OtherRedirectURI},
	})
	if err == nil {
		t.Fatal("exchange with another redirect_uri should fail")
	}

	if !containsAuthFailure(logs(), "redirect_uri_mismatch") {
		t.Errorf("expected redirect_uri_mismatch auth failure, got:\n%s", logs())
	}
}

func TestServer_AuditEventAuthorizationCodeReuse(t *testing.T) {
	srv, logs := auditedServer(t)

	code := issueCode(t, srv, "confidential-client", "openid offline_access", "")
	mustExchange(t, srv, basicCreds("confidential-client"), code, "")
	if !containsAuditEvent(logs(), security.EventTokenIssued) {
		t.Error("expected token_issued audit event")
	}

	if _, err := exchange(srv, basicCreds("confidential-client"), code, ""); err == nil {
		t.Fatal("reused code should fail")
	}
	if !containsAuditEvent(logs(), security.EventAuthorizationCodeReuseDetected) {
		t.Errorf("expected %s audit event, got:\n%s", security.EventAuthorizationCodeReuseDetected, logs())
	}
}

func TestServer_AuditEventRefreshTokenReuse(t *testing.T) {
	srv, logs := auditedServer(t)
	creds := basicCreds("confidential-client")

	first := mustExchange(t, srv, creds, issueCode(t, srv, "confidential-client", "openid offline_access", ""), "")
	if _, err := refresh(srv, creds, first.RefreshToken); err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if !containsAuditEvent(logs(), security.EventTokenRefreshed) {
		t.Error("expected token_refreshed audit event")
	}

	if _, err := refresh(srv, creds, first.RefreshToken); err == nil {
		t.Fatal("reused refresh token should fail")
	}
	if !containsAuditEvent(logs(), security.EventRefreshTokenReuseDetected) {
		t.Errorf("expected %s audit event, got:\n%s", security.EventRefreshTokenReuseDetected, logs())
	}
}

func TestServer_AuditEventPKCEValidationFailed(t *testing.T) {
	srv, logs := auditedServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	_, wrong := testutil.GeneratePKCEPair()

	code := issueCode(t, srv, "public-client", "openid", challenge)
	if _, err := exchange(srv, publicCreds("public-client"), code, wrong); err == nil {
		t.Fatal("exchange with the wrong verifier should fail")
	}
	if !containsAuditEvent(logs(), security.EventPKCEValidationFailed) {
		t.Errorf("expected %s audit event, got:\n%s", security.EventPKCEValidationFailed, logs())
	}
	if containsAuditEvent(logs(), security.EventAuthorizationCodeReuseDetected) {
		t.Errorf("a failed verifier is not code reuse, got:\n%s", logs())
	}
}

func TestServer_AuditEventInvalidRedirect(t *testing.T) {
	srv, logs := auditedServer(t)

	req := authzRequest("confidential-client", "openid")
	req.RedirectURI = "https://evil.example.com/cb?steal=1"
	if _, err := srv.ValidateAuthorizationRequest(context.Background(), req); err == nil {
		t.Fatal("unregistered redirect_uri should fail")
	}

	out := logs()
	if !containsAuditEvent(out, security.EventInvalidRedirect) {
		t.Errorf("expected %s audit event, got:\n%s", security.EventInvalidRedirect, out)
	}
	if strings.Contains(out, "steal=1") {
		t.Error("the redirect query must not be logged")
	}
}

func TestServer_AuditEventConsent(t *testing.T) {
	srv, logs := auditedServer(t)
	ctx := context.Background()

	validated, err := srv.ValidateAuthorizationRequest(ctx, authzRequest("confidential-client", "openid profile"))
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if _, err := srv.ApproveConsent(ctx, validated, mustPrincipal(t, srv, "user"), []string{"profile"}); err != nil {
		t.Fatalf("ApproveConsent() error = %v", err)
	}
	if _, err := srv.DenyConsent(ctx, validated); err != nil {
		t.Fatalf("DenyConsent() error = %v", err)
	}

	out := logs()
	if !containsAuditEvent(out, security.EventConsentGranted) || !containsAuditEvent(out, security.EventConsentDenied) {
		t.Errorf("expected consent audit events, got:\n%s", out)
	}
}

func TestServer_AuditDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	logger, buf := captureLogger()
	srv.SetAuditor(security.NewAuditor(logger, false))

	code := issueCode(t, srv, "confidential-client", "openid", "")
	mustExchange(t, srv, basicCreds("confidential-client"), code, "")

	if strings.Contains(buf.String(), "security_audit") {
		t.Errorf("disabled auditor logged:\n%s", buf.String())
	}
}
