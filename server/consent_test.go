package server

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-authserver/storage/mock"
)

func TestServer_IsApproved(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if srv.IsApproved(ctx, "confidential-client", "user", []string{"profile"}) {
		t.Error("nothing was approved yet")
	}

	if err := srv.RecordApproval(ctx, "confidential-client", "user", []string{"profile"}); err != nil {
		t.Fatalf("RecordApproval() error = %v", err)
	}
	if err := srv.RecordApproval(ctx, "confidential-client", "user", []string{"email"}); err != nil {
		t.Fatalf("RecordApproval() error = %v", err)
	}

	if !srv.IsApproved(ctx, "confidential-client", "user", []string{"profile", "email"}) {
		t.Error("approvals should accumulate")
	}
	if srv.IsApproved(ctx, "confidential-client", "user", []string{"profile", "offline_access"}) {
		t.Error("offline_access was never approved")
	}
	if srv.IsApproved(ctx, "public-client", "user", []string{"profile"}) {
		t.Error("approvals are per client")
	}
}

func TestServer_RecordApproval_Empty(t *testing.T) {
	store := mock.New()
	defer store.Stop()
	srv, err := New(store, sharedKeys(t), &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.RecordApproval(context.Background(), "c", "user", nil); err != nil {
		t.Fatalf("RecordApproval() error = %v", err)
	}
	if n := store.Calls(mock.OpAddConsent); n != 0 {
		t.Errorf("AddConsent called %d times for no scopes", n)
	}
}

func TestServer_ConsentStoreFailure(t *testing.T) {
	store := mock.New()
	defer store.Stop()
	srv, err := New(store, sharedKeys(t), &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	store.FailOn(mock.OpGetConsent, errors.New("timeout"))
	if srv.IsApproved(ctx, "c", "user", []string{"profile"}) {
		t.Error("a store failure must not count as approval")
	}

	store.FailOn(mock.OpAddConsent, errors.New("timeout"))
	if err := srv.RecordApproval(ctx, "c", "user", []string{"profile"}); !errors.Is(err, ErrServerError) {
		t.Errorf("RecordApproval() error = %v, want ServerError", err)
	}
}

func TestConsentScopes(t *testing.T) {
	requested := []string{"openid", "profile", "email"}
	got := consentScopes(requested)
	if diff := cmp.Diff([]string{"profile", "email"}, got); diff != "" {
		t.Errorf("consentScopes() mismatch (-want +got):\n%s", diff)
	}
	if len(requested) != 3 {
		t.Error("consentScopes must not modify its input")
	}
	if got := consentScopes([]string{"openid"}); len(got) != 0 {
		t.Errorf("consentScopes(openid) = %v, want none", got)
	}
}
