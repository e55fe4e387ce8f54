package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordHelpers(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		inst, err := New(Config{Enabled: enabled})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		ctx := context.Background()
		m := inst.Metrics()

		// None of these may panic, with or without SDK providers.
		m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 12.5)
		m.RecordAuthorizationRequest(ctx, "demo-client", "issued")
		m.RecordCodeIssued(ctx, "demo-client", "S256")
		m.RecordConsentPrompt(ctx, "demo-client")
		m.RecordConsentDecision(ctx, "demo-client", true)
		m.RecordTokenIssued(ctx, "demo-client", "authorization_code", "id_token")
		m.RecordCodeExchange(ctx, "demo-client", "S256")
		m.RecordTokenRefresh(ctx, "demo-client", true)
		m.RecordTokenRevocation(ctx, "demo-client", 3)
		m.RecordSign(ctx, "access_token", 0.8)
		m.RecordClientRegistration(ctx, true)
		m.RecordClientAuthFailed(ctx, "client_secret_basic")
		m.RecordRateLimitExceeded(ctx, "/oauth2/token")
		m.RecordPKCEValidationFailed(ctx, "S256")
		m.RecordCodeReuseDetected(ctx)
		m.RecordRefreshReuseDetected(ctx)
		m.RecordClaimsCustomizationFailed(ctx, "access_token")
		m.RecordStorageOperation(ctx, "save_token", "success", 0.2)

		_ = inst.Shutdown(ctx)
	}
}
