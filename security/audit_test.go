package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			auditor.LogEvent(Event{
				Type:      "test_event",
				Principal: "alice",
				ClientID:  "demo-client",
				Details:   map[string]any{"key": "value"},
			})

			got := buf.String()
			if (got != "") != tt.wantLog {
				t.Fatalf("log output = %q, wantLog %v", got, tt.wantLog)
			}
			if !tt.wantLog {
				return
			}
			if !strings.Contains(got, "security_audit") {
				t.Errorf("log output missing message: %q", got)
			}
			if strings.Contains(got, "alice") {
				t.Errorf("principal name leaked into audit log: %q", got)
			}
			if !strings.Contains(got, hashForLogging("alice")) {
				t.Errorf("log output missing principal hash: %q", got)
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	// Must not panic.
	auditor.LogTokenIssued("alice", "demo-client", "authorization_code", "openid")
}

func TestAuditor_Helpers(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	tests := []struct {
		name      string
		log       func()
		wantEvent string
	}{
		{
			name:      "code issued",
			log:       func() { auditor.LogCodeIssued("alice", "c1", "openid", true) },
			wantEvent: EventAuthorizationCodeIssued,
		},
		{
			name:      "code reuse",
			log:       func() { auditor.LogCodeReuseDetected("alice", "c1", "g1", 2) },
			wantEvent: EventAuthorizationCodeReuseDetected,
		},
		{
			name:      "refresh reuse",
			log:       func() { auditor.LogRefreshReuseDetected("alice", "c1", "g1", 3) },
			wantEvent: EventRefreshTokenReuseDetected,
		},
		{
			name:      "consent granted",
			log:       func() { auditor.LogConsent("alice", "c1", "openid", true) },
			wantEvent: EventConsentGranted,
		},
		{
			name:      "consent denied",
			log:       func() { auditor.LogConsent("alice", "c1", "openid", false) },
			wantEvent: EventConsentDenied,
		},
		{
			name:      "token refreshed",
			log:       func() { auditor.LogTokenRefreshed("alice", "c1", true) },
			wantEvent: EventTokenRefreshed,
		},
		{
			name:      "token revoked",
			log:       func() { auditor.LogTokenRevoked("alice", "c1", "refresh_token", 2) },
			wantEvent: EventTokenRevoked,
		},
		{
			name:      "auth failure",
			log:       func() { auditor.LogAuthFailure("", "c1", "10.0.0.1", "bad_secret") },
			wantEvent: EventAuthFailure,
		},
		{
			name:      "rate limit",
			log:       func() { auditor.LogRateLimitExceeded("10.0.0.1", "token") },
			wantEvent: EventRateLimitExceeded,
		},
		{
			name:      "client registered",
			log:       func() { auditor.LogClientRegistered("c1", true) },
			wantEvent: EventClientRegistered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			if !strings.Contains(buf.String(), "event_type="+tt.wantEvent) {
				t.Errorf("log output = %q, want event_type=%s", buf.String(), tt.wantEvent)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	a := hashForLogging("alice")
	if len(a) != 16 {
		t.Errorf("len(hashForLogging) = %d, want 16", len(a))
	}
	if a != hashForLogging("alice") {
		t.Error("hashForLogging is not deterministic")
	}
	if a == hashForLogging("bob") {
		t.Error("different inputs produced the same hash")
	}
}
