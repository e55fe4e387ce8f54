package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits security events as structured log records. Principal names
// are hashed so audit logs can be correlated without storing identities.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event is a single audit record.
type Event struct {
	Type      string
	Principal string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent writes the event. It is a no-op on a nil or disabled auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"principal_hash", hashForLogging(event.Principal),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued records an authorization code handed to a user agent.
func (a *Auditor) LogCodeIssued(principal, clientID, scope string, pkce bool) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
			"pkce":  pkce,
		},
	})
}

// LogCodeReuseDetected records a second presentation of a consumed code and
// how many tokens of its lineage were revoked in response.
func (a *Auditor) LogCodeReuseDetected(principal, clientID, grantID string, revoked int) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_id":       grantID,
			"tokens_revoked": revoked,
			"severity":       "critical",
		},
	})
}

// LogRefreshReuseDetected records presentation of an already rotated refresh token.
func (a *Auditor) LogRefreshReuseDetected(principal, clientID, grantID string, revoked int) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_id":       grantID,
			"tokens_revoked": revoked,
			"severity":       "critical",
		},
	})
}

// LogConsent records a consent decision.
func (a *Auditor) LogConsent(principal, clientID, scope string, granted bool) {
	eventType := EventConsentDenied
	if granted {
		eventType = EventConsentGranted
	}
	a.LogEvent(Event{
		Type:      eventType,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued records a successful grant.
func (a *Auditor) LogTokenIssued(principal, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed records a refresh token grant.
func (a *Auditor) LogTokenRefreshed(principal, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked records a revocation request that matched a token.
func (a *Auditor) LogTokenRevoked(principal, clientID, tokenType string, revoked int) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"token_type":     tokenType,
			"tokens_revoked": revoked,
		},
	})
}

// LogAuthFailure records a failed client or principal authentication.
func (a *Auditor) LogAuthFailure(principal, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Principal: principal,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded records a throttled request.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered records a registry addition.
func (a *Auditor) LogClientRegistered(clientID string, confidential bool) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"confidential": confidential,
		},
	})
}

// hashForLogging returns the first 16 hex characters of SHA-256(sensitive).
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
