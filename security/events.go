package security

// Event types for the security audit log.
const (
	// Authorization endpoint

	// EventAuthorizationRejected is logged when an authorization request fails validation
	EventAuthorizationRejected = "authorization_rejected"

	// EventInvalidRedirect is logged when a redirect_uri does not match any registered URI
	EventInvalidRedirect = "invalid_redirect"

	// EventAuthorizationCodeIssued is logged when a code is handed to the user agent
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentGranted is logged when a principal approves scopes for a client
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a principal rejects a consent prompt
	EventConsentDenied = "consent_denied"

	// Token endpoint

	// EventTokenIssued is logged for every successful grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token grant succeeds
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token (and possibly its lineage) is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthFailure is logged when client or principal authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a caller exceeds the token endpoint budget
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Administration

	// EventClientRegistered is logged when a client is added to the registry
	EventClientRegistered = "client_registered"

	// EventClaimsCustomizationFailed is logged when the claims hook errors and is skipped
	EventClaimsCustomizationFailed = "claims_customization_failed"
)
