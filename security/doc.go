// Package security provides the cross-cutting protections used by the
// authorization server: audit logging with hashed principal identifiers,
// per-client-IP rate limiting on the token endpoint, AES-256-GCM sealing of
// records at rest, response security headers and expiry checks with clock
// skew tolerance.
//
// # Audit Logging
//
// Every security decision of the protocol engine (codes issued, code reuse,
// consent granted or denied, tokens issued, refreshed or revoked, client
// authentication failures) is emitted through an Auditor as a structured
// slog record named "security_audit". Principal names are hashed before they
// reach the log.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogCodeReuseDetected("alice", "demo-client", grantID, revoked)
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier. Idle buckets expire on
// their own, so memory stays bounded by the number of active callers.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Encryption at Rest
//
// Encryptor seals JSON payloads before they are written to Redis. The record
// key is bound as additional data so a ciphertext cannot be replayed under a
// different key.
package security
