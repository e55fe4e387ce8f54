package server

import (
	"log/slog"
	"time"
)

// Default lifetimes, in seconds
const (
	DefaultAuthorizationCodeTTL = 300     // 5 minutes
	DefaultAccessTokenTTL       = 300     // 5 minutes
	DefaultRefreshTokenTTL      = 3600    // 1 hour
	DefaultIDTokenTTL           = 1800    // 30 minutes
	DefaultMaxAccessTokenTTL    = 86400   // 1 day
	DefaultMaxRefreshTokenTTL   = 7776000 // 90 days

	// MaxAuthorizationCodeTTL bounds AuthorizationCodeTTL (RFC 6749 section 4.1.2)
	MaxAuthorizationCodeTTL = 600
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used as "iss"
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300, at most 600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 300

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 3600

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 1800

	// MaxAccessTokenTTL bounds AccessTokenTTL, IDTokenTTL and per-client
	// overrides of both
	MaxAccessTokenTTL int64 // seconds, default: 86400

	// MaxRefreshTokenTTL bounds RefreshTokenTTL and per-client overrides
	MaxRefreshTokenTTL int64 // seconds, default: 7776000

	// AllowPlainPKCE allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPlainPKCE bool

	// RotateRefreshTokens issues a new refresh token on every refresh and
	// revokes the old one. Clients can opt out with ReuseRefreshTokens.
	// Default: true
	RotateRefreshTokens bool

	// AuditEnabled turns on security audit events
	// Default: true
	AuditEnabled bool

	// ClockSkewGracePeriod is the grace period for expiry checks
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// applySecureDefaults fills unset fields. The boolean defaults follow a
// heuristic: a config with every switch false is treated as fresh and gets
// the secure defaults; anything else is taken as explicit.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
	if config.MaxAccessTokenTTL == 0 {
		config.MaxAccessTokenTTL = DefaultMaxAccessTokenTTL
	}
	if config.MaxRefreshTokenTTL == 0 {
		config.MaxRefreshTokenTTL = DefaultMaxRefreshTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RotateRefreshTokens &&
		!config.AllowPlainPKCE &&
		!config.AuditEnabled

	if isDefaultConfig {
		config.RotateRefreshTokens = true
		config.AuditEnabled = true
		return
	}

	logSecurityWarnings(config, logger)
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPlainPKCE {
		logger.Warn("SECURITY WARNING: plain PKCE method is allowed",
			"risk", "weak code challenge protection",
			"recommendation", "set AllowPlainPKCE=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.RotateRefreshTokens {
		logger.Warn("SECURITY WARNING: refresh token rotation is disabled",
			"risk", "stolen refresh tokens stay usable until expiry",
			"recommendation", "set RotateRefreshTokens=true")
	}
	if !config.AuditEnabled {
		logger.Warn("SECURITY NOTICE: security audit logging is disabled")
	}
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) clockSkew() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
