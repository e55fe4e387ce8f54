package server

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate reports every configuration problem, joined. It expects defaults
// to have been applied.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, validateIssuer(c.Issuer))

	if c.AuthorizationCodeTTL <= 0 || c.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		errs = append(errs, fmt.Errorf("AuthorizationCodeTTL must be between 1 and %d seconds, got %d",
			MaxAuthorizationCodeTTL, c.AuthorizationCodeTTL))
	}

	errs = append(errs,
		validateBound("MaxAccessTokenTTL", c.MaxAccessTokenTTL, 0),
		validateBound("MaxRefreshTokenTTL", c.MaxRefreshTokenTTL, 0),
		validateBound("AccessTokenTTL", c.AccessTokenTTL, c.MaxAccessTokenTTL),
		validateBound("IDTokenTTL", c.IDTokenTTL, c.MaxAccessTokenTTL),
		validateBound("RefreshTokenTTL", c.RefreshTokenTTL, c.MaxRefreshTokenTTL),
	)

	if c.ClockSkewGracePeriod < 0 || c.ClockSkewGracePeriod > 300 {
		errs = append(errs, fmt.Errorf("ClockSkewGracePeriod must be between 0 and 300 seconds, got %d",
			c.ClockSkewGracePeriod))
	}

	return errors.Join(errs...)
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("issuer must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	return nil
}

// validateBound checks 0 < value, and value <= limit when limit > 0.
func validateBound(name string, value, limit int64) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	if limit > 0 && value > limit {
		return fmt.Errorf("%s (%d) exceeds its maximum (%d)", name, value, limit)
	}
	return nil
}

// validateClientLifetime checks a per-client override: zero means the
// server default, otherwise 0 < value <= limit.
func validateClientLifetime(name string, value, limit int64) error {
	if value == 0 {
		return nil
	}
	if value < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	if value > limit {
		return fmt.Errorf("%s (%d) exceeds the server maximum (%d)", name, value, limit)
	}
	return nil
}
