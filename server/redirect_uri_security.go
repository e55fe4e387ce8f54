package server

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/giantswarm/oidc-authserver/storage"
)

// RedirectURI error categories for logs
const (
	RedirectURIErrorCategoryInvalidFormat = "invalid_format"
	RedirectURIErrorCategoryNotAbsolute   = "not_absolute"
	RedirectURIErrorCategoryMissingHost   = "missing_host"
	RedirectURIErrorCategoryFragment      = "fragment_not_allowed"
	RedirectURIErrorCategoryNotRegistered = "not_registered"
	RedirectURIErrorCategoryAmbiguous     = "ambiguous"
)

// RedirectURISecurityError is a rejected redirect URI. Error() is safe to
// return to clients; Reason is for logs.
type RedirectURISecurityError struct {
	Category string
	URI      string // sanitized
	Reason   string
}

func (e *RedirectURISecurityError) Error() string {
	return fmt.Sprintf("invalid redirect URI %q: %s", e.URI, e.Reason)
}

// validateRegisteredRedirectURI requires an absolute URI without fragment
// (RFC 6749 section 3.1.2).
func validateRegisteredRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &RedirectURISecurityError{
			Category: RedirectURIErrorCategoryInvalidFormat,
			URI:      sanitizeURIForLogging(raw),
			Reason:   "not a valid URI",
		}
	}
	if !u.IsAbs() {
		return &RedirectURISecurityError{
			Category: RedirectURIErrorCategoryNotAbsolute,
			URI:      sanitizeURIForLogging(raw),
			Reason:   "must be absolute",
		}
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return &RedirectURISecurityError{
			Category: RedirectURIErrorCategoryMissingHost,
			URI:      sanitizeURIForLogging(raw),
			Reason:   "must include a host",
		}
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return &RedirectURISecurityError{
			Category: RedirectURIErrorCategoryFragment,
			URI:      sanitizeURIForLogging(raw),
			Reason:   "must not contain a fragment",
		}
	}
	return nil
}

// resolveRedirectURI picks the redirect target of an authorization request.
// requested must match a registered URI exactly; an empty value is accepted
// only when the client registered exactly one.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) != 1 {
			return "", &RedirectURISecurityError{
				Category: RedirectURIErrorCategoryAmbiguous,
				Reason:   "redirect_uri is required when several are registered",
			}
		}
		return client.RedirectURIs[0], nil
	}
	if !slices.Contains(client.RedirectURIs, requested) {
		return "", &RedirectURISecurityError{
			Category: RedirectURIErrorCategoryNotRegistered,
			URI:      sanitizeURIForLogging(requested),
			Reason:   "not registered for client",
		}
	}
	return requested, nil
}

// buildRedirectURL adds params to base, keeping base's own query.
func buildRedirectURL(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sanitizeURIForLogging removes query, fragment and userinfo from uri.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	return parsed.String()
}

// GetRedirectURIErrorCategory returns the category of a RedirectURISecurityError, or "".
func GetRedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURISecurityError); ok {
		return secErr.Category
	}
	return ""
}
