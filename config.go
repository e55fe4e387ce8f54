package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Defaults for HandlerConfig
const (
	DefaultTokenRateLimit = 10
	DefaultTokenRateBurst = 20
	DefaultConsentTTL     = 10 * time.Minute
	DefaultRealm          = "oidc-authserver"
)

// HandlerConfig holds the HTTP layer settings. The engine's own settings
// live in server.Config.
type HandlerConfig struct {
	// RateLimit is requests per second allowed per client IP at the token,
	// revocation and introspection endpoints. Negative disables limiting.
	// Default: 10
	RateLimit int

	// RateBurst is the burst allowed per client IP.
	// Default: 20
	RateBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int

	// Realm is sent in WWW-Authenticate challenges.
	// Default: "oidc-authserver"
	Realm string

	// ConsentKey is the AES-256 key (32 bytes) sealing pending consent
	// requests between the consent page and its form post. Replicas behind
	// one load balancer must share it. Nil generates a per-process key.
	ConsentKey []byte

	// ConsentTTL is how long a consent page may be answered.
	// Default: 10 minutes
	ConsentTTL time.Duration

	// ConsentTemplate overrides the built-in consent page. It is parsed with
	// html/template and receives consentPageData.
	ConsentTemplate string

	// Branding customizes the built-in consent page.
	Branding *Branding

	// AllowInsecureHTTP permits an http LogoURL for local development.
	AllowInsecureHTTP bool
}

// Branding customizes the consent page.
type Branding struct {
	// Title replaces the page heading.
	Title string

	// LogoURL must use https unless AllowInsecureHTTP is set.
	LogoURL string

	// LogoAlt is the logo's alt text.
	LogoAlt string

	// PrimaryColor is a CSS color for buttons and links.
	PrimaryColor string

	// BackgroundGradient is a CSS background value. url() must be https.
	BackgroundGradient string

	// CustomCSS is appended to the page's style block.
	CustomCSS string
}

func (c *HandlerConfig) applyDefaults() {
	if c.RateLimit == 0 {
		c.RateLimit = DefaultTokenRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultTokenRateBurst
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.ConsentTTL <= 0 {
		c.ConsentTTL = DefaultConsentTTL
	}
}

// Validate reports every problem in the configuration.
func (c *HandlerConfig) Validate() error {
	var errs []error
	if c.TrustedProxyCount < 0 {
		errs = append(errs, errors.New("TrustedProxyCount must not be negative"))
	}
	if len(c.ConsentKey) != 0 && len(c.ConsentKey) != 32 {
		errs = append(errs, fmt.Errorf("ConsentKey must be 32 bytes, got %d", len(c.ConsentKey)))
	}
	if strings.ContainsAny(c.Realm, "\"\\\r\n") {
		errs = append(errs, errors.New("Realm must not contain quotes, backslashes or newlines"))
	}
	if c.Branding != nil {
		errs = append(errs, c.Branding.validate(c.AllowInsecureHTTP)...)
	}
	return errors.Join(errs...)
}

func (b *Branding) validate(allowInsecureHTTP bool) []error {
	var errs []error

	if b.LogoURL != "" {
		u, err := url.Parse(b.LogoURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("branding: invalid LogoURL: %w", err))
		case u.Scheme == "https":
		case u.Scheme == "http" && allowInsecureHTTP:
		default:
			errs = append(errs, fmt.Errorf("branding: LogoURL must use https, got %q", u.Scheme))
		}
	}

	if b.CustomCSS != "" {
		if strings.Contains(strings.ToLower(b.CustomCSS), "</style") {
			errs = append(errs, errors.New("branding: CustomCSS must not contain </style>"))
		}
		if pattern, found := dangerousCSSPattern(b.CustomCSS); found {
			errs = append(errs, fmt.Errorf("branding: CustomCSS contains %q", pattern))
		}
	}

	if b.PrimaryColor != "" {
		if err := validateCSSColor(b.PrimaryColor); err != nil {
			errs = append(errs, fmt.Errorf("branding: PrimaryColor: %w", err))
		}
	}
	if b.BackgroundGradient != "" {
		if err := validateCSSBackground(b.BackgroundGradient); err != nil {
			errs = append(errs, fmt.Errorf("branding: BackgroundGradient: %w", err))
		}
	}
	return errs
}

// dangerousCSSPatterns execute script or load bindings in some browsers.
var dangerousCSSPatterns = []string{
	"expression(",
	"javascript:",
	"behavior:",
	"-moz-binding",
	"@import",
}

var (
	cssColorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|rgba?\([^)]+\)|hsla?\([^)]+\)|[a-zA-Z]+)$`)
	cssURLPattern   = regexp.MustCompile(`url\(['"]?([^'")]+)['"]?\)`)
)

func dangerousCSSPattern(value string, extra ...string) (string, bool) {
	lower := strings.ToLower(value)
	for _, pattern := range append(dangerousCSSPatterns, extra...) {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func validateCSSColor(color string) error {
	if pattern, found := dangerousCSSPattern(color, "url("); found {
		return fmt.Errorf("contains %q", pattern)
	}
	if !cssColorPattern.MatchString(strings.TrimSpace(color)) {
		return fmt.Errorf("invalid CSS color %q", color)
	}
	return nil
}

func validateCSSBackground(bg string) error {
	if pattern, found := dangerousCSSPattern(bg, ";", "{", "}"); found {
		return fmt.Errorf("contains %q", pattern)
	}
	for _, match := range cssURLPattern.FindAllStringSubmatch(bg, -1) {
		u, err := url.Parse(match[1])
		if err != nil || u.Scheme != "https" {
			return fmt.Errorf("url() must use https: %q", match[1])
		}
	}
	return nil
}
