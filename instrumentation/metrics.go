package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument recorded by the server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization endpoint
	AuthorizationRequests metric.Int64Counter
	CodesIssued           metric.Int64Counter
	ConsentPrompts        metric.Int64Counter
	ConsentDecisions      metric.Int64Counter

	// Token endpoint
	TokensIssued   metric.Int64Counter
	CodeExchanged  metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	TokenRevoked   metric.Int64Counter
	SignDuration   metric.Float64Histogram

	// Security
	ClientAuthFailed          metric.Int64Counter
	RateLimitExceeded         metric.Int64Counter
	PKCEValidationFailed      metric.Int64Counter
	CodeReuseDetected         metric.Int64Counter
	RefreshReuseDetected      metric.Int64Counter
	ClaimsCustomizationFailed metric.Int64Counter

	// Registry
	ClientRegistered metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodesCount        metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageConsentsCount     metric.Int64ObservableGauge
}

type counterSpec struct {
	target *metric.Int64Counter
	meter  metric.Meter
	name   string
	desc   string
	unit   string
}

type histogramSpec struct {
	target *metric.Float64Histogram
	meter  metric.Meter
	name   string
	desc   string
}

type gaugeSpec struct {
	target *metric.Int64ObservableGauge
	name   string
	desc   string
	unit   string
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationRequests, serverMeter, "oauth.authorization.requests", "Authorization requests by outcome", "{request}"},
		{&m.CodesIssued, serverMeter, "oauth.codes.issued", "Authorization codes issued", "{code}"},
		{&m.ConsentPrompts, serverMeter, "oauth.consent.prompts", "Consent screens shown", "{prompt}"},
		{&m.ConsentDecisions, serverMeter, "oauth.consent.decisions", "Consent decisions by outcome", "{decision}"},
		{&m.TokensIssued, serverMeter, "oauth.tokens.issued", "Tokens minted by grant and token type", "{token}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Refresh token grants", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Tokens revoked", "{token}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Clients added to the registry", "{client}"},
		{&m.ClientAuthFailed, securityMeter, "oauth.client.auth_failed", "Failed client authentications", "{failure}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.ratelimit.exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "PKCE verifier mismatches", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Consumed authorization codes presented again", "{event}"},
		{&m.RefreshReuseDetected, securityMeter, "oauth.refresh.reuse_detected", "Rotated refresh tokens presented again", "{event}"},
		{&m.ClaimsCustomizationFailed, securityMeter, "oauth.claims.customization_failed", "Claims hook failures that were skipped", "{failure}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation", "Storage operations by result", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.SignDuration, serverMeter, "oauth.token.sign.duration", "JWT signing duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.target = histogram
	}

	gauges := []gaugeSpec{
		{&m.StorageCodesCount, "storage.codes.count", "Authorization codes currently stored", "{code}"},
		{&m.StorageTokensCount, "storage.tokens.count", "Token records currently stored", "{token}"},
		{&m.StorageClientsCount, "storage.clients.count", "Registered clients", "{client}"},
		{&m.StorageConsentsCount, "storage.consents.count", "Stored consent records", "{consent}"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationRequest records the outcome of an authorization request:
// "issued", "consent_pending", "denied", "redirect_error" or "local_error".
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, clientID, outcome string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordCodeIssued records a code handed to the user agent
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordConsentPrompt records a consent screen being required
func (m *Metrics) RecordConsentPrompt(ctx context.Context, clientID string) {
	m.ConsentPrompts.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordConsentDecision records an approve or deny
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, granted bool) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("granted", granted),
	))
}

// RecordTokenIssued records one minted token
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType, tokenType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh token grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records revoked tokens, count included
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, count int) {
	m.TokenRevoked.Add(ctx, int64(count), metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordSign records the time spent signing one JWT
func (m *Metrics) RecordSign(ctx context.Context, tokenType string, durationMs float64) {
	m.SignDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordClientRegistration records a registry addition
func (m *Metrics) RecordClientRegistration(ctx context.Context, confidential bool) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.Bool("confidential", confidential)))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRateLimitExceeded records a throttled request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a verifier mismatch
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records a consumed code presented again
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a rotated refresh token presented again
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordClaimsCustomizationFailed records a skipped claims hook
func (m *Metrics) RecordClaimsCustomizationFailed(ctx context.Context, tokenType string) {
	m.ClaimsCustomizationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordStorageOperation records one storage call
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
