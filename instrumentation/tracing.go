package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are metadata only; codes, tokens and secrets
// never go into spans.
const (
	AttrClientID      = "oauth.client_id"
	AttrPrincipal     = "oauth.principal"
	AttrScope         = "oauth.scope"
	AttrGrantType     = "oauth.grant_type"
	AttrGrantID       = "oauth.grant_id"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrAuthMethod    = "oauth.client.auth_method"
	AttrTokenType     = "oauth.token_type"   //nolint:gosec // G101: attribute name
	AttrTokenFormat   = "oauth.token_format" //nolint:gosec // G101: attribute name
	AttrCodeReuse     = "oauth.code.reuse"
	AttrRefreshReuse  = "oauth.refresh.reuse"
	AttrTokenRotated  = "oauth.token.rotated" //nolint:gosec // G101: attribute name
	AttrAuthzStatus   = "oauth.authorization.status"
	AttrError         = "oauth.error"
	AttrKeyID         = "keys.kid"
	AttrStorageOp     = "storage.operation"
	AttrStorageType   = "storage.type"
	AttrClientIP      = "security.client_ip"
	AttrHTTPEndpoint  = "http.endpoint"
	AttrHTTPStatus    = "http.status_code"
	AttrRevokedTokens = "oauth.revoked_tokens"
)

// RecordError records err on span and marks it failed (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span failed with message (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the client, principal and scope of a flow,
// skipping empty values.
func AddOAuthFlowAttributes(span trace.Span, clientID, principal, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if principal != "" {
		SetSpanAttributes(span, attribute.String(AttrPrincipal, principal))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantAttributes adds the grant type and lineage id.
func AddGrantAttributes(span trace.Span, grantType, grantID string) {
	SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	if grantID != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantID, grantID))
	}
}

// AddStorageAttributes adds storage operation attributes to span
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOp, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the client IP. Callers check ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
