// Package instrumentation wires OpenTelemetry metrics and traces for the
// authorization server.
//
// Instrumentation is optional. Components accept an *Instrumentation through a
// setter and record nothing when none is set. With Enabled=false every
// provider is a no-op.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oidc-authserver",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(ctx)
//
//	srv.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// # Metrics
//
// Authorization endpoint:
//   - oauth.authorization.requests{client_id, outcome}
//   - oauth.codes.issued{client_id, pkce_method}
//   - oauth.consent.prompts{client_id}, oauth.consent.decisions{client_id, granted}
//
// Token endpoint:
//   - oauth.tokens.issued{client_id, grant_type, token_type}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.token.sign.duration{token_type}
//
// Security:
//   - oauth.client.auth_failed{method}
//   - oauth.ratelimit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected, oauth.refresh.reuse_detected
//   - oauth.claims.customization_failed{token_type}
//
// Storage:
//   - storage.operation{operation, result}, storage.operation.duration
//   - storage.codes.count, storage.tokens.count, storage.clients.count,
//     storage.consents.count
//
// Span attributes never carry codes, tokens or secrets.
package instrumentation
