// Package server implements the OAuth 2.1 / OpenID Connect protocol engine.
//
// It validates authorization requests, tracks consent, issues single-use
// authorization codes and mints access, refresh and ID tokens. It is
// transport agnostic: the root package adapts it to HTTP.
//
// The Server type delegates to:
//   - the storage package for clients, consent, principals and token records
//   - the keys package for signing and the published key set
//   - the security package for auditing
//
// Key Features:
//   - Authorization code grant with PKCE (S256, plain only when enabled)
//   - Atomic code consumption; a reused code revokes its token lineage
//   - Refresh token rotation with reuse detection
//   - client_credentials grant for confidential clients
//   - JWT or reference access tokens per client, with a claims hook
//   - Token revocation (RFC 7009) and introspection (RFC 7662)
//
// Example usage:
//
//	store := memory.New()
//	provider := keys.NewMemoryProvider(logger)
//	if _, err := provider.Generate(2048); err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, provider, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
