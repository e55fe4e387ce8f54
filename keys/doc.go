// Package keys holds the RSA key material used to sign tokens.
//
// A Provider signs on behalf of callers and publishes the public halves as a
// JWKS. The private key never leaves the provider. MemoryProvider keeps keys
// in process; keys can be generated, loaded from PEM, or added explicitly,
// and the most recently added key signs.
package keys
