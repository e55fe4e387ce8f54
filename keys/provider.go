package keys

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Algorithm is the only signing algorithm issued.
const Algorithm = string(jose.RS256)

// MinRSAKeyBits is the smallest accepted RSA modulus.
const MinRSAKeyBits = 2048

var (
	// ErrNoSigningKey is returned when the provider holds no key.
	ErrNoSigningKey = errors.New("no signing key available")

	// ErrUnsupportedKey is returned for keys that are not RSA.
	ErrUnsupportedKey = errors.New("unsupported key type")

	// ErrKeyTooSmall is returned for RSA keys under MinRSAKeyBits.
	ErrKeyTooSmall = errors.New("rsa key below minimum size")
)

// SigningKey describes a key held by a Provider. It carries only the public
// half.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID     string
	Algorithm string
	CreatedAt time.Time
	PublicKey crypto.PublicKey
}

// Provider signs tokens and publishes verification keys.
type Provider interface {
	// CurrentSigningKey returns the key Sign uses.
	CurrentSigningKey(ctx context.Context) (*SigningKey, error)

	// PublicKeySet returns every held public key, newest first.
	PublicKeySet(ctx context.Context) (*jose.JSONWebKeySet, error)

	// Sign serializes claims as a compact JWS with the current key. The
	// header carries kid and typ.
	Sign(ctx context.Context, typ string, claims map[string]any) (string, error)
}
