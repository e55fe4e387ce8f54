package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

type heldKey struct {
	info SigningKey
	priv *rsa.PrivateKey
}

// MemoryProvider keeps signing keys in process memory.
type MemoryProvider struct {
	mu     sync.RWMutex
	keys   []*heldKey // oldest first
	logger *slog.Logger
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty provider. Add a key with Generate,
// AddKey or LoadPEMFile before signing.
func NewMemoryProvider(logger *slog.Logger) *MemoryProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryProvider{logger: logger}
}

// Generate creates a new RSA key of the given size and makes it current.
func (p *MemoryProvider) Generate(bits int) (*SigningKey, error) {
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: %d bits, need at least %d", ErrKeyTooSmall, bits, MinRSAKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return p.AddKey(priv, time.Now())
}

// AddKey makes signer the current key. Only RSA keys of at least
// MinRSAKeyBits are accepted.
func (p *MemoryProvider) AddKey(signer crypto.Signer, createdAt time.Time) (*SigningKey, error) {
	priv, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, signer)
	}
	if priv.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: %d bits, need at least %d", ErrKeyTooSmall, priv.N.BitLen(), MinRSAKeyBits)
	}

	kid, err := Thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	held := &heldKey{
		info: SigningKey{
			KeyID:     kid,
			Algorithm: Algorithm,
			CreatedAt: createdAt,
			PublicKey: &priv.PublicKey,
		},
		priv: priv,
	}

	p.mu.Lock()
	p.keys = append(p.keys, held)
	total := len(p.keys)
	p.mu.Unlock()

	p.logger.Info("added signing key", "kid", kid, "keys_held", total)
	info := held.info
	return &info, nil
}

// LoadPEMFile reads an RSA private key (PKCS1 or PKCS8) and makes it current.
func (p *MemoryProvider) LoadPEMFile(path string) (*SigningKey, error) {
	priv, err := LoadPEMFile(path)
	if err != nil {
		return nil, err
	}
	return p.AddKey(priv, time.Now())
}

func (p *MemoryProvider) current() (*heldKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return p.keys[len(p.keys)-1], nil
}

// CurrentSigningKey returns the most recently added key
func (p *MemoryProvider) CurrentSigningKey(_ context.Context) (*SigningKey, error) {
	held, err := p.current()
	if err != nil {
		return nil, err
	}
	info := held.info
	return &info, nil
}

// PublicKeySet returns the public JWKS, newest key first
func (p *MemoryProvider) PublicKeySet(_ context.Context) (*jose.JSONWebKeySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(p.keys))}
	for i := len(p.keys) - 1; i >= 0; i-- {
		k := p.keys[i]
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.priv.PublicKey,
			KeyID:     k.info.KeyID,
			Algorithm: k.info.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// Sign signs claims with the current key
func (p *MemoryProvider) Sign(_ context.Context, typ string, claims map[string]any) (string, error) {
	held, err := p.current()
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: held.priv, KeyID: held.info.KeyID},
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded without padding.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
