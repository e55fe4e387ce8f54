package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_NoKey(t *testing.T) {
	p := NewMemoryProvider(nil)
	ctx := context.Background()

	_, err := p.CurrentSigningKey(ctx)
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = p.Sign(ctx, "JWT", map[string]any{"sub": "x"})
	assert.ErrorIs(t, err, ErrNoSigningKey)

	set, err := p.PublicKeySet(ctx)
	require.NoError(t, err)
	assert.Empty(t, set.Keys)
}

func TestMemoryProvider_Generate(t *testing.T) {
	tests := []struct {
		name    string
		bits    int
		wantErr error
	}{
		{name: "2048 bits", bits: 2048},
		{name: "1024 bits rejected", bits: 1024, wantErr: ErrKeyTooSmall},
		{name: "zero rejected", bits: 0, wantErr: ErrKeyTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewMemoryProvider(nil)
			key, err := p.Generate(tt.bits)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "RS256", key.Algorithm)
			assert.NotEmpty(t, key.KeyID)
			assert.IsType(t, &rsa.PublicKey{}, key.PublicKey)
		})
	}
}

func TestMemoryProvider_AddKeyRejects(t *testing.T) {
	p := NewMemoryProvider(nil)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = p.AddKey(ecKey, time.Now())
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	_, err = p.AddKey(small, time.Now())
	assert.ErrorIs(t, err, ErrKeyTooSmall)
}

func TestMemoryProvider_NewestKeyWins(t *testing.T) {
	p := NewMemoryProvider(nil)
	ctx := context.Background()

	first, err := p.Generate(2048)
	require.NoError(t, err)
	second, err := p.Generate(2048)
	require.NoError(t, err)
	require.NotEqual(t, first.KeyID, second.KeyID)

	current, err := p.CurrentSigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, current.KeyID)

	set, err := p.PublicKeySet(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)
	assert.Equal(t, second.KeyID, set.Keys[0].KeyID)
	assert.Equal(t, first.KeyID, set.Keys[1].KeyID)
	for _, k := range set.Keys {
		assert.True(t, k.IsPublic(), "JWKS must not expose private keys")
		assert.Equal(t, "sig", k.Use)
		assert.Equal(t, "RS256", k.Algorithm)
	}
}

func TestMemoryProvider_KeyIDIsThumbprint(t *testing.T) {
	p := NewMemoryProvider(nil)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := p.AddKey(priv, time.Now())
	require.NoError(t, err)

	want, err := Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, key.KeyID)
	assert.Len(t, key.KeyID, 43, "base64url SHA-256 without padding")
}

func TestMemoryProvider_SignVerifies(t *testing.T) {
	p := NewMemoryProvider(nil)
	_, err := p.Generate(2048)
	require.NoError(t, err)
	ctx := context.Background()

	raw, err := p.Sign(ctx, "at+jwt", map[string]any{"sub": "user", "scope": "openid"})
	require.NoError(t, err)

	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)

	header := parsed.Headers[0]
	current, err := p.CurrentSigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, current.KeyID, header.KeyID)
	assert.Equal(t, "at+jwt", header.ExtraHeaders[jose.HeaderType])

	set, err := p.PublicKeySet(ctx)
	require.NoError(t, err)
	keys := set.Key(header.KeyID)
	require.Len(t, keys, 1)

	var claims map[string]any
	require.NoError(t, parsed.Claims(keys[0].Key, &claims))
	assert.Equal(t, "user", claims["sub"])
	assert.Equal(t, "openid", claims["scope"])
}

func TestMemoryProvider_JWKSWireShape(t *testing.T) {
	p := NewMemoryProvider(nil)
	_, err := p.Generate(2048)
	require.NoError(t, err)

	set, err := p.PublicKeySet(context.Background())
	require.NoError(t, err)
	data, err := json.Marshal(set)
	require.NoError(t, err)

	var wire struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Len(t, wire.Keys, 1)
	for _, field := range []string{"kty", "kid", "use", "alg", "n", "e"} {
		assert.Contains(t, wire.Keys[0], field)
	}
	assert.NotContains(t, wire.Keys[0], "d")
}

func TestMemoryProvider_ConcurrentSign(t *testing.T) {
	p := NewMemoryProvider(nil)
	_, err := p.Generate(2048)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 10 {
				if _, err := p.Generate(2048); err != nil {
					errs <- err
				}
				return
			}
			if _, err := p.Sign(context.Background(), "JWT", map[string]any{"n": i}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
