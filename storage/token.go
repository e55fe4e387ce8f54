package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/giantswarm/oidc-authserver/security"
)

// HashToken returns the lookup key for a token or code value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// IsActive reports whether the record is neither revoked nor expired at now.
func (r *TokenRecord) IsActive(now time.Time) bool {
	if r.Revoked {
		return false
	}
	return !security.IsExpiredAt(r.ExpiresAt, now, security.DefaultClockSkewGracePeriod)
}

// Clone returns a deep copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	c.Claims = maps.Clone(r.Claims)
	return &c
}

// Clone returns a deep copy of the code.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AuthMethods = slices.Clone(c.AuthMethods)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// SealJSON marshals v and encrypts it with enc, binding it to aad. With a nil
// or disabled encryptor the JSON is returned as-is.
func SealJSON(enc *security.Encryptor, v any, aad string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if !enc.IsEnabled() {
		return data, nil
	}
	sealed, err := enc.Seal(data, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record: %w", err)
	}
	return sealed, nil
}

// OpenJSON reverses SealJSON into v.
func OpenJSON(enc *security.Encryptor, data []byte, aad string, v any) error {
	if enc.IsEnabled() {
		plain, err := enc.Open(data, []byte(aad))
		if err != nil {
			return fmt.Errorf("failed to decrypt record: %w", err)
		}
		data = plain
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// UnionScopes returns existing plus any of added not already present, in order.
func UnionScopes(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, s := range added {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
