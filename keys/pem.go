package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ParsePEM decodes an RSA private key from PKCS1 or PKCS8 PEM.
func ParsePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
	}
	return key, nil
}

// LoadPEMFile reads and parses an RSA private key file.
func LoadPEMFile(path string) (*rsa.PrivateKey, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParsePEM(data)
}

// EncodePKCS8PEM encodes key as a "PRIVATE KEY" PEM block.
func EncodePKCS8PEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GeneratePEM creates a new RSA key and returns it PKCS8 PEM encoded.
func GeneratePEM(bits int) ([]byte, error) {
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("%w: %d bits, need at least %d", ErrKeyTooSmall, bits, MinRSAKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return EncodePKCS8PEM(key)
}

// WritePEMFile writes a new PKCS8 key to path with owner-only permissions.
func WritePEMFile(path string, bits int) error {
	data, err := GeneratePEM(bits)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}
