package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// EncryptionKeySize is the AES-256 key length in bytes.
const EncryptionKeySize = 32

// ErrCiphertextTooShort is returned when a sealed value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals record payloads at rest with AES-256-GCM. A disabled
// Encryptor passes data through unchanged, so callers never branch on it.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor creates an encryptor. An empty key disables encryption; any
// other key must be exactly 32 bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", EncryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead, enabled: true}, nil
}

// Seal encrypts plaintext and binds it to associatedData (usually the storage
// key). The output layout is nonce || ciphertext.
func (e *Encryptor) Seal(plaintext, associatedData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open reverses Seal. It fails if the data was sealed under a different key or
// different associated data.
func (e *Encryptor) Open(sealed, associatedData []byte) ([]byte, error) {
	if !e.IsEnabled() {
		return sealed, nil
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// IsEnabled reports whether Seal actually encrypts.
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 key and checks its length.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}
	return key, nil
}
