package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{name: "nil key disables", key: nil, wantEnabled: false},
		{name: "32 byte key", key: make([]byte, 32), wantEnabled: true},
		{name: "short key", key: make([]byte, 16), wantErr: true},
		{name: "long key", key: make([]byte, 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"sub":"alice","email":"alice@example.com"}`)
	aad := []byte("token:abc")

	sealed, err := enc.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("alice")) {
		t.Error("sealed output contains plaintext")
	}

	opened, err := enc.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	if _, err := enc.Open(sealed, []byte("token:other")); err == nil {
		t.Error("Open() with different associated data should fail")
	}
	if _, err := enc.Open(sealed[:4], aad); err == nil {
		t.Error("Open() of truncated input should fail")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, _ := NewEncryptor(nil)
	data := []byte("plain")

	sealed, err := enc.Seal(data, nil)
	if err != nil || !bytes.Equal(sealed, data) {
		t.Errorf("Seal() = %q, %v; want passthrough", sealed, err)
	}
	opened, err := enc.Open(data, nil)
	if err != nil || !bytes.Equal(opened, data) {
		t.Errorf("Open() = %q, %v; want passthrough", opened, err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor should report disabled")
	}
}

func TestKeyFromBase64(t *testing.T) {
	good := base64.StdEncoding.EncodeToString(make([]byte, 32))
	if _, err := KeyFromBase64(good); err != nil {
		t.Errorf("KeyFromBase64(valid) error = %v", err)
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 8))); err == nil {
		t.Error("KeyFromBase64(short) should fail")
	}
	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("KeyFromBase64(garbage) should fail")
	}
}
