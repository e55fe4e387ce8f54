package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name                    string
		input                   *Config
		expectedAuthCodeTTL     int64
		expectedAccessTokenTTL  int64
		expectedRefreshTokenTTL int64
		expectedIDTokenTTL      int64
		expectedClockSkewGrace  int64
	}{
		{
			name:                    "all zeros should get defaults",
			input:                   &Config{},
			expectedAuthCodeTTL:     DefaultAuthorizationCodeTTL,
			expectedAccessTokenTTL:  DefaultAccessTokenTTL,
			expectedRefreshTokenTTL: DefaultRefreshTokenTTL,
			expectedIDTokenTTL:      DefaultIDTokenTTL,
			expectedClockSkewGrace:  5,
		},
		{
			name: "custom values should be preserved",
			input: &Config{
				AuthorizationCodeTTL: 120,
				AccessTokenTTL:       1800,
				RefreshTokenTTL:      86400,
				IDTokenTTL:           600,
				ClockSkewGracePeriod: 10,
			},
			expectedAuthCodeTTL:     120,
			expectedAccessTokenTTL:  1800,
			expectedRefreshTokenTTL: 86400,
			expectedIDTokenTTL:      600,
			expectedClockSkewGrace:  10,
		},
		{
			name: "partial custom values",
			input: &Config{
				AuthorizationCodeTTL: 450,
				RefreshTokenTTL:      172800,
			},
			expectedAuthCodeTTL:     450,
			expectedAccessTokenTTL:  DefaultAccessTokenTTL,
			expectedRefreshTokenTTL: 172800,
			expectedIDTokenTTL:      DefaultIDTokenTTL,
			expectedClockSkewGrace:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyTimeDefaults(tt.input)

			if tt.input.AuthorizationCodeTTL != tt.expectedAuthCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %d, want %d", tt.input.AuthorizationCodeTTL, tt.expectedAuthCodeTTL)
			}
			if tt.input.AccessTokenTTL != tt.expectedAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %d, want %d", tt.input.AccessTokenTTL, tt.expectedAccessTokenTTL)
			}
			if tt.input.RefreshTokenTTL != tt.expectedRefreshTokenTTL {
				t.Errorf("RefreshTokenTTL = %d, want %d", tt.input.RefreshTokenTTL, tt.expectedRefreshTokenTTL)
			}
			if tt.input.IDTokenTTL != tt.expectedIDTokenTTL {
				t.Errorf("IDTokenTTL = %d, want %d", tt.input.IDTokenTTL, tt.expectedIDTokenTTL)
			}
			if tt.input.ClockSkewGracePeriod != tt.expectedClockSkewGrace {
				t.Errorf("ClockSkewGracePeriod = %d, want %d", tt.input.ClockSkewGracePeriod, tt.expectedClockSkewGrace)
			}
			if tt.input.MaxAccessTokenTTL != DefaultMaxAccessTokenTTL {
				t.Errorf("MaxAccessTokenTTL = %d, want %d", tt.input.MaxAccessTokenTTL, DefaultMaxAccessTokenTTL)
			}
		})
	}
}

func TestApplySecurityDefaults(t *testing.T) {
	tests := []struct {
		name         string
		input        *Config
		wantRotate   bool
		wantAudit    bool
		wantPlain    bool
		wantWarnings []string
	}{
		{
			name:       "fresh config gets secure defaults",
			input:      &Config{},
			wantRotate: true,
			wantAudit:  true,
		},
		{
			name:         "explicit plain PKCE keeps other switches as given",
			input:        &Config{AllowPlainPKCE: true, RotateRefreshTokens: true, AuditEnabled: true},
			wantRotate:   true,
			wantAudit:    true,
			wantPlain:    true,
			wantWarnings: []string{"plain PKCE method is allowed"},
		},
		{
			name:         "rotation disabled explicitly",
			input:        &Config{AuditEnabled: true},
			wantAudit:    true,
			wantWarnings: []string{"refresh token rotation is disabled"},
		},
		{
			name:         "audit disabled explicitly",
			input:        &Config{RotateRefreshTokens: true},
			wantRotate:   true,
			wantWarnings: []string{"security audit logging is disabled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			applySecurityDefaults(tt.input, logger)

			if tt.input.RotateRefreshTokens != tt.wantRotate {
				t.Errorf("RotateRefreshTokens = %v, want %v", tt.input.RotateRefreshTokens, tt.wantRotate)
			}
			if tt.input.AuditEnabled != tt.wantAudit {
				t.Errorf("AuditEnabled = %v, want %v", tt.input.AuditEnabled, tt.wantAudit)
			}
			if tt.input.AllowPlainPKCE != tt.wantPlain {
				t.Errorf("AllowPlainPKCE = %v, want %v", tt.input.AllowPlainPKCE, tt.wantPlain)
			}
			for _, want := range tt.wantWarnings {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("expected warning %q in logs, got:\n%s", want, buf.String())
				}
			}
			if len(tt.wantWarnings) == 0 && buf.Len() > 0 {
				t.Errorf("expected no warnings, got:\n%s", buf.String())
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Issuer: "https://auth.example.com"}
		applyTimeDefaults(c)
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "http issuer is valid", mutate: func(c *Config) { c.Issuer = "http://auth-server:9000" }},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "issuer scheme", mutate: func(c *Config) { c.Issuer = "ftp://auth.example.com" }, wantErr: "http or https"},
		{name: "issuer without host", mutate: func(c *Config) { c.Issuer = "https://" }, wantErr: "must include a host"},
		{name: "issuer with query", mutate: func(c *Config) { c.Issuer = "https://auth.example.com?x=1" }, wantErr: "query or fragment"},
		{name: "code TTL over ten minutes", mutate: func(c *Config) { c.AuthorizationCodeTTL = 601 }, wantErr: "AuthorizationCodeTTL"},
		{name: "negative code TTL", mutate: func(c *Config) { c.AuthorizationCodeTTL = -1 }, wantErr: "AuthorizationCodeTTL"},
		{name: "access TTL over maximum", mutate: func(c *Config) { c.AccessTokenTTL = c.MaxAccessTokenTTL + 1 }, wantErr: "AccessTokenTTL"},
		{name: "ID TTL over maximum", mutate: func(c *Config) { c.IDTokenTTL = c.MaxAccessTokenTTL + 1 }, wantErr: "IDTokenTTL"},
		{name: "refresh TTL over maximum", mutate: func(c *Config) { c.RefreshTokenTTL = c.MaxRefreshTokenTTL + 1 }, wantErr: "RefreshTokenTTL"},
		{name: "negative access TTL", mutate: func(c *Config) { c.AccessTokenTTL = -5 }, wantErr: "must be positive"},
		{name: "negative maximum", mutate: func(c *Config) { c.MaxRefreshTokenTTL = -1 }, wantErr: "MaxRefreshTokenTTL"},
		{name: "clock skew too large", mutate: func(c *Config) { c.ClockSkewGracePeriod = 301 }, wantErr: "ClockSkewGracePeriod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	c := &Config{AuthorizationCodeTTL: 9999}
	err := c.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"issuer is required", "AuthorizationCodeTTL", "AccessTokenTTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestValidateClientLifetime(t *testing.T) {
	tests := []struct {
		value   int64
		wantErr bool
	}{
		{value: 0},
		{value: 60},
		{value: 3600},
		{value: 3601, wantErr: true},
		{value: -1, wantErr: true},
	}
	for _, tt := range tests {
		err := validateClientLifetime("AccessTokenTTL", tt.value, 3600)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateClientLifetime(%d) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}
