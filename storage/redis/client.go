package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oidc:"

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second

	// tokenIDLogLength is the number of characters of a hash that may be logged
	tokenIDLogLength = 8
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Addrs lists the server addresses (required). One address selects a
	// single node, several a cluster or sentinel setup.
	Addrs []string

	// Password is the optional password for AUTH
	Password string

	// DB is the database number (single node only)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS enables encrypted connections when set
	TLS *tls.Config

	// Encryptor seals record payloads at rest. Nil stores plain JSON.
	Encryptor *security.Encryptor

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of every storage interface.
//
// Mutable state (consumed, revoked) lives in plain hash fields next to the
// sealed payload so the Lua scripts can flip it without decrypting.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	encryptor *security.Encryptor
	logger    *slog.Logger
	observer  storage.ObserverRef
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("connected to redis storage", "addrs", cfg.Addrs, "db", cfg.DB, "prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. cfg.Addrs, Password, DB and TLS
// are ignored.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Encryptor.IsEnabled() {
		logger.Info("record encryption at rest enabled for redis storage")
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		encryptor: cfg.Encryptor,
		logger:    logger,
		now:       time.Now,
	}
}

// SetInstrumentation enables spans and storage metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.Set(storage.NewObserver(inst, "redis"))
}

// Close closes the client connection.
func (s *Store) Close() error {
	s.logger.Info("redis storage connection closed")
	return s.client.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) clientKey(id string) string { return s.prefix + "client:" + id }
func (s *Store) clientsIndexKey() string { return s.prefix + "clients" }
func (s *Store) principalKey(name string) string { return s.prefix + "principal:" + name }
func (s *Store) codeKey(hash string) string { return s.prefix + "code:" + hash }
func (s *Store) tokenKeyPrefix() string { return s.prefix + "token:" }
func (s *Store) tokenKey(hash string) string { return s.tokenKeyPrefix() + hash }
func (s *Store) grantKeyPrefix() string { return s.prefix + "grant:" }
func (s *Store) grantKey(grantID string) string { return s.grantKeyPrefix() + grantID }

// revokedGrantKey matches the marker revokeLineageLua sets.
func (s *Store) revokedGrantKey(grantID string) string { return s.grantKey(grantID) + ":revoked" }
func (s *Store) consentKey(clientID, principal string) string {
	return s.prefix + "consent:" + clientID + ":" + principal
}
func (s *Store) consentTimeKey(clientID, principal string) string {
	return s.prefix + "consent_ts:" + clientID + ":" + principal
}

// ttlFor is the native key TTL for a record expiring at expiresAt. Keys
// outlive expiry by the clock skew grace so late reuse is still detected.
func (s *Store) ttlFor(expiresAt time.Time) time.Duration {
	return expiresAt.Sub(s.now()) + security.DefaultClockSkewGracePeriod
}
