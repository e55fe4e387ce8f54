package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oidc-authserver"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/server"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every environment variable, e.g. OIDC_STORAGE_BACKEND.
const EnvPrefix = "OIDC"

// Config is the binary's configuration. Each value is taken from a flag, an
// OIDC_ environment variable, the config file or the default, in that order.
type Config struct {
	Issuer    string        `mapstructure:"issuer"`
	Listen    string        `mapstructure:"listen"`
	Bootstrap bool          `mapstructure:"bootstrap"`
	Log       LogConfig     `mapstructure:"log"`
	Keys      KeysConfig    `mapstructure:"keys"`
	Storage   StorageConfig `mapstructure:"storage"`
	Tokens    TokensConfig  `mapstructure:"tokens"`
	HTTP      HTTPConfig    `mapstructure:"http"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type KeysConfig struct {
	// File is a PKCS8 or PKCS1 PEM. Empty generates a key at startup.
	File string `mapstructure:"file"`
	Bits int    `mapstructure:"bits"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`

	// EncryptionKey is a base64 AES-256 key sealing records at rest.
	EncryptionKey string `mapstructure:"encryption-key"`

	ClientCacheTTL time.Duration `mapstructure:"client-cache-ttl"`

	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// TokensConfig overrides the engine lifetimes. Zero keeps the default.
type TokensConfig struct {
	CodeTTL    time.Duration `mapstructure:"code-ttl"`
	AccessTTL  time.Duration `mapstructure:"access-ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh-ttl"`
	IDTTL      time.Duration `mapstructure:"id-ttl"`
}

type HTTPConfig struct {
	RateLimit         int    `mapstructure:"rate-limit"`
	RateBurst         int    `mapstructure:"rate-burst"`
	TrustProxy        bool   `mapstructure:"trust-proxy"`
	TrustedProxyCount int    `mapstructure:"trusted-proxy-count"`
	Realm             string `mapstructure:"realm"`
	ConsentKey        string `mapstructure:"consent-key"`
	AllowInsecure     bool   `mapstructure:"allow-insecure"`
}

type MetricsConfig struct {
	// Listen serves Prometheus metrics on a separate address. Empty
	// disables metrics and tracing.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer", server.DefaultIssuer)
	v.SetDefault("listen", ":9000")
	v.SetDefault("bootstrap", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("keys.file", "")
	v.SetDefault("keys.bits", keys.MinRSAKeyBits)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.encryption-key", "")
	v.SetDefault("storage.client-cache-ttl", 0)
	v.SetDefault("storage.redis.addrs", []string{})
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "")
	v.SetDefault("storage.sqlite.path", "oidc-authserver.db")
	v.SetDefault("tokens.code-ttl", 0)
	v.SetDefault("tokens.access-ttl", 0)
	v.SetDefault("tokens.refresh-ttl", 0)
	v.SetDefault("tokens.id-ttl", 0)
	v.SetDefault("http.rate-limit", oauth.DefaultTokenRateLimit)
	v.SetDefault("http.rate-burst", oauth.DefaultTokenRateBurst)
	v.SetDefault("http.trust-proxy", false)
	v.SetDefault("http.trusted-proxy-count", 0)
	v.SetDefault("http.realm", oauth.DefaultRealm)
	v.SetDefault("http.consent-key", "")
	v.SetDefault("http.allow-insecure", false)
	v.SetDefault("metrics.listen", "")
}

// newViper returns a viper instance reading OIDC_ variables, with nested
// keys mapped as storage.redis.addrs -> OIDC_STORAGE_REDIS_ADDRS.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// readConfigFile reads path, or oidc-authserver.{yaml,json,toml} from the
// working directory when path is empty. A missing default file is not an
// error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("oidc-authserver")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// loadConfig decodes v into a validated Config.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// A comma-separated OIDC_STORAGE_REDIS_ADDRS arrives as one element.
	if len(cfg.Storage.Redis.Addrs) == 1 {
		cfg.Storage.Redis.Addrs = strings.Split(cfg.Storage.Redis.Addrs[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Storage.Redis.Addrs) == 0 || c.Storage.Redis.Addrs[0] == "" {
			errs = append(errs, errors.New("storage.redis.addrs is required for the redis backend"))
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Keys.File == "" && c.Keys.Bits < keys.MinRSAKeyBits {
		errs = append(errs, fmt.Errorf("keys.bits must be at least %d", keys.MinRSAKeyBits))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ServerConfig converts the token settings to the engine's config.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		AuthorizationCodeTTL: int64(c.Tokens.CodeTTL.Seconds()),
		AccessTokenTTL:       int64(c.Tokens.AccessTTL.Seconds()),
		RefreshTokenTTL:      int64(c.Tokens.RefreshTTL.Seconds()),
		IDTokenTTL:           int64(c.Tokens.IDTTL.Seconds()),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return level, nil
}

func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
