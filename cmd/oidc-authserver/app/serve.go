package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oidc-authserver"
	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/memory"
	"github.com/giantswarm/oidc-authserver/storage/redis"
	"github.com/giantswarm/oidc-authserver/storage/sqlite"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server.

With the default settings the server keeps everything in memory, generates a
signing key at startup and seeds the demo clients and principals.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().String("issuer", server.DefaultIssuer, "Issuer identifier placed in every token")
	cmd.Flags().String("listen", ":9000", "Address of the OAuth endpoints")
	cmd.Flags().String("metrics-listen", "", "Address of the Prometheus endpoint (empty disables metrics)")
	cmd.Flags().String("storage-backend", BackendMemory, "Storage backend (memory, redis, sqlite)")
	cmd.Flags().String("keys-file", "", "PEM file with the RSA signing key (empty generates one)")
	cmd.Flags().Bool("bootstrap", true, "Seed the demo clients and principals")

	bindFlag(v, "issuer", cmd, "issuer")
	bindFlag(v, "listen", cmd, "listen")
	bindFlag(v, "metrics.listen", cmd, "metrics-listen")
	bindFlag(v, "storage.backend", cmd, "storage-backend")
	bindFlag(v, "keys.file", cmd, "keys-file")
	bindFlag(v, "bootstrap", cmd, "bootstrap")

	return cmd
}

func runServe(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oidc-authserver",
		ServiceVersion:  version,
		Enabled:         cfg.Metrics.Listen != "",
		MetricsExporter: metricsExporter(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down instrumentation", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	keyProvider, err := loadKeys(cfg.Keys, logger)
	if err != nil {
		return err
	}

	handlerConfig, err := handlerConfig(cfg)
	if err != nil {
		return err
	}

	srv, handler, err := oauth.NewServer(oauth.Options{
		Store:           store,
		Keys:            keyProvider,
		Server:          cfg.ServerConfig(),
		Handler:         handlerConfig,
		Instrumentation: inst,
		ClientCacheTTL:  cfg.Storage.ClientCacheTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	if cfg.Bootstrap {
		if err := srv.Bootstrap(ctx, server.DefaultBootstrapConfig()); err != nil {
			return err
		}
		logger.Info("seeded demo clients and principals")
	}

	servers := []*http.Server{newHTTPServer(cfg.Listen, newRouter(handler, logger))}
	if cfg.Metrics.Listen != "" {
		servers = append(servers, newHTTPServer(cfg.Metrics.Listen, newMetricsRouter(inst)))
	}
	return serveAll(ctx, servers, logger)
}

func metricsExporter(cfg *Config) string {
	if cfg.Metrics.Listen != "" {
		return instrumentation.MetricsExporterPrometheus
	}
	return instrumentation.MetricsExporterNone
}

// openStore returns the configured backend and a function releasing it.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (storage.Store, func(), error) {
	var encryptor *security.Encryptor
	if cfg.Storage.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid storage encryption key: %w", err)
		}
		if encryptor, err = security.NewEncryptor(key); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Storage.Backend {
	case BackendRedis:
		store, err := redis.New(redis.Config{
			Addrs:     cfg.Storage.Redis.Addrs,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.Prefix,
			Encryptor: encryptor,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		return store, closeLogged(store.Close, logger), nil

	case BackendSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:      cfg.Storage.SQLite.Path,
			Encryptor: encryptor,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, closeLogged(store.Close, logger), nil

	default:
		if encryptor != nil {
			logger.Warn("storage encryption key ignored by the memory backend")
		}
		logger.Warn("using in-memory storage, state is lost on restart")
		store := memory.New()
		return store, store.Stop, nil
	}
}

func closeLogged(closeFn func() error, logger *slog.Logger) func() {
	return func() {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}
}

func loadKeys(cfg KeysConfig, logger *slog.Logger) (*keys.MemoryProvider, error) {
	provider := keys.NewMemoryProvider(logger)
	if cfg.File != "" {
		key, err := provider.LoadPEMFile(cfg.File)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded signing key", "kid", key.KeyID, "path", cfg.File)
		return provider, nil
	}

	key, err := provider.Generate(cfg.Bits)
	if err != nil {
		return nil, err
	}
	logger.Warn("generated an ephemeral signing key, tokens will not verify after a restart", "kid", key.KeyID)
	return provider, nil
}

func handlerConfig(cfg *Config) (*oauth.HandlerConfig, error) {
	hc := &oauth.HandlerConfig{
		RateLimit:         cfg.HTTP.RateLimit,
		RateBurst:         cfg.HTTP.RateBurst,
		TrustProxy:        cfg.HTTP.TrustProxy,
		TrustedProxyCount: cfg.HTTP.TrustedProxyCount,
		Realm:             cfg.HTTP.Realm,
		AllowInsecureHTTP: cfg.HTTP.AllowInsecure,
	}
	if cfg.HTTP.ConsentKey != "" {
		key, err := security.KeyFromBase64(cfg.HTTP.ConsentKey)
		if err != nil {
			return nil, fmt.Errorf("invalid consent key: %w", err)
		}
		hc.ConsentKey = key
	}
	return hc, nil
}

// newRouter mounts the OAuth endpoints behind the request middleware.
func newRouter(handler *oauth.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/*", handler.Routes())
	return r
}

func newMetricsRouter(inst *instrumentation.Instrumentation) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", inst.PrometheusHandler())
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// serveAll runs every server until ctx is done or one of them fails, then
// shuts all of them down.
func serveAll(ctx context.Context, servers []*http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down %s: %w", s.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
