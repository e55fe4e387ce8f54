package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/cache"
)

// Options assembles a server and its handler in one call.
type Options struct {
	// Store backs clients, consents, principals and records.
	Store storage.Store

	// Keys signs tokens.
	Keys keys.Provider

	// Server holds the engine settings.
	Server *server.Config

	// Handler holds the HTTP settings.
	Handler *HandlerConfig

	// Instrumentation, when set, replaces the no-op providers.
	Instrumentation *instrumentation.Instrumentation

	// ClientCacheTTL caches client lookups in-process. Zero disables the
	// cache; replicas sharing a store see registry changes after at most
	// this long.
	ClientCacheTTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type instrumentedStore interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// NewServer creates the engine described by opts and the handler serving it.
func NewServer(opts Options) (*server.Server, *Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(opts.Store, opts.Keys, opts.Server, logger)
	if err != nil {
		return nil, nil, err
	}

	if opts.Instrumentation != nil {
		srv.SetInstrumentation(opts.Instrumentation)
		if s, ok := opts.Store.(instrumentedStore); ok {
			s.SetInstrumentation(opts.Instrumentation)
		}
	}
	if opts.ClientCacheTTL > 0 {
		srv.SetClientStore(cache.NewClientStore(opts.Store, opts.ClientCacheTTL, logger))
	}

	handler, err := NewHandler(srv, opts.Handler, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return srv, handler, nil
}
