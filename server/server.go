package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// tokenIDLogLength is the number of characters of a code or token that may be logged
const tokenIDLogLength = 8

// Server implements the authorization server protocol engine. It is safe for
// concurrent use; the RecordStore is the only shared mutable state.
type Server struct {
	clientStore    storage.ClientStore
	consentStore   storage.ConsentStore
	principalStore storage.PrincipalStore
	recordStore    storage.RecordStore
	keys           keys.Provider

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Config          *Config
	Instrumentation *instrumentation.Instrumentation

	tracer trace.Tracer

	customizerMu     sync.RWMutex
	claimsCustomizer ClaimsCustomizer

	now func() time.Time
}

// New creates a server over store and keyProvider. Defaults are applied to
// config and the result is validated.
func New(store storage.Store, keyProvider keys.Provider, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if keyProvider == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	// Disabled instrumentation records into no-op providers.
	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, err
	}

	srv := &Server{
		clientStore:      store,
		consentStore:     store,
		principalStore:   store,
		recordStore:      store,
		keys:             keyProvider,
		Auditor:          security.NewAuditor(logger, config.AuditEnabled),
		Logger:           logger,
		Config:           config,
		Instrumentation:  inst,
		tracer:           inst.Tracer("server"),
		claimsCustomizer: PrincipalClaims,
		now:              time.Now,
	}
	return srv, nil
}

// SetInstrumentation replaces the no-op instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetClientStore replaces the client store, typically with a caching
// wrapper around the same backend.
func (s *Server) SetClientStore(cs storage.ClientStore) {
	if cs != nil {
		s.clientStore = cs
	}
}

// SetClaimsCustomizer replaces the claims hook. Nil disables customization.
func (s *Server) SetClaimsCustomizer(c ClaimsCustomizer) {
	s.customizerMu.Lock()
	defer s.customizerMu.Unlock()
	s.claimsCustomizer = c
}

// Keys returns the key provider used for signing
func (s *Server) Keys() keys.Provider {
	return s.keys
}

// Principals returns the principal store
func (s *Server) Principals() storage.PrincipalStore {
	return s.principalStore
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

// generateRandomToken returns 256 bits of URL-safe randomness. It is used for
// codes, reference tokens and client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
