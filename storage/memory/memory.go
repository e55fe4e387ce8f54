package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// tokenIDLogLength is the number of characters of a code or hash that may be logged
const tokenIDLogLength = 8

type consentKey struct {
	clientID  string
	principal string
}

// telemetry is the instrumentation in effect for a storage operation.
type telemetry struct {
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	clients    map[string]*storage.Client
	consents   map[consentKey]*storage.Consent
	principals map[string]*storage.Principal

	// codes and tokens are keyed by storage.HashToken(value)
	codes  map[string]*storage.AuthorizationCode
	tokens map[string]*storage.TokenRecord

	// grants indexes token keys by lineage
	grants map[string]map[string]struct{}

	// revokedGrants holds the revocation time of revoked lineages
	revokedGrants map[string]time.Time

	// telemetry is swapped by SetInstrumentation and read without the lock
	telemetry atomic.Pointer[telemetry]

	// Atomic counters for the size gauges, read without the lock
	codesCount    atomic.Int64
	tokensCount   atomic.Int64
	clientsCount  atomic.Int64
	consentsCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store that sweeps expired records every minute
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom sweep interval.
// A non-positive interval uses one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		consents:        make(map[consentKey]*storage.Consent),
		principals:      make(map[string]*storage.Principal),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.TokenRecord),
		grants:          make(map[string]map[string]struct{}),
		revokedGrants:   make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		s.telemetry.Store(nil)
		return
	}
	s.telemetry.Store(&telemetry{inst: inst, tracer: inst.Tracer("storage")})

	s.mu.Lock()
	s.refreshCounters()
	s.mu.Unlock()

	err := inst.RegisterStorageSizeCallbacks(
		s.codesCount.Load,
		s.tokensCount.Load,
		s.clientsCount.Load,
		s.consentsCount.Load,
	)
	if err != nil {
		s.logger.Warn("failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the background sweep. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// refreshCounters must be called with s.mu held
func (s *Store) refreshCounters() {
	s.codesCount.Store(int64(len(s.codes)))
	s.tokensCount.Store(int64(len(s.tokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.consentsCount.Store(int64(len(s.consents)))
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a client unless its ID is taken
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	}
	s.clients[client.ClientID] = client.Clone()
	s.clientsCount.Store(int64(len(s.clients)))

	s.logger.Debug("stored client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client.Clone(), nil
}

// ValidateClientSecret validates a client's secret using bcrypt
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	return storage.VerifyClientSecret(client, err, clientSecret)
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		if a.ClientID < b.ClientID {
			return -1
		}
		if a.ClientID > b.ClientID {
			return 1
		}
		return 0
	})
	return clients, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns the approved scopes of principal for client
func (s *Store) GetConsent(ctx context.Context, clientID, principalName string) (_ *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_consent")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_consent", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey{clientID, principalName}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	cp := *consent
	cp.Scopes = slices.Clone(consent.Scopes)
	return &cp, nil
}

// AddConsent unions scopes into the stored approval
func (s *Store) AddConsent(ctx context.Context, clientID, principalName string, scopes []string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "add_consent")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "add_consent", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{clientID, principalName}
	consent, ok := s.consents[key]
	if !ok {
		consent = &storage.Consent{ClientID: clientID, PrincipalName: principalName}
		s.consents[key] = consent
		s.consentsCount.Store(int64(len(s.consents)))
	}
	consent.Scopes = storage.UnionScopes(consent.Scopes, scopes)
	consent.UpdatedAt = s.now()
	return nil
}

// ============================================================
// PrincipalStore Implementation
// ============================================================

// SavePrincipal creates or replaces a principal
func (s *Store) SavePrincipal(_ context.Context, principal *storage.Principal) error {
	if principal == nil || principal.Name == "" {
		return fmt.Errorf("principal name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *principal
	cp.Roles = slices.Clone(principal.Roles)
	s.principals[principal.Name] = &cp
	return nil
}

// GetPrincipal returns a principal by name
func (s *Store) GetPrincipal(_ context.Context, name string) (*storage.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	principal, ok := s.principals[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrPrincipalNotFound, name)
	}
	cp := *principal
	cp.Roles = slices.Clone(principal.Roles)
	return &cp, nil
}

// ============================================================
// RecordStore Implementation: authorization codes
// ============================================================

// SaveAuthorizationCode stores a fresh authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	stored := code.Clone()
	stored.Code = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[storage.HashToken(code.Code)] = stored
	s.codesCount.Store(int64(len(s.codes)))
	return nil
}

// GetAuthorizationCode returns a copy of the code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[storage.HashToken(code)]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	out := authCode.Clone()
	out.Code = code
	return out, nil
}

// ConsumeAuthorizationCode atomically checks and marks a code consumed.
// The code is only returned on success or on reuse; expired and unknown codes
// return nil.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[storage.HashToken(code)]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if authCode.Consumed {
		out := authCode.Clone()
		out.Code = code
		return out, storage.ErrAuthorizationCodeUsed
	}

	if security.IsExpiredAt(authCode.ExpiresAt, s.now(), security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	authCode.Consumed = true
	authCode.ConsumedAt = s.now()
	s.logger.Debug("consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", authCode.ClientID)

	out := authCode.Clone()
	out.Code = code
	return out, nil
}

// ============================================================
// RecordStore Implementation: tokens
// ============================================================

// SaveToken stores a token record
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_token", err, startTime) }()

	if record == nil || record.Key == "" {
		return fmt.Errorf("token record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := record.Clone()
	if at, ok := s.revokedGrants[record.GrantID]; ok && !stored.Revoked {
		stored.Revoked = true
		stored.RevokedAt = at
	}
	s.tokens[record.Key] = stored
	if record.GrantID != "" {
		lineage, ok := s.grants[record.GrantID]
		if !ok {
			lineage = make(map[string]struct{})
			s.grants[record.GrantID] = lineage
		}
		lineage[record.Key] = struct{}{}
	}
	s.tokensCount.Store(int64(len(s.tokens)))
	return nil
}

// GetToken looks a token up by value
func (s *Store) GetToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[storage.HashToken(value)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsExpiredAt(record.ExpiresAt, s.now(), security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrTokenExpired
	}
	return record.Clone(), nil
}

// RevokeToken revokes a token; refresh tokens take their lineage with them
func (s *Store) RevokeToken(ctx context.Context, value string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[storage.HashToken(value)]
	if !ok {
		return 0, storage.ErrTokenNotFound
	}

	if record.Type == storage.TokenTypeRefresh && record.GrantID != "" {
		return s.revokeGrantLocked(record.GrantID), nil
	}
	if record.Revoked {
		return 0, nil
	}
	record.Revoked = true
	record.RevokedAt = s.now()
	return 1, nil
}

// RevokeGrant revokes every token of a lineage
func (s *Store) RevokeGrant(ctx context.Context, grantID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_grant")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_grant", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeGrantLocked(grantID)
	if revoked > 0 {
		s.logger.Info("revoked token lineage", "grant_id", grantID, "tokens_revoked", revoked)
	}
	return revoked, nil
}

// revokeGrantLocked must be called with s.mu held for writing
func (s *Store) revokeGrantLocked(grantID string) int {
	if grantID == "" {
		return 0
	}
	now := s.now()
	if _, ok := s.revokedGrants[grantID]; !ok {
		s.revokedGrants[grantID] = now
	}
	revoked := 0
	for key := range s.grants[grantID] {
		record, ok := s.tokens[key]
		if !ok || record.Revoked {
			continue
		}
		record.Revoked = true
		record.RevokedAt = now
		revoked++
	}
	return revoked
}

// RotateRefreshToken atomically revokes an active refresh token
func (s *Store) RotateRefreshToken(ctx context.Context, value string) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[storage.HashToken(value)]
	if !ok || record.Type != storage.TokenTypeRefresh {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsExpiredAt(record.ExpiresAt, s.now(), security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrTokenExpired
	}
	if record.Revoked {
		return record.Clone(), storage.ErrTokenRevoked
	}

	record.Revoked = true
	record.RevokedAt = s.now()
	return record.Clone(), nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops codes and tokens past their expiry plus the clock skew grace.
// Consumed codes stay until then so reuse can still be detected.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for key, code := range s.codes {
		if security.IsExpiredAt(code.ExpiresAt, now, security.DefaultClockSkewGracePeriod) {
			delete(s.codes, key)
			cleaned++
		}
	}

	for key, record := range s.tokens {
		if !security.IsExpiredAt(record.ExpiresAt, now, security.DefaultClockSkewGracePeriod) {
			continue
		}
		delete(s.tokens, key)
		if lineage, ok := s.grants[record.GrantID]; ok {
			delete(lineage, key)
			if len(lineage) == 0 {
				delete(s.grants, record.GrantID)
			}
		}
		cleaned++
	}

	for grantID, at := range s.revokedGrants {
		if now.Sub(at) > storage.RevokedGrantRetention {
			delete(s.revokedGrants, grantID)
		}
	}

	s.refreshCounters()

	if cleaned > 0 {
		s.logger.Debug("swept expired records", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	t := s.telemetry.Load()
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOp, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	t := s.telemetry.Load()
	if t == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	t.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
