package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// DefaultSweepInterval is how often expired rows are deleted
const DefaultSweepInterval = 5 * time.Minute

// Config holds configuration for the SQLite storage backend.
type Config struct {
	// Path is the database file. ":memory:" gives a private in-memory database.
	Path string

	// Encryptor seals record payloads at rest. Nil stores plain JSON.
	Encryptor *security.Encryptor

	// SweepInterval controls the expired-row sweep. Negative disables it,
	// zero uses DefaultSweepInterval.
	SweepInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of every storage interface.
type Store struct {
	db        *sql.DB
	encryptor *security.Encryptor
	logger    *slog.Logger
	observer  storage.ObserverRef
	now       func() time.Time

	stopSweep chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path and applies the
// embedded migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	applied, err := runMigrations(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		encryptor: cfg.Encryptor,
		logger:    logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	interval := cfg.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	} else {
		close(s.sweepDone)
	}

	logger.Info("opened sqlite storage", "path", cfg.Path, "migrations_applied", applied)
	return s, nil
}

// SetInstrumentation enables spans and storage metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.Set(storage.NewObserver(inst, "sqlite"))
}

// Close stops the sweep and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	<-s.sweepDone
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func graceMillis() int64 {
	return security.DefaultClockSkewGracePeriod.Milliseconds()
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient inserts a client; the primary key rejects duplicates
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "create_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := storage.SealJSON(s.encryptor, client, "clients:"+client.ClientID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, data, created_at) VALUES (?, ?, ?)`,
		client.ClientID, data, s.now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM clients WHERE client_id = ?`, clientID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query client: %w", err)
	}

	var client storage.Client
	if err := storage.OpenJSON(s.encryptor, data, "clients:"+clientID, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	client, err := s.GetClient(ctx, clientID)
	return storage.VerifyClientSecret(client, err, secret)
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, data FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*storage.Client
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		var client storage.Client
		if err := storage.OpenJSON(s.encryptor, data, "clients:"+id, &client); err != nil {
			return nil, err
		}
		clients = append(clients, &client)
	}
	return clients, rows.Err()
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns the approved scopes of principal for client
func (s *Store) GetConsent(ctx context.Context, clientID, principalName string) (_ *storage.Consent, err error) {
	ctx, done := s.observer.Start(ctx, "get_consent")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, granted_at FROM consents
		 WHERE client_id = ? AND principal_name = ? ORDER BY scope`,
		clientID, principalName)
	if err != nil {
		return nil, fmt.Errorf("failed to query consent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	consent := &storage.Consent{ClientID: clientID, PrincipalName: principalName}
	var latest int64
	for rows.Next() {
		var scope string
		var grantedAt int64
		if err := rows.Scan(&scope, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		consent.Scopes = append(consent.Scopes, scope)
		latest = max(latest, grantedAt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(consent.Scopes) == 0 {
		return nil, storage.ErrConsentNotFound
	}
	consent.UpdatedAt = time.UnixMilli(latest)
	return consent, nil
}

// AddConsent unions scopes into the stored approval with INSERT OR IGNORE
func (s *Store) AddConsent(ctx context.Context, clientID, principalName string, scopes []string) (err error) {
	ctx, done := s.observer.Start(ctx, "add_consent")
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := s.now().UnixMilli()
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO consents (client_id, principal_name, scope, granted_at) VALUES (?, ?, ?, ?)`,
			clientID, principalName, scope, now); err != nil {
			return fmt.Errorf("failed to insert consent: %w", err)
		}
	}
	return tx.Commit()
}

// ============================================================
// PrincipalStore Implementation
// ============================================================

// SavePrincipal creates or replaces a principal
func (s *Store) SavePrincipal(ctx context.Context, principal *storage.Principal) error {
	if principal == nil || principal.Name == "" {
		return fmt.Errorf("principal name is required")
	}
	data, err := storage.SealJSON(s.encryptor, principal, "principals:"+principal.Name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO principals (name, data) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data`,
		principal.Name, data)
	if err != nil {
		return fmt.Errorf("failed to save principal: %w", err)
	}
	return nil
}

// GetPrincipal returns a principal by name
func (s *Store) GetPrincipal(ctx context.Context, name string) (*storage.Principal, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM principals WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrPrincipalNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query principal: %w", err)
	}
	var principal storage.Principal
	if err := storage.OpenJSON(s.encryptor, data, "principals:"+name, &principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

// ============================================================
// Sweep
// ============================================================

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("failed to sweep expired records", "error", err)
			}
		}
	}
}

// Sweep deletes codes and tokens past expiry plus the clock skew grace, and
// lineage markers older than storage.RevokedGrantRetention. It returns how
// many codes and tokens went.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UnixMilli() - graceMillis()

	var total int64
	for _, query := range []string{
		`DELETE FROM authorization_codes WHERE expires_at < ?`,
		`DELETE FROM tokens WHERE expires_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to sweep: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	// Lineage markers are bookkeeping and do not count towards the total.
	tombstoneCutoff := s.now().Add(-storage.RevokedGrantRetention).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_grants WHERE revoked_at < ?`, tombstoneCutoff); err != nil {
		return total, fmt.Errorf("failed to sweep revoked grants: %w", err)
	}
	if total > 0 {
		s.logger.Debug("swept expired records", "count", total)
	}
	return total, nil
}
