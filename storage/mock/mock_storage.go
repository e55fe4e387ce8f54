// Package mock provides a failure-injecting storage.Store for unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/memory"
)

// Operation names accepted by FailOn
const (
	OpCreateClient             = "CreateClient"
	OpGetClient                = "GetClient"
	OpValidateClientSecret     = "ValidateClientSecret"
	OpListClients              = "ListClients"
	OpGetConsent               = "GetConsent"
	OpAddConsent               = "AddConsent"
	OpSavePrincipal            = "SavePrincipal"
	OpGetPrincipal             = "GetPrincipal"
	OpSaveAuthorizationCode    = "SaveAuthorizationCode"
	OpGetAuthorizationCode     = "GetAuthorizationCode"
	OpConsumeAuthorizationCode = "ConsumeAuthorizationCode"
	OpSaveToken                = "SaveToken"
	OpGetToken                 = "GetToken"
	OpRevokeToken              = "RevokeToken"
	OpRevokeGrant              = "RevokeGrant"
	OpRotateRefreshToken       = "RotateRefreshToken"
)

// Store delegates to an in-memory store unless a failure was injected for
// the operation. Every call is counted.
type Store struct {
	backing *memory.Store

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

var _ storage.Store = (*Store)(nil)

// New returns a mock backed by a fresh memory store
func New() *Store {
	return &Store{
		backing:  memory.New(),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Stop stops the backing store's sweep loop
func (m *Store) Stop() { m.backing.Stop() }

// FailOn makes op return err until Reset. A nil err clears the failure.
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Reset clears injected failures and call counts
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
	m.calls = make(map[string]int)
}

// Calls returns how many times op was invoked
func (m *Store) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Store) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.failures[op]
}

func (m *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if err := m.enter(OpCreateClient); err != nil {
		return err
	}
	return m.backing.CreateClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.enter(OpGetClient); err != nil {
		return nil, err
	}
	return m.backing.GetClient(ctx, clientID)
}

func (m *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	if err := m.enter(OpValidateClientSecret); err != nil {
		return err
	}
	return m.backing.ValidateClientSecret(ctx, clientID, secret)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if err := m.enter(OpListClients); err != nil {
		return nil, err
	}
	return m.backing.ListClients(ctx)
}

func (m *Store) GetConsent(ctx context.Context, clientID, principalName string) (*storage.Consent, error) {
	if err := m.enter(OpGetConsent); err != nil {
		return nil, err
	}
	return m.backing.GetConsent(ctx, clientID, principalName)
}

func (m *Store) AddConsent(ctx context.Context, clientID, principalName string, scopes []string) error {
	if err := m.enter(OpAddConsent); err != nil {
		return err
	}
	return m.backing.AddConsent(ctx, clientID, principalName, scopes)
}

func (m *Store) SavePrincipal(ctx context.Context, principal *storage.Principal) error {
	if err := m.enter(OpSavePrincipal); err != nil {
		return err
	}
	return m.backing.SavePrincipal(ctx, principal)
}

func (m *Store) GetPrincipal(ctx context.Context, name string) (*storage.Principal, error) {
	if err := m.enter(OpGetPrincipal); err != nil {
		return nil, err
	}
	return m.backing.GetPrincipal(ctx, name)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := m.enter(OpSaveAuthorizationCode); err != nil {
		return err
	}
	return m.backing.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.enter(OpGetAuthorizationCode); err != nil {
		return nil, err
	}
	return m.backing.GetAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.enter(OpConsumeAuthorizationCode); err != nil {
		return nil, err
	}
	return m.backing.ConsumeAuthorizationCode(ctx, code)
}

func (m *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) error {
	if err := m.enter(OpSaveToken); err != nil {
		return err
	}
	return m.backing.SaveToken(ctx, record)
}

func (m *Store) GetToken(ctx context.Context, value string) (*storage.TokenRecord, error) {
	if err := m.enter(OpGetToken); err != nil {
		return nil, err
	}
	return m.backing.GetToken(ctx, value)
}

func (m *Store) RevokeToken(ctx context.Context, value string) (int, error) {
	if err := m.enter(OpRevokeToken); err != nil {
		return 0, err
	}
	return m.backing.RevokeToken(ctx, value)
}

func (m *Store) RevokeGrant(ctx context.Context, grantID string) (int, error) {
	if err := m.enter(OpRevokeGrant); err != nil {
		return 0, err
	}
	return m.backing.RevokeGrant(ctx, grantID)
}

func (m *Store) RotateRefreshToken(ctx context.Context, value string) (*storage.TokenRecord, error) {
	if err := m.enter(OpRotateRefreshToken); err != nil {
		return nil, err
	}
	return m.backing.RotateRefreshToken(ctx, value)
}
