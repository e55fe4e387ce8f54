package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-authserver/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a client with SET NX and adds it to the index
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "create_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	key := s.clientKey(client.ClientID)
	data, err := storage.SealJSON(s.encryptor, client, key)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	}
	if err := s.client.SAdd(ctx, s.clientsIndexKey(), client.ClientID).Err(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}

	s.logger.Debug("stored client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	key := s.clientKey(clientID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := storage.OpenJSON(s.encryptor, data, key, &client); err != nil {
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
	ids, err := s.client.SMembers(ctx, s.clientsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	slices.Sort(ids)

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if errors.Is(err, storage.ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns the approved scopes of principal for client
func (s *Store) GetConsent(ctx context.Context, clientID, principalName string) (_ *storage.Consent, err error) {
	ctx, done := s.observer.Start(ctx, "get_consent")
	defer func() { done(err) }()

	scopes, err := s.client.SMembers(ctx, s.consentKey(clientID, principalName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	if len(scopes) == 0 {
		return nil, storage.ErrConsentNotFound
	}
	slices.Sort(scopes)

	consent := &storage.Consent{ClientID: clientID, PrincipalName: principalName, Scopes: scopes}
	if ms, err := s.client.Get(ctx, s.consentTimeKey(clientID, principalName)).Int64(); err == nil {
		consent.UpdatedAt = time.UnixMilli(ms)
	}
	return consent, nil
}

// AddConsent unions scopes into the stored approval with SADD
func (s *Store) AddConsent(ctx context.Context, clientID, principalName string, scopes []string) (err error) {
	ctx, done := s.observer.Start(ctx, "add_consent")
	defer func() { done(err) }()

	members := make([]any, 0, len(scopes))
	for _, scope := range scopes {
		if scope != "" {
			members = append(members, scope)
		}
	}
	if len(members) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.consentKey(clientID, principalName), members...)
		pipe.Set(ctx, s.consentTimeKey(clientID, principalName), s.now().UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// ============================================================
// PrincipalStore Implementation
// ============================================================

// SavePrincipal creates or replaces a principal
func (s *Store) SavePrincipal(ctx context.Context, principal *storage.Principal) error {
	if principal == nil || principal.Name == "" {
		return fmt.Errorf("principal name is required")
	}
	key := s.principalKey(principal.Name)
	data, err := storage.SealJSON(s.encryptor, principal, key)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save principal: %w", err)
	}
	return nil
}

// GetPrincipal returns a principal by name
func (s *Store) GetPrincipal(ctx context.Context, name string) (*storage.Principal, error) {
	key := s.principalKey(name)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrPrincipalNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	var principal storage.Principal
	if err := storage.OpenJSON(s.encryptor, data, key, &principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

// scriptReply splits a status-tagged Lua table reply.
func scriptReply(res any) (status, data string, at int64, err error) {
	parts, ok := res.([]any)
	if !ok || len(parts) == 0 {
		return "", "", 0, fmt.Errorf("unexpected script reply %T", res)
	}
	status, _ = parts[0].(string)
	if len(parts) > 1 {
		data, _ = parts[1].(string)
	}
	if len(parts) > 2 {
		switch v := parts[2].(type) {
		case string:
			_, _ = fmt.Sscan(strings.TrimSpace(v), &at)
		case int64:
			at = v
		}
	}
	return status, data, at, nil
}
