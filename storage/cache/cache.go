// Package cache wraps a storage.ClientStore with a read-through, in-process
// cache of client definitions. Only clients are cached: they are immutable
// between registry changes, whereas codes and tokens are never cached.
package cache

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/giantswarm/oidc-authserver/storage"
)

// DefaultTTL is how long a client definition stays cached
const DefaultTTL = 5 * time.Minute

// ClientStore caches GetClient results of the wrapped store.
type ClientStore struct {
	next   storage.ClientStore
	cache  *gocache.Cache
	logger *slog.Logger
}

var _ storage.ClientStore = (*ClientStore)(nil)

// NewClientStore wraps next. A non-positive ttl uses DefaultTTL. No janitor
// goroutine is started: expired entries are skipped on read and replaced by
// the next lookup, so the cache holds at most one entry per client.
func NewClientStore(next storage.ClientStore, ttl time.Duration, logger *slog.Logger) *ClientStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientStore{
		next:   next,
		cache:  gocache.New(ttl, 0),
		logger: logger,
	}
}

// CreateClient writes through and invalidates any cached entry
func (c *ClientStore) CreateClient(ctx context.Context, client *storage.Client) error {
	if err := c.next.CreateClient(ctx, client); err != nil {
		return err
	}
	c.cache.Delete(client.ClientID)
	return nil
}

// GetClient serves from cache, falling back to the wrapped store. Misses are
// not cached.
func (c *ClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if v, ok := c.cache.Get(clientID); ok {
		return v.(*storage.Client).Clone(), nil
	}

	client, err := c.next.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(clientID, client.Clone())
	c.logger.Debug("cached client", "client_id", clientID)
	return client, nil
}

// ValidateClientSecret always consults the wrapped store
func (c *ClientStore) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	return c.next.ValidateClientSecret(ctx, clientID, secret)
}

// ListClients always consults the wrapped store
func (c *ClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return c.next.ListClients(ctx)
}

// Invalidate drops one cached client
func (c *ClientStore) Invalidate(clientID string) {
	c.cache.Delete(clientID)
}

// Len is the number of cached clients
func (c *ClientStore) Len() int {
	return c.cache.ItemCount()
}
