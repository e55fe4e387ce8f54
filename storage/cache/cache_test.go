package cache

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-authserver/internal/testutil"
	"github.com/giantswarm/oidc-authserver/storage"
	"github.com/giantswarm/oidc-authserver/storage/mock"
)

func TestClientStore_ReadThrough(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()
	ctx := context.Background()
	require.NoError(t, backing.CreateClient(ctx, testutil.PublicClient("public")))

	c := NewClientStore(backing, time.Minute, nil)

	for range 3 {
		got, err := c.GetClient(ctx, "public")
		require.NoError(t, err)
		assert.Equal(t, "public", got.ClientID)
	}
	assert.Equal(t, 1, backing.Calls(mock.OpGetClient), "only the first lookup reaches the store")
	assert.Equal(t, 1, c.Len())
}

func TestClientStore_ReturnsCopies(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()
	ctx := context.Background()
	require.NoError(t, backing.CreateClient(ctx, testutil.PublicClient("public")))

	c := NewClientStore(backing, time.Minute, nil)
	first, err := c.GetClient(ctx, "public")
	require.NoError(t, err)
	first.RedirectURIs[0] = "https://evil.example"

	second, err := c.GetClient(ctx, "public")
	require.NoError(t, err)
	assert.Equal(t, testutil.RedirectURI, second.RedirectURIs[0])
}

func TestClientStore_MissNotCached(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()
	ctx := context.Background()

	c := NewClientStore(backing, time.Minute, nil)
	_, err := c.GetClient(ctx, "late")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	require.NoError(t, c.CreateClient(ctx, testutil.PublicClient("late")))
	_, err = c.GetClient(ctx, "late")
	assert.NoError(t, err)
}

func TestClientStore_SecretNotCached(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()
	ctx := context.Background()
	require.NoError(t, backing.CreateClient(ctx, testutil.ConfidentialClient(t, "conf")))

	c := NewClientStore(backing, time.Minute, nil)
	require.NoError(t, c.ValidateClientSecret(ctx, "conf", testutil.ClientSecret))
	require.NoError(t, c.ValidateClientSecret(ctx, "conf", testutil.ClientSecret))
	assert.Equal(t, 2, backing.Calls(mock.OpValidateClientSecret))
}

func TestClientStore_ExpiredEntryRefetched(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()
	ctx := context.Background()
	require.NoError(t, backing.CreateClient(ctx, testutil.PublicClient("public")))

	c := NewClientStore(backing, 20*time.Millisecond, nil)
	_, err := c.GetClient(ctx, "public")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = c.GetClient(ctx, "public")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.Calls(mock.OpGetClient), "an expired entry goes back to the store")
	assert.Equal(t, 1, c.Len(), "the refetch replaces the expired entry")
}

func TestClientStore_StartsNoGoroutine(t *testing.T) {
	backing := mock.New()
	defer backing.Stop()

	before := runtime.NumGoroutine()
	for range 10 {
		NewClientStore(backing, time.Minute, nil)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before, "NewClientStore must not leave goroutines behind")
}
