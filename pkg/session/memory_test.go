package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCleanupExpired(t *testing.T) {
	t.Parallel()

	// Long interval so the ticker never fires during the test; cleanup is
	// driven directly.
	store := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.StoreAuthState(ctx, "fresh", testAuthState(t, "fresh")))
	require.NoError(t, store.StoreAuthState(ctx, "stale", testAuthState(t, "stale")))
	require.NoError(t, store.CreateSession(ctx, "stale-sess", testSession(t, "access-1")))
	require.NoError(t, store.MapGuestSession(ctx, "stale-guest", "stale-sess"))

	// Backdate the entries that should be swept.
	store.mu.Lock()
	past := time.Now().Add(-time.Minute)
	store.authStates["stale"].expiresAt = past
	store.sessions["stale-sess"].expiresAt = past
	store.guestLinks["stale-guest"].expiresAt = past
	store.mu.Unlock()

	store.cleanupExpired()

	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.Contains(t, store.authStates, "fresh")
	assert.NotContains(t, store.authStates, "stale")
	assert.NotContains(t, store.sessions, "stale-sess")
	assert.NotContains(t, store.guestLinks, "stale-guest")
}

func TestMemoryStoreExpiredEntryNotReturned(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.StoreAuthState(ctx, "state-1", testAuthState(t, "state-1")))
	require.NoError(t, store.CreateSession(ctx, "sess-1", testSession(t, "access-1")))

	store.mu.Lock()
	past := time.Now().Add(-time.Minute)
	store.authStates["state-1"].expiresAt = past
	store.sessions["sess-1"].expiresAt = past
	store.mu.Unlock()

	// Expired entries read as missing even before the sweeper runs.
	_, err := store.ConsumeAuthState(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCloseStopsCleanup(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(WithCleanupInterval(time.Millisecond))
	require.NoError(t, store.Close())
	// Close waits for the goroutine, so reaching this point is the assertion.
}
