// ABOUTME: Tests for the SQLite ledger store.
// ABOUTME: Covers Append and List with filtering over the ledger table.

package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")

	store, err := NewStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestStore_Append(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{
		ConnectionID: "conn-123",
		Kind:         KindRegistered,
		Endpoint:     "203.0.113.7:52311",
	}

	err := store.Append(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestStore_Append_RejectsUnknownKind(t *testing.T) {
	store := newTestStore(t)

	err := store.Append(context.Background(), &Entry{Kind: "exploded"})
	assert.Error(t, err)
}

func TestStore_List_NoFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, kind := range []Kind{KindRegistered, KindApproved, KindActivated} {
		entry := &Entry{
			ConnectionID: "conn-123",
			Kind:         kind,
			Endpoint:     "203.0.113.7:52311",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Append(ctx, entry))
	}

	entries, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first
	assert.Equal(t, KindActivated, entries[0].Kind)
	assert.Equal(t, KindRegistered, entries[2].Kind)
}

func TestStore_List_BySince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		entry := &Entry{
			ConnectionID: fmt.Sprintf("conn-%d", i),
			Kind:         KindRegistered,
			Timestamp:    base.Add(time.Duration(i) * 10 * time.Minute),
		}
		require.NoError(t, store.Append(ctx, entry))
	}

	since := base.Add(15 * time.Minute)
	entries, err := store.List(ctx, Filter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_List_ByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kinds := []Kind{KindRegistered, KindRejected, KindRegistered}
	for i, kind := range kinds {
		entry := &Entry{
			ConnectionID: fmt.Sprintf("conn-%d", i),
			Kind:         kind,
		}
		require.NoError(t, store.Append(ctx, entry))
	}

	kind := KindRegistered
	entries, err := store.List(ctx, Filter{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		assert.Equal(t, KindRegistered, e.Kind)
	}
}

func TestStore_List_ByConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"conn-a", "conn-b", "conn-a"} {
		entry := &Entry{
			ConnectionID: id,
			Kind:         KindRegistered,
		}
		require.NoError(t, store.Append(ctx, entry))
	}

	connID := "conn-a"
	entries, err := store.List(ctx, Filter{ConnectionID: &connID})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		assert.Equal(t, "conn-a", e.ConnectionID)
	}
}

func TestStore_List_Limit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &Entry{
			ConnectionID: fmt.Sprintf("conn-%d", i),
			Kind:         KindRegistered,
		}
		require.NoError(t, store.Append(ctx, entry))
	}

	entries, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_List_Empty(t *testing.T) {
	store := newTestStore(t)

	entries, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestStore_RoundTripsOptionalFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	actor := "operator"
	entry := &Entry{
		ConnectionID: "conn-123",
		Kind:         KindRejected,
		Endpoint:     "203.0.113.7:52311",
		Reason:       "rate_limited",
		Actor:        &actor,
		Detail:       map[string]any{"window_seconds": float64(60)},
	}
	require.NoError(t, store.Append(ctx, entry))

	// Server-level entry with everything optional absent
	require.NoError(t, store.Append(ctx, &Entry{
		Kind:      KindServerStarted,
		Timestamp: entry.Timestamp.Add(time.Second),
	}))

	entries, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, KindServerStarted, entries[0].Kind)
	assert.Empty(t, entries[0].ConnectionID)
	assert.Nil(t, entries[0].Actor)

	got := entries[1]
	assert.Equal(t, "conn-123", got.ConnectionID)
	assert.Equal(t, "rate_limited", got.Reason)
	require.NotNil(t, got.Actor)
	assert.Equal(t, "operator", *got.Actor)
	assert.Equal(t, map[string]any{"window_seconds": float64(60)}, got.Detail)
}

func TestIsValidKind(t *testing.T) {
	for _, k := range ValidKinds {
		assert.True(t, IsValidKind(k), "kind %q should be valid", k)
	}
	assert.False(t, IsValidKind(Kind("exploded")))
	assert.False(t, IsValidKind(Kind("")))
}
