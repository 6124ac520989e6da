package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	entry := DiskEntry{
		ArtifactKey: "abc",
		Kind:        KindFinalResult,
		Payload:     map[string]any{"cards": map[string]any{"summary": map[string]any{"text": "hi"}}},
		ContentHash: "h",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		ExpiresAt:   time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(entry))

	got, err := store.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, entry.ContentHash, got.ContentHash)
	assert.False(t, got.Expired(time.Now()))

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDiskStoreExpiredStillReadable(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(DiskEntry{
		ArtifactKey: "old",
		Payload:     map[string]any{"v": 1},
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	got, err := store.Get("old")
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))
}

func TestDiskStoreTouchAndDelete(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(DiskEntry{ArtifactKey: "k", Payload: map[string]any{"v": 1}}))

	now := time.Now()
	store.Touch("k", now)
	store.Touch("k", now)

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount)
	assert.Equal(t, now.Unix(), got.LastAccessAtS)

	freed, err := store.Delete("k")
	require.NoError(t, err)
	assert.Positive(t, freed)
	freed, err = store.Delete("k")
	require.NoError(t, err)
	assert.Zero(t, freed, "double delete is a no-op")
}

func TestDiskStoreListAndTotal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(DiskEntry{ArtifactKey: "a", Payload: map[string]any{"v": 1}}))
	require.NoError(t, store.Put(DiskEntry{ArtifactKey: "b", Payload: map[string]any{"v": 2}}))

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Positive(t, e.SizeBytes)
	}

	total, err := store.TotalBytes()
	require.NoError(t, err)
	assert.Positive(t, total)
}
