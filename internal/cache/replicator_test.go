package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

func newRedisBackup(t *testing.T) *RedisBackup {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBackup(rdb)
}

func TestReplicatorDrainsOutbox(t *testing.T) {
	backup := newRedisBackup(t)
	store, l2 := newTestStore(t, backup, time.Hour)
	ctx := context.Background()

	key, err := store.WriteFinalResult(ctx, testSubject, "v1", nil, map[string]any{"cards": map[string]any{"summary": map[string]any{"text": "hi"}}})
	require.NoError(t, err)
	require.Equal(t, 1, l2.pendingOutbox())

	rep := NewReplicator(store.l1, l2, backup, ReplicatorConfig{})
	n, err := rep.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, l2.pendingOutbox())

	art, err := backup.Fetch(ctx, key)
	require.NoError(t, err)
	cards, ok := art.Payload["cards"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cards, "summary")
}

func TestReplicatorSkipsUnchangedContent(t *testing.T) {
	mem := &memBackup{artifacts: map[string]domain.CacheArtifact{}}
	store, l2 := newTestStore(t, mem, time.Hour)
	ctx := context.Background()
	payload := map[string]any{"cards": map[string]any{"summary": map[string]any{"text": "same"}}}

	_, err := store.WriteFinalResult(ctx, testSubject, "v1", nil, payload)
	require.NoError(t, err)

	rep := NewReplicator(store.l1, l2, mem, ReplicatorConfig{})
	_, err = rep.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, mem.stores)

	// Same content re-enqueued: replicator sees a matching remote hash.
	_, err = store.WriteFinalResult(ctx, testSubject, "v1", nil, payload)
	require.NoError(t, err)
	_, err = rep.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.stores, "unchanged content is not rewritten")
	assert.Zero(t, l2.pendingOutbox())
}

func TestReplicatorFailureRequeues(t *testing.T) {
	mem := &memBackup{artifacts: map[string]domain.CacheArtifact{}, failStore: true}
	store, l2 := newTestStore(t, mem, time.Hour)
	ctx := context.Background()

	_, err := store.WriteFinalResult(ctx, testSubject, "v1", nil, map[string]any{"cards": map[string]any{"x": map[string]any{"v": 1}}})
	require.NoError(t, err)

	rep := NewReplicator(store.l1, l2, mem, ReplicatorConfig{})
	_, err = rep.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, l2.pendingOutbox(), "failed item returns to pending")

	l2.mu.Lock()
	rec := l2.outbox[0]
	l2.mu.Unlock()
	assert.Equal(t, 1, rec.item.RetryCount)
	assert.NotEmpty(t, rec.lastError)
}

func TestReplicatorSkipsMissingLocalArtifact(t *testing.T) {
	mem := &memBackup{artifacts: map[string]domain.CacheArtifact{}}
	store, l2 := newTestStore(t, mem, time.Hour)
	ctx := context.Background()

	key, err := store.WriteFinalResult(ctx, testSubject, "v1", nil, map[string]any{"cards": map[string]any{"x": map[string]any{"v": 1}}})
	require.NoError(t, err)
	_, err = store.l1.Delete(key)
	require.NoError(t, err)
	l2.mu.Lock()
	delete(l2.artifacts, key)
	l2.mu.Unlock()

	rep := NewReplicator(store.l1, l2, mem, ReplicatorConfig{})
	_, err = rep.Cycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, l2.pendingOutbox(), "orphan tasks are dropped")
	assert.Zero(t, mem.stores)
}

func TestRedisBackupRoundTrip(t *testing.T) {
	backup := newRedisBackup(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).UTC()

	art := domain.CacheArtifact{
		ArtifactKey: "k1", Kind: KindFinalResult,
		Payload:     map[string]any{"cards": map[string]any{"summary": map[string]any{"text": "hi"}}},
		ContentHash: "h1", CreatedAt: time.Now().UTC(), ExpiresAt: &exp,
	}
	require.NoError(t, backup.Store(ctx, art, time.Hour))

	got, err := backup.Fetch(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)
	assert.Equal(t, KindFinalResult, got.Kind)

	h, err := backup.ContentHash(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "h1", h)

	_, err = backup.Fetch(ctx, "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	h, err = backup.ContentHash(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, h)
}
