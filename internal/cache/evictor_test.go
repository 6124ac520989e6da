package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

func putEntry(t *testing.T, s *DiskStore, key string, expiresAt time.Time, hits int64, lastAccess time.Time, size int) {
	t.Helper()
	require.NoError(t, s.Put(DiskEntry{
		ArtifactKey:   key,
		Kind:          KindFinalResult,
		Payload:       map[string]any{"pad": strings.Repeat("x", size)},
		ContentHash:   key,
		CreatedAt:     time.Now().Add(-time.Hour),
		ExpiresAt:     expiresAt,
		HitCount:      hits,
		LastAccessAtS: lastAccess.Unix(),
	}))
}

func TestSweepDeletesExpiredPastGrace(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	now := time.Now()

	putEntry(t, store, "old-expired", now.Add(-3*time.Hour), 10, now, 10)
	putEntry(t, store, "just-expired", now.Add(-time.Minute), 10, now, 10)
	putEntry(t, store, "fresh", now.Add(time.Hour), 10, now, 10)

	ev := NewEvictor(store, EvictorConfig{BudgetBytes: 1 << 30, Grace: time.Hour})
	require.NoError(t, ev.Sweep(context.Background()))

	_, err = store.Get("old-expired")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Get("just-expired")
	assert.NoError(t, err, "expired within grace survives")
	_, err = store.Get("fresh")
	assert.NoError(t, err)
}

func TestSweepEvictsColdestOverBudget(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	now := time.Now()

	// ~2KiB each against a 4KiB budget forces the pressure phase.
	for i := 0; i < 4; i++ {
		putEntry(t, store, fmt.Sprintf("cold-%d", i), now.Add(time.Hour), int64(i), now.Add(-time.Duration(10-i)*time.Minute), 2048)
	}
	putEntry(t, store, "hot", now.Add(time.Hour), 100, now, 2048)

	ev := NewEvictor(store, EvictorConfig{BudgetBytes: 4096, Grace: time.Hour})
	require.NoError(t, ev.Sweep(context.Background()))

	_, err = store.Get("hot")
	assert.NoError(t, err, "hottest entry survives eviction")
	_, err = store.Get("cold-0")
	assert.ErrorIs(t, err, domain.ErrNotFound, "coldest entry evicted first")

	total, err := store.TotalBytes()
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(4096), "store shrinks to within budget")
}
