package cache

import (
	"context"
	"sort"
	"syscall"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

const (
	minBudgetBytes = 64 << 20
	maxBudgetBytes = 10 << 30
)

// EvictorConfig tunes the local L1 evictor.
type EvictorConfig struct {
	// BudgetBytes overrides the derived filesystem budget when > 0.
	BudgetBytes int64
	// Grace delays deletion of expired entries, default one hour.
	Grace time.Duration
	// BatchSize bounds expired deletions per sweep, default 200.
	BatchSize int
	// Interval between sweeps, default ten minutes.
	Interval time.Duration
}

func (c EvictorConfig) withDefaults() EvictorConfig {
	if c.Grace <= 0 {
		c.Grace = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	return c
}

// Evictor keeps the local file-backed tier inside a byte budget. The
// relational tier is covered by retention cleanup instead.
type Evictor struct {
	store *DiskStore
	cfg   EvictorConfig
}

// NewEvictor builds an evictor over the given L1 store.
func NewEvictor(store *DiskStore, cfg EvictorConfig) *Evictor {
	return &Evictor{store: store, cfg: cfg.withDefaults()}
}

// Run sweeps periodically until the context ends.
func (e *Evictor) Run(ctx context.Context) {
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := e.Sweep(ctx); err != nil {
			log.Warn("cache eviction sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes expired entries past the grace window, then, if the store is
// still above 90% of budget, drops the coldest entries until usage falls to
// 80% of budget.
func (e *Evictor) Sweep(ctx context.Context) error {
	log := observability.LoggerFromContext(ctx)
	now := time.Now().UTC()
	budget := e.budget()

	entries, err := e.store.List()
	if err != nil {
		return err
	}

	var freed int64
	deleted := 0
	for _, entry := range entries {
		if deleted >= e.cfg.BatchSize {
			break
		}
		if entry.Expired(now.Add(-e.cfg.Grace)) {
			n, err := e.store.Delete(entry.ArtifactKey)
			if err != nil {
				continue
			}
			freed += n
			deleted++
		}
	}

	total, err := e.store.TotalBytes()
	if err != nil {
		return err
	}
	if total > budget*9/10 {
		target := total - budget*8/10
		freed += e.evictColdest(now, target)
	}

	if freed > 0 {
		observability.CacheEvictedBytes.Add(float64(freed))
		log.Info("cache eviction sweep",
			"freed_bytes", freed,
			"budget_bytes", budget,
		)
	}
	return ctx.Err()
}

// evictColdest ranks entries coldest-first (expired, then fewest hits, then
// oldest access, then oldest creation) and deletes until target bytes freed.
func (e *Evictor) evictColdest(now time.Time, target int64) int64 {
	entries, err := e.store.List()
	if err != nil {
		return 0
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ae, be := a.Expired(now), b.Expired(now)
		if ae != be {
			return ae
		}
		if a.HitCount != b.HitCount {
			return a.HitCount < b.HitCount
		}
		if a.LastAccessAtS != b.LastAccessAtS {
			return a.LastAccessAtS < b.LastAccessAtS
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	var freed int64
	for _, entry := range entries {
		if freed >= target {
			break
		}
		n, err := e.store.Delete(entry.ArtifactKey)
		if err != nil {
			continue
		}
		freed += n
	}
	return freed
}

// budget returns the byte budget: the configured override, or a conservative
// derivation from the filesystem (min of 1% of disk, half the free space)
// clamped to [64 MiB, 10 GiB].
func (e *Evictor) budget() int64 {
	if e.cfg.BudgetBytes > 0 {
		return e.cfg.BudgetBytes
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(e.store.Root(), &st); err != nil {
		return minBudgetBytes
	}
	bsize := uint64(st.Bsize)
	total := int64(st.Blocks * bsize)
	free := int64(st.Bavail * bsize)
	budget := total / 100
	if half := free / 2; half < budget {
		budget = half
	}
	if budget < minBudgetBytes {
		budget = minBudgetBytes
	}
	if budget > maxBudgetBytes {
		budget = maxBudgetBytes
	}
	return budget
}
