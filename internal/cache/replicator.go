package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

// ReplicatorConfig tunes the outbox-driven backup worker.
type ReplicatorConfig struct {
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
	// TTLMultiplier boosts the backup TTL over the local artifact TTL.
	TTLMultiplier int
	MaxBackupTTL  time.Duration
}

func (c ReplicatorConfig) withDefaults() ReplicatorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.TTLMultiplier <= 0 {
		c.TTLMultiplier = 3
	}
	if c.MaxBackupTTL <= 0 {
		c.MaxBackupTTL = 30 * 24 * time.Hour
	}
	return c
}

// Replicator drains the backup outbox into the remote backup store.
type Replicator struct {
	l1     *DiskStore
	l2     Relational
	backup Backup
	cfg    ReplicatorConfig
}

// NewReplicator wires the worker. With a nil backup it refuses to start.
func NewReplicator(l1 *DiskStore, l2 Relational, backup Backup, cfg ReplicatorConfig) *Replicator {
	return &Replicator{l1: l1, l2: l2, backup: backup, cfg: cfg.withDefaults()}
}

// Run drains the outbox until the context ends. Empty or failing cycles back
// off exponentially; productive cycles return to the base interval.
func (r *Replicator) Run(ctx context.Context) {
	if r.backup == nil {
		return
	}
	log := observability.LoggerFromContext(ctx)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Interval
	bo.MaxInterval = 10 * r.cfg.Interval
	bo.MaxElapsedTime = 0

	for {
		n, err := r.Cycle(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			log.Warn("backup replication cycle failed", "error", err)
			wait = bo.NextBackOff()
		case n == 0:
			wait = bo.NextBackOff()
		default:
			bo.Reset()
			wait = r.cfg.Interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Cycle claims one outbox batch and replicates it, returning the number of
// items processed.
func (r *Replicator) Cycle(ctx context.Context) (int, error) {
	token := uuid.NewString()
	items, err := r.l2.ClaimOutbox(ctx, r.cfg.BatchSize, token, r.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		r.replicate(ctx, item, token)
	}
	return len(items), nil
}

func (r *Replicator) replicate(ctx context.Context, item domain.BackupOutboxItem, token string) {
	log := observability.LoggerFromContext(ctx)

	art, ok := r.loadLocal(ctx, item.ArtifactKey)
	if !ok {
		// Nothing left to replicate; drop the task.
		_ = r.l2.DeleteOutbox(ctx, item.ID, token)
		observability.OutboxReplicationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	remoteHash, err := r.backup.ContentHash(ctx, item.ArtifactKey)
	if err == nil && remoteHash != "" && remoteHash == art.ContentHash {
		_ = r.l2.DeleteOutbox(ctx, item.ID, token)
		observability.OutboxReplicationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := r.backup.Store(ctx, *art, r.backupTTL(art)); err != nil {
		log.Warn("backup store failed",
			"artifact_key", item.ArtifactKey,
			"retry_count", item.RetryCount,
			"error", err,
		)
		_ = r.l2.FailOutbox(ctx, item.ID, token, err.Error(), item.RetryCount)
		observability.OutboxReplicationsTotal.WithLabelValues("failed").Inc()
		return
	}
	if err := r.l2.DeleteOutbox(ctx, item.ID, token); err != nil {
		log.Warn("outbox delete failed", "artifact_key", item.ArtifactKey, "error", err)
	}
	observability.OutboxReplicationsTotal.WithLabelValues("replicated").Inc()
}

// loadLocal prefers L1 and falls back to L2. Missing or empty payloads are
// not replicated.
func (r *Replicator) loadLocal(ctx context.Context, key string) (*domain.CacheArtifact, bool) {
	if e, err := r.l1.Get(key); err == nil && len(e.Payload) > 0 {
		expires := e.ExpiresAt
		return &domain.CacheArtifact{
			ArtifactKey: key,
			Kind:        e.Kind,
			Payload:     e.Payload,
			ContentHash: e.ContentHash,
			CreatedAt:   e.CreatedAt,
			ExpiresAt:   &expires,
		}, true
	}
	row, err := r.l2.GetArtifact(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			observability.LoggerFromContext(ctx).Warn("local artifact load failed", "artifact_key", key, "error", err)
		}
		return nil, false
	}
	if len(row.Payload) == 0 {
		return nil, false
	}
	return row, true
}

func (r *Replicator) backupTTL(art *domain.CacheArtifact) time.Duration {
	localTTL := r.cfg.Interval
	if art.ExpiresAt != nil && art.ExpiresAt.After(art.CreatedAt) {
		localTTL = art.ExpiresAt.Sub(art.CreatedAt)
	}
	ttl := time.Duration(r.cfg.TTLMultiplier) * localTTL
	if ttl > r.cfg.MaxBackupTTL {
		ttl = r.cfg.MaxBackupTTL
	}
	return ttl
}
