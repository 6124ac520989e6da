package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// Backup is the remote replication target for cache artifacts. It is
// optional; a nil Backup disables read-through and the replicator.
type Backup interface {
	Fetch(ctx context.Context, artifactKey string) (*domain.CacheArtifact, error)
	Store(ctx context.Context, art domain.CacheArtifact, ttl time.Duration) error
	ContentHash(ctx context.Context, artifactKey string) (string, error)
}

// RedisBackup keeps artifacts as JSON values with a TTL. The content hash is
// embedded so replication can skip unchanged payloads without fetching the
// whole artifact.
type RedisBackup struct {
	rdb *redis.Client
}

// NewRedisBackup wires a backup over the given client.
func NewRedisBackup(rdb *redis.Client) *RedisBackup {
	return &RedisBackup{rdb: rdb}
}

func backupKey(artifactKey string) string     { return "bkp:artifact:" + artifactKey }
func backupHashKey(artifactKey string) string { return "bkp:hash:" + artifactKey }

type backupRecord struct {
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Fetch loads one artifact from the backup.
func (b *RedisBackup) Fetch(ctx context.Context, artifactKey string) (*domain.CacheArtifact, error) {
	raw, err := b.rdb.Get(ctx, backupKey(artifactKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=backup.fetch: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=backup.fetch: %w", err)
	}
	var rec backupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("op=backup.fetch: %w", err)
	}
	return &domain.CacheArtifact{
		ArtifactKey: artifactKey,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		ContentHash: rec.ContentHash,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// Store upserts one artifact with the boosted backup TTL.
func (b *RedisBackup) Store(ctx context.Context, art domain.CacheArtifact, ttl time.Duration) error {
	raw, err := json.Marshal(backupRecord{
		Kind:        art.Kind,
		Payload:     art.Payload,
		ContentHash: art.ContentHash,
		CreatedAt:   art.CreatedAt,
		ExpiresAt:   art.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("op=backup.store: %w", err)
	}
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, backupKey(art.ArtifactKey), raw, ttl)
	pipe.Set(ctx, backupHashKey(art.ArtifactKey), art.ContentHash, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=backup.store: %w", err)
	}
	return nil
}

// ContentHash returns the stored hash, or empty when the backup has no copy.
func (b *RedisBackup) ContentHash(ctx context.Context, artifactKey string) (string, error) {
	h, err := b.rdb.Get(ctx, backupHashKey(artifactKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=backup.content_hash: %w", err)
	}
	return h, nil
}
