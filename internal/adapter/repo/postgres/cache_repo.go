package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// CacheRepo is the relational (L2) tier of the analysis cache plus the
// refresh-run and backup-outbox tables.
type CacheRepo struct{ Pool PgxPool }

// NewCacheRepo constructs a CacheRepo with the given pool.
func NewCacheRepo(p PgxPool) *CacheRepo { return &CacheRepo{Pool: p} }

// UpsertSubject returns the stable id for (source, subject_key), creating
// the row when first seen.
func (r *CacheRepo) UpsertSubject(ctx domain.Context, s domain.Subject, canonicalInput map[string]any) (string, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.UpsertSubject")
	defer span.End()
	var id string
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO analysis_subjects (id, source, subject_key, canonical_input, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (source, subject_key) DO UPDATE SET canonical_input = EXCLUDED.canonical_input
		 RETURNING id`,
		ulid.Make().String(), s.Source, s.SubjectKey, mapOrEmpty(canonicalInput), time.Now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("op=cache.upsert_subject: %w", err)
	}
	return id, nil
}

// GetArtifact loads a cache row by key. Expired rows are returned as-is so
// callers can serve stale-while-revalidate.
func (r *CacheRepo) GetArtifact(ctx domain.Context, artifactKey string) (*domain.CacheArtifact, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.GetArtifact")
	defer span.End()
	row := r.Pool.QueryRow(ctx,
		`SELECT artifact_key, kind, payload, content_hash, created_at, expires_at, meta
		 FROM analysis_artifact_cache WHERE artifact_key=$1`, artifactKey)
	var c domain.CacheArtifact
	if err := row.Scan(&c.ArtifactKey, &c.Kind, &c.Payload, &c.ContentHash, &c.CreatedAt, &c.ExpiresAt, &c.Meta); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=cache.get_artifact: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=cache.get_artifact: %w", err)
	}
	return &c, nil
}

// UpsertArtifact writes a cache row. When the stored content_hash matches,
// the payload is left untouched and only expires_at is extended.
func (r *CacheRepo) UpsertArtifact(ctx domain.Context, key, kind string, payload map[string]any, contentHash string, expiresAt time.Time, payloadSize int64) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.UpsertArtifact")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cache.upsert_artifact: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingHash string
	err = tx.QueryRow(ctx,
		`SELECT content_hash FROM analysis_artifact_cache WHERE artifact_key=$1 FOR UPDATE`, key).Scan(&existingHash)
	switch {
	case err == nil && existingHash == contentHash:
		_, err = tx.Exec(ctx,
			`UPDATE analysis_artifact_cache SET expires_at=$1 WHERE artifact_key=$2`, expiresAt.UTC(), key)
	case err == nil:
		_, err = tx.Exec(ctx,
			`UPDATE analysis_artifact_cache
			 SET kind=$1, payload=$2, content_hash=$3, created_at=$4, expires_at=$5,
			     meta = meta || jsonb_build_object('payload_size_bytes', $6::bigint)
			 WHERE artifact_key=$7`,
			kind, payload, contentHash, time.Now().UTC(), expiresAt.UTC(), payloadSize, key)
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO analysis_artifact_cache (artifact_key, kind, payload, content_hash, created_at, expires_at, meta)
			 VALUES ($1,$2,$3,$4,$5,$6, jsonb_build_object('hit_count', 0, 'payload_size_bytes', $7::bigint))`,
			key, kind, payload, contentHash, time.Now().UTC(), expiresAt.UTC(), payloadSize)
	}
	if err != nil {
		return fmt.Errorf("op=cache.upsert_artifact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cache.upsert_artifact: commit: %w", err)
	}
	return nil
}

// TouchAccessMeta bumps hit_count and last-access tracking. Throttling is
// the caller's concern; this write is best-effort.
func (r *CacheRepo) TouchAccessMeta(ctx domain.Context, artifactKey string, now time.Time) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.TouchAccessMeta")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE analysis_artifact_cache
		 SET meta = jsonb_set(
		     jsonb_set(meta, '{last_access_at_s}', to_jsonb($1::bigint)),
		     '{hit_count}', to_jsonb(COALESCE((meta->>'hit_count')::bigint, 0) + 1))
		 WHERE artifact_key=$2`,
		now.Unix(), artifactKey)
	if err != nil {
		return fmt.Errorf("op=cache.touch_meta: %w", err)
	}
	return nil
}

// TryBeginRefreshRun starts a refresh run for the tuple unless one is
// already running within lockTTL. A stale running row is failed with reason
// lock_expired before a new row is inserted; the partial unique index
// resolves insert races.
func (r *CacheRepo) TryBeginRefreshRun(ctx domain.Context, subjectID, pipelineVersion, optionsHash string, lockTTL time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.TryBeginRefreshRun")
	defer span.End()
	now := time.Now().UTC()

	var runID string
	var startedAt time.Time
	err := r.Pool.QueryRow(ctx,
		`SELECT id, started_at FROM analysis_runs
		 WHERE subject_id=$1 AND pipeline_version=$2 AND options_hash=$3 AND status='running'
		 ORDER BY started_at DESC LIMIT 1`,
		subjectID, pipelineVersion, optionsHash).Scan(&runID, &startedAt)
	switch {
	case err == nil:
		if now.Sub(startedAt) < lockTTL {
			return false, nil
		}
		_, err = r.Pool.Exec(ctx,
			`UPDATE analysis_runs SET status='failed', ended_at=$1, meta = meta || '{"reason":"lock_expired"}'::jsonb WHERE id=$2 AND status='running'`,
			now, runID)
		if err != nil {
			return false, fmt.Errorf("op=cache.expire_run_lock: %w", err)
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("op=cache.try_begin_refresh: %w", err)
	}

	_, err = r.Pool.Exec(ctx,
		`INSERT INTO analysis_runs (id, subject_id, pipeline_version, options_hash, status, created_at, started_at)
		 VALUES ($1,$2,$3,$4,'running',$5,$5)`,
		ulid.Make().String(), subjectID, pipelineVersion, optionsHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("op=cache.try_begin_refresh: %w", err)
	}
	return true, nil
}

// CompleteRunningRun attaches the fresh artifact to the running run for the
// tuple, if any, and marks it completed.
func (r *CacheRepo) CompleteRunningRun(ctx domain.Context, subjectID, pipelineVersion, optionsHash, artifactKey string, freshnessUntil time.Time) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.CompleteRunningRun")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE analysis_runs
		 SET status='completed', ended_at=$1, full_report_artifact_key=$2, freshness_until=$3
		 WHERE subject_id=$4 AND pipeline_version=$5 AND options_hash=$6 AND status='running'`,
		time.Now().UTC(), artifactKey, freshnessUntil.UTC(), subjectID, pipelineVersion, optionsHash)
	if err != nil {
		return fmt.Errorf("op=cache.complete_run: %w", err)
	}
	return nil
}

// EnqueueOutbox records a replication task; duplicates for the same
// (artifact_key, content_hash) collapse.
func (r *CacheRepo) EnqueueOutbox(ctx domain.Context, artifactKey, kind, contentHash string) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.EnqueueOutbox")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO analysis_backup_outbox (artifact_key, kind, content_hash, status, created_at)
		 VALUES ($1,$2,$3,'pending',$4)
		 ON CONFLICT (artifact_key, content_hash) DO NOTHING`,
		artifactKey, kind, contentHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=cache.enqueue_outbox: %w", err)
	}
	return nil
}

// ClaimOutbox claims a batch of pending (or expired-lock processing) items
// with the given lock token.
func (r *CacheRepo) ClaimOutbox(ctx domain.Context, batch int, lockToken string, lockTTL time.Duration) ([]domain.BackupOutboxItem, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.ClaimOutbox")
	defer span.End()
	now := time.Now().UTC()
	rows, err := r.Pool.Query(ctx,
		`UPDATE analysis_backup_outbox SET status='processing', lock_token=$1, locked_at=$2
		 WHERE id IN (
			SELECT id FROM analysis_backup_outbox
			WHERE (status='pending' AND (next_retry_at IS NULL OR next_retry_at <= $2))
			   OR (status='processing' AND locked_at <= $3)
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		 )
		 RETURNING id, artifact_key, kind, content_hash, retry_count`,
		lockToken, now, now.Add(-lockTTL), batch)
	if err != nil {
		return nil, fmt.Errorf("op=cache.claim_outbox: %w", err)
	}
	defer rows.Close()
	var out []domain.BackupOutboxItem
	for rows.Next() {
		var it domain.BackupOutboxItem
		if err := rows.Scan(&it.ID, &it.ArtifactKey, &it.Kind, &it.ContentHash, &it.RetryCount); err != nil {
			return nil, fmt.Errorf("op=cache.claim_outbox: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteOutbox removes a replicated item; the lock token guards against
// deleting someone else's re-claim.
func (r *CacheRepo) DeleteOutbox(ctx domain.Context, id int64, lockToken string) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.DeleteOutbox")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`DELETE FROM analysis_backup_outbox WHERE id=$1 AND lock_token=$2`, id, lockToken)
	if err != nil {
		return fmt.Errorf("op=cache.delete_outbox: %w", err)
	}
	return nil
}

// FailOutbox returns an item to pending with exponential backoff
// (2^retry_count seconds, capped at one hour).
func (r *CacheRepo) FailOutbox(ctx domain.Context, id int64, lockToken, lastError string, retryCount int) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.FailOutbox")
	defer span.End()
	delay := time.Duration(1) * time.Second
	for i := 0; i < retryCount && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	_, err := r.Pool.Exec(ctx,
		`UPDATE analysis_backup_outbox
		 SET status='pending', retry_count=retry_count+1, next_retry_at=$1, last_error=$2, lock_token=NULL, locked_at=NULL
		 WHERE id=$3 AND lock_token=$4`,
		time.Now().UTC().Add(delay), lastError, id, lockToken)
	if err != nil {
		return fmt.Errorf("op=cache.fail_outbox: %w", err)
	}
	return nil
}
