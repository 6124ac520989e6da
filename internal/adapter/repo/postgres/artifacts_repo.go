package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// ArtifactRepo persists per-job artifact payloads. One row per (job, type);
// re-puts overwrite.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Put upserts an artifact row for the job.
func (r *ArtifactRepo) Put(ctx domain.Context, a domain.Artifact) error {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Put")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO artifacts (job_id, card_id, type, payload, file_url, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (job_id, type) DO UPDATE
		 SET card_id = EXCLUDED.card_id, payload = EXCLUDED.payload, file_url = EXCLUDED.file_url, created_at = EXCLUDED.created_at`,
		a.JobID, nullStr(a.CardID), a.Type, mapOrEmpty(a.Payload), nullStr(a.FileURL), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}
	return nil
}

// Get loads one artifact by (job, type).
func (r *ArtifactRepo) Get(ctx domain.Context, jobID, artifactType string) (*domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx,
		`SELECT job_id, COALESCE(card_id,''), type, payload, COALESCE(file_url,''), created_at
		 FROM artifacts WHERE job_id=$1 AND type=$2`, jobID, artifactType)
	var a domain.Artifact
	if err := row.Scan(&a.JobID, &a.CardID, &a.Type, &a.Payload, &a.FileURL, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=artifact.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifact.get: %w", err)
	}
	return &a, nil
}
