package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService handles data retention for terminal jobs and expired cache
// rows. Card, event, idempotency and artifact rows follow their job via
// ON DELETE CASCADE.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs older than the retention period and
// drops long-expired cache artifacts that the evictor has not reclaimed.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE created_at < $1
		AND status IN ('completed','partial','failed','cancelled')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM analysis_artifact_cache
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.cache: %w", err)
	}
	deletedCache := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM analysis_runs
		WHERE status IN ('completed','failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.runs: %w", err)
	}
	deletedRuns := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_cache_rows", deletedCache),
		slog.Int64("deleted_runs", deletedRuns),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
