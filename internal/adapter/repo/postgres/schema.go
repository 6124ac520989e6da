package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is applied idempotently at worker start. Jobs own their cards,
// events, idempotency mappings and artifacts via cascade; cache rows are
// globally shared and owned by the cache store.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seq BIGINT NOT NULL DEFAULT 0,
		input JSONB NOT NULL DEFAULT '{}',
		options JSONB NOT NULL DEFAULT '{}',
		result JSONB,
		subject_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_cards (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		card_type TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		deadline_ms BIGINT,
		concurrency_group TEXT,
		input JSONB NOT NULL DEFAULT '{}',
		deps JSONB,
		output JSONB NOT NULL DEFAULT '{"data":{},"stream":{}}',
		retry_count INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (job_id, card_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_cards_claim ON job_cards (status, priority DESC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		card_id TEXT,
		seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS job_idempotency (
		user_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		card_id TEXT,
		type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		file_url TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, type)
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_subjects (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		subject_key TEXT NOT NULL,
		canonical_input JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source, subject_key)
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_artifact_cache (
		artifact_key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		meta JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL REFERENCES analysis_subjects(id) ON DELETE CASCADE,
		pipeline_version TEXT NOT NULL,
		options_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		fingerprint TEXT,
		full_report_artifact_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		freshness_until TIMESTAMPTZ,
		meta JSONB NOT NULL DEFAULT '{}'
	)`,
	// Partial unique index enforcing single-flight refresh per cache tuple.
	`CREATE UNIQUE INDEX IF NOT EXISTS analysis_runs_single_flight
		ON analysis_runs (subject_id, pipeline_version, options_hash)
		WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS analysis_backup_outbox (
		id BIGSERIAL PRIMARY KEY,
		artifact_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		lock_token TEXT,
		locked_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (artifact_key, content_hash)
	)`,
}

// Migrate applies the schema. Safe to run on every start.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.migrate: %w", err)
		}
	}
	return nil
}
