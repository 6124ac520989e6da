package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// JobRepo is the durable job/card store. Claim semantics rely on
// SKIP LOCKED row locking so multiple worker processes can share one table.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const cardColumns = `id, job_id, card_type, priority, status, deadline_ms, concurrency_group, input, deps, output, retry_count, started_at, ended_at, created_at, updated_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateBundle atomically creates the job, its cards (pending), the seq=1
// job.started event and, when an idempotency key is supplied, the mapping.
// A mapping collision with a matching request hash returns the existing job.
func (r *JobRepo) CreateBundle(ctx domain.Context, b domain.NewJobBundle) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CreateBundle")
	defer span.End()

	if b.IdempotencyKey != "" {
		if j, ok, err := r.findByIdempotency(ctx, b); err != nil || ok {
			return j, false, err
		}
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         ulid.Make().String(),
		UserID:     b.UserID,
		Source:     b.Source,
		Status:     domain.JobQueued,
		LastSeq:    1,
		Input:      b.Input,
		Options:    b.Options,
		SubjectKey: b.SubjectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, source, status, last_seq, input, options, subject_key, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID, job.UserID, job.Source, job.Status, job.LastSeq, mapOrEmpty(job.Input), mapOrEmpty(job.Options), nullStr(job.SubjectKey), now, now)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: %w", err)
	}

	for _, p := range b.Plan {
		status := p.Status
		if status == "" {
			status = domain.CardPending
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO job_cards (id, job_id, card_type, priority, status, deadline_ms, concurrency_group, input, deps, output, retry_count, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12)`,
			ulid.Make().String(), job.ID, p.CardType, p.Priority, status, nullInt64(p.DeadlineMS), nullStr(p.ConcurrencyGroup),
			mapOrEmpty(p.Input), p.DependsOn, domain.Output{}.ToMap(), now, now)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: card %s: %w", p.CardType, err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (id, job_id, card_id, seq, event_type, payload, created_at)
		 VALUES ($1,$2,NULL,1,$3,$4,$5)`,
		ulid.Make().String(), job.ID, domain.EventJobStarted,
		map[string]any{"job_id": job.ID, "source": job.Source}, now)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: started event: %w", err)
	}

	if b.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO job_idempotency (user_id, idempotency_key, request_hash, job_id, created_at)
			 VALUES ($1,$2,$3,$4,$5)`,
			b.UserID, b.IdempotencyKey, b.RequestHash, job.ID, now)
		if err != nil {
			if isUniqueViolation(err) {
				// Another creator won the race; rollback and resolve.
				_ = tx.Rollback(ctx)
				if j, ok, err2 := r.findByIdempotency(ctx, b); err2 == nil && ok {
					return j, false, nil
				} else if err2 != nil {
					return domain.Job{}, false, err2
				}
				return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: %w", domain.ErrIdempotencyConflict)
			}
			return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: idempotency: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.create_bundle: commit: %w", err)
	}
	return job, true, nil
}

// findByIdempotency resolves an existing mapping. A hash mismatch is a
// conflict; a missing mapping returns ok=false.
func (r *JobRepo) findByIdempotency(ctx domain.Context, b domain.NewJobBundle) (domain.Job, bool, error) {
	var hash, jobID string
	err := r.Pool.QueryRow(ctx,
		`SELECT request_hash, job_id FROM job_idempotency WHERE user_id=$1 AND idempotency_key=$2`,
		b.UserID, b.IdempotencyKey).Scan(&hash, &jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=job.find_idem: %w", err)
	}
	if hash != b.RequestHash {
		return domain.Job{}, false, fmt.Errorf("op=job.find_idem: %w", domain.ErrIdempotencyConflict)
	}
	j, err := r.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, false, err
	}
	return j, true, nil
}

// GetJob loads a job by id.
func (r *JobRepo) GetJob(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetJob")
	defer span.End()
	row := r.Pool.QueryRow(ctx,
		`SELECT id, user_id, source, status, last_seq, input, options, result, COALESCE(subject_key,''), created_at, updated_at
		 FROM jobs WHERE id=$1`, jobID)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.UserID, &j.Source, &j.Status, &j.LastSeq, &j.Input, &j.Options, &j.Result, &j.SubjectKey, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetCard loads a card by id.
func (r *JobRepo) GetCard(ctx domain.Context, cardID string) (domain.Card, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetCard")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM job_cards WHERE id=$1`, cardID)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Card{}, fmt.Errorf("op=card.get: %w", domain.ErrNotFound)
		}
		return domain.Card{}, fmt.Errorf("op=card.get: %w", err)
	}
	return c, nil
}

// ListCards loads all cards of a job.
func (r *JobRepo) ListCards(ctx domain.Context, jobID string) ([]domain.Card, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListCards")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+cardColumns+` FROM job_cards WHERE job_id=$1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=card.list: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// ClaimReadyCards atomically transitions a batch ready -> running.
func (r *JobRepo) ClaimReadyCards(ctx domain.Context, limit int) ([]domain.Card, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimReadyCards")
	defer span.End()
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows, err := r.Pool.Query(ctx,
		`UPDATE job_cards SET status=$1, started_at=$2, ended_at=NULL, updated_at=$2
		 WHERE id IN (
			SELECT id FROM job_cards WHERE status=$3
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		 )
		 RETURNING `+cardColumns,
		domain.CardRunning, now, domain.CardReady, limit)
	if err != nil {
		return nil, fmt.Errorf("op=card.claim: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// ConfirmCardClaim re-checks the lease before execution.
func (r *JobRepo) ConfirmCardClaim(ctx domain.Context, cardID string, startedAt time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ConfirmCardClaim")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM job_cards WHERE id=$1 AND status=$2 AND started_at=$3 AND ended_at IS NULL`,
		cardID, domain.CardRunning, startedAt.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("op=card.confirm_claim: %w", err)
	}
	return n == 1, nil
}

// ReleaseReadyCards moves pending cards whose effective deps are all
// completed to ready.
func (r *JobRepo) ReleaseReadyCards(ctx domain.Context, jobID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReleaseReadyCards")
	defer span.End()
	cards, err := r.ListCards(ctx, jobID)
	if err != nil {
		return 0, err
	}
	ids := domain.ReadyCardIDs(cards)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE job_cards SET status=$1, updated_at=$2 WHERE id = ANY($3) AND status=$4`,
		domain.CardReady, time.Now().UTC(), ids, domain.CardPending)
	if err != nil {
		return 0, fmt.Errorf("op=card.release_ready: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDependentCardsSkipped skips every pending/ready transitive dependent
// of the failed card type.
func (r *JobRepo) MarkDependentCardsSkipped(ctx domain.Context, jobID, failedCardType string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkDependentCardsSkipped")
	defer span.End()
	cards, err := r.ListCards(ctx, jobID)
	if err != nil {
		return 0, err
	}
	ids := domain.SkippableDependents(cards, failedCardType)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE job_cards SET status=$1, ended_at=$2, updated_at=$2 WHERE id = ANY($3) AND status IN ($4,$5)`,
		domain.CardSkipped, time.Now().UTC(), ids, domain.CardPending, domain.CardReady)
	if err != nil {
		return 0, fmt.Errorf("op=card.skip_cascade: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueCardForRetry writes the prefill output, bumps retry_count, and
// re-enters ready.
func (r *JobRepo) RequeueCardForRetry(ctx domain.Context, cardID string, prefill domain.Output) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueCardForRetry")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE job_cards SET status=$1, output=$2, retry_count=retry_count+1, started_at=NULL, ended_at=NULL, updated_at=$3 WHERE id=$4`,
		domain.CardReady, prefill.ToMap(), time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("op=card.requeue_retry: %w", err)
	}
	return nil
}

// UpdateCardStatus writes a card status. With preserveStream set the
// incoming envelope's data is merged over the stream already accumulated in
// the stored output; the JSON value is always replaced wholesale.
func (r *JobRepo) UpdateCardStatus(ctx domain.Context, cardID string, status domain.CardStatus, output *domain.Output, preserveStream bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateCardStatus")
	defer span.End()
	now := time.Now().UTC()
	var ended any
	if status == domain.CardCompleted || status == domain.CardFailed || status == domain.CardSkipped || status == domain.CardTimeout {
		ended = now
	}

	if output == nil {
		_, err := r.Pool.Exec(ctx,
			`UPDATE job_cards SET status=$1, ended_at=$2, updated_at=$3 WHERE id=$4`,
			status, ended, now, cardID)
		if err != nil {
			return fmt.Errorf("op=card.update_status: %w", err)
		}
		return nil
	}

	if !preserveStream {
		_, err := r.Pool.Exec(ctx,
			`UPDATE job_cards SET status=$1, output=$2, ended_at=$3, updated_at=$4 WHERE id=$5`,
			status, output.ToMap(), ended, now, cardID)
		if err != nil {
			return fmt.Errorf("op=card.update_status: %w", err)
		}
		return nil
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=card.update_status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw map[string]any
	if err := tx.QueryRow(ctx, `SELECT output FROM job_cards WHERE id=$1 FOR UPDATE`, cardID).Scan(&raw); err != nil {
		return fmt.Errorf("op=card.update_status: %w", err)
	}
	merged := domain.EnsureOutputEnvelope(raw).MergeData(output.Data)
	_, err = tx.Exec(ctx,
		`UPDATE job_cards SET status=$1, output=$2, ended_at=$3, updated_at=$4 WHERE id=$5`,
		status, merged.ToMap(), ended, now, cardID)
	if err != nil {
		return fmt.Errorf("op=card.update_status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=card.update_status: commit: %w", err)
	}
	return nil
}

// SetJobRunning moves a queued job to running; later calls are no-ops.
func (r *JobRepo) SetJobRunning(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetJobRunning")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		domain.JobRunning, time.Now().UTC(), jobID, domain.JobQueued)
	if err != nil {
		return fmt.Errorf("op=job.set_running: %w", err)
	}
	return nil
}

// CardStatusCounts tallies card statuses for one job.
func (r *JobRepo) CardStatusCounts(ctx domain.Context, jobID string) (map[domain.CardStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CardStatusCounts")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM job_cards WHERE job_id=$1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=card.status_counts: %w", err)
	}
	defer rows.Close()
	out := map[domain.CardStatus]int{}
	for rows.Next() {
		var s domain.CardStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=card.status_counts: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// TryFinalizeJob conditionally transitions the job to a terminal status.
// Only the winning caller gets true; terminal rows are never rewritten.
func (r *JobRepo) TryFinalizeJob(ctx domain.Context, jobID string, status domain.JobStatus, result map[string]any) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TryFinalizeJob")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status=$1, result=$2, updated_at=$3
		 WHERE id=$4 AND status NOT IN ($5,$6,$7,$8)`,
		status, result, time.Now().UTC(), jobID,
		domain.JobCompleted, domain.JobPartial, domain.JobFailed, domain.JobCancelled)
	if err != nil {
		return false, fmt.Errorf("op=job.try_finalize: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStuckCards re-readies running cards whose lease is older than
// maxAge. The lease guard makes the original worker drop the card if it is
// still alive.
func (r *JobRepo) RequeueStuckCards(ctx domain.Context, maxAge time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueStuckCards")
	defer span.End()
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := r.Pool.Exec(ctx,
		`UPDATE job_cards SET status=$1, started_at=NULL, updated_at=$2
		 WHERE status=$3 AND started_at IS NOT NULL AND started_at < $4`,
		domain.CardReady, time.Now().UTC(), domain.CardRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=card.requeue_stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// row scanning

type rowScanner interface{ Scan(dest ...any) error }

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	var deadline *int64
	var group *string
	var output map[string]any
	if err := row.Scan(&c.ID, &c.JobID, &c.CardType, &c.Priority, &c.Status, &deadline, &group,
		&c.Input, &c.Deps, &output, &c.RetryCount, &c.StartedAt, &c.EndedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Card{}, err
	}
	if deadline != nil {
		c.DeadlineMS = *deadline
	}
	if group != nil {
		c.ConcurrencyGroup = *group
	}
	c.Output = domain.EnsureOutputEnvelope(output)
	return c, nil
}

func collectCards(rows pgx.Rows) ([]domain.Card, error) {
	var out []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("op=card.scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=card.scan: %w", err)
	}
	return out, nil
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
