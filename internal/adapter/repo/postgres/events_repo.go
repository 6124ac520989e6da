package postgres

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// EventRepo is the durable per-job event log. Seq allocation is an atomic
// increment on jobs.last_seq; a per-job in-process mutex avoids local
// contention while the row update enforces cross-process ordering.
type EventRepo struct {
	Pool PgxPool

	mu    sync.Mutex
	jobMu map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo {
	return &EventRepo{Pool: p, jobMu: map[string]*jobLock{}}
}

// lockJob acquires the per-job append lock and returns its release func.
// Entries are reference counted and dropped on last release so the map does
// not grow with the number of jobs seen.
func (r *EventRepo) lockJob(jobID string) func() {
	r.mu.Lock()
	l, ok := r.jobMu[jobID]
	if !ok {
		l = &jobLock{}
		r.jobMu[jobID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.jobMu, jobID)
		}
		r.mu.Unlock()
	}
}

// Append allocates the next seq, records the event, and for card.delta /
// card.append merges the change into job_cards.output so snapshot reads show
// partial progress. The stored envelope is always replaced by value.
func (r *EventRepo) Append(ctx domain.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()

	unlock := r.lockJob(jobID)
	defer unlock()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET last_seq = last_seq + 1, updated_at=$1 WHERE id=$2 RETURNING last_seq`,
		time.Now().UTC(), jobID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=event.append: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=event.append: %w", err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (id, job_id, card_id, seq, event_type, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ulid.Make().String(), jobID, nullStr(cardID), seq, eventType, payload, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}

	if cardID != "" && (eventType == domain.EventCardDelta || eventType == domain.EventCardAppend) {
		if err := mergeEventIntoOutput(ctx, tx, cardID, eventType, payload); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=event.append: commit: %w", err)
	}
	return seq, nil
}

func mergeEventIntoOutput(ctx domain.Context, tx pgx.Tx, cardID, eventType string, payload map[string]any) error {
	var raw map[string]any
	if err := tx.QueryRow(ctx, `SELECT output FROM job_cards WHERE id=$1 FOR UPDATE`, cardID).Scan(&raw); err != nil {
		return fmt.Errorf("op=event.merge_output: %w", err)
	}
	out := domain.EnsureOutputEnvelope(raw)
	switch eventType {
	case domain.EventCardDelta:
		field, _ := payload["field"].(string)
		format, _ := payload["format"].(string)
		section, _ := payload["section"].(string)
		text, _ := payload["text"].(string)
		out = out.ApplyDelta(field, format, section, text)
	case domain.EventCardAppend:
		path, _ := payload["path"].(string)
		items, _ := payload["items"].([]any)
		dedupKey, _ := payload["dedup_key"].(string)
		out = out.ApplyAppend(path, items, dedupKey)
	}
	_, err := tx.Exec(ctx, `UPDATE job_cards SET output=$1, updated_at=$2 WHERE id=$3`, out.ToMap(), time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("op=event.merge_output: %w", err)
	}
	return nil
}

// AppendWithSeq records an event under an externally-allocated seq and
// advances jobs.last_seq to at least that value. Used when the realtime tier
// owns sequencing and terminal events are mirrored here. Duplicate mirrors of
// the same (job, seq) are ignored.
func (r *EventRepo) AppendWithSeq(ctx domain.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.AppendWithSeq")
	defer span.End()

	unlock := r.lockJob(jobID)
	defer unlock()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=event.append_seq: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET last_seq = GREATEST(last_seq, $1), updated_at=$2 WHERE id=$3`,
		seq, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("op=event.append_seq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=event.append_seq: %w", domain.ErrNotFound)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (id, job_id, card_id, seq, event_type, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (job_id, seq) DO NOTHING`,
		ulid.Make().String(), jobID, nullStr(cardID), seq, eventType, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=event.append_seq: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=event.append_seq: commit: %w", err)
	}
	return nil
}

// FetchEvents returns events with seq > afterSeq, oldest first.
func (r *EventRepo) FetchEvents(ctx domain.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.FetchEvents")
	defer span.End()
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, job_id, COALESCE(card_id,''), seq, event_type, payload, created_at
		 FROM job_events WHERE job_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.fetch: %w", err)
	}
	defer rows.Close()
	var out []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.CardID, &e.Seq, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=event.fetch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCardOutput returns the stored envelope for a card.
func (r *EventRepo) GetCardOutput(ctx domain.Context, jobID, cardID string) (domain.Output, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.GetCardOutput")
	defer span.End()
	var raw map[string]any
	err := r.Pool.QueryRow(ctx, `SELECT output FROM job_cards WHERE id=$1 AND job_id=$2`, cardID, jobID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Output{}, fmt.Errorf("op=event.card_output: %w", domain.ErrNotFound)
		}
		return domain.Output{}, fmt.Errorf("op=event.card_output: %w", err)
	}
	return domain.EnsureOutputEnvelope(raw), nil
}

// TerminalSeq returns the highest seq among terminal events of a job, or 0.
func (r *EventRepo) TerminalSeq(ctx domain.Context, jobID string) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.TerminalSeq")
	defer span.End()
	var seq int64
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM job_events WHERE job_id=$1 AND event_type IN ($2,$3)`,
		jobID, domain.EventJobCompleted, domain.EventJobFailed).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("op=event.terminal_seq: %w", err)
	}
	return seq, nil
}
