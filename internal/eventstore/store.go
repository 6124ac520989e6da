// Package eventstore fronts the two event tiers: the durable relational log
// and the optional redis realtime tier. With a broker configured, live
// traffic stays in redis and only terminal events are mirrored to the
// database; without one, everything goes to the durable log.
package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

// Durable is the relational event log.
type Durable interface {
	Append(ctx context.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error)
	AppendWithSeq(ctx context.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error
	FetchEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error)
	GetCardOutput(ctx context.Context, jobID, cardID string) (domain.Output, error)
	TerminalSeq(ctx context.Context, jobID string) (int64, error)
}

// Realtime is the broker tier. All methods operate on per-job keys with a
// shared TTL.
type Realtime interface {
	NextSeq(ctx context.Context, jobID string) (int64, error)
	Publish(ctx context.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error
	FetchEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error)
	GetCardOutput(ctx context.Context, jobID, cardID string) (domain.Output, bool, error)
	BulkCardOutputs(ctx context.Context, jobID string, cardIDs []string) (map[string]domain.Output, error)
	SetCardOutput(ctx context.Context, jobID, cardID string, out domain.Output) error
	MarkTerminal(ctx context.Context, jobID string, seq int64) error
	TerminalSeq(ctx context.Context, jobID string) (int64, error)
	ExpireJob(ctx context.Context, jobID string, cardIDs []string, ttl time.Duration) error
	CleanupJob(ctx context.Context, jobID string, cardIDs []string) error
}

// JobReader supplies job status for terminal-event synthesis during SSE
// recovery.
type JobReader interface {
	GetJob(ctx domain.Context, jobID string) (domain.Job, error)
}

// Options tunes streaming and realtime-tier retention.
type Options struct {
	BatchSize             int
	PollInterval          time.Duration
	Keepalive             time.Duration
	TerminalGrace         time.Duration
	CleanupOnJobCompleted bool
	// PostJobTTL is the grace window the realtime keys of a finished job
	// stay readable. Zero drops them immediately.
	PostJobTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 || o.BatchSize > 5000 {
		o.BatchSize = 500
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 15 * time.Second
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = 2 * time.Second
	}
	return o
}

// Store is the event-store facade handed to the scheduler and SSE layer.
type Store struct {
	durable  Durable
	realtime Realtime
	jobs     JobReader
	opts     Options

	mu       sync.Mutex
	jobLocks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a Store. realtime may be nil, which selects durable mode.
func New(durable Durable, realtime Realtime, jobs JobReader, opts Options) *Store {
	return &Store{
		durable:  durable,
		realtime: realtime,
		jobs:     jobs,
		opts:     opts.withDefaults(),
		jobLocks: map[string]*jobLock{},
	}
}

// lockJob serializes realtime appends per job so stream ids are written in
// seq order. Entries are dropped once the last holder releases.
func (s *Store) lockJob(jobID string) func() {
	s.mu.Lock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &jobLock{}
		s.jobLocks[jobID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.jobLocks, jobID)
		}
		s.mu.Unlock()
	}
}

// RealtimeEnabled reports whether the broker tier is configured.
func (s *Store) RealtimeEnabled() bool { return s.realtime != nil }

// Append emits one event and returns its seq. In realtime mode only terminal
// events reach the durable log; the mirror write is best-effort so a
// database blip cannot lose the broker-side event.
func (s *Store) Append(ctx context.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error) {
	log := observability.LoggerFromContext(ctx)
	if s.realtime == nil {
		seq, err := s.durable.Append(ctx, jobID, cardID, eventType, payload)
		if err != nil {
			return 0, err
		}
		observability.EventsAppendedTotal.WithLabelValues(eventType, "durable").Inc()
		return seq, nil
	}

	// Seq allocation and the stream write must not interleave across
	// goroutines: the stream rejects a non-increasing id and a dropped
	// non-terminal event is never mirrored durably.
	unlock := s.lockJob(jobID)
	defer unlock()

	seq, err := s.realtime.NextSeq(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if err := s.realtime.Publish(ctx, jobID, cardID, seq, eventType, payload); err != nil {
		return 0, err
	}
	observability.EventsAppendedTotal.WithLabelValues(eventType, "realtime").Inc()

	if domain.IsTerminalEvent(eventType) {
		if err := s.realtime.MarkTerminal(ctx, jobID, seq); err != nil {
			log.Warn("terminal marker write failed", "job_id", jobID, "error", err)
		}
		if err := s.durable.AppendWithSeq(ctx, jobID, cardID, seq, eventType, payload); err != nil {
			log.Warn("terminal event mirror failed", "job_id", jobID, "seq", seq, "error", err)
		}
	}
	return seq, nil
}

// FetchEvents reads from the active tier.
func (s *Store) FetchEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error) {
	if limit <= 0 {
		limit = s.opts.BatchSize
	}
	if s.realtime != nil {
		return s.realtime.FetchEvents(ctx, jobID, afterSeq, limit)
	}
	return s.durable.FetchEvents(ctx, jobID, afterSeq, limit)
}

// GetCardOutput returns the live envelope, falling back to the durable
// snapshot when the broker has no state for the card.
func (s *Store) GetCardOutput(ctx context.Context, jobID, cardID string) (domain.Output, error) {
	if s.realtime != nil {
		out, ok, err := s.realtime.GetCardOutput(ctx, jobID, cardID)
		if err != nil {
			return domain.Output{}, err
		}
		if ok {
			return out, nil
		}
	}
	return s.durable.GetCardOutput(ctx, jobID, cardID)
}

// BulkCardOutputs returns envelopes for many cards, mixing realtime state
// with durable snapshots for cards the broker no longer holds.
func (s *Store) BulkCardOutputs(ctx context.Context, jobID string, cardIDs []string) (map[string]domain.Output, error) {
	out := make(map[string]domain.Output, len(cardIDs))
	if s.realtime != nil {
		live, err := s.realtime.BulkCardOutputs(ctx, jobID, cardIDs)
		if err != nil {
			return nil, err
		}
		for id, env := range live {
			out[id] = env
		}
	}
	for _, id := range cardIDs {
		if _, ok := out[id]; ok {
			continue
		}
		env, err := s.durable.GetCardOutput(ctx, jobID, id)
		if err != nil {
			continue
		}
		out[id] = env
	}
	return out, nil
}

// SetCardOutput pushes a finished card envelope into the realtime tier so
// live reads see it without re-deriving from deltas. No-op in durable mode,
// where job_cards.output is already current.
func (s *Store) SetCardOutput(ctx context.Context, jobID, cardID string, out domain.Output) error {
	if s.realtime == nil {
		return nil
	}
	return s.realtime.SetCardOutput(ctx, jobID, cardID, out)
}

// TerminalSeq resolves the terminal marker, broker first, then the durable
// log.
func (s *Store) TerminalSeq(ctx context.Context, jobID string) (int64, error) {
	if s.realtime != nil {
		seq, err := s.realtime.TerminalSeq(ctx, jobID)
		if err == nil && seq > 0 {
			return seq, nil
		}
	}
	return s.durable.TerminalSeq(ctx, jobID)
}

// FinishJob applies post-terminal retention to the realtime tier: either a
// short grace TTL for late readers or immediate cleanup.
func (s *Store) FinishJob(ctx context.Context, jobID string, cardIDs []string) {
	if s.realtime == nil {
		return
	}
	log := observability.LoggerFromContext(ctx)
	if s.opts.CleanupOnJobCompleted && s.opts.PostJobTTL <= 0 {
		if err := s.realtime.CleanupJob(ctx, jobID, cardIDs); err != nil {
			log.Warn("realtime cleanup failed", "job_id", jobID, "error", err)
		}
		return
	}
	if s.opts.CleanupOnJobCompleted {
		if err := s.realtime.ExpireJob(ctx, jobID, cardIDs, s.opts.PostJobTTL); err != nil {
			log.Warn("realtime expire failed", "job_id", jobID, "error", err)
		}
	}
}
