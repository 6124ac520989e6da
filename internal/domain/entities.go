// Package domain holds the core entities and ports of the analysis runtime.
package domain

import (
	"context"
	"time"
)

// Context is an alias so adapters and usecases pass context.Context through
// without the domain importing adapter packages.
type Context = context.Context

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status freezes the job row.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardReady     CardStatus = "ready"
	CardRunning   CardStatus = "running"
	CardCompleted CardStatus = "completed"
	CardFailed    CardStatus = "failed"
	CardSkipped   CardStatus = "skipped"
	CardTimeout   CardStatus = "timeout"
)

// Well-known card types. full_report and resource.* cards are internal:
// their payloads never reach the UI directly.
const (
	CardTypeFullReport = "full_report"
	ResourcePrefix     = "resource."
)

// IsInternalCardType reports whether the card type is internal-only.
// Internal cards may have empty fields pruned; business cards never do.
func IsInternalCardType(cardType string) bool {
	if cardType == CardTypeFullReport {
		return true
	}
	return len(cardType) > len(ResourcePrefix) && cardType[:len(ResourcePrefix)] == ResourcePrefix
}

// Job is one analysis of a public-profile subject, decomposed into cards.
// LastSeq is the highest event sequence emitted for the job; it only grows.
type Job struct {
	ID         string
	UserID     string
	Source     string
	Status     JobStatus
	LastSeq    int64
	Input      map[string]any
	Options    map[string]any
	Result     map[string]any
	SubjectKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Card is a unit of work within a job.
// Deps lists card types within the same job that must complete first.
// A nil Deps on a non-full_report card means the legacy default [full_report].
type Card struct {
	ID               string
	JobID            string
	CardType         string
	Priority         int
	Status           CardStatus
	DeadlineMS       int64
	ConcurrencyGroup string
	Input            map[string]any
	Deps             []string
	Output           Output
	RetryCount       int
	StartedAt        *time.Time
	EndedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectiveDeps resolves the legacy dependency default: a non-full_report
// card with nil deps implicitly depends on full_report. An explicit empty
// list means no dependencies.
func (c Card) EffectiveDeps() []string {
	if c.Deps != nil {
		return c.Deps
	}
	if c.CardType == CardTypeFullReport {
		return nil
	}
	return []string{CardTypeFullReport}
}

// Event kinds emitted on the per-job log.
const (
	EventJobStarted    = "job.started"
	EventCardStarted   = "card.started"
	EventCardProgress  = "card.progress"
	EventCardPrefill   = "card.prefill"
	EventCardDelta     = "card.delta"
	EventCardAppend    = "card.append"
	EventCardCompleted = "card.completed"
	EventCardFailed    = "card.failed"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventPing          = "ping"
)

// JobEvent is one entry of a job's monotonic event log. Seq is dense and
// strictly increasing per job.
type JobEvent struct {
	ID        string
	JobID     string
	CardID    string
	Seq       int64
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// IsTerminalEvent reports whether the event type marks the end of a job log.
func IsTerminalEvent(eventType string) bool {
	return eventType == EventJobCompleted || eventType == EventJobFailed
}

// CardPlan declares one card in a job-creation payload.
type CardPlan struct {
	CardType         string         `json:"card_type" yaml:"card_type" validate:"required"`
	Priority         int            `json:"priority,omitempty" yaml:"priority"`
	DeadlineMS       int64          `json:"deadline_ms,omitempty" yaml:"deadline_ms"`
	ConcurrencyGroup string         `json:"concurrency_group,omitempty" yaml:"concurrency_group"`
	Input            map[string]any `json:"input,omitempty" yaml:"input"`
	DependsOn        []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Status           CardStatus     `json:"status,omitempty" yaml:"status"`
}

// NewJobBundle is the job-creation payload.
type NewJobBundle struct {
	UserID         string `validate:"required"`
	Source         string `validate:"required"`
	Input          map[string]any
	Options        map[string]any
	Plan           []CardPlan `validate:"min=1,dive"`
	SubjectKey     string
	IdempotencyKey string
	RequestHash    string
}

// Subject is the canonical identity of an analyzed entity within a source.
type Subject struct {
	Source     string
	SubjectKey string
}

// Artifact is durable per-job intermediate data keyed by (job_id, type).
type Artifact struct {
	JobID     string
	CardID    string
	Type      string
	Payload   map[string]any
	FileURL   string
	CreatedAt time.Time
}

// FinalResult is the SWR read of the post-job analysis cache.
// Stale means expires_at has passed; the payload is still served.
type FinalResult struct {
	ArtifactKey string
	Payload     map[string]any
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Stale       bool
}

// CacheArtifact is one row of the shared analysis-artifact cache. Expired
// rows stay readable so stale-while-revalidate can serve them.
type CacheArtifact struct {
	ArtifactKey string
	Kind        string
	Payload     map[string]any
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Meta        map[string]any
}

// BackupOutboxItem is one claimed backup-replication task.
type BackupOutboxItem struct {
	ID          int64
	ArtifactKey string
	Kind        string
	ContentHash string
	RetryCount  int
}

// Ports

// JobStore is the durable job/card store.
type JobStore interface {
	// CreateBundle atomically creates the job row, its cards (pending), the
	// seq=1 job.started event, and the idempotency mapping. When the mapping
	// already exists with a matching request hash the existing job is
	// returned with created=false; a different hash yields
	// ErrIdempotencyConflict.
	CreateBundle(ctx Context, b NewJobBundle) (job Job, created bool, err error)
	GetJob(ctx Context, jobID string) (Job, error)
	GetCard(ctx Context, cardID string) (Card, error)
	ListCards(ctx Context, jobID string) ([]Card, error)

	// ClaimReadyCards atomically moves up to limit ready cards to running,
	// stamping started_at and clearing ended_at.
	ClaimReadyCards(ctx Context, limit int) ([]Card, error)
	// ConfirmCardClaim re-checks the lease (running, same started_at, no
	// ended_at) before execution.
	ConfirmCardClaim(ctx Context, cardID string, startedAt time.Time) (bool, error)
	// ReleaseReadyCards transitions pending cards whose effective deps are
	// all completed to ready, returning how many moved.
	ReleaseReadyCards(ctx Context, jobID string) (int, error)
	// MarkDependentCardsSkipped skips every pending/ready transitive
	// dependent of the failed card type.
	MarkDependentCardsSkipped(ctx Context, jobID, failedCardType string) (int, error)
	// RequeueCardForRetry writes the prefill output, bumps retry_count and
	// re-enters ready.
	RequeueCardForRetry(ctx Context, cardID string, prefill Output) error
	// UpdateCardStatus writes a card status. When preserveStream is set the
	// incoming envelope's data is merged over the stream accumulated via
	// delta events.
	UpdateCardStatus(ctx Context, cardID string, status CardStatus, output *Output, preserveStream bool) error
	SetJobRunning(ctx Context, jobID string) error
	CardStatusCounts(ctx Context, jobID string) (map[CardStatus]int, error)
	// TryFinalizeJob conditionally moves the job to a terminal status,
	// returning true only for the winning caller.
	TryFinalizeJob(ctx Context, jobID string, status JobStatus, result map[string]any) (bool, error)
	// RequeueStuckCards re-readies running cards whose lease is older than
	// maxAge, for crashed-worker recovery.
	RequeueStuckCards(ctx Context, maxAge time.Duration) (int, error)
}

// EventStore appends and reads the per-job event log.
type EventStore interface {
	// Append allocates the next seq and records the event, returning the seq.
	Append(ctx Context, jobID, cardID, eventType string, payload map[string]any) (int64, error)
	FetchEvents(ctx Context, jobID string, afterSeq int64, limit int) ([]JobEvent, error)
	// GetCardOutput returns the live envelope for a card, reassembled from
	// the realtime tier when one is configured.
	GetCardOutput(ctx Context, jobID, cardID string) (Output, error)
	// TerminalSeq returns the seq of the job's terminal event, or 0.
	TerminalSeq(ctx Context, jobID string) (int64, error)
}

// ArtifactStore stores per-job intermediate blobs.
type ArtifactStore interface {
	Put(ctx Context, a Artifact) error
	Get(ctx Context, jobID, artifactType string) (map[string]any, bool, error)
}

// AnalysisCache is the multi-tier final-result cache.
type AnalysisCache interface {
	WriteFinalResult(ctx Context, subject Subject, pipelineVersion string, options map[string]any, payload map[string]any) (string, error)
	ReadFinalResult(ctx Context, subject Subject, pipelineVersion string, options map[string]any) (*FinalResult, error)
	TryBeginRefreshRun(ctx Context, subject Subject, pipelineVersion string, options map[string]any) (bool, error)
}
