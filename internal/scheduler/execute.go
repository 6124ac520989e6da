package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/gate"
	"github.com/elonfeng/dinq-analyze-sub000/internal/handler"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

func (s *Scheduler) runCard(ctx context.Context, card domain.Card) {
	log := observability.LoggerFromContext(ctx).With(
		"job_id", card.JobID,
		"card_id", card.ID,
		"card_type", card.CardType,
	)
	ctx = observability.ContextWithLogger(ctx, log)
	ctx = observability.ContextWithJobID(ctx, card.JobID)

	if card.StartedAt == nil {
		log.Warn("claimed card has no lease timestamp")
		return
	}
	ok, err := s.store.ConfirmCardClaim(ctx, card.ID, *card.StartedAt)
	if err != nil {
		log.Warn("lease confirm failed", "error", err)
		return
	}
	if !ok {
		// Another worker reclaimed the card; silently step aside.
		return
	}

	s.markJobRunning(ctx, card.JobID)

	job, err := s.store.GetJob(ctx, card.JobID)
	if err != nil {
		log.Error("job load failed", "error", err)
		return
	}

	observability.CardsInflight.Inc()
	defer observability.CardsInflight.Dec()
	started := time.Now()

	h, found := s.registry.Lookup(job.Source, card.CardType)
	if !found {
		s.failCard(ctx, job, card, fmt.Errorf("op=scheduler.dispatch: %w: no handler for (%s, %s)", domain.ErrInvalidArgument, job.Source, card.CardType))
		return
	}

	s.emit(ctx, card.JobID, card.ID, domain.EventCardStarted, map[string]any{
		"card_type": card.CardType,
		"stream":    streamSpecPayload(h.StreamSpecs()),
	})

	res, err := h.Execute(ctx, s.executionContext(ctx, job, card))
	if err != nil {
		s.handleExecError(ctx, job, card, err)
		return
	}

	data := res.Data
	isFallback := res.IsFallback
	if !res.SkipValidation && !isFallback {
		decision := s.gate.Evaluate(job.Source, card, data)
		if decision.Kind == gate.Retry {
			if card.RetryCount < s.gate.MaxRetries(card.CardType) {
				s.retryCard(ctx, card, decision)
				return
			}
			observability.GateFallbacksTotal.WithLabelValues(card.CardType).Inc()
			data = s.gate.Fallback(job.Source, card, decision.Issue)
			isFallback = true
		} else {
			data = decision.Normalized
		}
	}

	s.completeCard(ctx, job, card, data, isFallback, started)
}

// executionContext assembles the handler view of one card run, preloading
// artifacts produced by the card's internal dependencies.
func (s *Scheduler) executionContext(ctx context.Context, job domain.Job, card domain.Card) *handler.ExecutionContext {
	artifacts := map[string]map[string]any{}
	for _, dep := range card.EffectiveDeps() {
		if !domain.IsInternalCardType(dep) {
			continue
		}
		payload, ok, err := s.artifacts.Get(ctx, job.ID, dep)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("artifact preload failed", "artifact_type", dep, "error", err)
			continue
		}
		if ok {
			artifacts[dep] = payload
		}
	}
	return &handler.ExecutionContext{
		JobID:      job.ID,
		CardID:     card.ID,
		UserID:     job.UserID,
		Source:     job.Source,
		CardType:   card.CardType,
		Input:      card.Input,
		Options:    job.Options,
		Artifacts:  artifacts,
		RetryCount: card.RetryCount,
		DeadlineMS: card.DeadlineMS,
		EmitProgress: func(step, message string, data map[string]any) {
			payload := map[string]any{"card_type": card.CardType, "step": step, "message": message}
			if len(data) > 0 {
				payload["data"] = data
			}
			s.emit(ctx, card.JobID, card.ID, domain.EventCardProgress, payload)
		},
	}
}

// retryCard writes the gate's normalized partial as prefill and returns the
// card to ready.
func (s *Scheduler) retryCard(ctx context.Context, card domain.Card, decision gate.Decision) {
	observability.GateRetriesTotal.WithLabelValues(card.CardType).Inc()
	prefill := domain.EnsureOutputEnvelope(nil)
	if len(decision.Normalized) > 0 {
		prefill.Data = decision.Normalized
		s.emit(ctx, card.JobID, card.ID, domain.EventCardPrefill, map[string]any{
			"card_type": card.CardType,
			"data":      decision.Normalized,
		})
	}
	if err := s.store.RequeueCardForRetry(ctx, card.ID, prefill); err != nil {
		observability.LoggerFromContext(ctx).Error("retry requeue failed", "error", err)
		return
	}
	payload := map[string]any{"card_type": card.CardType, "step": "retry", "retry_count": card.RetryCount + 1}
	if decision.Issue != nil {
		payload["reason"] = decision.Issue.Code
	}
	s.emit(ctx, card.JobID, card.ID, domain.EventCardProgress, payload)
}

// handleExecError classifies a handler error: transient errors with budget
// left go back to ready, everything else fails the card and cascades.
func (s *Scheduler) handleExecError(ctx context.Context, job domain.Job, card domain.Card, err error) {
	log := observability.LoggerFromContext(ctx)
	if domain.IsRetryableError(err) && card.RetryCount < s.gate.MaxRetries(card.CardType) {
		log.Warn("card execution failed, retrying", "retry_count", card.RetryCount+1, "error", err)
		if rqErr := s.store.RequeueCardForRetry(ctx, card.ID, card.Output); rqErr != nil {
			log.Error("retry requeue failed", "error", rqErr)
			return
		}
		s.emit(ctx, card.JobID, card.ID, domain.EventCardProgress, map[string]any{
			"card_type":   card.CardType,
			"step":        "retry",
			"retry_count": card.RetryCount + 1,
			"reason":      "handler_error",
		})
		return
	}
	log.Error("card execution failed", "error", err)
	s.failCard(ctx, job, card, err)
}

// failCard marks the card failed, skips its transitive dependents, releases
// any remaining ready cards and re-evaluates the job state.
func (s *Scheduler) failCard(ctx context.Context, job domain.Job, card domain.Card, cause error) {
	log := observability.LoggerFromContext(ctx)
	observability.CardsExecutedTotal.WithLabelValues(card.CardType, "failed").Inc()

	if err := s.store.UpdateCardStatus(ctx, card.ID, domain.CardFailed, nil, false); err != nil {
		log.Error("card status update failed", "error", err)
	}
	s.emit(ctx, card.JobID, card.ID, domain.EventCardFailed, map[string]any{
		"card_type": card.CardType,
		"error":     cause.Error(),
	})

	skipped, err := s.store.MarkDependentCardsSkipped(ctx, card.JobID, card.CardType)
	if err != nil {
		log.Error("skip cascade failed", "error", err)
	} else if skipped > 0 {
		log.Info("skipped dependent cards", "count", skipped)
	}

	if _, err := s.store.ReleaseReadyCards(ctx, card.JobID); err != nil {
		log.Warn("ready release failed", "error", err)
	}
	s.updateJobState(ctx, job)
}

// completeCard persists the final envelope and emits card.completed.
// Internal card payloads go to the artifact store with an empty stored
// envelope; business payloads are merged over any streamed sections.
func (s *Scheduler) completeCard(ctx context.Context, job domain.Job, card domain.Card, data map[string]any, isFallback bool, started time.Time) {
	log := observability.LoggerFromContext(ctx)
	durationMS := time.Since(started).Milliseconds()

	var envelope domain.Output
	if domain.IsInternalCardType(card.CardType) {
		if err := s.artifacts.Put(ctx, domain.Artifact{
			JobID:   job.ID,
			CardID:  card.ID,
			Type:    card.CardType,
			Payload: data,
		}); err != nil {
			log.Error("artifact persist failed", "error", err)
			s.failCard(ctx, job, card, err)
			return
		}
		envelope = domain.EnsureOutputEnvelope(nil)
		if err := s.store.UpdateCardStatus(ctx, card.ID, domain.CardCompleted, &envelope, false); err != nil {
			log.Error("card status update failed", "error", err)
			return
		}
	} else {
		out := domain.EnsureOutputEnvelope(nil)
		out.Data = data
		if err := s.store.UpdateCardStatus(ctx, card.ID, domain.CardCompleted, &out, true); err != nil {
			log.Error("card status update failed", "error", err)
			return
		}
		merged, err := s.store.GetCard(ctx, card.ID)
		if err != nil {
			log.Warn("merged envelope read failed", "error", err)
			envelope = out
		} else {
			envelope = merged.Output
		}
		if err := s.events.SetCardOutput(ctx, job.ID, card.ID, envelope); err != nil {
			log.Warn("realtime output push failed", "error", err)
		}
	}

	observability.CardsExecutedTotal.WithLabelValues(card.CardType, "completed").Inc()
	observability.CardExecutionDuration.WithLabelValues(card.CardType).Observe(time.Since(started).Seconds())

	payload := map[string]any{
		"card_type": card.CardType,
		"output":    envelope.ToMap(),
		"timing":    map[string]any{"duration_ms": durationMS},
	}
	if isFallback {
		payload["fallback"] = true
	}
	s.emit(ctx, card.JobID, card.ID, domain.EventCardCompleted, payload)

	if _, err := s.store.ReleaseReadyCards(ctx, card.JobID); err != nil {
		log.Warn("ready release failed", "error", err)
	}
	s.updateJobState(ctx, job)
}

// updateJobState finalizes the job once no card can still run. Exactly one
// caller wins TryFinalizeJob and emits the terminal events.
func (s *Scheduler) updateJobState(ctx context.Context, job domain.Job) {
	log := observability.LoggerFromContext(ctx)
	counts, err := s.store.CardStatusCounts(ctx, job.ID)
	if err != nil {
		log.Error("card status count failed", "error", err)
		return
	}
	if counts[domain.CardPending]+counts[domain.CardReady]+counts[domain.CardRunning] > 0 {
		return
	}

	failed := counts[domain.CardFailed] + counts[domain.CardTimeout]
	completed := counts[domain.CardCompleted]
	var status domain.JobStatus
	switch {
	case failed > 0 && completed > 0:
		status = domain.JobPartial
	case failed > 0:
		status = domain.JobFailed
	default:
		status = domain.JobCompleted
	}

	result := map[string]any{
		"cards_completed": completed,
		"cards_failed":    failed,
		"cards_skipped":   counts[domain.CardSkipped],
	}
	won, err := s.store.TryFinalizeJob(ctx, job.ID, status, result)
	if err != nil {
		log.Error("job finalize failed", "error", err)
		return
	}
	if !won {
		return
	}
	observability.JobsFinalizedTotal.WithLabelValues(string(status)).Inc()
	log.Info("job finalized", "status", status, "cards_completed", completed, "cards_failed", failed)

	// Clients terminate uniformly on job.completed whatever the outcome;
	// job.failed is the extra diagnostics signal.
	s.emit(ctx, job.ID, "", domain.EventJobCompleted, map[string]any{"status": string(status), "result": result})
	if status == domain.JobFailed {
		s.emit(ctx, job.ID, "", domain.EventJobFailed, map[string]any{"status": string(status)})
	}

	cards, err := s.store.ListCards(ctx, job.ID)
	if err != nil {
		log.Warn("card list failed", "error", err)
	}
	cardIDs := make([]string, 0, len(cards))
	for _, c := range cards {
		cardIDs = append(cardIDs, c.ID)
	}
	s.events.FinishJob(ctx, job.ID, cardIDs)

	if status == domain.JobCompleted {
		s.enqueueFinalResultWrite(job)
	}
}

// enqueueFinalResultWrite hands the snapshot write to the cache pool so the
// executor worker is not held up by cache I/O.
func (s *Scheduler) enqueueFinalResultWrite(job domain.Job) {
	if s.cache == nil || job.SubjectKey == "" {
		return
	}
	write := func(ctx context.Context) {
		s.writeFinalResult(ctx, job)
	}
	select {
	case s.cacheTasks <- write:
	default:
		// Pool saturated; do it inline rather than drop the snapshot.
		go write(context.Background())
	}
}

func (s *Scheduler) writeFinalResult(ctx context.Context, job domain.Job) {
	log := observability.LoggerFromContext(ctx).With("job_id", job.ID)
	cards, err := s.store.ListCards(ctx, job.ID)
	if err != nil {
		log.Error("final result card list failed", "error", err)
		return
	}
	byType := map[string]any{}
	for _, c := range cards {
		if c.Status != domain.CardCompleted || domain.IsInternalCardType(c.CardType) {
			continue
		}
		byType[c.CardType] = c.Output.Clone().Data
	}
	if len(byType) == 0 {
		return
	}
	subject := domain.Subject{Source: job.Source, SubjectKey: job.SubjectKey}
	key, err := s.cache.WriteFinalResult(ctx, subject, s.cfg.PipelineVersion, job.Options, map[string]any{"cards": byType})
	if err != nil {
		log.Error("final result cache write failed", "error", err)
		return
	}
	log.Info("final result cached", "artifact_key", key, "cards", len(byType))
}

// markJobRunning transitions the job row to running once per process.
func (s *Scheduler) markJobRunning(ctx context.Context, jobID string) {
	if _, loaded := s.jobRunning.LoadOrStore(jobID, struct{}{}); loaded {
		return
	}
	if err := s.store.SetJobRunning(ctx, jobID); err != nil {
		observability.LoggerFromContext(ctx).Warn("job running transition failed", "job_id", jobID, "error", err)
	}
}

func (s *Scheduler) emit(ctx context.Context, jobID, cardID, eventType string, payload map[string]any) {
	if _, err := s.events.Append(ctx, jobID, cardID, eventType, payload); err != nil {
		observability.LoggerFromContext(ctx).Warn("event append failed",
			"job_id", jobID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func streamSpecPayload(specs []handler.StreamSpec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		out = append(out, map[string]any{
			"field":    spec.Field,
			"format":   spec.Format,
			"sections": spec.Sections,
		})
	}
	return out
}
