package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

// StreamParams controls one SSE subscription.
type StreamParams struct {
	JobID        string
	AfterSeq     int64
	StopWhenDone bool
}

// StreamEvents replays a job's events as SSE frames, starting after
// params.AfterSeq. The channel closes when the context ends or, with
// StopWhenDone, once the terminal event has been delivered and the grace
// window elapsed. Keepalive pings are emitted during idle stretches and are
// never persisted.
func (s *Store) StreamEvents(ctx context.Context, params StreamParams) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		observability.SSEStreamsActive.Inc()
		defer observability.SSEStreamsActive.Dec()
		defer close(out)
		s.streamLoop(ctx, params, out)
	}()
	return out
}

func (s *Store) streamLoop(ctx context.Context, params StreamParams, out chan<- []byte) {
	log := observability.LoggerFromContext(ctx)
	lastSeq := params.AfterSeq
	lastActivity := time.Now()
	sawTerminal := false
	var terminalAt time.Time

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		events, err := s.FetchEvents(ctx, params.JobID, lastSeq, s.opts.BatchSize)
		if err != nil {
			log.Warn("sse fetch failed", "job_id", params.JobID, "error", err)
		}
		for _, ev := range events {
			if !send(ctx, out, formatEvent(ev)) {
				return
			}
			lastSeq = ev.Seq
			lastActivity = time.Now()
			if domain.IsTerminalEvent(ev.EventType) {
				sawTerminal = true
				terminalAt = time.Now()
			}
		}

		if len(events) == 0 && params.StopWhenDone && !sawTerminal {
			done, newSeq := s.recoverTerminal(ctx, params.JobID, lastSeq, out)
			if newSeq > lastSeq {
				lastSeq = newSeq
				lastActivity = time.Now()
			}
			if done {
				sawTerminal = true
				terminalAt = time.Now()
			}
		}

		if sawTerminal && time.Since(terminalAt) >= s.opts.TerminalGrace {
			return
		}

		if time.Since(lastActivity) >= s.opts.Keepalive {
			if !send(ctx, out, formatPing(params.JobID)) {
				return
			}
			lastActivity = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recoverTerminal handles the case where the job finished but its terminal
// event is not reachable from the active tier (broker keys evicted). The
// durable log is consulted first; if even that is missing, a job.completed
// event is synthesized from the job row.
func (s *Store) recoverTerminal(ctx context.Context, jobID string, lastSeq int64, out chan<- []byte) (bool, int64) {
	log := observability.LoggerFromContext(ctx)
	termSeq, err := s.TerminalSeq(ctx, jobID)
	if err != nil {
		log.Warn("terminal lookup failed", "job_id", jobID, "error", err)
		return false, lastSeq
	}
	if termSeq == 0 {
		return false, lastSeq
	}
	if termSeq <= lastSeq {
		// Terminal already streamed under a different event batch.
		return true, lastSeq
	}

	events, err := s.durable.FetchEvents(ctx, jobID, lastSeq, s.opts.BatchSize)
	if err != nil {
		log.Warn("terminal recovery fetch failed", "job_id", jobID, "error", err)
		events = nil
	}
	delivered := false
	for _, ev := range events {
		if !send(ctx, out, formatEvent(ev)) {
			return true, lastSeq
		}
		lastSeq = ev.Seq
		if domain.IsTerminalEvent(ev.EventType) {
			delivered = true
		}
	}
	if delivered {
		return true, lastSeq
	}

	status := string(domain.JobCompleted)
	if s.jobs != nil {
		if job, err := s.jobs.GetJob(ctx, jobID); err == nil {
			status = string(job.Status)
		}
	}
	ev := domain.JobEvent{
		JobID:     jobID,
		Seq:       termSeq,
		EventType: domain.EventJobCompleted,
		Payload:   map[string]any{"status": status, "synthesized": true},
		CreatedAt: time.Now().UTC(),
	}
	if !send(ctx, out, formatEvent(ev)) {
		return true, lastSeq
	}
	return true, termSeq
}

func send(ctx context.Context, out chan<- []byte, frame []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- frame:
		return true
	}
}

// formatEvent renders one event as an SSE data frame. The envelope mirrors
// what clients already consume: a stable source tag, the event type, and the
// event payload nested under "payload" with job id and seq alongside.
func formatEvent(ev domain.JobEvent) []byte {
	payload := map[string]any{
		"job_id": ev.JobID,
		"seq":    ev.Seq,
	}
	if ev.CardID != "" {
		payload["card"] = ev.CardID
	}
	for k, v := range ev.Payload {
		payload[k] = v
	}
	body := map[string]any{
		"source":     "analysis",
		"event_type": ev.EventType,
		"message":    messageFor(ev),
		"payload":    payload,
	}
	if step, ok := ev.Payload["step"].(string); ok && step != "" {
		body["step"] = step
	}
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"source":"analysis","event_type":%q}`, ev.EventType))
	}
	return []byte("data: " + string(raw) + "\n\n")
}

func messageFor(ev domain.JobEvent) string {
	if msg, ok := ev.Payload["message"].(string); ok && msg != "" {
		return msg
	}
	return ev.EventType
}

func formatPing(jobID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"source":     "analysis",
		"event_type": domain.EventPing,
		"payload":    map[string]any{"job_id": jobID},
	})
	return []byte("data: " + string(raw) + "\n\n")
}
