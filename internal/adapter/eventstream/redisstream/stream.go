// Package redisstream is the realtime tier of the event store. Events for
// running jobs live in per-job redis streams with seq-derived ids; card
// envelopes are kept alongside so snapshot reads never touch the database
// while a job is hot.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

const fieldSep = "\x1f"

// appendDeltaScript concatenates streamed text onto the accumulator for one
// (field, format, section) tuple in a single round trip.
const appendDeltaScript = `
local key = KEYS[1]
local field = ARGV[1]
local text = ARGV[2]
local cur = redis.call("HGET", key, field)
if cur == false then
  cur = ""
end
redis.call("HSET", key, field, cur .. text)
return 1
`

// Realtime serves live jobs from redis. All keys of a job share one TTL and
// are dropped together when the job leaves the realtime tier.
type Realtime struct {
	rdb         *redis.Client
	deltaScript *redis.Script
	maxEvents   int64
	jobTTL      time.Duration
}

// NewRealtime wires the realtime tier. maxEvents caps stream length per job
// (approximate trimming); jobTTL bounds how long an abandoned job's keys
// survive.
func NewRealtime(rdb *redis.Client, maxEvents int64, jobTTL time.Duration) *Realtime {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	return &Realtime{
		rdb:         rdb,
		deltaScript: redis.NewScript(appendDeltaScript),
		maxEvents:   maxEvents,
		jobTTL:      jobTTL,
	}
}

func seqKey(jobID string) string      { return "aj:" + jobID + ":seq" }
func streamKey(jobID string) string   { return "aj:" + jobID + ":events" }
func terminalKey(jobID string) string { return "aj:" + jobID + ":terminal" }
func envKey(jobID, cardID string) string {
	return "aj:" + jobID + ":card:" + cardID + ":env"
}
func deltaKey(jobID, cardID string) string {
	return "aj:" + jobID + ":card:" + cardID + ":delta"
}

// NextSeq allocates the next realtime seq for a job.
func (r *Realtime) NextSeq(ctx context.Context, jobID string) (int64, error) {
	seq, err := r.rdb.Incr(ctx, seqKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=realtime.next_seq: %w", err)
	}
	return seq, nil
}

// Publish records an event under an already-allocated seq and folds
// card.delta / card.append payloads into the card's live envelope.
func (r *Realtime) Publish(ctx context.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=realtime.publish: marshal: %w", err)
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(jobID),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: r.maxEvents,
		Approx: true,
		Values: map[string]any{
			"event_type": eventType,
			"card_id":    cardID,
			"payload":    string(body),
			"ts":         time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=realtime.publish: %w", err)
	}

	if cardID != "" {
		switch eventType {
		case domain.EventCardDelta:
			if err := r.applyDelta(ctx, jobID, cardID, payload); err != nil {
				return err
			}
		case domain.EventCardAppend:
			if err := r.applyAppend(ctx, jobID, cardID, payload); err != nil {
				return err
			}
		}
	}
	return r.touch(ctx, jobID, cardID)
}

func (r *Realtime) applyDelta(ctx context.Context, jobID, cardID string, payload map[string]any) error {
	field, _ := payload["field"].(string)
	format, _ := payload["format"].(string)
	section, _ := payload["section"].(string)
	text, _ := payload["text"].(string)
	if field == "" {
		return nil
	}
	hashField := strings.Join([]string{field, format, section}, fieldSep)
	if err := r.deltaScript.Run(ctx, r.rdb, []string{deltaKey(jobID, cardID)}, hashField, text).Err(); err != nil {
		return fmt.Errorf("op=realtime.apply_delta: %w", err)
	}
	return nil
}

// applyAppend merges list items into the live envelope under optimistic
// locking. A handful of retries covers concurrent writers to the same card.
func (r *Realtime) applyAppend(ctx context.Context, jobID, cardID string, payload map[string]any) error {
	path, _ := payload["path"].(string)
	items, _ := payload["items"].([]any)
	dedupKey, _ := payload["dedup_key"].(string)
	key := envKey(jobID, cardID)

	txf := func(tx *redis.Tx) error {
		out, err := r.loadEnvelope(ctx, tx.Get(ctx, key))
		if err != nil {
			return err
		}
		out = out.ApplyAppend(path, items, dedupKey)
		body, err := json.Marshal(out.ToMap())
		if err != nil {
			return fmt.Errorf("op=realtime.apply_append: marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, r.jobTTL)
			return nil
		})
		return err
	}
	for i := 0; i < 5; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("op=realtime.apply_append: %w", err)
	}
	return fmt.Errorf("op=realtime.apply_append: %w", domain.ErrConflict)
}

// SetCardOutput replaces a card's live envelope and clears any pending delta
// accumulators. Called on card.completed and card.failed.
func (r *Realtime) SetCardOutput(ctx context.Context, jobID, cardID string, out domain.Output) error {
	body, err := json.Marshal(out.ToMap())
	if err != nil {
		return fmt.Errorf("op=realtime.set_output: marshal: %w", err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, envKey(jobID, cardID), body, r.jobTTL)
	pipe.Unlink(ctx, deltaKey(jobID, cardID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=realtime.set_output: %w", err)
	}
	return nil
}

// GetCardOutput composes the live envelope with any unflushed delta
// accumulators overlaid on the stream sections.
func (r *Realtime) GetCardOutput(ctx context.Context, jobID, cardID string) (domain.Output, bool, error) {
	pipe := r.rdb.Pipeline()
	envCmd := pipe.Get(ctx, envKey(jobID, cardID))
	deltaCmd := pipe.HGetAll(ctx, deltaKey(jobID, cardID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Output{}, false, fmt.Errorf("op=realtime.card_output: %w", err)
	}

	deltas := deltaCmd.Val()
	if errors.Is(envCmd.Err(), redis.Nil) && len(deltas) == 0 {
		return domain.Output{}, false, nil
	}
	out, err := r.loadEnvelope(ctx, envCmd)
	if err != nil {
		return domain.Output{}, false, err
	}
	out = overlayDeltas(out, deltas)
	return out, true, nil
}

func overlayDeltas(out domain.Output, deltas map[string]string) domain.Output {
	for hashField, text := range deltas {
		parts := strings.SplitN(hashField, fieldSep, 3)
		if len(parts) != 3 {
			continue
		}
		field, format, section := parts[0], parts[1], parts[2]
		sf := out.Stream[field]
		if sf.Format == "" {
			sf.Format = format
		}
		if sf.Sections == nil {
			sf.Sections = map[string]string{}
		}
		sf.Sections[section] = text
		if out.Stream == nil {
			out.Stream = map[string]domain.StreamField{}
		}
		out.Stream[field] = sf
	}
	return out
}

func (r *Realtime) loadEnvelope(_ context.Context, cmd *redis.StringCmd) (domain.Output, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return domain.EnsureOutputEnvelope(nil), nil
	}
	if err != nil {
		return domain.Output{}, fmt.Errorf("op=realtime.load_envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.Output{}, fmt.Errorf("op=realtime.load_envelope: %w", err)
	}
	return domain.EnsureOutputEnvelope(m), nil
}

// BulkCardOutputs reassembles envelopes for many cards of one job in two
// round trips. Cards with no realtime state are absent from the result.
func (r *Realtime) BulkCardOutputs(ctx context.Context, jobID string, cardIDs []string) (map[string]domain.Output, error) {
	if len(cardIDs) == 0 {
		return map[string]domain.Output{}, nil
	}
	pipe := r.rdb.Pipeline()
	envCmds := make([]*redis.StringCmd, len(cardIDs))
	deltaCmds := make([]*redis.MapStringStringCmd, len(cardIDs))
	for i, id := range cardIDs {
		envCmds[i] = pipe.Get(ctx, envKey(jobID, id))
		deltaCmds[i] = pipe.HGetAll(ctx, deltaKey(jobID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=realtime.bulk_outputs: %w", err)
	}
	out := make(map[string]domain.Output, len(cardIDs))
	for i, id := range cardIDs {
		deltas := deltaCmds[i].Val()
		if errors.Is(envCmds[i].Err(), redis.Nil) && len(deltas) == 0 {
			continue
		}
		env, err := r.loadEnvelope(ctx, envCmds[i])
		if err != nil {
			return nil, err
		}
		out[id] = overlayDeltas(env, deltas)
	}
	return out, nil
}

// FetchEvents returns realtime events with seq > afterSeq, oldest first.
func (r *Realtime) FetchEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	start := fmt.Sprintf("%d-0", afterSeq+1)
	msgs, err := r.rdb.XRangeN(ctx, streamKey(jobID), start, "+", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=realtime.fetch: %w", err)
	}
	out := make([]domain.JobEvent, 0, len(msgs))
	for _, m := range msgs {
		seqStr, _, _ := strings.Cut(m.ID, "-")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		ev := domain.JobEvent{JobID: jobID, Seq: seq}
		if v, ok := m.Values["event_type"].(string); ok {
			ev.EventType = v
		}
		if v, ok := m.Values["card_id"].(string); ok {
			ev.CardID = v
		}
		if v, ok := m.Values["payload"].(string); ok {
			var p map[string]any
			if json.Unmarshal([]byte(v), &p) == nil {
				ev.Payload = p
			}
		}
		if v, ok := m.Values["ts"].(string); ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				ev.CreatedAt = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// MarkTerminal records the seq of the job's terminal event so late
// subscribers can recover it even after the stream is trimmed.
func (r *Realtime) MarkTerminal(ctx context.Context, jobID string, seq int64) error {
	if err := r.rdb.Set(ctx, terminalKey(jobID), seq, r.jobTTL).Err(); err != nil {
		return fmt.Errorf("op=realtime.mark_terminal: %w", err)
	}
	return nil
}

// TerminalSeq returns the recorded terminal seq, or 0 when the job has not
// finished (or its keys are gone).
func (r *Realtime) TerminalSeq(ctx context.Context, jobID string) (int64, error) {
	v, err := r.rdb.Get(ctx, terminalKey(jobID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=realtime.terminal_seq: %w", err)
	}
	return v, nil
}

// touch refreshes the shared TTL on the job's hot keys.
func (r *Realtime) touch(ctx context.Context, jobID, cardID string) error {
	pipe := r.rdb.Pipeline()
	pipe.Expire(ctx, seqKey(jobID), r.jobTTL)
	pipe.Expire(ctx, streamKey(jobID), r.jobTTL)
	if cardID != "" {
		pipe.Expire(ctx, envKey(jobID, cardID), r.jobTTL)
		pipe.Expire(ctx, deltaKey(jobID, cardID), r.jobTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=realtime.touch: %w", err)
	}
	return nil
}

// ExpireJob shortens the TTL of a finished job's keys instead of dropping
// them outright, leaving a grace window for reconnecting subscribers.
func (r *Realtime) ExpireJob(ctx context.Context, jobID string, cardIDs []string, ttl time.Duration) error {
	pipe := r.rdb.Pipeline()
	pipe.Expire(ctx, seqKey(jobID), ttl)
	pipe.Expire(ctx, streamKey(jobID), ttl)
	pipe.Expire(ctx, terminalKey(jobID), ttl)
	for _, id := range cardIDs {
		pipe.Expire(ctx, envKey(jobID, id), ttl)
		pipe.Expire(ctx, deltaKey(jobID, id), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=realtime.expire_job: %w", err)
	}
	return nil
}

// CleanupJob removes all realtime keys of a job.
func (r *Realtime) CleanupJob(ctx context.Context, jobID string, cardIDs []string) error {
	keys := []string{seqKey(jobID), streamKey(jobID), terminalKey(jobID)}
	for _, id := range cardIDs {
		keys = append(keys, envKey(jobID, id), deltaKey(jobID, id))
	}
	if err := r.rdb.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=realtime.cleanup: %w", err)
	}
	return nil
}
