package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

func newTestRealtime(t *testing.T) *Realtime {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRealtime(rdb, 1000, time.Hour)
}

func TestNextSeqMonotonic(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()
	s1, err := rt.NextSeq(ctx, "job1")
	require.NoError(t, err)
	s2, err := rt.NextSeq(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s1)
	assert.Equal(t, int64(2), s2)

	o1, err := rt.NextSeq(ctx, "job2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), o1, "seq counters are per job")
}

func TestPublishAndFetchEvents(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := rt.NextSeq(ctx, "job1")
		require.NoError(t, err)
		require.NoError(t, rt.Publish(ctx, "job1", "", seq, domain.EventJobStarted, map[string]any{"n": i}))
	}

	evs, err := rt.FetchEvents(ctx, "job1", 1, 100)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, int64(3), evs[1].Seq)
	assert.Equal(t, domain.EventJobStarted, evs[0].EventType)
	assert.Equal(t, float64(2), evs[0].Payload["n"])
}

func TestDeltaAccumulatesIntoOutput(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	for _, text := range []string{"Hello", ", ", "world"} {
		seq, err := rt.NextSeq(ctx, "job1")
		require.NoError(t, err)
		err = rt.Publish(ctx, "job1", "card1", seq, domain.EventCardDelta, map[string]any{
			"field": "content", "format": "markdown", "section": "body", "text": text,
		})
		require.NoError(t, err)
	}

	out, ok, err := rt.GetCardOutput(ctx, "job1", "card1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Hello, world", out.Stream["content"].Sections["body"])
	assert.Equal(t, "markdown", out.Stream["content"].Format)
}

func TestAppendMergesWithDedup(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	publish := func(items []any) {
		seq, err := rt.NextSeq(ctx, "job1")
		require.NoError(t, err)
		err = rt.Publish(ctx, "job1", "card1", seq, domain.EventCardAppend, map[string]any{
			"path": "repos", "items": items, "dedup_key": "id",
		})
		require.NoError(t, err)
	}
	publish([]any{map[string]any{"id": "a", "stars": float64(1)}})
	publish([]any{
		map[string]any{"id": "a", "stars": float64(2)},
		map[string]any{"id": "b", "stars": float64(3)},
	})

	out, ok, err := rt.GetCardOutput(ctx, "job1", "card1")
	require.NoError(t, err)
	require.True(t, ok)
	list, ok := out.Data["repos"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first, ok := list[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), first["stars"], "duplicate key keeps newest item")
}

func TestSetCardOutputClearsDeltas(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	seq, err := rt.NextSeq(ctx, "job1")
	require.NoError(t, err)
	err = rt.Publish(ctx, "job1", "card1", seq, domain.EventCardDelta, map[string]any{
		"field": "content", "format": "markdown", "section": "body", "text": "partial",
	})
	require.NoError(t, err)

	final := domain.EnsureOutputEnvelope(nil)
	final.Data["summary"] = "done"
	final.Stream["content"] = domain.StreamField{Format: "markdown", Sections: map[string]string{"body": "final text"}}
	require.NoError(t, rt.SetCardOutput(ctx, "job1", "card1", final))

	out, ok, err := rt.GetCardOutput(ctx, "job1", "card1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "done", out.Data["summary"])
	assert.Equal(t, "final text", out.Stream["content"].Sections["body"])
}

func TestTerminalMarker(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	seq, err := rt.TerminalSeq(ctx, "job1")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, rt.MarkTerminal(ctx, "job1", 42))
	seq, err = rt.TerminalSeq(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestCleanupJobRemovesState(t *testing.T) {
	rt := newTestRealtime(t)
	ctx := context.Background()

	seq, err := rt.NextSeq(ctx, "job1")
	require.NoError(t, err)
	require.NoError(t, rt.Publish(ctx, "job1", "card1", seq, domain.EventCardDelta, map[string]any{
		"field": "content", "format": "text", "section": "body", "text": "x",
	}))
	require.NoError(t, rt.CleanupJob(ctx, "job1", []string{"card1"}))

	_, ok, err := rt.GetCardOutput(ctx, "job1", "card1")
	require.NoError(t, err)
	assert.False(t, ok)
	evs, err := rt.FetchEvents(ctx, "job1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
