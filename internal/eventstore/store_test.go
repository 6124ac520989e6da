package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

type fakeDurable struct {
	mu      sync.Mutex
	events  map[string][]domain.JobEvent
	lastSeq map[string]int64
	outputs map[string]domain.Output
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		events:  map[string][]domain.JobEvent{},
		lastSeq: map[string]int64{},
		outputs: map[string]domain.Output{},
	}
}

func (f *fakeDurable) Append(_ context.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeq[jobID]++
	seq := f.lastSeq[jobID]
	f.events[jobID] = append(f.events[jobID], domain.JobEvent{
		JobID: jobID, CardID: cardID, Seq: seq, EventType: eventType, Payload: payload, CreatedAt: time.Now(),
	})
	return seq, nil
}

func (f *fakeDurable) AppendWithSeq(_ context.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events[jobID] {
		if ev.Seq == seq {
			return nil
		}
	}
	if seq > f.lastSeq[jobID] {
		f.lastSeq[jobID] = seq
	}
	f.events[jobID] = append(f.events[jobID], domain.JobEvent{
		JobID: jobID, CardID: cardID, Seq: seq, EventType: eventType, Payload: payload, CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeDurable) FetchEvents(_ context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range f.events[jobID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDurable) GetCardOutput(_ context.Context, jobID, cardID string) (domain.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[jobID+"/"+cardID]
	if !ok {
		return domain.Output{}, fmt.Errorf("op=fake.card_output: %w", domain.ErrNotFound)
	}
	return out, nil
}

func (f *fakeDurable) TerminalSeq(_ context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, ev := range f.events[jobID] {
		if domain.IsTerminalEvent(ev.EventType) && ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, nil
}

type fakeRealtime struct {
	mu       sync.Mutex
	seq      map[string]int64
	events   map[string][]domain.JobEvent
	outputs  map[string]domain.Output
	terminal map[string]int64
	evicted  bool
	// strictOrder rejects a publish whose seq is not past the last stream
	// entry, the way redis rejects a non-increasing XADD id.
	strictOrder bool
	expired     []string
	cleaned     []string
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		seq:      map[string]int64{},
		events:   map[string][]domain.JobEvent{},
		outputs:  map[string]domain.Output{},
		terminal: map[string]int64{},
	}
}

func (f *fakeRealtime) NextSeq(_ context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[jobID]++
	return f.seq[jobID], nil
}

func (f *fakeRealtime) Publish(_ context.Context, jobID, cardID string, seq int64, eventType string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.strictOrder {
		if evs := f.events[jobID]; len(evs) > 0 && seq <= evs[len(evs)-1].Seq {
			return fmt.Errorf("op=fakerealtime.publish: id %d not increasing: %w", seq, domain.ErrConflict)
		}
	}
	f.events[jobID] = append(f.events[jobID], domain.JobEvent{
		JobID: jobID, CardID: cardID, Seq: seq, EventType: eventType, Payload: payload, CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeRealtime) FetchEvents(_ context.Context, jobID string, afterSeq int64, limit int) ([]domain.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evicted {
		return nil, nil
	}
	var out []domain.JobEvent
	for _, ev := range f.events[jobID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRealtime) GetCardOutput(_ context.Context, jobID, cardID string) (domain.Output, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[jobID+"/"+cardID]
	return out, ok, nil
}

func (f *fakeRealtime) BulkCardOutputs(_ context.Context, jobID string, cardIDs []string) (map[string]domain.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]domain.Output{}
	for _, id := range cardIDs {
		if env, ok := f.outputs[jobID+"/"+id]; ok {
			out[id] = env
		}
	}
	return out, nil
}

func (f *fakeRealtime) SetCardOutput(_ context.Context, jobID, cardID string, out domain.Output) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[jobID+"/"+cardID] = out
	return nil
}

func (f *fakeRealtime) MarkTerminal(_ context.Context, jobID string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal[jobID] = seq
	return nil
}

func (f *fakeRealtime) TerminalSeq(_ context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminal[jobID], nil
}

func (f *fakeRealtime) ExpireJob(_ context.Context, jobID string, _ []string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, jobID)
	return nil
}

func (f *fakeRealtime) CleanupJob(_ context.Context, jobID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, jobID)
	return nil
}

type fakeJobReader struct{ status domain.JobStatus }

func (f *fakeJobReader) GetJob(_ domain.Context, jobID string) (domain.Job, error) {
	return domain.Job{ID: jobID, Status: f.status}, nil
}

func fastOptions() Options {
	return Options{
		BatchSize:     500,
		PollInterval:  5 * time.Millisecond,
		Keepalive:     40 * time.Millisecond,
		TerminalGrace: 10 * time.Millisecond,
	}
}
