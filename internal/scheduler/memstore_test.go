package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// memStore is an in-memory domain.JobStore with the same transition
// semantics as the relational implementation.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	cards map[string]*domain.Card
	idem  map[string]idemMapping
}

type idemMapping struct {
	jobID       string
	requestHash string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  map[string]*domain.Job{},
		cards: map[string]*domain.Card{},
		idem:  map[string]idemMapping{},
	}
}

func (m *memStore) addJob(source, subjectKey string, plan []domain.CardPlan) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID := ulid.Make().String()
	m.jobs[jobID] = &domain.Job{
		ID: jobID, UserID: "user1", Source: source, Status: domain.JobQueued,
		SubjectKey: subjectKey, Options: map[string]any{}, CreatedAt: time.Now(),
	}
	for _, p := range plan {
		card := &domain.Card{
			ID:               ulid.Make().String(),
			JobID:            jobID,
			CardType:         p.CardType,
			Priority:         p.Priority,
			Status:           domain.CardPending,
			ConcurrencyGroup: p.ConcurrencyGroup,
			Input:            p.Input,
			Deps:             p.DependsOn,
			Output:           domain.EnsureOutputEnvelope(nil),
			CreatedAt:        time.Now(),
		}
		if len(card.EffectiveDeps()) == 0 {
			card.Status = domain.CardReady
		}
		m.cards[card.ID] = card
	}
	return jobID
}

func (m *memStore) jobCards(jobID string) []*domain.Card {
	var out []*domain.Card
	for _, c := range m.cards {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) CreateBundle(_ domain.Context, b domain.NewJobBundle) (domain.Job, bool, error) {
	idemKey := b.UserID + "/" + b.IdempotencyKey
	if b.IdempotencyKey != "" {
		m.mu.Lock()
		if rec, ok := m.idem[idemKey]; ok {
			if rec.requestHash != b.RequestHash {
				m.mu.Unlock()
				return domain.Job{}, false, fmt.Errorf("op=memstore.create_bundle: %w", domain.ErrIdempotencyConflict)
			}
			j := *m.jobs[rec.jobID]
			m.mu.Unlock()
			return j, false, nil
		}
		m.mu.Unlock()
	}
	id := m.addJob(b.Source, b.SubjectKey, b.Plan)
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.IdempotencyKey != "" {
		m.idem[idemKey] = idemMapping{jobID: id, requestHash: b.RequestHash}
	}
	return *m.jobs[id], true, nil
}

func (m *memStore) GetJob(_ domain.Context, jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=memstore.get_job: %w", domain.ErrNotFound)
	}
	return *j, nil
}

func (m *memStore) GetCard(_ domain.Context, cardID string) (domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return domain.Card{}, fmt.Errorf("op=memstore.get_card: %w", domain.ErrNotFound)
	}
	return *c, nil
}

func (m *memStore) ListCards(_ domain.Context, jobID string) ([]domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Card
	for _, c := range m.jobCards(jobID) {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) ClaimReadyCards(_ domain.Context, limit int) ([]domain.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*domain.Card
	for _, c := range m.cards {
		if c.Status == domain.CardReady {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].ID < all[j].ID
	})
	var out []domain.Card
	now := time.Now()
	for _, c := range all {
		if len(out) >= limit {
			break
		}
		started := now
		c.Status = domain.CardRunning
		c.StartedAt = &started
		c.EndedAt = nil
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) ConfirmCardClaim(_ domain.Context, cardID string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return false, nil
	}
	return c.Status == domain.CardRunning && c.StartedAt != nil && c.StartedAt.Equal(startedAt) && c.EndedAt == nil, nil
}

func (m *memStore) ReleaseReadyCards(_ domain.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snapshot []domain.Card
	for _, c := range m.jobCards(jobID) {
		snapshot = append(snapshot, *c)
	}
	released := 0
	for _, id := range domain.ReadyCardIDs(snapshot) {
		if c := m.cards[id]; c.Status == domain.CardPending {
			c.Status = domain.CardReady
			released++
		}
	}
	return released, nil
}

func (m *memStore) MarkDependentCardsSkipped(_ domain.Context, jobID, failedCardType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snapshot []domain.Card
	for _, c := range m.jobCards(jobID) {
		snapshot = append(snapshot, *c)
	}
	skipped := 0
	for _, id := range domain.SkippableDependents(snapshot, failedCardType) {
		c := m.cards[id]
		if c.Status == domain.CardPending || c.Status == domain.CardReady {
			c.Status = domain.CardSkipped
			skipped++
		}
	}
	return skipped, nil
}

func (m *memStore) RequeueCardForRetry(_ domain.Context, cardID string, prefill domain.Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return fmt.Errorf("op=memstore.requeue: %w", domain.ErrNotFound)
	}
	c.Status = domain.CardReady
	c.RetryCount++
	c.Output = prefill
	c.StartedAt = nil
	c.EndedAt = nil
	return nil
}

func (m *memStore) UpdateCardStatus(_ domain.Context, cardID string, status domain.CardStatus, output *domain.Output, preserveStream bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return fmt.Errorf("op=memstore.update_card: %w", domain.ErrNotFound)
	}
	c.Status = status
	if output != nil {
		if preserveStream {
			c.Output = c.Output.MergeData(output.Data)
		} else {
			c.Output = *output
		}
	}
	if status == domain.CardCompleted || status == domain.CardFailed || status == domain.CardSkipped {
		now := time.Now()
		c.EndedAt = &now
	}
	return nil
}

func (m *memStore) SetJobRunning(_ domain.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && j.Status == domain.JobQueued {
		j.Status = domain.JobRunning
	}
	return nil
}

func (m *memStore) CardStatusCounts(_ domain.Context, jobID string) (map[domain.CardStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.CardStatus]int{}
	for _, c := range m.jobCards(jobID) {
		counts[c.Status]++
	}
	return counts, nil
}

func (m *memStore) TryFinalizeJob(_ domain.Context, jobID string, status domain.JobStatus, result map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("op=memstore.finalize: %w", domain.ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.Result = result
	return true, nil
}

func (m *memStore) RequeueStuckCards(_ domain.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-maxAge)
	for _, c := range m.cards {
		if c.Status == domain.CardRunning && c.StartedAt != nil && c.StartedAt.Before(cutoff) {
			c.Status = domain.CardReady
			c.StartedAt = nil
			n++
		}
	}
	return n, nil
}
