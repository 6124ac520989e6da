// Package scheduler owns the claim/dispatch loop: it pulls ready cards from
// the durable store under SKIP LOCKED, enforces the global worker budget and
// per-group semaphores, executes card handlers behind the quality gate, and
// drives jobs to their terminal state.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/gate"
	"github.com/elonfeng/dinq-analyze-sub000/internal/handler"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

// Events is the slice of the event-store facade the scheduler emits through.
type Events interface {
	Append(ctx context.Context, jobID, cardID, eventType string, payload map[string]any) (int64, error)
	SetCardOutput(ctx context.Context, jobID, cardID string, out domain.Output) error
	FinishJob(ctx context.Context, jobID string, cardIDs []string)
}

// Config tunes one scheduler instance.
type Config struct {
	MaxWorkers      int
	PollInterval    time.Duration
	GroupLimits     map[string]int
	PipelineVersion string

	StuckCardMaxAge        time.Duration
	StuckCardSweepInterval time.Duration

	// CacheWriters sizes the small pool for asynchronous final-result
	// persistence.
	CacheWriters int
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.MaxWorkers > 64 {
		c.MaxWorkers = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StuckCardMaxAge <= 0 {
		c.StuckCardMaxAge = 10 * time.Minute
	}
	if c.StuckCardSweepInterval <= 0 {
		c.StuckCardSweepInterval = time.Minute
	}
	if c.CacheWriters <= 0 {
		c.CacheWriters = 2
	}
	return c
}

type task struct {
	card  domain.Card
	group string
}

// Scheduler is one in-process claim/dispatch loop. Multiple schedulers may
// run against the same store; correctness rests on SKIP LOCKED claims and
// the lease guard, not on coordination between processes.
type Scheduler struct {
	store     domain.JobStore
	events    Events
	artifacts domain.ArtifactStore
	cache     domain.AnalysisCache
	registry  *handler.Registry
	gate      *gate.Gate
	groups    *GroupLimiter
	cfg       Config

	mu      sync.Mutex
	pending []domain.Card

	dispatchMu sync.Mutex
	inflight   atomic.Int64

	tasks      chan task
	cacheTasks chan func(context.Context)

	jobRunning sync.Map

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler. cache may be nil to disable final-result
// persistence.
func New(store domain.JobStore, events Events, artifacts domain.ArtifactStore, cache domain.AnalysisCache, registry *handler.Registry, g *gate.Gate, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:      store,
		events:     events,
		artifacts:  artifacts,
		cache:      cache,
		registry:   registry,
		gate:       g,
		groups:     NewGroupLimiter(cfg.MaxWorkers, cfg.GroupLimits),
		cfg:        cfg,
		tasks:      make(chan task, 2*cfg.MaxWorkers),
		cacheTasks: make(chan func(context.Context), 64),
	}
}

// Start launches the executor pool, the cache-writer pool, the claim loop,
// and the stuck-card sweeper.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	for i := 0; i < s.cfg.CacheWriters; i++ {
		s.wg.Add(1)
		go s.cacheWorker(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.wg.Add(1)
	go s.sweepStuck(ctx)
}

// Stop cancels the loops and waits up to two seconds for workers to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	log := observability.LoggerFromContext(ctx)
	for {
		progressed := false

		s.mu.Lock()
		backlog := len(s.pending)
		s.mu.Unlock()
		if backlog < 2*s.cfg.MaxWorkers {
			if n := s.claimBudget(); n > 0 {
				cards, err := s.store.ClaimReadyCards(ctx, n)
				if err != nil {
					log.Warn("card claim failed", "error", err)
				} else if len(cards) > 0 {
					s.mu.Lock()
					s.pending = append(s.pending, cards...)
					s.mu.Unlock()
					progressed = true
				}
			}
		}

		if s.drainPending(ctx) > 0 {
			progressed = true
		}

		if ctx.Err() != nil {
			return
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

// claimBudget bounds one claim batch: never more than ten, never more than
// the free worker slots.
func (s *Scheduler) claimBudget() int {
	free := s.cfg.MaxWorkers - int(s.inflight.Load())
	if free <= 0 {
		return 0
	}
	if free > 10 {
		return 10
	}
	return free
}

// drainPending rotates the local FIFO once, dispatching every head card
// whose group has a free slot. A full rotation with no dispatch stops the
// drain.
func (s *Scheduler) drainPending(_ context.Context) int {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	rotation := len(s.pending)
	s.mu.Unlock()

	dispatched := 0
	for i := 0; i < rotation; i++ {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			break
		}
		card := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		group := GroupFor(card)
		if !s.groups.TryAcquire(group) {
			s.requeueLocal(card)
			continue
		}
		select {
		case s.tasks <- task{card: card, group: group}:
			s.inflight.Add(1)
			dispatched++
		default:
			s.groups.Release(group)
			s.requeueLocal(card)
		}
	}
	return dispatched
}

func (s *Scheduler) requeueLocal(card domain.Card) {
	s.mu.Lock()
	s.pending = append(s.pending, card)
	s.mu.Unlock()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.runCard(ctx, t.card)
			s.groups.Release(t.group)
			s.inflight.Add(-1)
		}
	}
}

func (s *Scheduler) cacheWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cacheTasks:
			fn(ctx)
		}
	}
}

// sweepStuck re-readies running cards whose lease exceeded the max age, so
// cards orphaned by a crashed worker get claimed again.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	defer s.wg.Done()
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(s.cfg.StuckCardSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.RequeueStuckCards(ctx, s.cfg.StuckCardMaxAge)
			if err != nil {
				log.Warn("stuck card sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("requeued stuck cards", "count", n, "max_age", s.cfg.StuckCardMaxAge)
			}
		}
	}
}
