package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

// Relational is the L2 tier plus the refresh-run and outbox tables.
type Relational interface {
	UpsertSubject(ctx domain.Context, s domain.Subject, canonicalInput map[string]any) (string, error)
	GetArtifact(ctx domain.Context, artifactKey string) (*domain.CacheArtifact, error)
	UpsertArtifact(ctx domain.Context, key, kind string, payload map[string]any, contentHash string, expiresAt time.Time, payloadSize int64) error
	TouchAccessMeta(ctx domain.Context, artifactKey string, now time.Time) error
	TryBeginRefreshRun(ctx domain.Context, subjectID, pipelineVersion, optionsHash string, lockTTL time.Duration) (bool, error)
	CompleteRunningRun(ctx domain.Context, subjectID, pipelineVersion, optionsHash, artifactKey string, freshnessUntil time.Time) error
	EnqueueOutbox(ctx domain.Context, artifactKey, kind, contentHash string) error
	ClaimOutbox(ctx domain.Context, batch int, lockToken string, lockTTL time.Duration) ([]domain.BackupOutboxItem, error)
	DeleteOutbox(ctx domain.Context, id int64, lockToken string) error
	FailOutbox(ctx domain.Context, id int64, lockToken, lastError string, retryCount int) error
}

// StoreConfig tunes the cache store.
type StoreConfig struct {
	// TTLFor resolves the final-result TTL per source.
	TTLFor func(source string) time.Duration
	// RefreshLockTTL bounds how long a running refresh blocks others.
	RefreshLockTTL time.Duration
	// TouchInterval throttles access-metadata writes per artifact.
	TouchInterval time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.TTLFor == nil {
		c.TTLFor = func(string) time.Duration { return 24 * time.Hour }
	}
	if c.RefreshLockTTL <= 0 {
		c.RefreshLockTTL = 10 * time.Minute
	}
	if c.TouchInterval <= 0 {
		c.TouchInterval = 15 * time.Second
	}
	return c
}

// Store implements domain.AnalysisCache over L1 (disk), L2 (relational) and
// the optional remote backup.
type Store struct {
	l1     *DiskStore
	l2     Relational
	backup Backup
	cfg    StoreConfig

	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

// NewStore wires the tiers. backup may be nil.
func NewStore(l1 *DiskStore, l2 Relational, backup Backup, cfg StoreConfig) *Store {
	return &Store{
		l1:        l1,
		l2:        l2,
		backup:    backup,
		cfg:       cfg.withDefaults(),
		lastTouch: map[string]time.Time{},
	}
}

// WriteFinalResult caches the post-job snapshot. L1 is populated before L2
// so user-visible reads are warm immediately; the running refresh run for
// the tuple (if any) is completed and the outbox receives a replication
// task.
func (s *Store) WriteFinalResult(ctx domain.Context, subject domain.Subject, pipelineVersion string, options map[string]any, payload map[string]any) (string, error) {
	log := observability.LoggerFromContext(ctx)
	optionsHash := OptionsHash(options)
	key := ArtifactKey(subject.Source, subject.SubjectKey, pipelineVersion, optionsHash, KindFinalResult)
	contentHash := ContentHash(payload)
	now := time.Now().UTC()
	expires := now.Add(s.cfg.TTLFor(subject.Source))

	if err := s.l1.Put(DiskEntry{
		ArtifactKey: key,
		Kind:        KindFinalResult,
		Payload:     payload,
		ContentHash: contentHash,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}); err != nil {
		log.Warn("l1 cache write failed", "artifact_key", key, "error", err)
	}

	subjectID, err := s.l2.UpsertSubject(ctx, subject, nil)
	if err != nil {
		return "", err
	}
	raw, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	if err := s.l2.UpsertArtifact(ctx, key, KindFinalResult, payload, contentHash, expires, int64(len(raw))); err != nil {
		return "", err
	}
	if err := s.l2.CompleteRunningRun(ctx, subjectID, pipelineVersion, optionsHash, key, expires); err != nil {
		log.Warn("refresh run completion failed", "artifact_key", key, "error", err)
	}
	if err := s.l2.EnqueueOutbox(ctx, key, KindFinalResult, contentHash); err != nil {
		log.Warn("outbox enqueue failed", "artifact_key", key, "error", err)
	}
	return key, nil
}

// ReadFinalResult serves the snapshot from the nearest tier. Expired entries
// are returned with Stale=true instead of being deleted; a backup hit
// rehydrates L1 without re-enqueuing the outbox.
func (s *Store) ReadFinalResult(ctx domain.Context, subject domain.Subject, pipelineVersion string, options map[string]any) (*domain.FinalResult, error) {
	optionsHash := OptionsHash(options)
	key := ArtifactKey(subject.Source, subject.SubjectKey, pipelineVersion, optionsHash, KindFinalResult)
	now := time.Now().UTC()

	if e, err := s.l1.Get(key); err == nil {
		s.touch(ctx, key, now)
		res := &domain.FinalResult{
			ArtifactKey: key,
			Payload:     e.Payload,
			CreatedAt:   e.CreatedAt,
			ExpiresAt:   e.ExpiresAt,
			Stale:       e.Expired(now),
		}
		observability.CacheReadsTotal.WithLabelValues(readOutcome(res.Stale)).Inc()
		return res, nil
	}

	row, err := s.l2.GetArtifact(ctx, key)
	switch {
	case err == nil:
		entry := DiskEntry{
			ArtifactKey: key,
			Kind:        row.Kind,
			Payload:     row.Payload,
			ContentHash: row.ContentHash,
			CreatedAt:   row.CreatedAt,
		}
		if row.ExpiresAt != nil {
			entry.ExpiresAt = *row.ExpiresAt
		}
		_ = s.l1.Put(entry)
		s.touch(ctx, key, now)
		res := &domain.FinalResult{
			ArtifactKey: key,
			Payload:     row.Payload,
			CreatedAt:   row.CreatedAt,
			ExpiresAt:   entry.ExpiresAt,
			Stale:       entry.Expired(now),
		}
		observability.CacheReadsTotal.WithLabelValues(readOutcome(res.Stale)).Inc()
		return res, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	if s.backup != nil {
		art, err := s.backup.Fetch(ctx, key)
		if err == nil {
			entry := DiskEntry{
				ArtifactKey: key,
				Kind:        art.Kind,
				Payload:     art.Payload,
				ContentHash: art.ContentHash,
				CreatedAt:   art.CreatedAt,
			}
			if art.ExpiresAt != nil {
				entry.ExpiresAt = *art.ExpiresAt
			}
			_ = s.l1.Put(entry)
			observability.CacheReadsTotal.WithLabelValues("backup").Inc()
			return &domain.FinalResult{
				ArtifactKey: key,
				Payload:     art.Payload,
				CreatedAt:   art.CreatedAt,
				ExpiresAt:   entry.ExpiresAt,
				Stale:       entry.Expired(now),
			}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			observability.LoggerFromContext(ctx).Warn("backup read failed", "artifact_key", key, "error", err)
		}
	}

	observability.CacheReadsTotal.WithLabelValues("miss").Inc()
	return nil, fmt.Errorf("op=cache.read_final: %w", domain.ErrNotFound)
}

// TryBeginRefreshRun is the single-flight guard for re-analysis of a cached
// subject.
func (s *Store) TryBeginRefreshRun(ctx domain.Context, subject domain.Subject, pipelineVersion string, options map[string]any) (bool, error) {
	subjectID, err := s.l2.UpsertSubject(ctx, subject, nil)
	if err != nil {
		return false, err
	}
	return s.l2.TryBeginRefreshRun(ctx, subjectID, pipelineVersion, OptionsHash(options), s.cfg.RefreshLockTTL)
}

// touchMapMax bounds the in-process touch throttle. Entries past
// TouchInterval no longer suppress anything and are dropped on overflow.
const touchMapMax = 4096

// touch records the access locally and, throttled per artifact, in L2.
func (s *Store) touch(ctx domain.Context, key string, now time.Time) {
	s.l1.Touch(key, now)
	s.touchMu.Lock()
	last, ok := s.lastTouch[key]
	if ok && now.Sub(last) < s.cfg.TouchInterval {
		s.touchMu.Unlock()
		return
	}
	if len(s.lastTouch) >= touchMapMax {
		for k, ts := range s.lastTouch {
			if now.Sub(ts) >= s.cfg.TouchInterval {
				delete(s.lastTouch, k)
			}
		}
	}
	s.lastTouch[key] = now
	s.touchMu.Unlock()
	if err := s.l2.TouchAccessMeta(ctx, key, now); err != nil {
		observability.LoggerFromContext(ctx).Debug("access touch failed", "artifact_key", key, "error", err)
	}
}

func readOutcome(stale bool) string {
	if stale {
		return "stale"
	}
	return "hit"
}
