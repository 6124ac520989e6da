package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// DiskEntry is one L1 record with the access metadata the evictor ranks by.
type DiskEntry struct {
	ArtifactKey   string         `json:"artifact_key"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	ContentHash   string         `json:"content_hash"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	HitCount      int64          `json:"hit_count"`
	LastAccessAtS int64          `json:"last_access_at_s"`
}

// Expired reports whether the entry's TTL has passed.
func (e DiskEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// DiskStore is the local file-backed L1 tier. One JSON file per artifact key
// under root; writes go through a temp file and rename.
type DiskStore struct {
	root string
	mu   sync.Mutex
}

// NewDiskStore creates root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("op=cache.disk_init: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.root, key+".json")
}

// Put writes or replaces the entry for its artifact key.
func (s *DiskStore) Put(entry DiskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=cache.disk_put: %w", err)
	}
	tmp := s.path(entry.ArtifactKey) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("op=cache.disk_put: %w", err)
	}
	if err := os.Rename(tmp, s.path(entry.ArtifactKey)); err != nil {
		return fmt.Errorf("op=cache.disk_put: %w", err)
	}
	return nil
}

// Get loads one entry. Expired entries are returned so callers can serve
// stale-while-revalidate.
func (s *DiskStore) Get(key string) (*DiskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=cache.disk_get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=cache.disk_get: %w", err)
	}
	var e DiskEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("op=cache.disk_get: %w", err)
	}
	return &e, nil
}

// Touch bumps the local access metadata for a key. Best-effort.
func (s *DiskStore) Touch(key string, now time.Time) {
	e, err := s.Get(key)
	if err != nil {
		return
	}
	e.HitCount++
	e.LastAccessAtS = now.Unix()
	_ = s.Put(*e)
}

// Delete removes one entry, returning the bytes freed.
func (s *DiskStore) Delete(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(key)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=cache.disk_delete: %w", err)
	}
	if err := os.Remove(p); err != nil {
		return 0, fmt.Errorf("op=cache.disk_delete: %w", err)
	}
	return info.Size(), nil
}

// StatEntry pairs an entry with its on-disk size for eviction ranking.
type StatEntry struct {
	DiskEntry
	SizeBytes int64
}

// List returns every entry with its file size. Unreadable files are skipped.
func (s *DiskStore) List() ([]StatEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("op=cache.disk_list: %w", err)
	}
	var out []StatEntry
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, d.Name()))
		if err != nil {
			continue
		}
		var e DiskEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, StatEntry{DiskEntry: e, SizeBytes: info.Size()})
	}
	return out, nil
}

// TotalBytes is the current on-disk footprint of the store.
func (s *DiskStore) TotalBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=cache.disk_total: %w", err)
	}
	return total, nil
}

// Root returns the store directory, used for filesystem budget probing.
func (s *DiskStore) Root() string { return s.root }
