// Package artifact stores per-job intermediate blobs. The primary tier is
// on-disk with a one-byte encoding prefix; the relational artifact table is
// the secondary tier for blobs that must survive the local filesystem.
package artifact

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
)

const (
	encodingZlib = 'z'
	encodingJSON = 'j'

	// compressThreshold is the encoded size above which blobs are
	// zlib-compressed.
	compressThreshold = 1024
)

// DB is the relational secondary tier.
type DB interface {
	Put(ctx domain.Context, a domain.Artifact) error
	Get(ctx domain.Context, jobID, artifactType string) (*domain.Artifact, error)
}

// Config tunes the store.
type Config struct {
	Root string
	// TTL expires disk blobs by file mtime; default 24h.
	TTL time.Duration
	// SkipDBPrefixes lists artifact-type prefixes that stay disk-only.
	SkipDBPrefixes []string
}

// Store implements domain.ArtifactStore.
type Store struct {
	root   string
	ttl    time.Duration
	db     DB
	skipDB []string
}

// NewStore creates the root directory if needed. db may be nil for a pure
// disk store.
func NewStore(cfg Config, db DB) (*Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("op=artifact.init: %w", err)
	}
	return &Store{root: cfg.Root, ttl: cfg.TTL, db: db, skipDB: cfg.SkipDBPrefixes}, nil
}

func (s *Store) path(jobID, artifactType string) string {
	name := base64.URLEncoding.EncodeToString([]byte(artifactType)) + ".bin"
	return filepath.Join(s.root, jobID, name)
}

// Put writes the blob to disk first and then, unless the type is disk-only,
// to the relational tier.
func (s *Store) Put(ctx domain.Context, a domain.Artifact) error {
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("op=artifact.put: marshal: %w", err)
	}
	encoded, err := encode(raw)
	if err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}

	p := s.path(a.JobID, a.Type)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}

	if s.db == nil || s.diskOnly(a.Type) {
		return nil
	}
	if err := s.db.Put(ctx, a); err != nil {
		return fmt.Errorf("op=artifact.put: %w", err)
	}
	return nil
}

// Get prefers the disk tier; expired or missing files fall through to the
// relational tier and, on success, are written back to disk.
func (s *Store) Get(ctx domain.Context, jobID, artifactType string) (map[string]any, bool, error) {
	payload, ok, err := s.readDisk(jobID, artifactType)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("artifact disk read failed",
			"job_id", jobID, "artifact_type", artifactType, "error", err)
	}
	if ok {
		return payload, true, nil
	}
	if s.db == nil {
		return nil, false, nil
	}

	a, err := s.db.Get(ctx, jobID, artifactType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if putErr := s.Put(ctx, domain.Artifact{JobID: jobID, CardID: a.CardID, Type: artifactType, Payload: a.Payload}); putErr != nil {
		observability.LoggerFromContext(ctx).Warn("artifact write-through failed",
			"job_id", jobID, "artifact_type", artifactType, "error", putErr)
	}
	return a.Payload, true, nil
}

func (s *Store) readDisk(jobID, artifactType string) (map[string]any, bool, error) {
	p := s.path(jobID, artifactType)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if time.Since(info.ModTime()) > s.ttl {
		_ = os.Remove(p)
		return nil, false, nil
	}
	encoded, err := os.ReadFile(p)
	if err != nil {
		return nil, false, err
	}
	raw, err := decode(encoded)
	if err != nil {
		return nil, false, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// CleanupJob removes a job's disk blobs.
func (s *Store) CleanupJob(jobID string) error {
	if err := os.RemoveAll(filepath.Join(s.root, jobID)); err != nil {
		return fmt.Errorf("op=artifact.cleanup: %w", err)
	}
	return nil
}

func (s *Store) diskOnly(artifactType string) bool {
	for _, prefix := range s.skipDB {
		if prefix != "" && strings.HasPrefix(artifactType, prefix) {
			return true
		}
	}
	return false
}

func encode(raw []byte) ([]byte, error) {
	if len(raw) <= compressThreshold {
		return append([]byte{encodingJSON}, raw...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(encodingZlib)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty artifact blob")
	}
	body := encoded[1:]
	switch encoded[0] {
	case encodingJSON:
		return body, nil
	case encodingZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unknown artifact encoding %q", encoded[0])
	}
}
