// Package cache implements the multi-tier final-result cache: a local
// file-backed L1, the relational L2, and an optional remote backup with an
// outbox-driven replicator. Reads are stale-while-revalidate; refreshes are
// single-flight per cache tuple.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KindFinalResult is the artifact kind of the post-job business-card
// snapshot.
const KindFinalResult = "final_result"

// CanonicalJSON renders a value with sorted object keys so equal inputs hash
// equally regardless of map iteration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=cache.canonical_json: %w", err)
	}
	return raw, nil
}

// OptionsHash is the deterministic hash of normalized job options. Nil and
// empty options hash identically.
func OptionsHash(options map[string]any) string {
	if options == nil {
		options = map[string]any{}
	}
	raw, err := CanonicalJSON(options)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ArtifactKey addresses one cache artifact. pipeline_version participates so
// handler-semantics changes invalidate prior caches wholesale.
func ArtifactKey(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	raw, err := CanonicalJSON(map[string]string{
		"source":           source,
		"subject_key":      subjectKey,
		"pipeline_version": pipelineVersion,
		"options_hash":     optionsHash,
		"kind":             kind,
	})
	if err != nil {
		raw = []byte(source + subjectKey + pipelineVersion + optionsHash + kind)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ContentHash fingerprints a payload for change detection across tiers.
func ContentHash(payload map[string]any) string {
	raw, err := CanonicalJSON(payload)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
