package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsHashDeterministic(t *testing.T) {
	a := OptionsHash(map[string]any{"depth": 2, "lang": "en"})
	b := OptionsHash(map[string]any{"lang": "en", "depth": 2})
	assert.Equal(t, a, b, "key order must not matter")
	assert.Equal(t, OptionsHash(nil), OptionsHash(map[string]any{}))
	assert.NotEqual(t, a, OptionsHash(map[string]any{"depth": 3, "lang": "en"}))
}

func TestArtifactKeySensitivity(t *testing.T) {
	oh := OptionsHash(nil)
	base := ArtifactKey("github", "octocat", "v1", oh, KindFinalResult)
	assert.Len(t, base, 64)
	assert.NotEqual(t, base, ArtifactKey("github", "octocat", "v2", oh, KindFinalResult),
		"pipeline version invalidates prior keys")
	assert.NotEqual(t, base, ArtifactKey("scholar", "octocat", "v1", oh, KindFinalResult))
	assert.Equal(t, base, ArtifactKey("github", "octocat", "v1", oh, KindFinalResult))
}

func TestContentHashDetectsChange(t *testing.T) {
	a := ContentHash(map[string]any{"cards": map[string]any{"summary": "x"}})
	b := ContentHash(map[string]any{"cards": map[string]any{"summary": "y"}})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ContentHash(map[string]any{"cards": map[string]any{"summary": "x"}}))
}
