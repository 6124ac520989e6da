package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

func TestGroupLimiterCapsAndReleases(t *testing.T) {
	l := NewGroupLimiter(8, map[string]int{GroupLLM: 1})

	assert.True(t, l.TryAcquire(GroupLLM))
	assert.False(t, l.TryAcquire(GroupLLM), "override cap of one")
	l.Release(GroupLLM)
	assert.True(t, l.TryAcquire(GroupLLM))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(GroupGithubAPI))
	}
	assert.False(t, l.TryAcquire(GroupGithubAPI))
}

func TestGroupLimiterUnknownGroupUsesDefault(t *testing.T) {
	l := NewGroupLimiter(2, nil)
	assert.True(t, l.TryAcquire("made_up"))
	assert.True(t, l.TryAcquire("other_made_up"))
	// Both strangers share the default budget of maxWorkers.
	assert.False(t, l.TryAcquire("third"))
	l.Release("made_up")
	assert.True(t, l.TryAcquire("third"))
}

func TestGroupLimiterReleaseNeverGoesNegative(t *testing.T) {
	l := NewGroupLimiter(1, nil)
	l.Release(GroupLLM)
	assert.True(t, l.TryAcquire(GroupLLM))
	assert.False(t, l.TryAcquire(GroupLLM))
}

func TestDefaultGroupLimitsCappedByWorkers(t *testing.T) {
	limits := DefaultGroupLimits(2)
	assert.Equal(t, 2, limits[GroupResource])
	assert.Equal(t, 2, limits[GroupGithubAPI])
	assert.Equal(t, 2, limits[GroupDefault])

	limits = DefaultGroupLimits(16)
	assert.Equal(t, 4, limits[GroupResource])
	assert.Equal(t, 2, limits[GroupLLM])
	assert.Equal(t, 16, limits[GroupDefault])
}

func TestGroupFor(t *testing.T) {
	assert.Equal(t, "llm", GroupFor(domain.Card{CardType: "summary", ConcurrencyGroup: "llm"}))
	assert.Equal(t, GroupResource, GroupFor(domain.Card{CardType: "resource.github.profile"}))
	assert.Equal(t, GroupDefault, GroupFor(domain.Card{CardType: "summary"}))
}
