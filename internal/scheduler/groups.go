package scheduler

import (
	"strings"
	"sync"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// Built-in concurrency groups. Unknown groups fall back to GroupDefault.
const (
	GroupResource  = "resource"
	GroupLLM       = "llm"
	GroupGithubAPI = "github_api"
	GroupCrawlbase = "crawlbase"
	GroupApify     = "apify"
	GroupDefault   = "default"
)

// DefaultGroupLimits returns the built-in per-group budgets. llm and apify
// talk to expensive upstreams and are capped by the worker pool size.
func DefaultGroupLimits(maxWorkers int) map[string]int {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	capped := func(n int) int {
		if n > maxWorkers {
			return maxWorkers
		}
		return n
	}
	return map[string]int{
		GroupResource:  capped(4),
		GroupLLM:       capped(2),
		GroupGithubAPI: capped(3),
		GroupCrawlbase: capped(2),
		GroupApify:     capped(2),
		GroupDefault:   maxWorkers,
	}
}

// GroupLimiter is a set of non-blocking per-group semaphores. TryAcquire
// never blocks; the dispatch rotation skips cards whose group is saturated.
type GroupLimiter struct {
	mu     sync.Mutex
	limits map[string]int
	inuse  map[string]int
}

// NewGroupLimiter merges overrides on top of defaults.
func NewGroupLimiter(maxWorkers int, overrides map[string]int) *GroupLimiter {
	limits := DefaultGroupLimits(maxWorkers)
	for g, n := range overrides {
		if n > 0 {
			limits[g] = n
		}
	}
	return &GroupLimiter{limits: limits, inuse: map[string]int{}}
}

func (l *GroupLimiter) normalize(group string) string {
	if _, ok := l.limits[group]; ok {
		return group
	}
	return GroupDefault
}

// TryAcquire takes one slot in the group, reporting false when saturated.
func (l *GroupLimiter) TryAcquire(group string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.normalize(group)
	if l.inuse[g] >= l.limits[g] {
		return false
	}
	l.inuse[g]++
	return true
}

// Release returns one slot to the group.
func (l *GroupLimiter) Release(group string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.normalize(group)
	if l.inuse[g] > 0 {
		l.inuse[g]--
	}
}

// GroupFor resolves a card's concurrency group: the declared group when set,
// resource for resource.* card types, default otherwise.
func GroupFor(card domain.Card) string {
	if card.ConcurrencyGroup != "" {
		return card.ConcurrencyGroup
	}
	if strings.HasPrefix(card.CardType, domain.ResourcePrefix) {
		return GroupResource
	}
	return GroupDefault
}
