package stub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/adapter/cards/stub"
	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/handler"
	"github.com/elonfeng/dinq-analyze-sub000/internal/plan"
)

func TestRegisterCoversDefaultPlans(t *testing.T) {
	r := handler.NewRegistry()
	stub.Register(r)
	r.Seal()

	defaults, err := plan.LoadDefaults()
	require.NoError(t, err)
	for source, cards := range defaults {
		for _, c := range cards {
			_, ok := r.Lookup(source, c.CardType)
			assert.True(t, ok, "missing stub handler for (%s, %s)", source, c.CardType)
		}
	}
}

func TestSummaryUsesFullReportArtifact(t *testing.T) {
	r := handler.NewRegistry()
	stub.Register(r)
	r.Seal()

	h, ok := r.Lookup("github", "summary")
	require.True(t, ok)

	res, err := h.Execute(context.Background(), &handler.ExecutionContext{
		Source:   "github",
		CardType: "summary",
		Input:    map[string]any{"subject": "octocat"},
		Artifacts: map[string]map[string]any{
			domain.CardTypeFullReport: {
				"profile": map[string]any{"login": "octocat"},
			},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Data["summary"], "octocat")
	assert.False(t, res.IsFallback)
}

func TestFullReportDeterministic(t *testing.T) {
	r := handler.NewRegistry()
	stub.Register(r)
	r.Seal()

	h, ok := r.Lookup("github", domain.CardTypeFullReport)
	require.True(t, ok)
	ec := &handler.ExecutionContext{Input: map[string]any{"subject": "octocat"}}

	first, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	second, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}
