package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/gate"
)

func TestRegisterDefaults_TextCards(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	gate.RegisterDefaults(g)
	g.Seal()

	card := domain.Card{CardType: "roast"}
	d := g.Evaluate("github", card, map[string]any{"roast": ""})
	assert.Equal(t, gate.Retry, d.Kind)
	require.NotNil(t, d.Issue)
	assert.Equal(t, "empty_roast", d.Issue.Code)

	d = g.Evaluate("github", card, map[string]any{"roast": "spicy"})
	assert.Equal(t, gate.Accept, d.Kind)

	fb := g.Fallback("github", card, d.Issue)
	assert.Equal(t, "No roast this time.", fb["roast"])
}

func TestRegisterDefaults_ListCards(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	gate.RegisterDefaults(g)
	g.Seal()

	card := domain.Card{CardType: "repos"}
	d := g.Evaluate("github", card, map[string]any{"repos": []any{}})
	assert.Equal(t, gate.Retry, d.Kind)

	d = g.Evaluate("github", card, map[string]any{"repos": []any{map[string]any{"name": "octoverse"}}})
	assert.Equal(t, gate.Accept, d.Kind)

	fb := g.Fallback("github", card, nil)
	assert.Equal(t, []any{}, fb["repos"])
	meta := fb["_meta"].(map[string]any)
	assert.Equal(t, true, meta["preserve_empty"])
}

func TestRegisterDefaults_SourceSpecificWins(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	gate.RegisterDefaults(g)
	g.Register("scholar", "summary", func(data map[string]any, _ domain.Card) gate.Decision {
		return gate.AcceptWith(data)
	}, nil)
	g.Seal()

	// Empty summary passes for scholar, is rejected everywhere else.
	d := g.Evaluate("scholar", domain.Card{CardType: "summary"}, map[string]any{"summary": ""})
	assert.Equal(t, gate.Accept, d.Kind)
	d = g.Evaluate("github", domain.Card{CardType: "summary"}, map[string]any{"summary": ""})
	assert.Equal(t, gate.Retry, d.Kind)
}
