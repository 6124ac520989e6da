package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/gate"
)

func TestEvaluate_DefaultValidator(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	g.Seal()
	card := domain.Card{CardType: "summary"}

	d := g.Evaluate("github", card, map[string]any{"about": "x"})
	assert.Equal(t, gate.Accept, d.Kind)

	d = g.Evaluate("github", card, map[string]any{})
	assert.Equal(t, gate.Retry, d.Kind)
	require.NotNil(t, d.Issue)
	assert.Equal(t, "empty_payload", d.Issue.Code)
}

func TestEvaluate_RegisteredValidator(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	g.Register("github", "roast", func(data map[string]any, _ domain.Card) gate.Decision {
		if s, _ := data["roast"].(string); s == "" {
			return gate.RetryWith(data, "empty_roast", "roast text empty")
		}
		return gate.AcceptWith(data)
	}, nil)
	g.Seal()

	card := domain.Card{CardType: "roast"}
	d := g.Evaluate("github", card, map[string]any{"roast": ""})
	assert.Equal(t, gate.Retry, d.Kind)

	d = g.Evaluate("github", card, map[string]any{"roast": "spicy"})
	assert.Equal(t, gate.Accept, d.Kind)
}

func TestEvaluate_FallbackMarkedAlwaysAccepted(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	g.Register("github", "roast", func(data map[string]any, _ domain.Card) gate.Decision {
		return gate.RetryWith(data, "always_reject", "never good enough")
	}, nil)
	g.Seal()

	payload := map[string]any{
		"roast": "",
		"_meta": map[string]any{"fallback": true, "code": "fallback_roast"},
	}
	d := g.Evaluate("github", domain.Card{CardType: "roast"}, payload)
	assert.Equal(t, gate.Accept, d.Kind)
}

func TestMaxRetries_Categories(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	assert.Equal(t, 2, g.MaxRetries("resource.github.repos"))
	assert.Equal(t, 2, g.MaxRetries("roast"))
	assert.Equal(t, 2, g.MaxRetries("summary"))
	assert.Equal(t, 1, g.MaxRetries("full_report"))
	assert.Equal(t, 1, g.MaxRetries("profile"))
}

func TestFallback_StampsMetaAndKeepsSchema(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	g.Register("github", "roast", nil, func(_ domain.Card, _ *gate.Issue) map[string]any {
		return map[string]any{"roast": "we could not roast this profile today"}
	})
	g.Seal()

	payload := g.Fallback("github", domain.Card{CardType: "roast"}, &gate.Issue{Code: "empty_roast"})
	assert.Equal(t, "we could not roast this profile today", payload["roast"])
	meta := payload["_meta"].(map[string]any)
	assert.Equal(t, true, meta["fallback"])
	assert.Equal(t, "fallback_roast", meta["code"])
	assert.Equal(t, true, meta["preserve_empty"])
}

func TestFallback_DefaultKeepsPrefill(t *testing.T) {
	g := gate.New(gate.DefaultBudgets())
	g.Seal()
	card := domain.Card{
		CardType: "level",
		Output:   domain.Output{Data: map[string]any{"level": "unknown"}},
	}
	payload := g.Fallback("github", card, nil)
	assert.Equal(t, "unknown", payload["level"])
	meta := payload["_meta"].(map[string]any)
	assert.Equal(t, "fallback_level", meta["code"])
}
