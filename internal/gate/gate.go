// Package gate implements the card-output quality gate: per-(source,
// card_type) validators that accept, retry, or force deterministic fallbacks
// so user-visible cards never materialize empty.
package gate

import (
	"strings"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// DecisionKind is the gate verdict for one handler result.
type DecisionKind int

const (
	Accept DecisionKind = iota
	Retry
)

// Issue describes why a validator rejected a payload.
type Issue struct {
	Code      string
	Message   string
	Retryable bool
}

// Decision carries the verdict plus the normalized payload. On Accept the
// normalized payload is written as the authoritative data; on Retry it is
// written as prefill before the card re-enters ready.
type Decision struct {
	Kind       DecisionKind
	Normalized map[string]any
	Issue      *Issue
}

// AcceptWith builds an accepting decision.
func AcceptWith(normalized map[string]any) Decision {
	return Decision{Kind: Accept, Normalized: normalized}
}

// RetryWith builds a retrying decision.
func RetryWith(normalized map[string]any, code, message string) Decision {
	return Decision{Kind: Retry, Normalized: normalized, Issue: &Issue{Code: code, Message: message, Retryable: true}}
}

// Validator inspects a handler payload and returns a verdict. Validators must
// not mutate data; they return a (possibly rewritten) normalized copy.
type Validator func(data map[string]any, card domain.Card) Decision

// FallbackBuilder produces the deterministic preserve-empty payload written
// when the retry budget is exhausted. The returned payload keeps the card's
// schema; the gate stamps _meta on top of it.
type FallbackBuilder func(card domain.Card, issue *Issue) map[string]any

// Budgets are per-category retry limits.
type Budgets struct {
	Resource int
	AI       int
	Base     int
}

// DefaultBudgets mirrors the production defaults.
func DefaultBudgets() Budgets { return Budgets{Resource: 2, AI: 2, Base: 1} }

// aiCardTypes enumerates AI-generated business cards that get the AI budget.
var aiCardTypes = map[string]bool{
	"summary":    true,
	"roast":      true,
	"role_model": true,
	"repos":      true,
	"news":       true,
	"level":      true,
	"highlights": true,
	"timeline":   true,
}

type key struct{ source, cardType string }

// Gate is the registry of validators and fallback builders. It is built at
// startup and read-only afterwards.
type Gate struct {
	budgets    Budgets
	validators map[key]Validator
	fallbacks  map[key]FallbackBuilder
	sealed     bool
}

// New constructs an empty gate with the given budgets.
func New(budgets Budgets) *Gate {
	return &Gate{
		budgets:    budgets,
		validators: map[key]Validator{},
		fallbacks:  map[key]FallbackBuilder{},
	}
}

// Register installs a validator and fallback builder for (source, cardType).
// An empty source registers a source-agnostic entry consulted as a fallback.
// Register panics after Seal; registration is a startup-only activity.
func (g *Gate) Register(source, cardType string, v Validator, fb FallbackBuilder) {
	if g.sealed {
		panic("gate: Register after Seal")
	}
	k := key{source, cardType}
	if v != nil {
		g.validators[k] = v
	}
	if fb != nil {
		g.fallbacks[k] = fb
	}
}

// Seal freezes the registry.
func (g *Gate) Seal() { g.sealed = true }

// MaxRetries returns the retry budget for a card type.
func (g *Gate) MaxRetries(cardType string) int {
	if strings.HasPrefix(cardType, domain.ResourcePrefix) {
		return g.budgets.Resource
	}
	if aiCardTypes[cardType] {
		return g.budgets.AI
	}
	return g.budgets.Base
}

// Evaluate runs the gate on a handler payload. Payloads already marked as
// fallback are always accepted so a fallback never thrashes back through the
// gate. Without a registered validator the default rule applies: any
// non-empty map is accepted.
func (g *Gate) Evaluate(source string, card domain.Card, data map[string]any) Decision {
	if isFallbackPayload(data) {
		return AcceptWith(data)
	}
	v, ok := g.validators[key{source, card.CardType}]
	if !ok {
		v, ok = g.validators[key{"", card.CardType}]
	}
	if !ok {
		if len(data) == 0 {
			return RetryWith(map[string]any{}, "empty_payload", "handler returned an empty payload")
		}
		return AcceptWith(data)
	}
	return v(data, card)
}

// Fallback builds the deterministic payload for an exhausted card and stamps
// it with _meta{fallback, code, preserve_empty}.
func (g *Gate) Fallback(source string, card domain.Card, issue *Issue) map[string]any {
	fb, ok := g.fallbacks[key{source, card.CardType}]
	if !ok {
		fb, ok = g.fallbacks[key{"", card.CardType}]
	}
	var payload map[string]any
	if ok {
		payload = fb(card, issue)
	} else {
		// Default: keep whatever prefill the card accumulated so business
		// cards never collapse to {}.
		payload = card.Output.Clone().Data
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload[domain.MetaKey] = map[string]any{
		domain.MetaFallback:      true,
		domain.MetaCode:          "fallback_" + card.CardType,
		domain.MetaPreserveEmpty: true,
	}
	return payload
}

func isFallbackPayload(data map[string]any) bool {
	meta, ok := data[domain.MetaKey].(map[string]any)
	if !ok {
		return false
	}
	fb, _ := meta[domain.MetaFallback].(bool)
	return fb
}
