// Package plan provides per-source default card plans. The defaults ship as
// an embedded YAML asset and apply when a job-creation payload omits its
// plan.
package plan

import (
	_ "embed"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

//go:embed plans.yaml
var defaultPlansYAML []byte

var validate = validator.New()

// Defaults maps source -> default card plan.
type Defaults map[string][]domain.CardPlan

// LoadDefaults parses the embedded plan asset.
func LoadDefaults() (Defaults, error) {
	return parseDefaults(defaultPlansYAML)
}

func parseDefaults(raw []byte) (Defaults, error) {
	var d Defaults
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("op=plan.load: %w", err)
	}
	for source, cards := range d {
		if err := ValidatePlan(cards); err != nil {
			return nil, fmt.Errorf("op=plan.load: source %s: %w", source, err)
		}
	}
	return d, nil
}

// For returns the default plan for a source, or nil when none is defined.
func (d Defaults) For(source string) []domain.CardPlan {
	cards := d[source]
	if cards == nil {
		return nil
	}
	out := make([]domain.CardPlan, len(cards))
	copy(out, cards)
	return out
}

// ValidatePlan checks a card plan for structural errors: missing card types,
// duplicates, and deps that reference card types absent from the plan.
func ValidatePlan(cards []domain.CardPlan) error {
	if len(cards) == 0 {
		return fmt.Errorf("%w: plan is empty", domain.ErrInvalidArgument)
	}
	types := map[string]bool{}
	for _, c := range cards {
		if err := validate.Struct(c); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		if types[c.CardType] {
			return fmt.Errorf("%w: duplicate card type %q", domain.ErrInvalidArgument, c.CardType)
		}
		types[c.CardType] = true
	}
	for _, c := range cards {
		deps := c.DependsOn
		if deps == nil && c.CardType != domain.CardTypeFullReport {
			deps = []string{domain.CardTypeFullReport}
		}
		for _, dep := range deps {
			if !types[dep] {
				return fmt.Errorf("%w: card %q depends on unknown type %q", domain.ErrInvalidArgument, c.CardType, dep)
			}
		}
	}
	return nil
}

// ValidateBundle checks a job-creation payload, applying the source default
// plan when the payload omits one. It returns the bundle to persist.
func ValidateBundle(b domain.NewJobBundle, defaults Defaults) (domain.NewJobBundle, error) {
	if len(b.Plan) == 0 {
		b.Plan = defaults.For(b.Source)
	}
	if err := validate.Struct(b); err != nil {
		return b, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := ValidatePlan(b.Plan); err != nil {
		return b, err
	}
	return b, nil
}
