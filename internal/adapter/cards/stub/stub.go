// Package stub provides fast, deterministic card handlers for local runs and
// tests. Payload shapes mirror the real crawlers and LLM callers so the rest
// of the pipeline (gate, envelope, cache) behaves exactly as in production.
package stub

import (
	"fmt"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
	"github.com/elonfeng/dinq-analyze-sub000/internal/handler"
)

const version = "stub-v1"

type cardHandler struct {
	source   string
	cardType string
	streams  []handler.StreamSpec
	run      func(ec *handler.ExecutionContext) map[string]any
}

func (h *cardHandler) Source() string   { return h.source }
func (h *cardHandler) CardType() string { return h.cardType }
func (h *cardHandler) Version() string  { return version }

func (h *cardHandler) Execute(_ domain.Context, ec *handler.ExecutionContext) (handler.CardResult, error) {
	return handler.CardResult{Data: h.run(ec)}, nil
}

func (h *cardHandler) Fallback(_ domain.Context, ec *handler.ExecutionContext, _ error) handler.CardResult {
	return handler.CardResult{Data: map[string]any{}, IsFallback: true}
}

func (h *cardHandler) StreamSpecs() []handler.StreamSpec { return h.streams }

func subjectOf(ec *handler.ExecutionContext) string {
	if s, ok := ec.Input["subject"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// profileOf pulls the profile section out of the preloaded full_report
// artifact.
func profileOf(ec *handler.ExecutionContext) map[string]any {
	report, ok := ec.Artifacts[domain.CardTypeFullReport]
	if !ok {
		return map[string]any{}
	}
	p, _ := report["profile"].(map[string]any)
	if p == nil {
		return map[string]any{}
	}
	return p
}

// Register installs the stub handler set for the github and scholar sources,
// covering every card type in the default plans.
func Register(r *handler.Registry) {
	for _, h := range githubHandlers() {
		r.MustRegister(h)
	}
	for _, h := range scholarHandlers() {
		r.MustRegister(h)
	}
}

func githubHandlers() []handler.CardHandler {
	return []handler.CardHandler{
		&cardHandler{
			source: "github", cardType: domain.CardTypeFullReport,
			run: func(ec *handler.ExecutionContext) map[string]any {
				subject := subjectOf(ec)
				return map[string]any{
					"profile": map[string]any{
						"login": subject,
						"name":  subject,
						"bio":   "Builds things and occasionally documents them.",
					},
					"stats": map[string]any{
						"followers":    int64(42),
						"public_repos": int64(7),
					},
				}
			},
		},
		&cardHandler{
			source: "github", cardType: "resource.github.repos",
			run: func(ec *handler.ExecutionContext) map[string]any {
				subject := subjectOf(ec)
				return map[string]any{
					"repos": []any{
						map[string]any{"name": subject + "/widget", "stars": int64(120), "language": "Go"},
						map[string]any{"name": subject + "/dotfiles", "stars": int64(3), "language": "Shell"},
					},
				}
			},
		},
		&cardHandler{
			source: "github", cardType: "profile",
			run: func(ec *handler.ExecutionContext) map[string]any {
				p := profileOf(ec)
				name, _ := p["name"].(string)
				bio, _ := p["bio"].(string)
				return map[string]any{"display_name": name, "headline": bio}
			},
		},
		&cardHandler{
			source: "github", cardType: "summary",
			streams: []handler.StreamSpec{{Field: "summary", Format: "markdown", Sections: []string{"body"}}},
			run: func(ec *handler.ExecutionContext) map[string]any {
				p := profileOf(ec)
				name, _ := p["login"].(string)
				return map[string]any{
					"summary": fmt.Sprintf("%s is an active maintainer with a compact but well-kept body of work.", name),
				}
			},
		},
		&cardHandler{
			source: "github", cardType: "repos",
			run: func(ec *handler.ExecutionContext) map[string]any {
				res, ok := ec.Artifacts["resource.github.repos"]
				if !ok {
					return map[string]any{"repos": []any{}}
				}
				repos, _ := res["repos"].([]any)
				out := make([]any, 0, len(repos))
				for _, r := range repos {
					m, ok := r.(map[string]any)
					if !ok {
						continue
					}
					out = append(out, map[string]any{
						"name":      m["name"],
						"stars":     m["stars"],
						"highlight": "Steady commit cadence.",
					})
				}
				return map[string]any{"repos": out}
			},
		},
		&cardHandler{
			source: "github", cardType: "roast",
			streams: []handler.StreamSpec{{Field: "roast", Format: "markdown", Sections: []string{"body"}}},
			run: func(ec *handler.ExecutionContext) map[string]any {
				return map[string]any{
					"roast": fmt.Sprintf("%s has seven public repos and six of them are forks of tutorials.", subjectOf(ec)),
				}
			},
		},
		&cardHandler{
			source: "github", cardType: "level",
			run: func(ec *handler.ExecutionContext) map[string]any {
				return map[string]any{"level": "established", "confidence": 0.7}
			},
		},
	}
}

func scholarHandlers() []handler.CardHandler {
	return []handler.CardHandler{
		&cardHandler{
			source: "scholar", cardType: domain.CardTypeFullReport,
			run: func(ec *handler.ExecutionContext) map[string]any {
				subject := subjectOf(ec)
				return map[string]any{
					"profile": map[string]any{
						"name":        subject,
						"affiliation": "Independent",
						"citations":   int64(310),
					},
					"publications": []any{
						map[string]any{"title": "On the Reproducibility of Benchmarks", "year": int64(2023)},
					},
				}
			},
		},
		&cardHandler{
			source: "scholar", cardType: "profile",
			run: func(ec *handler.ExecutionContext) map[string]any {
				p := profileOf(ec)
				name, _ := p["name"].(string)
				aff, _ := p["affiliation"].(string)
				return map[string]any{"display_name": name, "headline": aff}
			},
		},
		&cardHandler{
			source: "scholar", cardType: "summary",
			streams: []handler.StreamSpec{{Field: "summary", Format: "markdown", Sections: []string{"body"}}},
			run: func(ec *handler.ExecutionContext) map[string]any {
				p := profileOf(ec)
				name, _ := p["name"].(string)
				return map[string]any{
					"summary": fmt.Sprintf("%s publishes steadily with a citation profile typical of a focused niche.", name),
				}
			},
		},
		&cardHandler{
			source: "scholar", cardType: "news",
			run: func(ec *handler.ExecutionContext) map[string]any {
				return map[string]any{
					"news": []any{
						map[string]any{"title": "New preprint published", "url": "https://example.org/preprint"},
					},
				}
			},
		},
	}
}
