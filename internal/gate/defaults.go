package gate

import "github.com/elonfeng/dinq-analyze-sub000/internal/domain"

// RegisterDefaults installs source-agnostic validators and fallback builders
// for the built-in business cards. Source-specific registrations take
// precedence.
func RegisterDefaults(g *Gate) {
	g.Register("", "summary", requireText("summary"), textFallback("summary", "No summary could be generated for this profile."))
	g.Register("", "roast", requireText("roast"), textFallback("roast", "No roast this time."))
	g.Register("", "level", requireText("level"), textFallback("level", "unrated"))
	g.Register("", "repos", requireList("repos"), listFallback("repos"))
	g.Register("", "news", requireList("news"), listFallback("news"))
	g.Register("", "highlights", requireList("highlights"), listFallback("highlights"))
}

// requireText rejects a payload whose field is missing or blank.
func requireText(field string) Validator {
	return func(data map[string]any, _ domain.Card) Decision {
		s, _ := data[field].(string)
		if s == "" {
			return RetryWith(data, "empty_"+field, field+" text is empty")
		}
		return AcceptWith(data)
	}
}

// requireList rejects a payload whose field is missing or an empty list.
func requireList(field string) Validator {
	return func(data map[string]any, _ domain.Card) Decision {
		items, ok := data[field].([]any)
		if !ok || len(items) == 0 {
			return RetryWith(data, "empty_"+field, field+" list is empty")
		}
		return AcceptWith(data)
	}
}

func textFallback(field, text string) FallbackBuilder {
	return func(_ domain.Card, _ *Issue) map[string]any {
		return map[string]any{field: text}
	}
}

func listFallback(field string) FallbackBuilder {
	return func(_ domain.Card, _ *Issue) map[string]any {
		return map[string]any{field: []any{}}
	}
}
