// Package handler defines the card-handler contract consumed by the
// scheduler. Concrete handlers (crawlers, API clients, LLM callers) are
// external collaborators; this package only fixes the interface, the
// execution context they receive, and the startup registry.
package handler

import (
	"fmt"

	"github.com/elonfeng/dinq-analyze-sub000/internal/domain"
)

// CardResult is what a handler returns from Execute or Fallback.
type CardResult struct {
	Data           map[string]any
	IsFallback     bool
	Meta           map[string]any
	SkipValidation bool
}

// ProgressFunc lets a handler emit card.progress events mid-execution.
type ProgressFunc func(step, message string, data map[string]any)

// StreamSpec advertises the fields a handler streams ahead of delta events,
// carried on card.started.
type StreamSpec struct {
	Field    string   `json:"field"`
	Format   string   `json:"format"`
	Sections []string `json:"sections"`
}

// ExecutionContext carries everything a handler needs for one card run.
// Artifacts maps "resource.<source>.<name>" to already-produced payloads
// relevant to this card.
type ExecutionContext struct {
	JobID      string
	CardID     string
	UserID     string
	Source     string
	CardType   string
	Input      map[string]any
	Options    map[string]any
	Artifacts  map[string]map[string]any
	RetryCount int
	DeadlineMS int64

	EmitProgress ProgressFunc
}

// CardHandler executes one card type for one source.
// Version invalidates cached payloads for the card type when bumped.
type CardHandler interface {
	Source() string
	CardType() string
	Version() string
	// Execute produces the card payload. Blocking work must honor ctx.
	Execute(ctx domain.Context, ec *ExecutionContext) (CardResult, error)
	// Fallback produces a deterministic result when execution cannot
	// succeed. Implementations return IsFallback=true.
	Fallback(ctx domain.Context, ec *ExecutionContext, cause error) CardResult
	// StreamSpecs lists the fields this handler streams, if any.
	StreamSpecs() []StreamSpec
}

// Registry is an immutable (source, card_type) -> handler map built during
// startup.
type Registry struct {
	handlers map[string]CardHandler
	sealed   bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]CardHandler{}}
}

func regKey(source, cardType string) string { return source + "\x00" + cardType }

// Register installs a handler. Duplicate registrations and post-seal
// registrations are programming errors.
func (r *Registry) Register(h CardHandler) error {
	if r.sealed {
		return fmt.Errorf("op=handler.register: %w: registry sealed", domain.ErrConflict)
	}
	k := regKey(h.Source(), h.CardType())
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("op=handler.register: %w: duplicate handler for (%s,%s)", domain.ErrConflict, h.Source(), h.CardType())
	}
	r.handlers[k] = h
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(h CardHandler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() { r.sealed = true }

// Lookup returns the handler for (source, cardType).
func (r *Registry) Lookup(source, cardType string) (CardHandler, bool) {
	h, ok := r.handlers[regKey(source, cardType)]
	return h, ok
}

// Versions returns card_type -> handler version for one source, used when
// composing the pipeline version of cached payloads.
func (r *Registry) Versions(source string) map[string]string {
	out := map[string]string{}
	for _, h := range r.handlers {
		if h.Source() == source {
			out[h.CardType()] = h.Version()
		}
	}
	return out
}
