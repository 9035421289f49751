// Package handler defines the card handler contract (execute/validate/
// fallback/normalize) and the registry that maps (source, card_type) to
// a concrete handler, the way the teacher's model-provider registry
// maps a provider name to a client: a flat table, no inheritance.
package handler

import (
	"context"
	"fmt"
	"sync"
)

// Timing records how long a card's execute call took, surfaced in meta
// for observability without being part of the business payload.
type Timing struct {
	ExecuteMS int64 `json:"execute_ms"`
	Attempt   int   `json:"attempt"`
}

// Meta is the uniform envelope every card result carries alongside its
// business data.
type Meta struct {
	PreserveEmpty bool    `json:"preserve_empty"`
	Fallback      bool    `json:"fallback,omitempty"`
	Code          string  `json:"code,omitempty"`
	Timing        *Timing `json:"timing,omitempty"`
}

// Result is one card's output: the public payload plus its envelope.
// Data is a map rather than a concrete struct because each card_type
// defines its own schema (the planner table is the registry of those
// schemas); handlers are responsible for populating every declared key
// even when empty, per the business-card non-empty-schema invariant.
type Result struct {
	Data           map[string]any `json:"data"`
	IsFallback     bool           `json:"is_fallback"`
	Meta           Meta           `json:"meta"`
	SkipValidation bool           `json:"-"`
}

// Context is everything a handler needs to compute one card: the job's
// canonical input and options, and the artifacts already published by
// its dependencies. It is read-only and scoped to one card's execution.
type Context struct {
	JobID        string
	Source       string
	CardType     string
	UserID       string
	Input        map[string]any
	Options      map[string]any
	Artifacts    map[string]Result // card_type -> upstream result, deps only
	CaptureDebug bool
	Attempt      int
}

// Artifact looks up an upstream dependency's data by card_type.
func (c *Context) Artifact(cardType string) (map[string]any, bool) {
	r, ok := c.Artifacts[cardType]
	if !ok {
		return nil, false
	}
	return r.Data, true
}

// Handler is bound to exactly one (source, card_type) pair.
type Handler interface {
	// Execute computes the card's payload. May perform external I/O and
	// must observe ctx cancellation at every I/O boundary.
	Execute(ctx context.Context, cc *Context) (Result, error)
	// Validate is a cheap check that result is usable; false triggers
	// the quality gate's retry-then-fallback path.
	Validate(result Result, cc *Context) bool
	// Fallback always succeeds, producing a result with Meta.Fallback=true
	// and a machine-readable Meta.Code.
	Fallback(ctx context.Context, cc *Context, cause error) Result
	// Normalize is the last-chance canonicalization pass before persistence.
	Normalize(result Result) Result
}

// Key identifies one (source, card_type) pair in the registry.
type Key struct {
	Source   string
	CardType string
}

func (k Key) String() string { return k.Source + "/" + k.CardType }

// Registry is the handler table, keyed by (source, card_type).
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register binds a handler to (source, cardType). Panics on duplicate
// registration, since that always indicates a wiring bug at startup.
func (r *Registry) Register(source, cardType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := Key{Source: source, CardType: cardType}
	if _, exists := r.handlers[k]; exists {
		panic(fmt.Sprintf("handler already registered for %s", k))
	}
	r.handlers[k] = h
}

// Get returns the handler for (source, cardType), or false if none is
// registered — the planner and scheduler treat that as a planning bug,
// never a runtime fallback path.
func (r *Registry) Get(source, cardType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Key{Source: source, CardType: cardType}]
	return h, ok
}

// CardTypes returns every card_type registered for source, for the
// planner to validate its static tables against at startup.
func (r *Registry) CardTypes(source string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.handlers {
		if k.Source == source {
			out = append(out, k.CardType)
		}
	}
	return out
}
