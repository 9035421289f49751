// Package stubhandlers provides placeholder handler.Handler
// implementations for every (source, card_type) pair declared in the
// planner's static tables. They perform no external I/O and return a
// deterministic synthetic payload tagged with Meta.Code "stub", so the
// scheduler always has something to dispatch to while a real
// per-source handler package is written, instead of every card
// failing outright with "no handler registered".
package stubhandlers

import (
	"context"
	"fmt"

	"github.com/dinq/analyze/internal/handler"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/planner"
)

// schemaKeys gives each known card_type a plausible set of top-level
// data fields. Card types not listed here fall back to a single "raw"
// key, which is enough for the planner/scheduler plumbing to exercise
// dependency wiring even before the real shape is known.
var schemaKeys = map[string][]string{
	"fetch_profile":        {"raw_profile"},
	"fetch_papers_preview": {"raw_papers"},
	"fetch_papers_full":    {"raw_papers"},
	"fetch_account":        {"raw_account"},
	"fetch_repositories":   {"raw_repositories"},
	"profile":              {"display_name", "headline", "avatar_url", "url"},
	"papers":               {"items", "total_count"},
	"repositories":         {"items", "total_count"},
	"summary":              {"text"},
	"role_model":           {"text"},
}

// Register installs a stub handler for every card_type across the
// given planner tables.
func Register(registry *handler.Registry, tables []*planner.Table) {
	for _, t := range tables {
		for _, tmpl := range t.Templates {
			registry.Register(t.Source, tmpl.CardType, newStub(t.Source, tmpl))
		}
	}
}

type stub struct {
	handler.Base
	source   string
	cardType string
}

func newStub(source string, tmpl planner.Template) *stub {
	keys, ok := schemaKeys[tmpl.CardType]
	if !ok {
		keys = []string{"raw"}
	}
	return &stub{
		Base:     handler.Base{SchemaKeys: keys, Internal: tmpl.Kind == models.CardKindResource},
		source:   source,
		cardType: tmpl.CardType,
	}
}

// Execute fabricates a value for every declared schema key from the
// card's own identity and its input document, so distinct subjects
// still produce distinct (if synthetic) output.
func (s *stub) Execute(ctx context.Context, cc *handler.Context) (handler.Result, error) {
	data := make(map[string]any, len(s.SchemaKeys))
	for _, key := range s.SchemaKeys {
		data[key] = s.placeholder(key, cc)
	}
	return handler.Result{
		Data: data,
		Meta: handler.Meta{Code: "stub"},
	}, nil
}

func (s *stub) placeholder(key string, cc *handler.Context) any {
	switch key {
	case "items":
		return []any{}
	case "total_count":
		return 0
	case "text":
		return fmt.Sprintf("stub %s/%s result for job %s", s.source, s.cardType, cc.JobID)
	case "avatar_url", "url":
		return ""
	default:
		return map[string]any{"source": s.source, "card_type": s.cardType, "input": cc.Input}
	}
}
