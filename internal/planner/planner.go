// Package planner turns (source, requested cards, options) into a
// concrete, acyclic card list with dependencies, priorities,
// concurrency groups, and deadlines. Planning is table-driven and
// source-specific; acyclicity is checked as an explicit postcondition
// rather than assumed from how the tables were written.
package planner

import (
	"fmt"
	"time"

	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

// Template is one statically declared card in a source's DAG.
type Template struct {
	CardType         string
	Kind             models.CardKind
	ConcurrencyGroup string
	Priority         int
	DependsOn        []string
	MaxAttempts      int
	Background       bool          // only planned when preview is off, or always planned as background-only
	DefaultDeadline  time.Duration // 0 = no per-card deadline
}

// Table is the full static DAG template for one source.
type Table struct {
	Source    string
	Templates map[string]Template // keyed by CardType
	// Business lists the card_types considered business-visible by
	// default when the caller requests no explicit subset.
	Business []string
}

// Planner holds one Table per source.
type Planner struct {
	tables map[string]*Table
}

// New builds a Planner from the given per-source tables.
func New(tables ...*Table) *Planner {
	p := &Planner{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		p.tables[t.Source] = t
	}
	return p
}

// Options the planner itself interprets (a subset of the request API's
// options bag; everything else is opaque and passed through to handlers).
type Options struct {
	Preview bool
}

// Plan returns the card list for one job. requestedCardTypes may be
// empty, meaning "the source's default business set".
func (p *Planner) Plan(source string, requestedCardTypes []string, opts Options) ([]repository.PlannedCard, error) {
	table, ok := p.tables[source]
	if !ok {
		return nil, fmt.Errorf("planner: unknown source %q", source)
	}

	wanted := requestedCardTypes
	if len(wanted) == 0 {
		wanted = table.Business
	}

	// Transitively include every resource dependency of every requested
	// business card, plus the requested cards themselves.
	included := make(map[string]bool)
	var include func(cardType string) error
	include = func(cardType string) error {
		if included[cardType] {
			return nil
		}
		tmpl, ok := table.Templates[cardType]
		if !ok {
			return fmt.Errorf("planner: unknown card_type %q for source %q", cardType, source)
		}
		if tmpl.Background && opts.Preview {
			return nil
		}
		included[cardType] = true
		for _, dep := range tmpl.DependsOn {
			if err := include(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ct := range wanted {
		if err := include(ct); err != nil {
			return nil, err
		}
	}

	cards := make([]repository.PlannedCard, 0, len(included))
	for ct := range included {
		tmpl := table.Templates[ct]
		var deadline *time.Time
		if tmpl.DefaultDeadline > 0 {
			d := time.Now().Add(tmpl.DefaultDeadline)
			deadline = &d
		}
		cards = append(cards, repository.PlannedCard{
			CardType:         tmpl.CardType,
			Kind:             tmpl.Kind,
			ConcurrencyGroup: tmpl.ConcurrencyGroup,
			Priority:         tmpl.Priority,
			DependsOn:        onlyIncluded(tmpl.DependsOn, included),
			MaxAttempts:      tmpl.MaxAttempts,
			DeadlineAt:       deadline,
		})
	}

	if err := checkAcyclic(cards); err != nil {
		return nil, fmt.Errorf("planner: source %q produced a cyclic plan: %w", source, err)
	}

	return cards, nil
}

func onlyIncluded(deps []string, included map[string]bool) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if included[d] {
			out = append(out, d)
		}
	}
	return out
}

// checkAcyclic runs a topological sort over the planned card_types and
// errors if any card cannot be ordered, which would mean a cycle.
func checkAcyclic(cards []repository.PlannedCard) error {
	deps := make(map[string][]string, len(cards))
	for _, c := range cards {
		deps[c.CardType] = c.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(cards))

	var visit func(ct string) error
	visit = func(ct string) error {
		switch state[ct] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle at %q", ct)
		}
		state[ct] = visiting
		for _, d := range deps[ct] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[ct] = done
		return nil
	}

	for ct := range deps {
		if err := visit(ct); err != nil {
			return err
		}
	}
	return nil
}
