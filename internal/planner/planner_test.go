package planner

import (
	"testing"

	"github.com/dinq/analyze/internal/models"
)

func TestPlanDefaultBusinessSet(t *testing.T) {
	p := New(ScholarTable)

	cards, err := p.Plan("scholar", nil, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	byType := make(map[string]bool, len(cards))
	for _, c := range cards {
		byType[c.CardType] = true
	}
	for _, want := range []string{"fetch_profile", "fetch_papers_preview", "profile", "papers", "summary"} {
		if !byType[want] {
			t.Errorf("expected plan to include %q, got %v", want, byType)
		}
	}
	if byType["fetch_papers_full"] {
		t.Errorf("fetch_papers_full is background-only and not requested; should not be auto-included outside preview")
	}
}

func TestPlanPreviewSkipsBackgroundOnly(t *testing.T) {
	p := New(ScholarTable)

	cards, err := p.Plan("scholar", []string{"summary"}, Options{Preview: true})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, c := range cards {
		if c.CardType == "fetch_papers_full" {
			t.Fatalf("preview mode must not plan background-only cards")
		}
	}
}

func TestPlanIncludesTransitiveResourceDeps(t *testing.T) {
	p := New(GithubTable)

	cards, err := p.Plan("github", []string{"role_model"}, Options{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	byType := make(map[string]*struct{ found bool }, len(cards))
	for _, want := range []string{"fetch_account", "fetch_repositories", "profile", "repositories", "role_model"} {
		byType[want] = &struct{ found bool }{}
	}
	for _, c := range cards {
		if e, ok := byType[c.CardType]; ok {
			e.found = true
		}
	}
	for ct, e := range byType {
		if !e.found {
			t.Errorf("expected transitive dependency %q to be included", ct)
		}
	}
}

func TestPlanUnknownSourceErrors(t *testing.T) {
	p := New(ScholarTable)
	if _, err := p.Plan("not-a-source", nil, Options{}); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestPlanUnknownCardTypeErrors(t *testing.T) {
	p := New(ScholarTable)
	if _, err := p.Plan("scholar", []string{"not-a-card"}, Options{}); err == nil {
		t.Fatalf("expected error for unknown card_type")
	}
}

func TestAllTablesAreAcyclicAndAssignKinds(t *testing.T) {
	for _, table := range AllTables() {
		p := New(table)
		cards, err := p.Plan(table.Source, nil, Options{})
		if err != nil {
			t.Fatalf("%s: plan default set: %v", table.Source, err)
		}
		if len(cards) == 0 {
			t.Fatalf("%s: expected a non-empty default plan", table.Source)
		}
		for _, c := range cards {
			if c.Kind != models.CardKindResource && c.Kind != models.CardKindBusiness {
				t.Errorf("%s/%s: unexpected kind %q", table.Source, c.CardType, c.Kind)
			}
		}
	}
}
