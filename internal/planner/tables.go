package planner

import (
	"time"

	"github.com/dinq/analyze/internal/models"
)

// ScholarTable plans a scholar-id analysis: a resource fetch for the
// profile page, a preview/full split for the paper list, and LLM-backed
// business cards built on top.
var ScholarTable = &Table{
	Source:   "scholar",
	Business: []string{"profile", "papers", "summary"},
	Templates: map[string]Template{
		"fetch_profile": {
			CardType: "fetch_profile", Kind: models.CardKindResource,
			ConcurrencyGroup: "fetch:scholar", Priority: 10, MaxAttempts: 3,
			DefaultDeadline: 15 * time.Second,
		},
		"fetch_papers_preview": {
			CardType: "fetch_papers_preview", Kind: models.CardKindResource,
			ConcurrencyGroup: "fetch:scholar", Priority: 9,
			DependsOn: []string{"fetch_profile"}, MaxAttempts: 3,
			DefaultDeadline: 15 * time.Second,
		},
		"fetch_papers_full": {
			CardType: "fetch_papers_full", Kind: models.CardKindResource,
			ConcurrencyGroup: "fetch:scholar", Priority: 1, Background: true,
			DependsOn: []string{"fetch_profile"}, MaxAttempts: 3,
			DefaultDeadline: 60 * time.Second,
		},
		"profile": {
			CardType: "profile", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "resource", Priority: 8,
			DependsOn: []string{"fetch_profile"}, MaxAttempts: 2,
			DefaultDeadline: 10 * time.Second,
		},
		"papers": {
			CardType: "papers", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "resource", Priority: 7,
			DependsOn: []string{"fetch_papers_preview"}, MaxAttempts: 2,
			DefaultDeadline: 10 * time.Second,
		},
		"summary": {
			CardType: "summary", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "llm", Priority: 5,
			DependsOn: []string{"profile", "papers"}, MaxAttempts: 2,
			DefaultDeadline: 30 * time.Second,
		},
	},
}

// GithubTable plans a code-host account analysis: one resource fetch
// for the account, one for its repositories, then business cards for
// the profile, a repository digest, and an LLM-backed role-model card.
var GithubTable = &Table{
	Source:   "github",
	Business: []string{"profile", "repositories", "role_model"},
	Templates: map[string]Template{
		"fetch_account": {
			CardType: "fetch_account", Kind: models.CardKindResource,
			ConcurrencyGroup: "fetch:github", Priority: 10, MaxAttempts: 3,
			DefaultDeadline: 10 * time.Second,
		},
		"fetch_repositories": {
			CardType: "fetch_repositories", Kind: models.CardKindResource,
			ConcurrencyGroup: "fetch:github", Priority: 9,
			DependsOn: []string{"fetch_account"}, MaxAttempts: 3,
			DefaultDeadline: 20 * time.Second,
		},
		"profile": {
			CardType: "profile", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "resource", Priority: 8,
			DependsOn: []string{"fetch_account"}, MaxAttempts: 2,
			DefaultDeadline: 10 * time.Second,
		},
		"repositories": {
			CardType: "repositories", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "resource", Priority: 7,
			DependsOn: []string{"fetch_repositories"}, MaxAttempts: 2,
			DefaultDeadline: 10 * time.Second,
		},
		"role_model": {
			CardType: "role_model", Kind: models.CardKindBusiness,
			ConcurrencyGroup: "llm", Priority: 5,
			DependsOn: []string{"profile", "repositories"}, MaxAttempts: 2,
			DefaultDeadline: 30 * time.Second,
		},
	},
}

// profileOnlyTable builds a minimal single-resource, single-business-card
// table for the sources this repository stubs out: a fetch card plus a
// profile card that echoes it. Open Question (a) in the acceptance
// criteria leaves the card vocabulary per source extensible; these
// stand in until a full planner table is written for each.
func profileOnlyTable(source, concurrencyGroup string) *Table {
	return &Table{
		Source:   source,
		Business: []string{"profile"},
		Templates: map[string]Template{
			"fetch_profile": {
				CardType: "fetch_profile", Kind: models.CardKindResource,
				ConcurrencyGroup: concurrencyGroup, Priority: 10, MaxAttempts: 3,
				DefaultDeadline: 15 * time.Second,
			},
			"profile": {
				CardType: "profile", Kind: models.CardKindBusiness,
				ConcurrencyGroup: "resource", Priority: 8,
				DependsOn: []string{"fetch_profile"}, MaxAttempts: 2,
				DefaultDeadline: 10 * time.Second,
			},
		},
	}
}

var (
	LinkedinTable   = profileOnlyTable("linkedin", "fetch:linkedin")
	TwitterTable    = profileOnlyTable("twitter", "fetch:twitter")
	OpenreviewTable = profileOnlyTable("openreview", "fetch:openreview")
	HuggingfaceTable = profileOnlyTable("huggingface", "fetch:huggingface")
	YoutubeTable    = profileOnlyTable("youtube", "fetch:youtube")
)

// AllTables returns every source's planning table, for wiring into a
// single Planner at startup.
func AllTables() []*Table {
	return []*Table{
		ScholarTable, GithubTable,
		LinkedinTable, TwitterTable, OpenreviewTable, HuggingfaceTable, YoutubeTable,
	}
}
