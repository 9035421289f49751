package cachecontroller

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dinq/analyze/internal/cache"
	"github.com/dinq/analyze/internal/database/migrations"
	"github.com/dinq/analyze/internal/repository"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newController(t *testing.T, fresh, stale time.Duration) (*Controller, *repository.Repositories) {
	t.Helper()
	repos := repository.New(setupTestDB(t))
	c := cache.New(repos.ArtifactCache, cache.TTLPolicy{Default: fresh, Stale: stale})
	return New(c, repos.ArtifactCache, repos.SubjectRuns, repos.RefreshLocks, time.Minute), repos
}

func TestDecideRunColdOnEmptyCache(t *testing.T) {
	ctl, _ := newController(t, time.Hour, time.Hour)
	decision, err := ctl.Decide(context.Background(), DecideParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionRunCold {
		t.Fatalf("expected run_cold on empty cache, got %s", decision.Action)
	}
}

func TestDecideServeCachedOnFreshEntry(t *testing.T) {
	ctl, _ := newController(t, time.Hour, time.Hour)
	if _, err := ctl.WriteThrough(context.Background(), "scholar", "id:A", "v1", "h1", `{"profile":{}}`, "", "job-1"); err != nil {
		t.Fatalf("write-through: %v", err)
	}

	decision, err := ctl.Decide(context.Background(), DecideParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionServeCached {
		t.Fatalf("expected serve_cached for a fresh entry, got %s", decision.Action)
	}
	if decision.Entry == nil || decision.Entry.Payload != `{"profile":{}}` {
		t.Fatalf("expected decision to carry the cached entry")
	}
}

func TestDecidePrefillThenRunOnStaleEntry(t *testing.T) {
	ctl, _ := newController(t, 10*time.Millisecond, time.Hour)
	if _, err := ctl.WriteThrough(context.Background(), "scholar", "id:A", "v1", "h1", `{}`, "", "job-1"); err != nil {
		t.Fatalf("write-through: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	decision, err := ctl.Decide(context.Background(), DecideParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionPrefillThenRun {
		t.Fatalf("expected prefill_then_run for a stale entry, got %s", decision.Action)
	}
}

func TestDecideForceRefreshAlwaysRunsCold(t *testing.T) {
	ctl, _ := newController(t, time.Hour, time.Hour)
	if _, err := ctl.WriteThrough(context.Background(), "scholar", "id:A", "v1", "h1", `{}`, "", "job-1"); err != nil {
		t.Fatalf("write-through: %v", err)
	}

	decision, err := ctl.Decide(context.Background(), DecideParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1", ForceRefresh: true,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionRunCold {
		t.Fatalf("expected force_refresh to always run cold, got %s", decision.Action)
	}
}

func TestWriteThroughThenServeCachedRoundTrip(t *testing.T) {
	ctl, repos := newController(t, time.Hour, time.Hour)
	payload := `{"profile":{"name":"Ada"}}`
	if _, err := ctl.WriteThrough(context.Background(), "scholar", "id:A", "v1", "h1", payload, "fp-1", "job-1"); err != nil {
		t.Fatalf("write-through: %v", err)
	}

	run, err := repos.SubjectRuns.Get(context.Background(), "scholar", "id:A")
	if err != nil {
		t.Fatalf("subject run lookup: %v", err)
	}
	if run.LastJobID != "job-1" {
		t.Fatalf("expected subject run to reference job-1, got %s", run.LastJobID)
	}

	decision, err := ctl.Decide(context.Background(), DecideParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action != ActionServeCached || decision.Entry.Payload != payload {
		t.Fatalf("expected the written-through payload to be served back, got action=%s entry=%+v", decision.Action, decision.Entry)
	}
}

func TestRefreshLockMutualExclusion(t *testing.T) {
	ctl, _ := newController(t, time.Hour, time.Hour)
	cacheKey := "some-cache-key"

	token, ok, err := ctl.AcquireRefreshLock(context.Background(), cacheKey)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	_, ok, err = ctl.AcquireRefreshLock(context.Background(), cacheKey)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected a concurrent refresh of the same key to be refused")
	}

	if err := ctl.ReleaseRefreshLock(context.Background(), cacheKey, token); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, ok, err = ctl.AcquireRefreshLock(context.Background(), cacheKey)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatalf("expected acquire to succeed once the lock is released")
	}
}
