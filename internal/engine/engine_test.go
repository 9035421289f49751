package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dinq/analyze/internal/cache"
	"github.com/dinq/analyze/internal/cachecontroller"
	"github.com/dinq/analyze/internal/database/migrations"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/handler"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/planner"
	"github.com/dinq/analyze/internal/refreshpool"
	"github.com/dinq/analyze/internal/repository"
	"github.com/dinq/analyze/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// succeedingHandler always completes a card with a fixed payload, so
// tests can drive a job through the scheduler to a terminal status
// without depending on any real source handler.
type succeedingHandler struct{}

func (succeedingHandler) Execute(ctx context.Context, cc *handler.Context) (handler.Result, error) {
	return handler.Result{Data: map[string]any{"name": "Ada"}}, nil
}
func (succeedingHandler) Validate(result handler.Result, cc *handler.Context) bool { return true }
func (succeedingHandler) Fallback(ctx context.Context, cc *handler.Context, cause error) handler.Result {
	return handler.Result{Data: map[string]any{}, Meta: handler.Meta{Code: "fallback"}}
}
func (succeedingHandler) Normalize(result handler.Result) handler.Result { return result }

func testTable() *planner.Table {
	return &planner.Table{
		Source: "scholar",
		Templates: map[string]planner.Template{
			"profile": {CardType: "profile", Kind: models.CardKindBusiness, ConcurrencyGroup: "default", Priority: 1, MaxAttempts: 1},
		},
		Business: []string{"profile"},
	}
}

type testHarness struct {
	engine *Engine
	repos  *repository.Repositories
	sched  *scheduler.Scheduler
	pool   *refreshpool.Pool
	cache  *cache.Cache
}

func newHarness(t *testing.T, fresh, stale time.Duration) *testHarness {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repos := repository.New(db)

	registry := handler.NewRegistry()
	registry.Register("scholar", "profile", succeedingHandler{})

	log := eventlog.New(repos.Events)
	sched := scheduler.New(repos, registry, log, testLogger(), scheduler.Config{WorkerCount: 2})

	c := cache.New(repos.ArtifactCache, cache.TTLPolicy{Default: fresh, Stale: stale})
	cachectl := cachecontroller.New(c, repos.ArtifactCache, repos.SubjectRuns, repos.RefreshLocks, time.Minute)

	pl := planner.New(testTable())

	var pool *refreshpool.Pool
	h := &testHarness{repos: repos, sched: sched, cache: c}
	pool = refreshpool.New(1, 4, func(ctx context.Context, req refreshpool.Request) error {
		return h.engine.RefreshRunner()(ctx, req)
	}, testLogger())
	h.pool = pool

	e := New(repos, pl, sched, cachectl, log, pool, testLogger())
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sched.Start(ctx)
	t.Cleanup(sched.Stop)
	pool.Start(ctx, 1)
	t.Cleanup(pool.Stop)

	return h
}

func waitForTerminalStatus(t *testing.T, repos *repository.Repositories, jobID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repos.Jobs.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status in time", jobID)
	return nil
}

func TestCreateJobColdRunCompletesAndWritesThroughCache(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	job, err := h.engine.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", Options: map[string]any{},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != models.JobStatusRunning {
		t.Fatalf("expected a cold run to start running, got %s", job.Status)
	}

	final := waitForTerminalStatus(t, h.repos, job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Fatalf("expected the job to complete, got %s", final.Status)
	}

	optionsHash := cache.OptionsHash(map[string]any{})
	cacheKey := cache.Key("scholar", "id:A", PipelineVersion, optionsHash, cache.KindFullReport)
	entry, err := h.repos.ArtifactCache.Get(ctx, cacheKey)
	if err != nil {
		t.Fatalf("expected write-through to populate the artifact cache: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected a cache entry after the job completed")
	}
}

func TestCreateJobIdempotencyReturnsSameJob(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	req := CreateJobRequest{UserID: "user-1", Source: "scholar", SubjectKey: "id:A", Options: map[string]any{}, IdempotencyKey: "key-1"}
	first, err := h.engine.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	second, err := h.engine.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("create job again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same idempotency key to return the same job, got %s and %s", first.ID, second.ID)
	}
}

func TestCreateJobIdempotencyConflictOnDifferentSubject(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := h.engine.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", Options: map[string]any{}, IdempotencyKey: "key-1",
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	_, err := h.engine.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:B", Options: map[string]any{}, IdempotencyKey: "key-1",
	})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict reusing an idempotency key against a different subject, got %v", err)
	}
}

func TestCreateJobServesFromFreshCacheWithoutScheduling(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	optionsHash := cache.OptionsHash(map[string]any{})
	if _, err := h.cache.Put(ctx, cache.PutParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: PipelineVersion, OptionsHash: optionsHash,
		Kind: cache.KindFullReport, Payload: `{"profile":{"name":"Ada"}}`,
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	job, err := h.engine.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", Options: map[string]any{},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected a fresh-cache hit to complete the job immediately, got %s", job.Status)
	}

	_, cards, err := h.engine.Get(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	events, err := h.engine.log.Since(ctx, job.ID, 0, 100)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	sawPrefill := false
	for _, ev := range events {
		if ev.Type == models.EventCardPrefill {
			sawPrefill = true
		}
		if ev.Type == models.EventCardCompleted {
			t.Fatalf("expected a cache-served job to never emit card.completed, only card.prefill")
		}
	}
	if !sawPrefill {
		t.Fatalf("expected a cache-served job to emit card.prefill")
	}
	if len(cards) == 0 {
		t.Fatalf("expected cards to be created for the cache-served job")
	}
}

func TestCreateJobPrefillThenRunRefreshesOnSameJob(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	optionsHash := cache.OptionsHash(map[string]any{})
	if _, err := h.cache.Put(ctx, cache.PutParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: PipelineVersion, OptionsHash: optionsHash,
		Kind: cache.KindFullReport, Payload: `{"profile":{"name":"Stale"}}`,
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	job, err := h.engine.CreateJob(ctx, CreateJobRequest{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", Options: map[string]any{},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != models.JobStatusRunning {
		t.Fatalf("expected a prefill-then-run job to start running, got %s", job.Status)
	}

	events, err := h.engine.log.Since(ctx, job.ID, 0, 100)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	sawPrefill := false
	for _, ev := range events {
		if ev.Type == models.EventCardPrefill {
			sawPrefill = true
		}
	}
	if !sawPrefill {
		t.Fatalf("expected the stale-served job to emit card.prefill before the refresh completes")
	}

	final := waitForTerminalStatus(t, h.repos, job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Fatalf("expected the prefilled job's own refresh to complete on the same job, got %s", final.Status)
	}

	_, cards, err := h.engine.Get(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected the prefill to reuse the same single profile card, got %d", len(cards))
	}
}

func TestRefreshRunnerAcquiresLockAndEmitsEvents(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	optionsHash := cache.OptionsHash(map[string]any{})
	runner := h.engine.RefreshRunner()
	err := runner(ctx, refreshpool.Request{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: PipelineVersion,
		OptionsHash: optionsHash, OptionsJSON: `{"input":{}}`,
	})
	if err != nil {
		t.Fatalf("run refresh: %v", err)
	}

	cacheKey := cache.Key("scholar", "id:A", PipelineVersion, optionsHash, cache.KindFullReport)
	entry, err := h.repos.ArtifactCache.Get(ctx, cacheKey)
	if err != nil {
		t.Fatalf("expected the refresh run to write through to the cache: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected a cache entry after the refresh run")
	}
}

func TestOnJobTerminalSkipsWriteThroughForFailedJobs(t *testing.T) {
	h := newHarness(t, time.Hour, time.Hour)
	ctx := context.Background()

	h.engine.onJobTerminal(ctx, "nonexistent-job", models.JobStatusFailed, nil)

	optionsHash := cache.OptionsHash(map[string]any{})
	cacheKey := cache.Key("scholar", "id:A", PipelineVersion, optionsHash, cache.KindFullReport)
	if _, err := h.repos.ArtifactCache.Get(ctx, cacheKey); err != repository.ErrNotFound {
		t.Fatalf("expected a failed job's terminal hook to never write through to the cache, got err=%v", err)
	}
}
