package scheduler

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dinq/analyze/internal/database/migrations"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/handler"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

func setupTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return repository.New(db)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedHandler always returns the same result, optionally failing a
// configurable number of times before succeeding, so tests can drive
// the retry and fallback branches of the quality gate deterministically.
type fixedHandler struct {
	failures   int
	validates  bool
	executions int
}

func (h *fixedHandler) Execute(ctx context.Context, cc *handler.Context) (handler.Result, error) {
	h.executions++
	if h.executions <= h.failures {
		return handler.Result{}, context.DeadlineExceeded
	}
	return handler.Result{Data: map[string]any{"ok": true}}, nil
}

func (h *fixedHandler) Validate(result handler.Result, cc *handler.Context) bool {
	if !h.validates {
		return false
	}
	return result.Data != nil
}

func (h *fixedHandler) Fallback(ctx context.Context, cc *handler.Context, cause error) handler.Result {
	return handler.Result{Data: map[string]any{"ok": false}, Meta: handler.Meta{Code: "fallback"}}
}

func (h *fixedHandler) Normalize(result handler.Result) handler.Result { return result }

func newTestScheduler(t *testing.T, repos *repository.Repositories, registry *handler.Registry, cfg Config) (*Scheduler, *eventlog.Log) {
	t.Helper()
	log := eventlog.New(repos.Events)
	return New(repos, registry, log, testLogger(), cfg), log
}

func createJobWithCard(t *testing.T, repos *repository.Repositories, cardType string, deps []string) (*models.Job, *models.Card) {
	t.Helper()
	ctx := context.Background()
	job, err := repos.Jobs.Create(ctx, repository.CreateJobParams{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", OptionsJSON: `{"input":{}}`,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	cards, err := repos.Cards.CreateBatch(ctx, job.ID, []repository.PlannedCard{
		{CardType: cardType, Kind: models.CardKindBusiness, ConcurrencyGroup: "default", Priority: 1, DependsOn: deps, MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return job, cards[0]
}

func TestRunCardCompletesOnFirstTrySucceeds(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()
	h := &fixedHandler{validates: true}
	registry.Register("scholar", "profile", h)

	s, log := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})
	_ = log
	job, card := createJobWithCard(t, repos, "profile", nil)
	s.Submit(job.ID)

	claimed, err := repos.Cards.Get(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if _, err := repos.Cards.Claim(context.Background(), claimed.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _ = repos.Cards.Get(context.Background(), card.ID)

	s.runCard(context.Background(), job.ID, claimed)

	got, err := repos.Cards.Get(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Status != models.CardStatusCompleted {
		t.Fatalf("expected card to complete, got %s", got.Status)
	}
	if h.executions != 1 {
		t.Fatalf("expected exactly one execution, got %d", h.executions)
	}

	final, err := repos.Jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.JobStatusCompleted {
		t.Fatalf("expected job to complete once its only card finishes, got %s", final.Status)
	}
}

func TestRunCardRequeuesOnFailureWithinAttemptBudget(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()
	h := &fixedHandler{failures: 1, validates: true}
	registry.Register("scholar", "profile", h)

	s, _ := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})
	job, card := createJobWithCard(t, repos, "profile", nil)
	s.Submit(job.ID)

	if _, err := repos.Cards.Claim(context.Background(), card.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _ := repos.Cards.Get(context.Background(), card.ID)

	done := make(chan struct{})
	go func() {
		s.runCard(context.Background(), job.ID, claimed)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runCard did not return within the retry delay budget")
	}

	got, err := repos.Cards.Get(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Status != models.CardStatusReady {
		t.Fatalf("expected card requeued to ready after a retryable failure, got %s", got.Status)
	}
}

func TestRunCardFallsBackOnceAttemptsExhausted(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()
	h := &fixedHandler{failures: 100, validates: true}
	registry.Register("scholar", "profile", h)

	ctx := context.Background()
	job, err := repos.Jobs.Create(ctx, repository.CreateJobParams{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", OptionsJSON: `{"input":{}}`,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	cards, err := repos.Cards.CreateBatch(ctx, job.ID, []repository.PlannedCard{
		{CardType: "profile", Kind: models.CardKindBusiness, ConcurrencyGroup: "default", Priority: 1, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	card := cards[0]

	s, _ := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})
	s.Submit(job.ID)

	if _, err := repos.Cards.Claim(ctx, card.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _ := repos.Cards.Get(ctx, card.ID)
	s.runCard(ctx, job.ID, claimed)

	got, err := repos.Cards.Get(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Status != models.CardStatusCompleted || !got.IsFallback {
		t.Fatalf("expected a completed fallback card once attempts are exhausted, got status=%s is_fallback=%v", got.Status, got.IsFallback)
	}

	final, err := repos.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.JobStatusPartial {
		t.Fatalf("expected a fallback-completed mandatory card to leave the job partial, got %s", final.Status)
	}
}

func TestRunCardFailsWithNoRegisteredHandler(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()

	s, _ := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})
	job, card := createJobWithCard(t, repos, "profile", nil)
	s.Submit(job.ID)

	if _, err := repos.Cards.Claim(context.Background(), card.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _ := repos.Cards.Get(context.Background(), card.ID)
	s.runCard(context.Background(), job.ID, claimed)

	got, err := repos.Cards.Get(context.Background(), card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Status != models.CardStatusFailed {
		t.Fatalf("expected a card with no registered handler to fail outright, got %s", got.Status)
	}
}

func TestAdvancePromotesDependentAndEmitsCardReady(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()
	s, log := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})

	ctx := context.Background()
	job, err := repos.Jobs.Create(ctx, repository.CreateJobParams{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", OptionsJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	cards, err := repos.Cards.CreateBatch(ctx, job.ID, []repository.PlannedCard{
		{CardType: "fetch", Kind: models.CardKindResource, ConcurrencyGroup: "default", Priority: 1, MaxAttempts: 1},
		{CardType: "profile", Kind: models.CardKindBusiness, ConcurrencyGroup: "default", Priority: 1, DependsOn: []string{"fetch"}, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	var fetchCard *models.Card
	for _, c := range cards {
		if c.CardType == "fetch" {
			fetchCard = c
		}
	}
	if err := repos.Cards.Finish(ctx, fetchCard.ID, models.CardStatusCompleted, "{}", "{}", "", "", false); err != nil {
		t.Fatalf("finish fetch card: %v", err)
	}

	beforeSeq, err := log.LatestSeq(ctx, job.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}

	s.Submit(job.ID)
	s.advance(ctx, job.ID)

	events, err := log.Since(ctx, job.ID, beforeSeq, 100)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == models.EventCardReady {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected advance to emit a card.ready event for the newly-promoted profile card, got %+v", events)
	}

	profile, err := repos.Cards.Get(ctx, cards[1].ID)
	if err != nil {
		t.Fatalf("get profile card: %v", err)
	}
	if profile.Status != models.CardStatusReady {
		t.Fatalf("expected profile card promoted to ready, got %s", profile.Status)
	}
}

func TestAdvanceInvokesOnTerminalHook(t *testing.T) {
	repos := setupTestRepos(t)
	registry := handler.NewRegistry()
	s, _ := newTestScheduler(t, repos, registry, Config{WorkerCount: 1})

	var gotJobID string
	var gotStatus models.JobStatus
	var gotCards []*models.Card
	s.SetOnTerminal(func(ctx context.Context, jobID string, status models.JobStatus, cards []*models.Card) {
		gotJobID, gotStatus, gotCards = jobID, status, cards
	})

	ctx := context.Background()
	job, err := repos.Jobs.Create(ctx, repository.CreateJobParams{
		UserID: "user-1", Source: "scholar", SubjectKey: "id:A", OptionsJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	cards, err := repos.Cards.CreateBatch(ctx, job.ID, []repository.PlannedCard{
		{CardType: "profile", Kind: models.CardKindBusiness, ConcurrencyGroup: "default", Priority: 1, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if err := repos.Cards.Finish(ctx, cards[0].ID, models.CardStatusCompleted, "{}", "{}", "", "", false); err != nil {
		t.Fatalf("finish: %v", err)
	}

	s.Submit(job.ID)
	s.advance(ctx, job.ID)

	if gotJobID != job.ID {
		t.Fatalf("expected onTerminal to be called with job %s, got %s", job.ID, gotJobID)
	}
	if gotStatus != models.JobStatusCompleted {
		t.Fatalf("expected onTerminal to report job status completed, got %s", gotStatus)
	}
	if len(gotCards) != 1 {
		t.Fatalf("expected onTerminal to be handed the job's final card set, got %d cards", len(gotCards))
	}
}

func TestRetryDelayReturnsImmediatelyWhenCancelled(t *testing.T) {
	repos := setupTestRepos(t)
	s, _ := newTestScheduler(t, repos, handler.NewRegistry(), Config{WorkerCount: 1})

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.retryDelay(ctx, 10)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected retryDelay to return immediately once ctx is already cancelled")
	}
}

func TestReserveRespectsGroupBudget(t *testing.T) {
	repos := setupTestRepos(t)
	s, _ := newTestScheduler(t, repos, handler.NewRegistry(), Config{WorkerCount: 1, GroupBudgets: map[string]int{"default": 1}})

	if !s.reserve("default") {
		t.Fatalf("expected first reservation to succeed under budget 1")
	}
	if s.reserve("default") {
		t.Fatalf("expected second reservation to fail once the group budget is saturated")
	}
	s.release("default")
	if !s.reserve("default") {
		t.Fatalf("expected reservation to succeed again after release")
	}
}
