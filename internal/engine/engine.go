// Package engine is the job-creation and cancellation orchestrator: it
// ties the repository layer, the cache controller's stale-while-
// revalidate decision, the DAG planner, and the scheduler together into
// the operations the request API exposes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dinq/analyze/internal/cache"
	"github.com/dinq/analyze/internal/cachecontroller"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/planner"
	"github.com/dinq/analyze/internal/refreshpool"
	"github.com/dinq/analyze/internal/repository"
	"github.com/dinq/analyze/internal/scheduler"
)

// PipelineVersion identifies the current generation of source templates.
// Bumping it invalidates every previously cached artifact, since cache
// keys are derived from it.
const PipelineVersion = "v1"

// Engine is the job lifecycle orchestrator.
type Engine struct {
	repos     *repository.Repositories
	planner   *planner.Planner
	scheduler *scheduler.Scheduler
	cachectl  *cachecontroller.Controller
	log       *eventlog.Log
	refresh   *refreshpool.Pool
	logger    *slog.Logger
}

// New builds an Engine and wires it as the scheduler's terminal-job
// hook, so every job that finishes a cold or refresh run writes its
// result back through the cache controller.
func New(repos *repository.Repositories, pl *planner.Planner, sched *scheduler.Scheduler, cachectl *cachecontroller.Controller, log *eventlog.Log, refresh *refreshpool.Pool, logger *slog.Logger) *Engine {
	e := &Engine{repos: repos, planner: pl, scheduler: sched, cachectl: cachectl, log: log, refresh: refresh, logger: logger}
	sched.SetOnTerminal(e.onJobTerminal)
	return e
}

// onJobTerminal writes a completed or partial job's business-card
// results back through the cache controller so a subsequent identical
// request can be served from cache instead of re-running every
// handler. Failed and cancelled jobs leave the cache untouched.
func (e *Engine) onJobTerminal(ctx context.Context, jobID string, status models.JobStatus, cards []*models.Card) {
	if status != models.JobStatusCompleted && status != models.JobStatusPartial {
		return
	}

	job, err := e.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		e.logger.Error("write-through: load job failed", "job_id", jobID, "error", err)
		return
	}
	options := optionsFromJSON(job.OptionsJSON)
	optionsHash := cache.OptionsHash(options)

	payload := map[string]any{}
	for _, c := range cards {
		if c.Kind != models.CardKindBusiness || c.Status != models.CardStatusCompleted {
			continue
		}
		var data any
		if c.ResultJSON != "" {
			_ = json.Unmarshal([]byte(c.ResultJSON), &data)
		}
		payload[c.CardType] = data
	}

	if _, err := e.cachectl.WriteThrough(ctx, job.Source, job.SubjectKey, PipelineVersion, optionsHash, mustJSON(payload), "", jobID); err != nil {
		e.logger.Error("write-through failed", "job_id", jobID, "error", err)
	}

	// A partial result means at least one card fell back; queue a
	// cache-only background refresh so a later request can pick up a
	// higher-quality result without the original caller waiting on it.
	if status == models.JobStatusPartial && e.refresh != nil {
		e.refresh.Enqueue(refreshpool.Request{
			Source: job.Source, SubjectKey: job.SubjectKey,
			PipelineVersion: PipelineVersion, OptionsHash: optionsHash,
			OptionsJSON: job.OptionsJSON,
		})
	}
}

func optionsFromJSON(optionsJSON string) map[string]any {
	var wrapped map[string]any
	if err := json.Unmarshal([]byte(optionsJSON), &wrapped); err != nil {
		return nil
	}
	v, _ := wrapped["input"].(map[string]any)
	return v
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	UserID         string
	Source         string
	SubjectKey     string
	CardTypes      []string
	Options        map[string]any
	IdempotencyKey string
	ForceRefresh   bool
	CaptureDebug   bool
}

// ErrConflict is returned when an idempotency key is reused against a
// different (source, subject_key) pair than its original job.
var ErrConflict = errors.New("idempotency key conflicts with an existing job for a different subject")

// CreateJob resolves idempotency, decides a cache-serving strategy, and
// either serves a cached artifact directly (no job scheduled), plans a
// prefill-then-refresh run, or plans and submits a full cold run.
func (e *Engine) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if req.IdempotencyKey != "" {
		existing, err := e.repos.Jobs.ResolveIdempotency(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			if existing.Source != req.Source || existing.SubjectKey != req.SubjectKey {
				return nil, ErrConflict
			}
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("resolve idempotency: %w", err)
		}
	}

	optionsHash := cache.OptionsHash(req.Options)
	optionsJSON, err := json.Marshal(map[string]any{"input": req.Options})
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	decision, err := e.cachectl.Decide(ctx, cachecontroller.DecideParams{
		Source: req.Source, SubjectKey: req.SubjectKey, PipelineVersion: PipelineVersion,
		OptionsHash: optionsHash, ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("cache decision: %w", err)
	}

	job, err := e.repos.Jobs.Create(ctx, repository.CreateJobParams{
		UserID: req.UserID, Source: req.Source, SubjectKey: req.SubjectKey,
		OptionsJSON: string(optionsJSON), IdempotencyKey: req.IdempotencyKey, CaptureDebug: req.CaptureDebug,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := e.log.Append(ctx, job.ID, models.EventJobCreated, "", mustJSON(map[string]any{
		"source": req.Source, "subject_key": req.SubjectKey, "cache_action": string(decision.Action),
	})); err != nil {
		e.logger.Error("append job.created failed", "job_id", job.ID, "error", err)
	}

	switch decision.Action {
	case cachecontroller.ActionServeCached:
		return e.serveCached(ctx, job, decision)
	case cachecontroller.ActionPrefillThenRun:
		return e.prefillThenRun(ctx, job, req, optionsHash, decision)
	default:
		return e.runCold(ctx, job, req)
	}
}

// serveCached writes the cached payload as the job's sole business
// result and finishes it immediately, without touching the scheduler.
func (e *Engine) serveCached(ctx context.Context, job *models.Job, decision cachecontroller.Decision) (*models.Job, error) {
	planned, err := e.planner.Plan(job.Source, nil, planner.Options{Preview: true})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	cards, err := e.repos.Cards.CreateBatch(ctx, job.ID, planned)
	if err != nil {
		return nil, fmt.Errorf("create cards: %w", err)
	}

	var payload map[string]any
	if decision.Entry != nil {
		_ = json.Unmarshal([]byte(decision.Entry.Payload), &payload)
	}
	for _, c := range cards {
		if c.Kind != models.CardKindBusiness {
			continue
		}
		resultJSON := mustJSON(payload[c.CardType])
		if err := e.repos.Cards.Finish(ctx, c.ID, models.CardStatusCompleted, resultJSON, mustJSON(map[string]any{"code": "cache_hit"}), "", "", false); err != nil {
			return nil, fmt.Errorf("finish cached card: %w", err)
		}
		if _, err := e.log.Append(ctx, job.ID, models.EventCardPrefill, c.ID, mustJSON(map[string]any{"card_type": c.CardType, "data": payload[c.CardType]})); err != nil {
			e.logger.Error("append cached card.prefill failed", "job_id", job.ID, "error", err)
		}
	}

	if err := e.repos.Jobs.SetStatus(ctx, job.ID, models.JobStatusCompleted, "", ""); err != nil {
		return nil, fmt.Errorf("set job completed: %w", err)
	}
	if _, err := e.log.Append(ctx, job.ID, models.EventJobCompleted, "", mustJSON(map[string]any{"status": models.JobStatusCompleted, "served_from_cache": true})); err != nil {
		e.logger.Error("append job.completed failed", "job_id", job.ID, "error", err)
	}
	return e.repos.Jobs.GetByID(ctx, job.ID)
}

// prefillThenRun emits the stale cached payload as a prefill preview
// on the job's own business cards, then plans and submits the full
// cold DAG on that same job so the scheduler's normal execution path
// supersedes each prefilled card with a real card.completed once the
// refresh finishes. The client subscribed to this job's stream sees
// both events on the cards it already knows about; no separate
// system-owned job is ever created for this path.
func (e *Engine) prefillThenRun(ctx context.Context, job *models.Job, req CreateJobRequest, optionsHash string, decision cachecontroller.Decision) (*models.Job, error) {
	planned, err := e.planner.Plan(job.Source, req.CardTypes, planner.Options{})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	cards, err := e.repos.Cards.CreateBatch(ctx, job.ID, planned)
	if err != nil {
		return nil, fmt.Errorf("create cards: %w", err)
	}

	var payload map[string]any
	if decision.Entry != nil {
		_ = json.Unmarshal([]byte(decision.Entry.Payload), &payload)
	}
	for _, c := range cards {
		if c.Kind != models.CardKindBusiness {
			continue
		}
		if _, err := e.log.Append(ctx, job.ID, models.EventCardPrefill, c.ID, mustJSON(map[string]any{"card_type": c.CardType, "data": payload[c.CardType]})); err != nil {
			e.logger.Error("append card.prefill failed", "job_id", job.ID, "error", err)
		}
	}

	if err := e.repos.Jobs.SetStatus(ctx, job.ID, models.JobStatusRunning, "", ""); err != nil {
		return nil, fmt.Errorf("set job running: %w", err)
	}
	if _, err := e.log.Append(ctx, job.ID, models.EventJobStarted, "", mustJSON(map[string]any{"status": models.JobStatusRunning, "prefilled": true})); err != nil {
		e.logger.Error("append job.started failed", "job_id", job.ID, "error", err)
	}

	e.scheduler.Submit(job.ID)
	return e.repos.Jobs.GetByID(ctx, job.ID)
}

// runCold plans the full DAG and submits it to the scheduler.
func (e *Engine) runCold(ctx context.Context, job *models.Job, req CreateJobRequest) (*models.Job, error) {
	planned, err := e.planner.Plan(job.Source, req.CardTypes, planner.Options{})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if _, err := e.repos.Cards.CreateBatch(ctx, job.ID, planned); err != nil {
		return nil, fmt.Errorf("create cards: %w", err)
	}

	if err := e.repos.Jobs.SetStatus(ctx, job.ID, models.JobStatusRunning, "", ""); err != nil {
		return nil, fmt.Errorf("set job running: %w", err)
	}
	if _, err := e.log.Append(ctx, job.ID, models.EventJobStarted, "", mustJSON(map[string]any{"status": models.JobStatusRunning})); err != nil {
		e.logger.Error("append job.started failed", "job_id", job.ID, "error", err)
	}

	e.scheduler.Submit(job.ID)
	return e.repos.Jobs.GetByID(ctx, job.ID)
}

// systemUserID is the synthetic owner of jobs the refresh pool submits
// on behalf of a stale cache entry, where there is no requesting user.
const systemUserID = "system:refresh"

// RefreshRunner adapts CreateJob into a refreshpool.Runner: each
// request becomes a full cold run under the synthetic system user,
// guarded by a refresh lock so two workers never revalidate the same
// (source, subject_key) tuple concurrently. It writes to the cache
// only and blocks until the run is terminal; per §4.9 it never emits
// job-level events a live client could observe, since system:refresh
// jobs have none.
func (e *Engine) RefreshRunner() refreshpool.Runner {
	return func(ctx context.Context, req refreshpool.Request) error {
		cacheKey := cache.Key(req.Source, req.SubjectKey, req.PipelineVersion, req.OptionsHash, cache.KindFullReport)

		token, ok, err := e.cachectl.AcquireRefreshLock(ctx, cacheKey)
		if err != nil {
			return fmt.Errorf("acquire refresh lock: %w", err)
		}
		if !ok {
			e.logger.Debug("refresh already in progress, skipping", "cache_key", cacheKey)
			return nil
		}
		defer func() {
			if err := e.cachectl.ReleaseRefreshLock(ctx, cacheKey, token); err != nil {
				e.logger.Error("release refresh lock failed", "cache_key", cacheKey, "error", err)
			}
		}()

		job, err := e.CreateJob(ctx, CreateJobRequest{
			UserID: systemUserID, Source: req.Source, SubjectKey: req.SubjectKey,
			Options: optionsFromJSON(req.OptionsJSON), ForceRefresh: true,
		})
		if err != nil {
			return fmt.Errorf("create refresh job: %w", err)
		}

		if _, err := e.log.Append(ctx, job.ID, models.EventRefreshStarted, "", mustJSON(map[string]any{"cache_key": cacheKey})); err != nil {
			e.logger.Error("append refresh.started failed", "job_id", job.ID, "error", err)
		}

		final, err := e.waitForTerminal(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("wait for refresh job: %w", err)
		}

		if _, err := e.log.Append(ctx, job.ID, models.EventRefreshEnded, "", mustJSON(map[string]any{"cache_key": cacheKey, "status": final.Status})); err != nil {
			e.logger.Error("append refresh.ended failed", "job_id", job.ID, "error", err)
		}
		return nil
	}
}

// waitForTerminal polls a job until it reaches a terminal status,
// backing off between checks the same way the scheduler's worker
// loop backs off waiting for ready cards.
func (e *Engine) waitForTerminal(ctx context.Context, jobID string) (*models.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	for {
		job, err := e.repos.Jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}

// Cancel cancels a job owned by userID.
func (e *Engine) Cancel(ctx context.Context, userID, jobID string) error {
	job, err := e.repos.Jobs.Get(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	e.scheduler.Cancel(jobID)
	return nil
}

// Get returns a job and its cards, ownership-checked.
func (e *Engine) Get(ctx context.Context, userID, jobID string) (*models.Job, []*models.Card, error) {
	job, err := e.repos.Jobs.Get(ctx, userID, jobID)
	if err != nil {
		return nil, nil, err
	}
	cards, err := e.repos.Cards.ListByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, cards, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
