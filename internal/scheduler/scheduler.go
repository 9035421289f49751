// Package scheduler is the DAG-driven, concurrency-group-limited card
// executor: a fixed worker pool claims ready cards across active jobs,
// runs each through the execute/validate/fallback/normalize quality
// gate, and decides terminal job status once every card is terminal.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dinq/analyze/internal/engineerr"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/handler"
	"github.com/dinq/analyze/internal/idgen"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

// Config tunes the scheduler's worker pool and default policies.
type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	ShutdownGrace   time.Duration
	DefaultTimeout  time.Duration
	GroupBudgets    map[string]int // group -> max concurrently running; absent = unlimited
}

// Scheduler owns one fixed-size worker pool per process.
type Scheduler struct {
	repos    *repository.Repositories
	registry *handler.Registry
	log      *eventlog.Log
	logger   *slog.Logger
	cfg      Config

	budgetMu sync.Mutex
	counts   map[string]int

	jobsMu    sync.Mutex
	active    map[string]struct{}
	jobCtx    map[string]context.Context
	cancelFns map[string]context.CancelFunc
	cancelled map[string]bool

	workerID string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context

	onTerminal OnTerminalFunc
}

// OnTerminalFunc is notified once every card of a job has reached a
// terminal status, after the job's own status and terminal event have
// been persisted. jobID, status, and the job's final card set are
// passed so a caller (the engine) can write the result through to the
// cache without the scheduler knowing anything about caching.
type OnTerminalFunc func(ctx context.Context, jobID string, status models.JobStatus, cards []*models.Card)

// SetOnTerminal registers the hook advance calls once a job reaches a
// terminal status. Must be called before Start; not safe to change
// concurrently with a running worker pool.
func (s *Scheduler) SetOnTerminal(fn OnTerminalFunc) {
	s.onTerminal = fn
}

// New builds a Scheduler. Call Start to begin its worker pool.
func New(repos *repository.Repositories, registry *handler.Registry, log *eventlog.Log, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 20 * time.Second
	}
	return &Scheduler{
		repos: repos, registry: registry, log: log, logger: logger, cfg: cfg,
		counts:    make(map[string]int),
		active:    make(map[string]struct{}),
		jobCtx:    make(map[string]context.Context),
		cancelFns: make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		workerID:  idgen.New(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop is called.
// ctx is the base context every job's own cancellable context derives
// from; cancelling ctx tears down every in-flight job.
func (s *Scheduler) Start(ctx context.Context) {
	s.jobsMu.Lock()
	s.baseCtx = ctx
	s.jobsMu.Unlock()
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
}

// Stop signals every worker to exit and waits up to the configured
// grace window for in-flight cards to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("scheduler shutdown grace period elapsed with workers still running")
	}
}

// Submit registers jobID as active so the worker pool considers its
// cards for claiming, and derives the per-job cancellable context that
// every card execution for this job runs under.
func (s *Scheduler) Submit(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	jobCtx, cancel := context.WithCancel(base)
	s.active[jobID] = struct{}{}
	s.jobCtx[jobID] = jobCtx
	s.cancelFns[jobID] = cancel
	delete(s.cancelled, jobID)
}

// Cancel marks jobID cancelling: no further cards are dispatched, any
// in-flight handler for this job receives ctx cancellation, and every
// card still pending or ready is skipped so the job can reach a
// terminal Cancelled status as soon as running cards finish observing
// the cancellation.
func (s *Scheduler) Cancel(jobID string) {
	s.jobsMu.Lock()
	if cancel, ok := s.cancelFns[jobID]; ok {
		cancel()
	}
	s.cancelled[jobID] = true
	base := s.baseCtx
	s.jobsMu.Unlock()

	if base == nil {
		base = context.Background()
	}
	if err := s.repos.Cards.SkipNonRunning(base, jobID); err != nil {
		s.logger.Error("skip non-running cards on cancel failed", "job_id", jobID, "error", err)
	}
	s.advance(base, jobID)
}

func (s *Scheduler) forget(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	delete(s.active, jobID)
	delete(s.jobCtx, jobID)
	delete(s.cancelFns, jobID)
	delete(s.cancelled, jobID)
}

// isCancelled reports whether jobID has been cancelled.
func (s *Scheduler) isCancelled(jobID string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.cancelled[jobID]
}

// jobContext returns the per-job cancellable context for jobID,
// falling back to fallback if the job was never Submit-ed under this
// scheduler (should not happen in practice, but keeps callers safe).
func (s *Scheduler) jobContext(jobID string, fallback context.Context) context.Context {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if jc, ok := s.jobCtx[jobID]; ok {
		return jc
	}
	return fallback
}

func (s *Scheduler) activeJobIDs() []string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// reserve atomically increments the running count for group if under
// budget, returning false if the group is saturated.
func (s *Scheduler) reserve(group string) bool {
	limit, limited := s.cfg.GroupBudgets[group]
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if limited && s.counts[group] >= limit {
		return false
	}
	s.counts[group]++
	return true
}

func (s *Scheduler) release(group string) {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	if s.counts[group] > 0 {
		s.counts[group]--
	}
}

// workerLoop is one pool worker: poll for a claimable card across
// active jobs, run it, repeat; back off when nothing is claimable.
func (s *Scheduler) workerLoop(ctx context.Context, idx int) {
	defer s.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PollInterval
	bo.MaxInterval = 5 * s.cfg.PollInterval
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed := s.tryClaimOne(ctx)
		if claimed {
			bo.Reset()
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// tryClaimOne attempts one claim-and-run cycle across all active jobs,
// returning true if it claimed (and ran) a card.
func (s *Scheduler) tryClaimOne(ctx context.Context) bool {
	for _, jobID := range s.activeJobIDs() {
		if s.isCancelled(jobID) {
			continue
		}
		cards, err := s.repos.Cards.ListByJob(ctx, jobID)
		if err != nil {
			s.logger.Error("list cards failed", "job_id", jobID, "error", err)
			continue
		}

		var ready []*models.Card
		for _, c := range cards {
			if c.Status == models.CardStatusReady {
				ready = append(ready, c)
			}
		}
		if len(ready) == 0 {
			continue
		}
		// Highest priority first, ties broken by creation order (already
		// the repository's insertion order since ListByJob sorts by
		// created_at).
		best := ready[0]
		for _, c := range ready[1:] {
			if c.Priority > best.Priority {
				best = c
			}
		}

		if !s.reserve(best.ConcurrencyGroup) {
			continue
		}

		ok, err := s.repos.Cards.Claim(ctx, best.ID, s.workerID)
		if err != nil {
			s.release(best.ConcurrencyGroup)
			s.logger.Error("claim failed", "card_id", best.ID, "error", err)
			continue
		}
		if !ok {
			s.release(best.ConcurrencyGroup)
			continue
		}

		claimed, err := s.repos.Cards.Get(ctx, best.ID)
		if err != nil {
			s.release(best.ConcurrencyGroup)
			s.logger.Error("reload claimed card failed", "card_id", best.ID, "error", err)
			continue
		}

		s.runCard(ctx, jobID, claimed)
		s.release(best.ConcurrencyGroup)
		return true
	}
	return false
}

// runCard executes the full quality-gate loop for one claimed card:
// execute, validate, retry-with-backoff, fallback, normalize, persist,
// emit events, then recompute the job's ready set.
func (s *Scheduler) runCard(ctx context.Context, jobID string, card *models.Card) {
	logger := s.logger.With("job_id", jobID, "card_id", card.ID, "card_type", card.CardType)
	jobCtx := s.jobContext(jobID, ctx)

	if _, err := s.log.Append(ctx, jobID, models.EventCardStarted, card.ID, mustJSON(map[string]any{"card_type": card.CardType})); err != nil {
		logger.Error("append card.started failed", "error", err)
	}

	cardCtx, err := s.buildContext(ctx, jobID, card)
	if err != nil {
		s.finishFailed(ctx, jobID, card, "internal", err.Error())
		return
	}

	h, ok := s.registry.Get(cardCtx.Source, card.CardType)
	if !ok {
		s.finishFailed(ctx, jobID, card, "internal", fmt.Sprintf("no handler registered for %s/%s", cardCtx.Source, card.CardType))
		return
	}

	deadline := s.cfg.DefaultTimeout
	execCtx := jobCtx
	var cancel context.CancelFunc
	if card.DeadlineAt != nil {
		execCtx, cancel = context.WithDeadline(jobCtx, *card.DeadlineAt)
	} else {
		execCtx, cancel = context.WithTimeout(jobCtx, deadline)
	}
	defer cancel()

	cardCtx.Attempt = card.Attempts
	result, execErr := h.Execute(execCtx, cardCtx)

	if execErr == nil && h.Validate(result, cardCtx) {
		result = h.Normalize(result)
		s.finishCompleted(ctx, jobID, card, result)
		return
	}

	// Quality gate: retry within budget, else fallback. Cancellation is
	// never retried.
	if execErr != nil && engineerr.IsCancelled(execErr) {
		s.finishSkippedCancelled(ctx, jobID, card)
		return
	}

	if card.Attempts < card.MaxAttempts {
		if err := s.repos.Cards.RequeueReady(ctx, card.ID); err != nil {
			logger.Error("requeue failed", "error", err)
		}
		s.retryDelay(jobCtx, card.Attempts)
		return
	}

	fallback := h.Fallback(jobCtx, cardCtx, execErr)
	fallback.IsFallback = true
	fallback.Meta.Fallback = true
	fallback = h.Normalize(fallback)
	s.finishCompleted(ctx, jobID, card, fallback)
}

// retryDelay pauses the worker that just requeued card for a short,
// attempt-scaled interval before it goes back to claiming, so a card
// that keeps failing against a struggling upstream doesn't hot-loop
// the claim/execute cycle. This is independent of workerLoop's idle
// poll backoff, which only paces claims when nothing at all is ready.
func (s *Scheduler) retryDelay(ctx context.Context, attempt int) {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Scheduler) buildContext(ctx context.Context, jobID string, card *models.Card) (*handler.Context, error) {
	job, err := s.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var input map[string]any
	var options map[string]any
	if err := json.Unmarshal([]byte(job.OptionsJSON), &options); err != nil {
		options = map[string]any{}
	}
	if v, ok := options["input"]; ok {
		if m, ok := v.(map[string]any); ok {
			input = m
		}
	}

	artifacts := make(map[string]handler.Result, len(card.DependsOn))
	for _, dep := range card.DependsOn {
		depCard, err := s.depCardByType(ctx, jobID, dep)
		if err != nil || depCard == nil || depCard.Status != models.CardStatusCompleted {
			continue
		}
		var data map[string]any
		_ = json.Unmarshal([]byte(depCard.ResultJSON), &data)
		var meta handler.Meta
		_ = json.Unmarshal([]byte(depCard.ResultMetaJSON), &meta)
		artifacts[dep] = handler.Result{Data: data, IsFallback: depCard.IsFallback, Meta: meta}
	}

	return &handler.Context{
		JobID: jobID, Source: job.Source, CardType: card.CardType, UserID: job.UserID,
		Input: input, Options: options, Artifacts: artifacts, CaptureDebug: job.CaptureDebug,
	}, nil
}

func (s *Scheduler) depCardByType(ctx context.Context, jobID, cardType string) (*models.Card, error) {
	cards, err := s.repos.Cards.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if c.CardType == cardType {
			return c, nil
		}
	}
	return nil, nil
}

// finishCompleted persists the card's result, prunes internal-card
// empty keys (never business cards, never preserve_empty), emits
// card.completed, and advances the job's ready/terminal state.
func (s *Scheduler) finishCompleted(ctx context.Context, jobID string, card *models.Card, result handler.Result) {
	data := result.Data
	if card.Kind == models.CardKindResource && !result.Meta.PreserveEmpty {
		data = pruneEmpty(data)
	}
	dataJSON, _ := json.Marshal(data)
	metaJSON, _ := json.Marshal(result.Meta)

	if err := s.repos.Cards.Finish(ctx, card.ID, models.CardStatusCompleted, string(dataJSON), string(metaJSON), "", "", result.IsFallback); err != nil {
		s.logger.Error("finish card failed", "card_id", card.ID, "error", err)
		return
	}

	payload := mustJSON(map[string]any{"card_type": card.CardType, "data": data, "meta": result.Meta})
	if _, err := s.log.Append(ctx, jobID, models.EventCardCompleted, card.ID, payload); err != nil {
		s.logger.Error("append card.completed failed", "card_id", card.ID, "error", err)
	}

	s.advance(ctx, jobID)
}

func (s *Scheduler) finishFailed(ctx context.Context, jobID string, card *models.Card, kind, msg string) {
	if err := s.repos.Cards.Finish(ctx, card.ID, models.CardStatusFailed, "", "", kind, msg, false); err != nil {
		s.logger.Error("finish failed-card failed", "card_id", card.ID, "error", err)
		return
	}
	payload := mustJSON(map[string]any{"card_type": card.CardType, "error_kind": kind, "error_message": msg})
	if _, err := s.log.Append(ctx, jobID, models.EventCardFailed, card.ID, payload); err != nil {
		s.logger.Error("append card.failed failed", "card_id", card.ID, "error", err)
	}
	s.advance(ctx, jobID)
}

func (s *Scheduler) finishSkippedCancelled(ctx context.Context, jobID string, card *models.Card) {
	if err := s.repos.Cards.Finish(ctx, card.ID, models.CardStatusSkipped, "", "", string(engineerr.KindCancelled), "cancelled", false); err != nil {
		s.logger.Error("finish cancelled-card failed", "card_id", card.ID, "error", err)
	}
	s.advance(ctx, jobID)
}

// advance promotes newly-ready cards, skips permanently blocked ones,
// and — once every card is terminal — decides and persists job status.
func (s *Scheduler) advance(ctx context.Context, jobID string) {
	promoted, err := s.repos.Cards.PromoteReady(ctx, jobID)
	if err != nil {
		s.logger.Error("promote ready failed", "job_id", jobID, "error", err)
	}
	if _, err := s.repos.Cards.SkipBlocked(ctx, jobID); err != nil {
		s.logger.Error("skip blocked failed", "job_id", jobID, "error", err)
	}

	cards, err := s.repos.Cards.ListByJob(ctx, jobID)
	if err != nil {
		s.logger.Error("list cards failed", "job_id", jobID, "error", err)
		return
	}

	if len(promoted) > 0 {
		byID := make(map[string]*models.Card, len(cards))
		for _, c := range cards {
			byID[c.ID] = c
		}
		for _, id := range promoted {
			c, ok := byID[id]
			if !ok {
				continue
			}
			if _, err := s.log.Append(ctx, jobID, models.EventCardReady, c.ID, mustJSON(map[string]any{"card_type": c.CardType})); err != nil {
				s.logger.Error("append card.ready failed", "job_id", jobID, "card_id", c.ID, "error", err)
			}
		}
	}

	allTerminal := true
	anyFallback := false
	anyMandatoryFailure := false
	for _, c := range cards {
		if !c.Terminal() {
			allTerminal = false
			break
		}
		if c.Kind == models.CardKindBusiness {
			if c.Status == models.CardStatusCompleted && c.IsFallback {
				anyFallback = true
			}
			if c.Status == models.CardStatusFailed || c.Status == models.CardStatusSkipped {
				anyMandatoryFailure = true
			}
		}
	}
	if !allTerminal {
		return
	}

	wasCancelled := s.isCancelled(jobID)
	s.forget(jobID)
	s.log.Forget(jobID)

	status := models.JobStatusCompleted
	eventType := models.EventJobCompleted
	switch {
	case wasCancelled:
		status = models.JobStatusCancelled
		eventType = models.EventJobCancelled
	case anyMandatoryFailure:
		status = models.JobStatusFailed
		eventType = models.EventJobFailed
	case anyFallback:
		status = models.JobStatusPartial
		eventType = models.EventJobPartial
	}

	if err := s.repos.Jobs.SetStatus(ctx, jobID, status, "", ""); err != nil {
		s.logger.Error("set job status failed", "job_id", jobID, "error", err)
	}
	if _, err := s.log.Append(ctx, jobID, eventType, "", mustJSON(map[string]any{"status": status, "partial": anyFallback})); err != nil {
		s.logger.Error("append terminal job event failed", "job_id", jobID, "error", err)
	}

	if s.onTerminal != nil {
		s.onTerminal(ctx, jobID, status, cards)
	}
}

func pruneEmpty(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isEmptyValue(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
