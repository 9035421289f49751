// Package cachecontroller implements the job-start cache policy: serve
// a fresh hit outright, prefill-then-run a stale hit, or fall through to
// a cold run — plus write-through of a completed report, TTL extension
// without a new payload, and refresh-lock acquisition. Decide does not
// compare fingerprints, and this package does not enqueue background
// refreshes.
package cachecontroller

import (
	"context"
	"time"

	"github.com/dinq/analyze/internal/cache"
	"github.com/dinq/analyze/internal/idgen"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

// Action is the policy outcome for one job's cache lookup.
type Action string

const (
	// ActionServeCached means the fresh cached payload fully answers the
	// request; no scheduler work is needed.
	ActionServeCached Action = "serve_cached"
	// ActionPrefillThenRun means a stale payload should be emitted as a
	// preview while a full cold run proceeds.
	ActionPrefillThenRun Action = "prefill_then_run"
	// ActionRunCold means there is no usable cached entry (or the caller
	// forced a refresh); plan and run normally.
	ActionRunCold Action = "run_cold"
)

// Decision is the result of evaluating the cache policy for one job.
type Decision struct {
	Action   Action
	CacheKey string
	Entry    *models.ArtifactCacheEntry
}

// DecideParams is the input to Decide.
type DecideParams struct {
	Source          string
	SubjectKey      string
	PipelineVersion string
	OptionsHash     string
	ForceRefresh    bool
	MaxStale        time.Duration
}

// Controller evaluates and enacts the cache policy.
type Controller struct {
	cache        *cache.Cache
	artifacts    *repository.ArtifactCacheRepository
	subjectRuns  *repository.SubjectRunRepository
	refreshLocks *repository.RefreshLockRepository
	safetyTTL    time.Duration
}

// New builds a Controller over the given repositories.
func New(c *cache.Cache, artifacts *repository.ArtifactCacheRepository, subjectRuns *repository.SubjectRunRepository, refreshLocks *repository.RefreshLockRepository, safetyTTL time.Duration) *Controller {
	return &Controller{cache: c, artifacts: artifacts, subjectRuns: subjectRuns, refreshLocks: refreshLocks, safetyTTL: safetyTTL}
}

// Decide evaluates the cache for one job's (source, subject, pipeline,
// options) tuple and returns what the caller should do next.
func (c *Controller) Decide(ctx context.Context, p DecideParams) (Decision, error) {
	key := cache.Key(p.Source, p.SubjectKey, p.PipelineVersion, p.OptionsHash, cache.KindFullReport)

	if p.ForceRefresh {
		return Decision{Action: ActionRunCold, CacheKey: key}, nil
	}

	lookup, err := c.cache.Get(ctx, key)
	if err != nil {
		if err == repository.ErrNotFound {
			return Decision{Action: ActionRunCold, CacheKey: key}, nil
		}
		return Decision{}, err
	}

	if lookup.Fresh {
		return Decision{Action: ActionServeCached, CacheKey: key, Entry: lookup.Entry}, nil
	}
	if lookup.Stale {
		return Decision{Action: ActionPrefillThenRun, CacheKey: key, Entry: lookup.Entry}, nil
	}

	maxStale := p.MaxStale
	if maxStale > 0 {
		entry, ok, err := c.cache.GetStale(ctx, key, maxStale)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Action: ActionPrefillThenRun, CacheKey: key, Entry: entry}, nil
		}
	}

	return Decision{Action: ActionRunCold, CacheKey: key}, nil
}

// WriteThrough stores a completed job's full report in the cache and
// records the subject run, called once the scheduler finishes a cold
// or refresh run.
func (c *Controller) WriteThrough(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash, payload, fingerprint, jobID string) (*models.ArtifactCacheEntry, error) {
	entry, err := c.cache.Put(ctx, cache.PutParams{
		Source: source, SubjectKey: subjectKey, PipelineVersion: pipelineVersion,
		OptionsHash: optionsHash, Kind: cache.KindFullReport, Payload: payload, Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if err := c.subjectRuns.Upsert(ctx, source, subjectKey, jobID, time.Now()); err != nil {
		return nil, err
	}
	return entry, nil
}

// Extend re-applies TTL windows without a new payload, for a
// fingerprint re-check that finds no upstream change.
func (c *Controller) Extend(ctx context.Context, cacheKey, source string) error {
	return c.cache.Extend(ctx, cacheKey, source)
}

// AcquireRefreshLock tries to become the sole refresher of cacheKey,
// returning the lock token to present to ReleaseRefreshLock. ok=false
// means another worker already holds a live lock.
func (c *Controller) AcquireRefreshLock(ctx context.Context, cacheKey string) (token string, ok bool, err error) {
	token = idgen.New()
	ok, err = c.refreshLocks.Acquire(ctx, cacheKey, token, c.safetyTTL)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseRefreshLock releases a previously acquired lock.
func (c *Controller) ReleaseRefreshLock(ctx context.Context, cacheKey, token string) error {
	return c.refreshLocks.Release(ctx, cacheKey, token)
}
