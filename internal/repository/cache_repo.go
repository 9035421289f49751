package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/dinq/analyze/internal/models"
)

// ArtifactCacheRepository is the cross-job, content-addressed cache of
// completed reports and resource fragments.
type ArtifactCacheRepository struct {
	db *sql.DB
}

const artifactCacheColumns = `SELECT cache_key, source, subject_key, pipeline_version, options_hash,
	kind, fingerprint, payload_json, fresh_until, stale_until, refreshing_until, refresh_token,
	created_at, updated_at`

func scanArtifactCacheEntry(scan func(...any) error) (*models.ArtifactCacheEntry, error) {
	var e models.ArtifactCacheEntry
	var fingerprint, refreshingUntil, refreshToken sql.NullString
	var freshUntil, staleUntil, createdAt, updatedAt string

	err := scan(&e.CacheKey, &e.Source, &e.SubjectKey, &e.PipelineVersion, &e.OptionsHash,
		&e.Kind, &fingerprint, &e.Payload, &freshUntil, &staleUntil, &refreshingUntil,
		&refreshToken, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Fingerprint = fromNullString(fingerprint)
	e.RefreshToken = fromNullString(refreshToken)
	if e.FreshUntil, err = parseTime(freshUntil); err != nil {
		return nil, err
	}
	if e.StaleUntil, err = parseTime(staleUntil); err != nil {
		return nil, err
	}
	if e.RefreshingUntil, err = parseTimePtr(refreshingUntil); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the entry for cacheKey, or ErrNotFound if absent. Callers
// decide fresh/stale/expired using ArtifactCacheEntry.Fresh/Stale.
func (r *ArtifactCacheRepository) Get(ctx context.Context, cacheKey string) (*models.ArtifactCacheEntry, error) {
	row := r.db.QueryRowContext(ctx, artifactCacheColumns+` FROM artifact_cache WHERE cache_key = ?`, cacheKey)
	return scanArtifactCacheEntry(row.Scan)
}

// Put upserts an entry, replacing any prior fingerprint/payload/windows.
func (r *ArtifactCacheRepository) Put(ctx context.Context, e *models.ArtifactCacheEntry) error {
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifact_cache (cache_key, source, subject_key, pipeline_version, options_hash,
			kind, fingerprint, payload_json, fresh_until, stale_until, refreshing_until,
			refresh_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			payload_json = excluded.payload_json,
			fresh_until = excluded.fresh_until,
			stale_until = excluded.stale_until,
			refreshing_until = excluded.refreshing_until,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		e.CacheKey, e.Source, e.SubjectKey, e.PipelineVersion, e.OptionsHash,
		e.Kind, nullString(e.Fingerprint), e.Payload, formatTime(e.FreshUntil), formatTime(e.StaleUntil),
		formatTimePtr(e.RefreshingUntil), nullString(e.RefreshToken), now, now,
	)
	return err
}

// Extend pushes fresh_until/stale_until forward without touching the
// payload, used when a fingerprint re-check finds nothing changed.
func (r *ArtifactCacheRepository) Extend(ctx context.Context, cacheKey string, freshUntil, staleUntil time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE artifact_cache SET fresh_until = ?, stale_until = ?, updated_at = ? WHERE cache_key = ?`,
		formatTime(freshUntil), formatTime(staleUntil), formatTime(time.Now()), cacheKey)
	return err
}

// SetRefreshing marks an entry as under background revalidation until
// refreshingUntil, recording the lock token that owns the refresh.
func (r *ArtifactCacheRepository) SetRefreshing(ctx context.Context, cacheKey, token string, refreshingUntil time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE artifact_cache SET refreshing_until = ?, refresh_token = ?, updated_at = ? WHERE cache_key = ?`,
		formatTime(refreshingUntil), nullString(token), formatTime(time.Now()), cacheKey)
	return err
}

// SubjectRunRepository tracks the last job run per (source, subject_key).
type SubjectRunRepository struct {
	db *sql.DB
}

// Upsert records jobID as the latest run for (source, subjectKey).
func (r *SubjectRunRepository) Upsert(ctx context.Context, source, subjectKey, jobID string, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subject_runs (source, subject_key, last_job_id, last_completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source, subject_key) DO UPDATE SET
			last_job_id = excluded.last_job_id,
			last_completed_at = excluded.last_completed_at`,
		source, subjectKey, jobID, formatTime(completedAt))
	return err
}

// Get returns the last-known run for (source, subjectKey).
func (r *SubjectRunRepository) Get(ctx context.Context, source, subjectKey string) (*models.SubjectRun, error) {
	var sr models.SubjectRun
	var lastJobID, lastCompletedAt sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT source, subject_key, last_job_id, last_completed_at FROM subject_runs
		WHERE source = ? AND subject_key = ?`, source, subjectKey).
		Scan(&sr.Source, &sr.SubjectKey, &lastJobID, &lastCompletedAt)
	if err != nil {
		return nil, err
	}
	sr.LastJobID = fromNullString(lastJobID)
	if sr.LastCompletedAt, err = parseTimePtr(lastCompletedAt); err != nil {
		return nil, err
	}
	return &sr, nil
}

// RefreshLockRepository coordinates the background refresh pool so at
// most one worker revalidates a given cache key at a time.
type RefreshLockRepository struct {
	db *sql.DB
}

// Acquire inserts a lock row for cacheKey if none exists, or if the
// existing lock's safety TTL has elapsed (a crashed worker's lock).
// Returns false if another live worker holds it.
func (r *RefreshLockRepository) Acquire(ctx context.Context, cacheKey, token string, safetyTTL time.Duration) (bool, error) {
	now := time.Now()
	safetyUntil := now.Add(safetyTTL)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_locks (cache_key, token, acquired_at, safety_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			token = excluded.token, acquired_at = excluded.acquired_at, safety_until = excluded.safety_until
		WHERE refresh_locks.safety_until < ?`,
		cacheKey, token, formatTime(now), formatTime(safetyUntil), formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release removes a lock, but only if token still matches (the caller
// still owns it; an expired-and-reacquired lock is not released out
// from under its new owner).
func (r *RefreshLockRepository) Release(ctx context.Context, cacheKey, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_locks WHERE cache_key = ? AND token = ?`, cacheKey, token)
	return err
}

// ReapExpired deletes every lock whose safety TTL has elapsed, so a
// crashed refresh worker cannot deadlock a subject forever.
func (r *RefreshLockRepository) ReapExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_locks WHERE safety_until < ?`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IdempotencyRepository resolves (user_id, idempotency_key) to a job,
// backed by the unique index on jobs rather than a separate table.
type IdempotencyRepository struct {
	db *sql.DB
}

// Resolve returns the existing job id for (userID, key), or
// sql.ErrNoRows if the key has not been used yet.
func (r *IdempotencyRepository) Resolve(ctx context.Context, userID, key string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE user_id = ? AND idempotency_key = ?`, userID, key).Scan(&id)
	return id, err
}
