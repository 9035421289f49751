package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dinq/analyze/internal/idgen"
	"github.com/dinq/analyze/internal/models"
)

// JobRepository persists jobs and resolves idempotency keys.
type JobRepository struct {
	db *sql.DB
}

// CreateJobParams is the input to Create.
type CreateJobParams struct {
	UserID         string
	Source         string
	SubjectKey     string
	OptionsJSON    string
	IdempotencyKey string
	CaptureDebug   bool
}

// Create inserts a new job in queued status. If an idempotency key is
// given and already maps to a job, the caller should have checked
// ResolveIdempotency first; Create always inserts a fresh row.
func (r *JobRepository) Create(ctx context.Context, p CreateJobParams) (*models.Job, error) {
	now := time.Now()
	job := &models.Job{
		ID:             idgen.New(),
		UserID:         p.UserID,
		Source:         p.Source,
		SubjectKey:     p.SubjectKey,
		Status:         models.JobStatusQueued,
		OptionsJSON:    p.OptionsJSON,
		IdempotencyKey: p.IdempotencyKey,
		CaptureDebug:   p.CaptureDebug,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, source, subject_key, status, options_json,
			idempotency_key, last_seq, capture_debug, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.UserID, job.Source, job.SubjectKey, job.Status, job.OptionsJSON,
		nullString(job.IdempotencyKey), boolToInt(job.CaptureDebug),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ResolveIdempotency looks up an existing job for (user, idempotency_key).
// Returns ErrNotFound if none exists yet.
func (r *JobRepository) ResolveIdempotency(ctx context.Context, userID, key string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	var id string
	if err := row.Scan(&id); err != nil {
		return nil, err
	}
	return r.Get(ctx, userID, id)
}

// Get returns a job owned by userID. Returns ErrNotFound if it does not
// exist or belongs to another user (ownership is enforced at the query).
func (r *JobRepository) Get(ctx context.Context, userID, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ? AND user_id = ?`, id, userID)
	return scanJob(row)
}

// GetByID returns a job without an ownership check, for internal
// scheduler/sweep use where the caller is the engine itself.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

const jobSelectColumns = `SELECT id, user_id, source, subject_key, status, options_json,
	idempotency_key, last_seq, error_kind, error_message, capture_debug,
	started_at, completed_at, created_at, updated_at`

func scanJob(row *sql.Row) (*models.Job, error) {
	var j models.Job
	var idemKey, errKind, errMsg, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var captureDebug int
	err := row.Scan(&j.ID, &j.UserID, &j.Source, &j.SubjectKey, &j.Status, &j.OptionsJSON,
		&idemKey, &j.LastSeq, &errKind, &errMsg, &captureDebug,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.IdempotencyKey = fromNullString(idemKey)
	j.ErrorKind = fromNullString(errKind)
	j.ErrorMessage = fromNullString(errMsg)
	j.CaptureDebug = captureDebug != 0
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// SetStatus transitions a job's status, optionally recording an error
// kind/message (on failure) and started/completed timestamps.
func (r *JobRepository) SetStatus(ctx context.Context, id string, status models.JobStatus, errKind, errMsg string) error {
	now := time.Now()
	var startedSet, completedSet string
	switch status {
	case models.JobStatusRunning:
		startedSet = `, started_at = COALESCE(started_at, ?)`
	}
	if (models.Job{Status: status}).Terminal() {
		completedSet = `, completed_at = ?`
	}

	query := `UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, updated_at = ?` + startedSet + completedSet + ` WHERE id = ?`
	args := []any{status, nullString(errKind), nullString(errMsg), formatTime(now)}
	if startedSet != "" {
		args = append(args, formatTime(now))
	}
	if completedSet != "" {
		args = append(args, formatTime(now))
	}
	args = append(args, id)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// BumpLastSeq advances the job's last_seq to at least seq, used after
// appending events so GET snapshots reflect the newest sequence.
func (r *JobRepository) BumpLastSeq(ctx context.Context, id string, seq int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET last_seq = ? WHERE id = ? AND last_seq < ?`, seq, id, seq)
	return err
}

// MarkStaleRunningFailed fails every job stuck in running past maxAge,
// returning the affected job ids so callers can emit job.failed events.
func (r *JobRepository) MarkStaleRunningFailed(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ? AND started_at < ?`,
		models.JobStatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := r.SetStatus(ctx, id, models.JobStatusFailed, "timeout", "stale running job swept"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
