package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dinq/analyze/internal/idgen"
	"github.com/dinq/analyze/internal/models"
)

// CardRepository persists the DAG nodes belonging to a job.
type CardRepository struct {
	db *sql.DB
}

// PlannedCard is the input shape the DAG planner emits for one card.
type PlannedCard struct {
	CardType         string
	Kind             models.CardKind
	ConcurrencyGroup string
	Priority         int
	DependsOn        []string
	MaxAttempts      int
	DeadlineAt       *time.Time
}

// CreateBatch inserts every planned card for a job in pending status,
// then promotes the ones with no dependencies straight to ready.
func (r *CardRepository) CreateBatch(ctx context.Context, jobID string, cards []PlannedCard) ([]*models.Card, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	out := make([]*models.Card, 0, len(cards))
	for _, pc := range cards {
		depsJSON, err := marshalJSON(pc.DependsOn)
		if err != nil {
			return nil, err
		}
		status := models.CardStatusPending
		if len(pc.DependsOn) == 0 {
			status = models.CardStatusReady
		}
		maxAttempts := pc.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		c := &models.Card{
			ID:               idgen.New(),
			JobID:            jobID,
			CardType:         pc.CardType,
			Kind:             pc.Kind,
			ConcurrencyGroup: pc.ConcurrencyGroup,
			Priority:         pc.Priority,
			Status:           status,
			DependsOn:        pc.DependsOn,
			MaxAttempts:      maxAttempts,
			DeadlineAt:       pc.DeadlineAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cards (id, job_id, card_type, kind, concurrency_group, priority,
				status, depends_on_json, attempts, max_attempts, is_fallback, deadline_at,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)`,
			c.ID, c.JobID, c.CardType, c.Kind, c.ConcurrencyGroup, c.Priority,
			c.Status, depsJSON, c.MaxAttempts, formatTimePtr(c.DeadlineAt),
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("insert card %s: %w", pc.CardType, err)
		}
		out = append(out, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const cardSelectColumns = `SELECT id, job_id, card_type, kind, concurrency_group, priority,
	status, depends_on_json, attempts, max_attempts, is_fallback, deadline_at,
	claimed_at, claimed_by, result_json, result_meta_json, error_kind, error_message,
	started_at, completed_at, created_at, updated_at`

func scanCard(scan func(...any) error) (*models.Card, error) {
	var c models.Card
	var depsJSON string
	var isFallback int
	var deadlineAt, claimedAt, resultJSON, resultMetaJSON, errKind, errMsg, startedAt, completedAt, claimedBy sql.NullString
	var createdAt, updatedAt string

	err := scan(&c.ID, &c.JobID, &c.CardType, &c.Kind, &c.ConcurrencyGroup, &c.Priority,
		&c.Status, &depsJSON, &c.Attempts, &c.MaxAttempts, &isFallback, &deadlineAt,
		&claimedAt, &claimedBy, &resultJSON, &resultMetaJSON, &errKind, &errMsg,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.IsFallback = isFallback != 0
	c.ClaimedBy = fromNullString(claimedBy)
	c.ResultJSON = fromNullString(resultJSON)
	c.ResultMetaJSON = fromNullString(resultMetaJSON)
	c.ErrorKind = fromNullString(errKind)
	c.ErrorMessage = fromNullString(errMsg)

	if err := unmarshalJSON(depsJSON, &c.DependsOn); err != nil {
		return nil, err
	}
	if c.DeadlineAt, err = parseTimePtr(deadlineAt); err != nil {
		return nil, err
	}
	if c.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if c.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByJob returns every card belonging to a job, in creation order.
func (r *CardRepository) ListByJob(ctx context.Context, jobID string) ([]*models.Card, error) {
	rows, err := r.db.QueryContext(ctx, cardSelectColumns+` FROM cards WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns a single card by id.
func (r *CardRepository) Get(ctx context.Context, id string) (*models.Card, error) {
	row := r.db.QueryRowContext(ctx, cardSelectColumns+` FROM cards WHERE id = ?`, id)
	return scanCard(row.Scan)
}

// ClaimNextReady atomically claims the highest-priority ready card in
// jobID whose concurrency group is in the allowedGroups set (the groups
// with spare budget), marking it running. Returns nil, nil if nothing
// is claimable right now.
func (r *CardRepository) ClaimNextReady(ctx context.Context, jobID, workerID string, allowedGroups []string) (*models.Card, error) {
	if len(allowedGroups) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(allowedGroups)+1)
	placeholders = append(placeholders, jobID)
	q := `SELECT id FROM cards WHERE job_id = ? AND status = 'ready' AND concurrency_group IN (`
	for i, g := range allowedGroups {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders = append(placeholders, g)
	}
	q += `) ORDER BY priority DESC, created_at ASC LIMIT 1`

	var cardID string
	if err := r.db.QueryRowContext(ctx, q, placeholders...).Scan(&cardID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	ok, err := r.Claim(ctx, cardID, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another worker won the race between SELECT and UPDATE; caller retries.
		return nil, nil
	}
	return r.Get(ctx, cardID)
}

// Claim performs the compare-and-set from ready to running. Returns
// false (no error) if another worker already claimed it.
func (r *CardRepository) Claim(ctx context.Context, cardID, workerID string) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE cards SET status = 'running', claimed_at = ?, claimed_by = ?,
			attempts = attempts + 1, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = 'ready'`,
		formatTime(now), workerID, formatTime(now), formatTime(now), cardID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequeueReady reverts a card from running back to ready, for a retry.
func (r *CardRepository) RequeueReady(ctx context.Context, cardID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cards SET status = 'ready', claimed_at = NULL, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`, formatTime(time.Now()), cardID)
	return err
}

// Finish transitions a card to a terminal status with its output and
// marks completed_at. status must be completed, failed, or skipped.
func (r *CardRepository) Finish(ctx context.Context, cardID string, status models.CardStatus, resultJSON, resultMetaJSON, errKind, errMsg string, isFallback bool) error {
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		UPDATE cards SET status = ?, result_json = ?, result_meta_json = ?, error_kind = ?,
			error_message = ?, is_fallback = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		status, nullString(resultJSON), nullString(resultMetaJSON), nullString(errKind),
		nullString(errMsg), boolToInt(isFallback), now, now, cardID)
	return err
}

// PromoteReady moves every pending card of jobID whose dependency
// card_types are all completed (a fallback completion counts; a skipped
// or failed dependency does not, see SkipBlocked) to ready. Returns the
// ids promoted.
func (r *CardRepository) PromoteReady(ctx context.Context, jobID string) ([]string, error) {
	cards, err := r.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	byType := make(map[string]*models.Card, len(cards))
	for _, c := range cards {
		byType[c.CardType] = c
	}

	var promoted []string
	for _, c := range cards {
		if c.Status != models.CardStatusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range c.DependsOn {
			d, ok := byType[dep]
			if !ok || d.Status != models.CardStatusCompleted {
				allSatisfied = false
				break
			}
		}
		if !allSatisfied {
			continue
		}
		if _, err := r.db.ExecContext(ctx, `
			UPDATE cards SET status = 'ready', updated_at = ? WHERE id = ? AND status = 'pending'`,
			formatTime(time.Now()), c.ID); err != nil {
			return nil, err
		}
		promoted = append(promoted, c.ID)
	}
	return promoted, nil
}

// SkipNonRunning marks every pending or ready (not yet claimed) card of
// jobID as skipped, used when a job is cancelled: already-running cards
// are left for their handler to observe cancellation and finish
// themselves.
func (r *CardRepository) SkipNonRunning(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cards SET status = 'skipped', updated_at = ?
		WHERE job_id = ? AND status IN ('pending', 'ready')`,
		formatTime(time.Now()), jobID)
	return err
}

// SkipBlocked marks every pending card whose dependency will never
// complete (the dependency itself is skipped/failed-without-fallback)
// as skipped, so the job can still reach a terminal state.
func (r *CardRepository) SkipBlocked(ctx context.Context, jobID string) ([]string, error) {
	cards, err := r.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byType := make(map[string]*models.Card, len(cards))
	for _, c := range cards {
		byType[c.CardType] = c
	}

	var skipped []string
	for _, c := range cards {
		if c.Status != models.CardStatusPending {
			continue
		}
		blocked := false
		for _, dep := range c.DependsOn {
			d, ok := byType[dep]
			if !ok || d.Status == models.CardStatusSkipped {
				blocked = true
				break
			}
			if d.Status == models.CardStatusFailed {
				blocked = true
				break
			}
		}
		if !blocked {
			continue
		}
		if _, err := r.db.ExecContext(ctx, `
			UPDATE cards SET status = 'skipped', updated_at = ? WHERE id = ? AND status = 'pending'`,
			formatTime(time.Now()), c.ID); err != nil {
			return nil, err
		}
		skipped = append(skipped, c.ID)
	}
	return skipped, nil
}
