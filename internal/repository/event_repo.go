package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dinq/analyze/internal/models"
)

// EventRepository is the durable, per-job append-only log. Append is
// the one place a seq number is minted; every other component treats
// seq as assigned by this repository alone.
type EventRepository struct {
	db *sql.DB
}

// Append assigns the next seq for jobID and inserts the event inside a
// single transaction, so the seq bump on jobs.last_seq and the event
// row are atomic with respect to any concurrent reader.
func (r *EventRepository) Append(ctx context.Context, jobID string, eventType models.EventType, cardID, payloadJSON string) (*models.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx, `UPDATE jobs SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq`, jobID)
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("bump last_seq for job %s: %w", jobID, err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (job_id, seq, event_type, card_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, seq, eventType, nullString(cardID), payloadJSON, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Event{
		JobID: jobID, Seq: seq, Type: eventType, CardID: cardID,
		Payload: payloadJSON, CreatedAt: now,
	}, nil
}

// Since returns events for jobID with seq > after, ascending, bounded
// to limit rows so a reconnecting client cannot force an unbounded scan.
func (r *EventRepository) Since(ctx context.Context, jobID string, after int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, seq, event_type, card_id, payload_json, created_at
		FROM events WHERE job_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`, jobID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		var cardID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &cardID, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CardID = fromNullString(cardID)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest seq appended for jobID.
func (r *EventRepository) LatestSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT last_seq FROM jobs WHERE id = ?`, jobID).Scan(&seq)
	return seq, err
}
