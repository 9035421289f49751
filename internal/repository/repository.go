// Package repository is the job store: SQL-backed persistence for jobs,
// cards, events, the artifact cache, subject runs, and refresh locks.
// Every method takes a context and operates directly against
// database/sql with hand-written scan functions, in the teacher's style
// of favoring explicit parameterized SQL over an ORM.
package repository

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Repositories aggregates every entity repository behind one handle so
// callers wire a single value through the engine instead of seven.
type Repositories struct {
	Jobs          *JobRepository
	Cards         *CardRepository
	Events        *EventRepository
	ArtifactCache *ArtifactCacheRepository
	SubjectRuns   *SubjectRunRepository
	RefreshLocks  *RefreshLockRepository
	Idempotency   *IdempotencyRepository
}

// New builds a Repositories aggregate over a shared *sql.DB.
func New(db *sql.DB) *Repositories {
	return &Repositories{
		Jobs:          &JobRepository{db: db},
		Cards:         &CardRepository{db: db},
		Events:        &EventRepository{db: db},
		ArtifactCache: &ArtifactCacheRepository{db: db},
		SubjectRuns:   &SubjectRunRepository{db: db},
		RefreshLocks:  &RefreshLockRepository{db: db},
		Idempotency:   &IdempotencyRepository{db: db},
	}
}

// nullString converts an empty string to a SQL NULL on write.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// fromNullString converts a SQL NULL back to "" on read.
func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// nullTime converts a nil *time.Time to a SQL NULL on write.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// fromNullTime converts a SQL NULL back to nil on read.
func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const sqliteTimeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// ErrNotFound is returned by single-row lookups that find no match.
var ErrNotFound = sql.ErrNoRows

// ErrConflict describes an idempotency key reused with a different
// request body. No method in this package returns it: Create does not
// compare request bodies, and the engine reports its own
// engine.ErrConflict when a reused key names a different subject.
type ErrConflict struct{ JobID string }

func (e *ErrConflict) Error() string { return "idempotency key conflict" }
