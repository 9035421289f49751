// Package models defines the domain types shared across the analysis
// engine: jobs, cards, events, and the artifact cache.
package models

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents one analysis request for a subject against a source.
type Job struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Source         string     `json:"source"`
	SubjectKey     string     `json:"subject_key"`
	Status         JobStatus  `json:"status"`
	OptionsJSON    string     `json:"options_json"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	LastSeq        int64      `json:"last_seq"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CaptureDebug   bool       `json:"capture_debug"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the job has reached a status it cannot leave.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CardKind distinguishes internal fetch/derive work from user-visible payloads.
type CardKind string

const (
	CardKindResource CardKind = "resource"
	CardKindBusiness CardKind = "business"
)

// CardStatus represents the lifecycle state of a card.
type CardStatus string

const (
	CardStatusPending   CardStatus = "pending"
	CardStatusReady     CardStatus = "ready" // dependencies satisfied, eligible for claim
	CardStatusRunning   CardStatus = "running"
	CardStatusCompleted CardStatus = "completed"
	CardStatusFailed    CardStatus = "failed"
	CardStatusSkipped   CardStatus = "skipped"
)

// Card is a single node in a job's DAG: one unit of scheduled work.
type Card struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	CardType         string     `json:"card_type"`
	Kind             CardKind   `json:"kind"`
	ConcurrencyGroup string     `json:"concurrency_group"`
	Priority         int        `json:"priority"`
	Status           CardStatus `json:"status"`
	DependsOn        []string   `json:"depends_on"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	IsFallback       bool       `json:"is_fallback"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy        string     `json:"claimed_by,omitempty"`
	ResultJSON       string     `json:"result_json,omitempty"`
	ResultMetaJSON   string     `json:"result_meta_json,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Terminal reports whether the card has reached a status it cannot leave.
func (c Card) Terminal() bool {
	switch c.Status {
	case CardStatusCompleted, CardStatusFailed, CardStatusSkipped:
		return true
	default:
		return false
	}
}

// EventType enumerates the kinds of events appended to a job's log.
type EventType string

const (
	EventJobCreated    EventType = "job.created"
	EventJobStarted    EventType = "job.started"
	EventJobCompleted  EventType = "job.completed"
	EventJobPartial    EventType = "job.partial"
	EventJobFailed     EventType = "job.failed"
	EventJobCancelled  EventType = "job.cancelled"
	EventCardReady     EventType = "card.ready"
	EventCardQueued    EventType = "card.queued"
	EventCardStarted   EventType = "card.started"
	EventCardPrefill   EventType = "card.prefill" // synthesized from a cache hit
	EventCardProgress  EventType = "card.progress"
	EventCardDelta     EventType = "card.delta"
	EventCardAppend    EventType = "card.append"
	EventCardCompleted EventType = "card.completed"
	EventCardFailed    EventType = "card.failed"
	EventRefreshStarted EventType = "refresh.started"
	EventRefreshEnded   EventType = "refresh.ended"
	EventHeartbeat      EventType = "heartbeat"
)

// Event is one entry in a job's durable, strictly ordered log.
type Event struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Type      EventType `json:"event_type"`
	CardID    string    `json:"card_id,omitempty"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactCacheEntry is one cross-job cached artifact keyed by subject
// and pipeline version, with a stale-while-revalidate window.
type ArtifactCacheEntry struct {
	CacheKey        string     `json:"cache_key"`
	Source          string     `json:"source"`
	SubjectKey      string     `json:"subject_key"`
	PipelineVersion string     `json:"pipeline_version"`
	OptionsHash     string     `json:"options_hash"`
	Kind            string     `json:"kind"`
	Fingerprint     string     `json:"fingerprint,omitempty"`
	Payload         string     `json:"payload_json"`
	FreshUntil      time.Time  `json:"fresh_until"`
	StaleUntil      time.Time  `json:"stale_until"`
	RefreshingUntil *time.Time `json:"refreshing_until,omitempty"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Fresh reports whether the entry can be served without revalidation.
func (e ArtifactCacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.FreshUntil)
}

// Stale reports whether the entry is past fresh but still within the
// stale-while-revalidate window.
func (e ArtifactCacheEntry) Stale(now time.Time) bool {
	return !e.Fresh(now) && now.Before(e.StaleUntil)
}

// SubjectRun tracks the last job run against a (source, subject_key) pair.
type SubjectRun struct {
	Source          string     `json:"source"`
	SubjectKey      string     `json:"subject_key"`
	LastJobID       string     `json:"last_job_id,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

// RefreshLock coordinates background revalidation of a single cache key
// so at most one worker refreshes it at a time.
type RefreshLock struct {
	CacheKey    string    `json:"cache_key"`
	Token       string    `json:"token"`
	AcquiredAt  time.Time `json:"acquired_at"`
	SafetyUntil time.Time `json:"safety_until"`
}
