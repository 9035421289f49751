// Package eventlog wraps the durable event repository with an optional
// in-process wake-up signal, so the SSE fan-out can collapse its poll
// latency to near zero for co-located workers while still treating the
// database as the sole source of truth.
package eventlog

import (
	"context"
	"sync"

	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

// Appender is the subset of EventRepository the log needs, so callers
// can swap in a test double without pulling in database/sql.
type Appender interface {
	Append(ctx context.Context, jobID string, eventType models.EventType, cardID, payloadJSON string) (*models.Event, error)
	Since(ctx context.Context, jobID string, after int64, limit int) ([]*models.Event, error)
	LatestSeq(ctx context.Context, jobID string) (int64, error)
}

// Log is the durable event log for one process, with a per-job wake-up
// bus layered on top. It never buffers events in memory; Since always
// re-reads the repository, so a missed wake-up only costs one poll
// interval of extra latency, never a lost event.
type Log struct {
	repo Appender

	mu      sync.Mutex
	waiters map[string]chan struct{} // jobID -> channel closed (and replaced) on every append
}

// New wraps repo (typically *repository.EventRepository) with a wake-up bus.
func New(repo *repository.EventRepository) *Log {
	return &Log{repo: repo, waiters: make(map[string]chan struct{})}
}

// Append records one event and wakes any subscriber blocked on Wait
// for this job.
func (l *Log) Append(ctx context.Context, jobID string, eventType models.EventType, cardID, payloadJSON string) (*models.Event, error) {
	ev, err := l.repo.Append(ctx, jobID, eventType, cardID, payloadJSON)
	if err != nil {
		return nil, err
	}
	l.wake(jobID)
	return ev, nil
}

// Since returns events for jobID with seq > after.
func (l *Log) Since(ctx context.Context, jobID string, after int64, limit int) ([]*models.Event, error) {
	return l.repo.Since(ctx, jobID, after, limit)
}

// LatestSeq returns the highest seq appended for jobID.
func (l *Log) LatestSeq(ctx context.Context, jobID string) (int64, error) {
	return l.repo.LatestSeq(ctx, jobID)
}

// Wait returns a channel that is closed the next time any event is
// appended to jobID. ctx is not observed: the channel is shared by every
// waiter on jobID, so callers select on their own ctx alongside it. The
// caller should always
// re-read via Since after the channel closes (and on any timeout),
// since a close is a hint, not a delivery guarantee.
func (l *Log) Wait(ctx context.Context, jobID string) <-chan struct{} {
	l.mu.Lock()
	ch, ok := l.waiters[jobID]
	if !ok {
		ch = make(chan struct{})
		l.waiters[jobID] = ch
	}
	l.mu.Unlock()
	return ch
}

func (l *Log) wake(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.waiters[jobID]; ok {
		close(ch)
		delete(l.waiters, jobID)
	}
}

// Forget drops any waiter bookkeeping for jobID, called once a job
// reaches a terminal state and its stream has closed.
func (l *Log) Forget(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.waiters, jobID)
}
