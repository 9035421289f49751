// Package sse streams one job's event log to an HTTP client as
// Server-Sent Events: poll-with-heartbeat against the durable log,
// with an optional wake-up subscription to cut latency, exactly
// degrading to pure polling when no backplane is configured.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dinq/analyze/internal/bus"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/models"
)

// Config tunes poll cadence and heartbeat interval.
type Config struct {
	PollInterval     time.Duration
	HeartbeatInterval time.Duration
	BatchSize        int
}

// Streamer drains one job's event log to an http.ResponseWriter.
type Streamer struct {
	log *eventlog.Log
	bus bus.Bus
	cfg Config
}

// New builds a Streamer. bus may be bus.Noop{} to disable cross-process
// wake-ups and rely on polling alone.
func New(log *eventlog.Log, b bus.Bus, cfg Config) *Streamer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Streamer{log: log, bus: b, cfg: cfg}
}

// Frame is the JSON body of one SSE `data:` line.
type Frame struct {
	Seq       int64             `json:"seq"`
	EventType models.EventType  `json:"event_type"`
	CardID    string            `json:"card_id,omitempty"`
	Payload   any               `json:"payload"`
}

func isTerminal(t models.EventType) bool {
	switch t {
	case models.EventJobCompleted, models.EventJobFailed, models.EventJobCancelled:
		return true
	default:
		return false
	}
}

// Stream writes events for jobID with seq > after to w until a terminal
// event is delivered or the request context is cancelled.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, jobID string, after int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wake, err := s.bus.Subscribe(ctx, jobID)
	if err != nil {
		wake = nil
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		events, err := s.log.Since(ctx, jobID, after, s.cfg.BatchSize)
		if err != nil {
			return err
		}

		for _, e := range events {
			var payload any
			_ = json.Unmarshal([]byte(e.Payload), &payload)
			frame := Frame{Seq: e.Seq, EventType: e.Type, CardID: e.CardID, Payload: payload}
			if err := writeFrame(w, frame); err != nil {
				return err
			}
			after = e.Seq
			if isTerminal(e.Type) {
				flusher.Flush()
				return nil
			}
		}
		flusher.Flush()

		local := s.log.Wait(ctx, jobID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case <-local:
		case <-orNever(wake):
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func orNever(ch <-chan struct{}) <-chan struct{} {
	if ch == nil {
		return make(chan struct{})
	}
	return ch
}

func writeFrame(w http.ResponseWriter, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
