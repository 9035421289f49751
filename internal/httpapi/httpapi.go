// Package httpapi wires the chi router and huma-documented operations
// for the analysis request API: POST /analyze, GET /analyze/jobs/{id},
// GET /analyze/jobs/{id}/stream, POST /analyze/jobs/{id}/cancel.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dinq/analyze/internal/config"
	"github.com/dinq/analyze/internal/engine"
	"github.com/dinq/analyze/internal/httpmw"
	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
	"github.com/dinq/analyze/internal/sse"
	"github.com/dinq/analyze/internal/version"
)

// New builds the HTTP router for the analysis service.
func New(cfg *config.Config, eng *engine.Engine, streamer *sse.Streamer, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(httpmw.APIVersion())
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	router.Use(middleware.Throttle(200))

	humaConfig := huma.DefaultConfig("Analysis API", version.Get().Short())
	humaConfig.Info.Description = "Multi-source person analysis: submits sources to a DAG execution engine and streams results."
	humaConfig.Servers = []*huma.Server{{URL: cfg.BaseURL, Description: "API Server"}}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer"},
	}

	publicAPI := humachi.New(router, humaConfig)
	huma.Get(publicAPI, "/healthz", healthCheck)

	router.Group(func(r chi.Router) {
		r.Use(httpmw.Auth(cfg.JWTSecret))
		r.Use(httpmw.RateLimitByUser(120))

		protectedConfig := humaConfig
		protectedConfig.DocsPath = ""
		protectedConfig.OpenAPIPath = ""
		protectedConfig.SchemasPath = ""
		protectedAPI := humachi.New(r, protectedConfig)

		h := &handlers{engine: eng, logger: logger}
		huma.Post(protectedAPI, "/analyze", h.createJob)
		huma.Get(protectedAPI, "/analyze/jobs/{id}", h.getJob)
		huma.Post(protectedAPI, "/analyze/jobs/{id}/cancel", h.cancelJob)

		r.With(httpmw.ExtendWriteDeadlineForStream(30 * time.Minute)).
			Get("/analyze/jobs/{id}/stream", streamHandler(eng, streamer, logger))
	})

	return router
}

type handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

type createJobInput struct {
	Body struct {
		Source         string         `json:"source" example:"scholar" doc:"Source identifier (e.g. scholar, github)"`
		SubjectKey     string         `json:"subject_key" doc:"Opaque identifier of the subject within source"`
		CardTypes      []string       `json:"card_types,omitempty" doc:"Business card types to include; defaults to the source's full set"`
		Options        map[string]any `json:"options,omitempty"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
		ForceRefresh   bool           `json:"force_refresh,omitempty"`
		CaptureDebug   bool           `json:"capture_debug,omitempty"`
	}
}

type cardOutput struct {
	ID           string `json:"id"`
	CardType     string `json:"card_type"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	IsFallback   bool   `json:"is_fallback"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type jobOutput struct {
	Body struct {
		ID         string       `json:"id"`
		Status     string       `json:"status"`
		Source     string       `json:"source"`
		SubjectKey string       `json:"subject_key"`
		LastSeq    int64        `json:"last_seq"`
		Cards      []cardOutput `json:"cards,omitempty"`
	}
}

func cardOutputs(cards []*models.Card, includeInternal bool) []cardOutput {
	out := make([]cardOutput, 0, len(cards))
	for _, c := range cards {
		if !includeInternal && c.Kind == models.CardKindResource {
			continue
		}
		out = append(out, cardOutput{
			ID:           c.ID,
			CardType:     c.CardType,
			Kind:         string(c.Kind),
			Status:       string(c.Status),
			Attempts:     c.Attempts,
			IsFallback:   c.IsFallback,
			ErrorKind:    c.ErrorKind,
			ErrorMessage: c.ErrorMessage,
		})
	}
	return out
}

func (h *handlers) createJob(ctx context.Context, in *createJobInput) (*jobOutput, error) {
	userID, _ := httpmw.UserIDFrom(ctx)
	job, err := h.engine.CreateJob(ctx, engine.CreateJobRequest{
		UserID: userID, Source: in.Body.Source, SubjectKey: in.Body.SubjectKey,
		CardTypes: in.Body.CardTypes, Options: in.Body.Options,
		IdempotencyKey: in.Body.IdempotencyKey, ForceRefresh: in.Body.ForceRefresh,
		CaptureDebug: in.Body.CaptureDebug,
	})
	if err != nil {
		if errors.Is(err, engine.ErrConflict) {
			return nil, huma.Error409Conflict(err.Error())
		}
		h.logger.Error("create job failed", "error", err)
		return nil, huma.Error500InternalServerError("failed to create job")
	}

	out := &jobOutput{}
	out.Body.ID = job.ID
	out.Body.Status = string(job.Status)
	out.Body.Source = job.Source
	out.Body.SubjectKey = job.SubjectKey
	out.Body.LastSeq = job.LastSeq
	return out, nil
}

type getJobInput struct {
	ID              string `path:"id"`
	IncludeInternal bool   `query:"include_internal" doc:"Include internal resource cards alongside business cards"`
}

func (h *handlers) getJob(ctx context.Context, in *getJobInput) (*jobOutput, error) {
	userID, _ := httpmw.UserIDFrom(ctx)
	job, cards, err := h.engine.Get(ctx, userID, in.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, huma.Error404NotFound("job not found")
		}
		return nil, huma.Error500InternalServerError("failed to load job")
	}
	out := &jobOutput{}
	out.Body.ID = job.ID
	out.Body.Status = string(job.Status)
	out.Body.Source = job.Source
	out.Body.SubjectKey = job.SubjectKey
	out.Body.LastSeq = job.LastSeq
	out.Body.Cards = cardOutputs(cards, in.IncludeInternal)
	return out, nil
}

type cancelJobInput struct {
	ID string `path:"id"`
}

type cancelJobOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled"`
	}
}

func (h *handlers) cancelJob(ctx context.Context, in *cancelJobInput) (*cancelJobOutput, error) {
	userID, _ := httpmw.UserIDFrom(ctx)
	if err := h.engine.Cancel(ctx, userID, in.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, huma.Error404NotFound("job not found")
		}
		return nil, huma.Error500InternalServerError("failed to cancel job")
	}
	out := &cancelJobOutput{}
	out.Body.Cancelled = true
	return out, nil
}

// streamHandler is a raw chi handler (not a huma operation) since SSE's
// response shape isn't a single JSON body huma can describe.
func streamHandler(eng *engine.Engine, streamer *sse.Streamer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := httpmw.UserIDFrom(r.Context())
		jobID := chi.URLParam(r, "id")

		if _, _, err := eng.Get(r.Context(), userID, jobID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error":"failed to load job"}`, http.StatusInternalServerError)
			return
		}

		after := parseAfter(r.URL.Query().Get("after"))
		if err := streamer.Stream(r.Context(), w, jobID, after); err != nil {
			logger.Warn("stream ended with error", "job_id", jobID, "error", err)
		}
	}
}

func parseAfter(raw string) int64 {
	if raw == "" {
		return 0
	}
	var v int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

func healthCheck(ctx context.Context, _ *struct{}) (*struct {
	Body struct {
		Status string `json:"status"`
	}
}, error) {
	out := &struct {
		Body struct {
			Status string `json:"status"`
		}
	}{}
	out.Body.Status = "ok"
	return out, nil
}
