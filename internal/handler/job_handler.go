package handler

import (
	"context"
	"durableq/internal/metrics"
	"durableq/internal/models"
	"durableq/internal/service"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const (
	defaultDeadLimit = 50
	maxDeadLimit     = 500
)

// Inspector is the read and replay side of the queue used by operators
type Inspector interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	DeadJobs(ctx context.Context, limit int) ([]*models.DeadJob, error)
	Requeue(ctx context.Context, id string) error
	Counts(ctx context.Context) (models.Counts, error)
}

// JobHandler serves the inspection API
type JobHandler struct {
	queue   Inspector
	metrics *metrics.Metrics
}

// NewJobHandler creates a new job handler
func NewJobHandler(queue Inspector, metrics *metrics.Metrics) *JobHandler {
	return &JobHandler{
		queue:   queue,
		metrics: metrics,
	}
}

// Routes returns the router for every inspection endpoint
func (h *JobHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/metrics", h.GetMetrics)
	r.Get("/jobs/stats", h.GetStats)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/dead", h.ListDeadJobs)
	r.Post("/dead/{id}/requeue", h.RequeueDeadJob)
	return r
}

// jobView renders the stored payload as JSON instead of base64
type jobView struct {
	*models.Job
	Payload json.RawMessage `json:"payload"`
}

type deadJobView struct {
	*models.DeadJob
	Payload json.RawMessage `json:"payload"`
}

// Health handles GET /healthz
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// GetStats handles GET /jobs/stats
func (h *JobHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("error counting jobs")
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("job_id", id).Msg("error getting job")
		http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobView{Job: job, Payload: job.Payload})
}

// ListDeadJobs handles GET /dead?limit=
func (h *JobHandler) ListDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxDeadLimit)
	}

	dead, err := h.queue.DeadJobs(r.Context(), limit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("error listing dead jobs")
		http.Error(w, "failed to list dead jobs", http.StatusInternalServerError)
		return
	}

	views := make([]deadJobView, 0, len(dead))
	for _, d := range dead {
		views = append(views, deadJobView{DeadJob: d, Payload: d.Payload})
	}
	writeJSON(w, http.StatusOK, views)
}

// RequeueDeadJob handles POST /dead/{id}/requeue
func (h *JobHandler) RequeueDeadJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "dead job not found", http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("job_id", id).Msg("error requeueing job")
		http.Error(w, "failed to requeue job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(models.StatePending)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("error encoding response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		logger := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request served")
	})
}
