package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"techaura-fulfillment/internal/config"
	"techaura-fulfillment/internal/models"
	"techaura-fulfillment/internal/queue"
	"techaura-fulfillment/internal/ratelimit"
	"techaura-fulfillment/internal/store"
	"techaura-fulfillment/internal/telemetry"
)

// Server wires the HTTP surface consumed by the ordering subsystem (job
// submission) and the admin dashboard (status counts, audit logs).
type Server struct {
	cfg     config.Config
	store   store.Store
	cache   *queue.DepthCache
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. cache and limiter may be nil.
func New(cfg config.Config, st store.Store, cache *queue.DepthCache, limiter *ratelimit.TokenBucket, log *zerolog.Logger) *Server {
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "api").Logger()
	}
	return &Server{cfg: cfg, store: st, cache: cache, limiter: limiter, log: l}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleJobLogs)
	r.Get("/stats", s.handleStats)
	return r
}

type createJobRequest struct {
	OrderID        string         `json:"order_id"`
	JobType        string         `json:"job_type"`
	Payload        map[string]any `json:"payload"`
	TotalUnits     int            `json:"total_units"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type createJobResponse struct {
	Job    models.ProcessingJob `json:"job"`
	Reused bool                 `json:"reused"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, `{"status":"store unreachable"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleCreateJob inserts a pending job on behalf of the ordering subsystem.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		limKey := fmt.Sprintf("rl:%s", customerFromRequest(r))
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OrderID:        req.OrderID,
		JobType:        req.JobType,
		Payload:        req.Payload,
		TotalUnits:     req.TotalUnits,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.log.Error().Err(err).Str("job_type", req.JobType).Msg("create job")
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}
	if !reused {
		telemetry.QueueDepthGauge.Inc()
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job, Reused: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobLogs returns the newest diagnostic entries for one job. Job id 0
// selects system-level entries such as reconciliation summaries.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.store.ListJobLogs(r.Context(), id, limit)
	if err != nil {
		http.Error(w, "failed to read job logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleStats serves per-status counts. The Redis cache answers first when it
// holds a value; misses fall through to the store, which is always the source
// of truth.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	out := map[string]any{"counts": counts}
	if s.cache != nil {
		if depth, ok, err := s.cache.Get(r.Context(), models.StatusPending); err == nil && ok {
			out["cached_queue_depth"] = depth
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func customerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Customer-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
