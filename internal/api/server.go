// Package api serves the operator HTTP surface: health, metrics, the
// endpoint cache and job submission.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"digest-dispatcher/internal/cache"
	"digest-dispatcher/internal/models"
	"digest-dispatcher/internal/queue"
	"digest-dispatcher/internal/telemetry"
)

// Limiter admits or rejects a request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// Server wires HTTP handlers for operators.
type Server struct {
	transport  queue.Transport
	inputQueue string
	endpoints  *cache.Endpoints
	limiter    Limiter
	logger     logrus.FieldLogger
}

// New constructs the server. limiter may be nil.
func New(transport queue.Transport, inputQueue string, endpoints *cache.Endpoints, limiter Limiter, logger logrus.FieldLogger) *Server {
	return &Server{
		transport:  transport,
		inputQueue: inputQueue,
		endpoints:  endpoints,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/endpoints", s.handleEndpoints)
	r.Post("/jobs", s.handleSubmit)
	return r
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.endpoints.Snapshot()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := clientFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:submit:%s", client))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.SubmitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := job.Encode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.transport.Publish(r.Context(), s.inputQueue, body); err != nil {
		s.logger.WithError(err).WithField("JobID", job.ID).Error("submit failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	s.logger.WithFields(logrus.Fields{"JobID": job.ID, "ObjectKey": job.ObjectKey, "Client": client}).Info("job submitted")
	writeJSON(w, http.StatusAccepted, job)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
