// Package api serves the published sync artifacts over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/sirupsen/logrus"
)

// StateReader reads the workflow progress row. *db.DB implements it.
type StateReader interface {
	GetWorkflowState(ctx context.Context) (*db.WorkflowState, error)
}

// ArtifactReader reads published cache keys as raw JSON. *cache.SQLite implements it.
type ArtifactReader interface {
	GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error)
}

// TriggerFunc asks the scheduler for a run. It reports false when a run is
// already waiting to start.
type TriggerFunc func() bool

// Handler is the container for API dependencies.
type Handler struct {
	state     StateReader
	artifacts ArtifactReader
	trigger   TriggerFunc
	logger    logrus.FieldLogger
}

// NewRouter creates the chi router with all API routes.
func NewRouter(state StateReader, artifacts ArtifactReader, trigger TriggerFunc, logger logrus.FieldLogger) http.Handler {
	h := &Handler{
		state:     state,
		artifacts: artifacts,
		trigger:   trigger,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.healthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", h.getState)
		r.Get("/skills", h.artifact(cache.KeySkillsContent))
		r.Get("/profile", h.artifact(cache.KeyProfileSummary))
		r.Post("/trigger", h.postTrigger)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getState handles GET /api/v1/state
func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	st, err := h.state.GetWorkflowState(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read workflow state")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

// artifact serves one published cache key verbatim.
func (h *Handler) artifact(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok, err := h.artifacts.GetRaw(r.Context(), key)
		if err != nil {
			h.logger.WithError(err).WithField("key", key).Error("Failed to read artifact")
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !ok {
			respondWithError(w, http.StatusNotFound, "Not generated yet")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
	}
}

// postTrigger handles POST /api/v1/trigger
func (h *Handler) postTrigger(w http.ResponseWriter, r *http.Request) {
	status := "queued"
	if !h.trigger() {
		status = "already-queued"
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// requestLogger logs each request through logrus.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}
