// Package api is the thin producer-facing HTTP adapter. The orchestration
// core never depends on it.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/etlq/internal/domain"
	"github.com/you/etlq/internal/engine"
	"github.com/you/etlq/internal/storage"
)

type App struct {
	Engine *engine.Engine
	Log    *zap.Logger
}

func (a *App) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/v1/healthz", a.health)
	r.Post("/v1/jobs", a.enqueue)
	r.Get("/v1/jobs/{id}", a.status)
	r.Get("/v1/stats", a.stats)
	return r
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (a *App) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	id, err := a.Engine.Enqueue(r.Context(),
		domain.QueueName(req.Queue), domain.Kind(req.Kind), req.Payload,
		domain.EnqueueOptions{
			Delay:       time.Duration(req.DelayMs) * time.Millisecond,
			MaxAttempts: req.MaxAttempts,
			DedupeKey:   req.DedupeKey,
		})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownQueue) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		a.Log.Error("enqueue failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := a.Engine.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		a.Log.Error("status lookup failed", zap.String("job_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Engine.Stats(r.Context())
	if err != nil {
		a.Log.Error("stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    stats,
		"workers": a.Engine.PoolMetrics(),
	})
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
