package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/services/jobs"
)

// InFlightCounter reports how many containers are currently running
type InFlightCounter interface {
	InFlight() int
}

type APIHandler struct {
	jobs     *jobs.Service
	inflight InFlightCounter
	started  time.Time
	logger   arbor.ILogger
}

func NewAPIHandler(jobService *jobs.Service, inflight InFlightCounter, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		jobs:     jobService,
		inflight: inflight,
		started:  time.Now(),
		logger:   logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.Version,
		"build":      common.Build,
		"git_commit": common.GitCommit,
	})
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusHandler reports queue depth and running containers
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	entries, err := h.jobs.Queue(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read dispatch queue for status")
		WriteErrorFor(w, err)
		return
	}

	lastPosition, err := h.jobs.LastPosition(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read last dispatch position")
		WriteErrorFor(w, err)
		return
	}

	queued, claimed := 0, 0
	for _, e := range entries {
		if e.Claimed {
			claimed++
		} else {
			queued++
		}
	}

	started, running := common.WorkerCounts()

	inflight := 0
	if h.inflight != nil {
		inflight = h.inflight.InFlight()
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"version":         common.GetFullVersion(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"queued":          queued,
		"claimed":         claimed,
		"last_position":   lastPosition,
		"in_flight":       inflight,
		"workers_started": started,
		"workers_running": running,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
