// Package rest exposes the agent's local read-only surface to the UI layer:
// session snapshot, sync statistics, monitoring control, and the manual
// reopen trigger.
package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusnet/attendance-agent/internal/geo"
	"github.com/campusnet/attendance-agent/internal/models"
	"github.com/campusnet/attendance-agent/internal/scheduler"
)

// Handler manages HTTP request handlers
type Handler struct {
	coordinator *scheduler.Coordinator
	positions   *geo.Cache
}

// NewHandler creates a new HTTP handler
func NewHandler(coordinator *scheduler.Coordinator, positions *geo.Cache) *Handler {
	return &Handler{coordinator: coordinator, positions: positions}
}

// SetupRoutes configures API routes
func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/session", h.GetSession).Methods("GET")
	router.HandleFunc("/sync/stats", h.GetSyncStats).Methods("GET")
	router.HandleFunc("/sync/drain", h.Drain).Methods("POST")
	router.HandleFunc("/monitoring/enable", h.Enable).Methods("POST")
	router.HandleFunc("/monitoring/disable", h.Disable).Methods("POST")
	router.HandleFunc("/reopen", h.Reopen).Methods("POST")
	router.HandleFunc("/position", h.UpdatePosition).Methods("POST")
	router.HandleFunc("/background/enter", h.EnterBackground).Methods("POST")
	router.HandleFunc("/background/leave", h.LeaveBackground).Methods("POST")
}

// SetupRoot registers the non-versioned endpoints.
func SetupRoot(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "attendance-agent"})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// GetSession handles GET /session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coordinator.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetSyncStats handles GET /sync/stats
func (h *Handler) GetSyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.SyncStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Drain handles POST /sync/drain
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.coordinator.Drain(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Enable handles POST /monitoring/enable
func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Enable(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// Disable handles POST /monitoring/disable
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Disable(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// UpdatePosition handles POST /position: the UI shell owns the platform
// location APIs and pushes fixes here for the validator to consume.
func (h *Handler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	var fix models.GeoPoint
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		respondError(w, http.StatusBadRequest, "invalid position payload")
		return
	}
	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		respondError(w, http.StatusBadRequest, "coordinate out of range")
		return
	}
	h.positions.Update(fix)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// EnterBackground handles POST /background/enter: the UI shell reports the
// app moving to the background so session growth gets capped.
func (h *Handler) EnterBackground(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.EnterBackground(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": "background"})
}

// LeaveBackground handles POST /background/leave, the foreground-return report.
func (h *Handler) LeaveBackground(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.LeaveBackground(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": "foreground"})
}

// Reopen handles POST /reopen, the manual app-resume trigger.
func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.Reopen(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
