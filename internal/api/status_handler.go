package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/progress"
)

// StatusHandler serves the live counters of the current run.
type StatusHandler struct {
	tracker *progress.Tracker
}

func NewStatusHandler(tracker *progress.Tracker) *StatusHandler {
	return &StatusHandler{tracker: tracker}
}

// Progress handles GET /api/v1/progress
func (h *StatusHandler) Progress(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.tracker.Snapshot())
}

// Outcomes handles GET /api/v1/outcomes, optionally filtered by ?status=
func (h *StatusHandler) Outcomes(w http.ResponseWriter, r *http.Request) {
	outcomes := h.tracker.Outcomes()

	if want := r.URL.Query().Get("status"); want != "" {
		filtered := make([]inventory.HostOutcome, 0, len(outcomes))
		for _, o := range outcomes {
			if string(o.Status) == want {
				filtered = append(filtered, o)
			}
		}
		outcomes = filtered
	}
	if outcomes == nil {
		outcomes = []inventory.HostOutcome{}
	}

	sendJSON(w, http.StatusOK, outcomes)
}

// Outcome handles GET /api/v1/outcomes/{ip}
func (h *StatusHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	for _, o := range h.tracker.Outcomes() {
		if o.Address == ip {
			sendJSON(w, http.StatusOK, o)
			return
		}
	}
	sendError(w, r, http.StatusNotFound, "NOT_FOUND", "No outcome recorded for "+ip)
}

// HistoryHandler serves persisted runs.
type HistoryHandler struct {
	history History
	logger  *slog.Logger
}

func NewHistoryHandler(history History, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logger}
}

// ScanRecords handles GET /api/v1/runs/{runID}/scan
func (h *HistoryHandler) ScanRecords(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "runID")
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid run ID format")
		return
	}

	records, err := h.history.ScanRecords(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to read scan records", "run_id", runID, "error", err)
		sendError(w, r, http.StatusInternalServerError, "DB_ERROR", "Failed to read scan records")
		return
	}

	sendJSON(w, http.StatusOK, records)
}

// Outcomes handles GET /api/v1/runs/{runID}/outcomes
func (h *HistoryHandler) Outcomes(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "runID")
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid run ID format")
		return
	}

	outcomes, err := h.history.Outcomes(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to read outcomes", "run_id", runID, "error", err)
		sendError(w, r, http.StatusInternalServerError, "DB_ERROR", "Failed to read outcomes")
		return
	}

	sendJSON(w, http.StatusOK, outcomes)
}
