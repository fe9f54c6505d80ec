// Package api serves the read-only status endpoints of a running inventory.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nmslite/fleetinv/internal/inventory"
	"github.com/nmslite/fleetinv/internal/middleware"
	"github.com/nmslite/fleetinv/internal/progress"
	"github.com/nmslite/fleetinv/internal/scanner"
)

// History reads persisted runs. *store.Store satisfies it.
type History interface {
	ScanRecords(ctx context.Context, runID uuid.UUID) ([]scanner.Record, error)
	Outcomes(ctx context.Context, runID uuid.UUID) ([]inventory.HostOutcome, error)
}

// NewRouter builds the status API. history may be nil, in which case the /runs routes are not mounted.
func NewRouter(tracker *progress.Tracker, history History, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.StripSlashes)

	health := NewHealthHandler()
	status := NewStatusHandler(tracker)

	r.Get("/health", health.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/progress", status.Progress)
		r.Get("/outcomes", status.Outcomes)
		r.Get("/outcomes/{ip}", status.Outcome)

		if history != nil {
			runs := NewHistoryHandler(history, logger)
			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/scan", runs.ScanRecords)
				r.Get("/outcomes", runs.Outcomes)
			})
		}
	})

	return r
}
