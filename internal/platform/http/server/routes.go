package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/auth"
	httpmw "github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/middleware"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/reconcile"
	"github.com/MahdiBaghbani/ldapmailsync/internal/runner"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Running   bool              `json:"running"`
	UptimeSec int64             `json:"uptime_seconds"`
	LastError string            `json:"last_error,omitempty"`
	Last      *reconcile.Report `json:"last_report,omitempty"`
}

// setupRoutes creates the chi router.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Order: RealIP -> RequestID -> request logger -> access log -> recoverer.
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(httpmw.RequestLoggerMiddleware(s.logger))
	r.Use(httpmw.AccessLogMiddleware(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.With(auth.NewAPIKeyGate(s.cfg.APIKeyHash, s.logger)).Post("/cycles", s.handleTriggerCycle)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, lastErr := s.cfg.Runner.Last()
	resp := StatusResponse{
		Running:   s.cfg.Runner.Running(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Last:      last,
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTriggerCycle runs one cycle and answers with its report. The cycle
// outlives a disconnecting client.
func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	log := logutil.FromContextOr(r.Context(), s.logger)
	rep, err := s.cfg.Runner.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, runner.ErrCycleInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case rep == nil && err != nil:
		log.Error("triggered cycle failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case err != nil:
		log.Error("triggered cycle aborted", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
	default:
		log.Info("triggered cycle finished", "run_id", rep.RunID, "errors", len(rep.Errors))
		writeJSON(w, http.StatusOK, rep)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
