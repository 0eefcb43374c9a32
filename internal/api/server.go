// Package api exposes merged records, modification lifecycle actions and
// sync controls over HTTP. The organization and user come from headers set
// by the authorization layer in front of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/mirror"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/queue"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/scheduler"
)

const (
	HeaderOrganization = "X-Organization-ID"
	HeaderUser         = "X-User-ID"
)

// SyncController runs on-demand ticks and reports scheduler state.
type SyncController interface {
	TriggerPairing(ctx context.Context, p models.Pairing) *syncpkg.TickResult
	GetStatus() scheduler.Status
	Queued(organizationID string) []*queue.Item
}

// MetricsSource reports per-mapping source metrics.
type MetricsSource interface {
	Metrics(ctx context.Context, entityType, organizationID string) ([]models.SourceMetrics, error)
}

// Server holds the HTTP handlers.
type Server struct {
	merge   *mirror.Engine
	sync    SyncController
	metrics MetricsSource
	ws      http.Handler
	logger  *logging.Logger
	started time.Time
}

// NewServer creates a Server. ws may be nil when real-time events are not
// served from this process.
func NewServer(merge *mirror.Engine, sync SyncController, metrics MetricsSource, ws http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Get()
	}
	return &Server{
		merge:   merge,
		sync:    sync,
		metrics: metrics,
		ws:      ws,
		logger:  logger.With(map[string]interface{}{"component": "api"}),
		started: time.Now(),
	}
}

// Routes returns the router for every endpoint.
func (s *Server) Routes(wsPrefix string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.Health)

	mux.HandleFunc("GET /api/records", s.scoped(s.ListRecords))
	mux.HandleFunc("GET /api/records/{externalId}", s.scoped(s.GetRecord))
	mux.HandleFunc("POST /api/records/{externalId}/edits", s.scoped(s.EditRecord))

	mux.HandleFunc("GET /api/modifications/{id}", s.scoped(s.GetModification))
	mux.HandleFunc("POST /api/modifications/{id}/commit", s.scoped(s.CommitModification))
	mux.HandleFunc("DELETE /api/modifications/{id}", s.scoped(s.DiscardModification))
	mux.HandleFunc("GET /api/modifications/{id}/conflicts", s.scoped(s.ListConflicts))
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.scoped(s.ResolveConflict))

	mux.HandleFunc("GET /api/sources/metrics", s.scoped(s.SourceMetrics))
	mux.HandleFunc("POST /api/sync/{entityType}/trigger", s.scoped(s.TriggerSync))
	mux.HandleFunc("GET /api/sync/status", s.SyncStatus)
	mux.HandleFunc("GET /api/sync/queue", s.scoped(s.SyncQueue))

	if s.ws != nil && wsPrefix != "" {
		mux.Handle(wsPrefix, s.ws)
	}
	return mux
}

// =====================================================
// Helpers
// =====================================================

type scopedHandler func(w http.ResponseWriter, r *http.Request, org string)

// scoped rejects requests without an organization.
func (s *Server) scoped(next scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(HeaderOrganization)
		if org == "" {
			writeError(w, http.StatusBadRequest, apperrors.ErrValidation, HeaderOrganization+" header is required")
			return
		}
		next(w, r, org)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrInvalidTransition, apperrors.ErrModificationBusy, apperrors.ErrVersionMoved, apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrNoSource, apperrors.ErrConfiguration:
		return http.StatusFailedDependency
	case apperrors.ErrTransientExternal, apperrors.ErrSyncTimeout, apperrors.ErrPermanentExternal, apperrors.ErrArchivalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err. Internal errors are logged and hidden from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.ErrorWithCode("request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		writeError(w, status, code, "internal error")
		return
	}
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	writeError(w, status, code, message)
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.ErrValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// Health handles GET /api/health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": "pfasync",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.sync != nil {
		body["scheduler_running"] = s.sync.GetStatus().IsRunning
	}
	writeJSON(w, http.StatusOK, body)
}
