package api

import (
	"net/http"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/queue"
)

// SourceMetrics handles GET /api/sources/metrics?entity_type=
func (s *Server) SourceMetrics(w http.ResponseWriter, r *http.Request, org string) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, apperrors.ErrConfiguration, "source metrics are not available")
		return
	}
	entityType := r.URL.Query().Get("entity_type")
	if entityType == "" {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "entity_type is required")
		return
	}

	metrics, err := s.metrics.Metrics(r.Context(), entityType, org)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if metrics == nil {
		metrics = []models.SourceMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": metrics})
}

// TriggerSync handles POST /api/sync/{entityType}/trigger. It runs one
// tick for the caller's pairing and waits for it.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request, org string) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, apperrors.ErrConfiguration, "sync is not running in this process")
		return
	}
	pairing := models.Pairing{OrganizationID: org, EntityType: r.PathValue("entityType")}
	result := s.sync.TriggerPairing(r.Context(), pairing)
	writeJSON(w, http.StatusOK, tickSummary(result))
}

// SyncStatus handles GET /api/sync/status
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, apperrors.ErrConfiguration, "sync is not running in this process")
		return
	}
	st := s.sync.GetStatus()
	body := map[string]interface{}{
		"running":       st.IsRunning,
		"ticks":         st.Ticks,
		"ticks_running": st.TicksRunning,
		"pushes":        st.QueuedPushes,
		"queue":         st.QueueStats,
	}
	if st.LastTickTime != nil {
		body["last_tick"] = st.LastTickTime.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// SyncQueue handles GET /api/sync/queue and lists the caller's pending
// pushes in queue order.
func (s *Server) SyncQueue(w http.ResponseWriter, r *http.Request, org string) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, apperrors.ErrConfiguration, "sync is not running in this process")
		return
	}
	items := s.sync.Queued(org)
	if items == nil {
		items = []*queue.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func tickSummary(res *syncpkg.TickResult) map[string]interface{} {
	body := map[string]interface{}{
		"pairing":   res.Pairing.String(),
		"skipped":   res.Skipped,
		"conflicts": res.Conflicts(),
	}
	if res.PullErr != nil {
		body["pull_error"] = res.PullErr.Error()
		body["pull_error_code"] = apperrors.CodeOf(res.PullErr)
	}
	if p := res.Pull; p != nil {
		pull := map[string]interface{}{
			"source":      p.SourceID,
			"fetched":     p.Fetched,
			"created":     p.Created,
			"updated":     p.Updated,
			"unchanged":   p.Unchanged,
			"stale":       p.Stale,
			"skipped":     p.Skipped,
			"duration_ms": p.Duration.Milliseconds(),
		}
		if p.Archive != nil {
			pull["archive_id"] = p.Archive.ID
		}
		body["pull"] = pull
	}

	outcomes := make(map[syncpkg.PushOutcome]int)
	for _, push := range res.Pushes {
		outcomes[push.Outcome]++
	}
	body["pushes"] = outcomes
	return body
}
