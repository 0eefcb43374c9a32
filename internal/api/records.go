package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/mirror"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/uuid"
)

const defaultPageSize = 100

// modificationView adds the lifecycle state, which models.Modification
// keeps out of its JSON form.
type modificationView struct {
	*models.Modification
	Status models.SyncStatus `json:"status"`
	State  models.SyncState  `json:"state"`
}

func viewOf(m *models.Modification) modificationView {
	return modificationView{Modification: m, Status: m.Status(), State: m.State}
}

// =====================================================
// Merged records
// =====================================================

// ListRecords handles GET /api/records?entity_type=&limit=&offset=
func (s *Server) ListRecords(w http.ResponseWriter, r *http.Request, org string) {
	entityType := r.URL.Query().Get("entity_type")
	if entityType == "" {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "entity_type is required")
		return
	}
	limit, err := intQuery(r, "limit", defaultPageSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	records, err := s.merge.ListMerged(r.Context(), org, entityType, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []*mirror.MergedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetRecord handles GET /api/records/{externalId}. With ?view=mine only
// the caller's own delta is overlaid.
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request, org string) {
	externalID := r.PathValue("externalId")

	var (
		record *mirror.MergedRecord
		err    error
	)
	if r.URL.Query().Get("view") == "mine" {
		user := r.Header.Get(HeaderUser)
		if user == "" {
			writeError(w, http.StatusBadRequest, apperrors.ErrValidation, HeaderUser+" header is required")
			return
		}
		record, err = s.merge.GetMergedForUser(r.Context(), org, externalID, user)
	} else {
		record, err = s.merge.GetMerged(r.Context(), org, externalID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// EditRecord handles POST /api/records/{externalId}/edits
func (s *Server) EditRecord(w http.ResponseWriter, r *http.Request, org string) {
	var request struct {
		Fields models.Fields `json:"fields"`
		Reason string        `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}

	m, err := s.merge.Edit(r.Context(), mirror.EditRequest{
		OrganizationID: org,
		ExternalID:     r.PathValue("externalId"),
		UserID:         r.Header.Get(HeaderUser),
		Fields:         request.Fields,
		Reason:         request.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// =====================================================
// Modification lifecycle
// =====================================================

// pathID reads the {id} path value, which must be a row id.
func pathID(r *http.Request) (models.UUID, error) {
	raw := r.PathValue("id")
	if err := uuid.Validate(raw); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "id must be a UUID v4", err)
	}
	return models.UUID(raw), nil
}

// GetModification handles GET /api/modifications/{id}
func (s *Server) GetModification(w http.ResponseWriter, r *http.Request, org string) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.merge.GetModification(r.Context(), org, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// CommitModification handles POST /api/modifications/{id}/commit
func (s *Server) CommitModification(w http.ResponseWriter, r *http.Request, org string) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.merge.Commit(r.Context(), org, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(m))
}

// DiscardModification handles DELETE /api/modifications/{id}
func (s *Server) DiscardModification(w http.ResponseWriter, r *http.Request, org string) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.merge.Discard(r.Context(), org, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/modifications/{id}/conflicts
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request, org string) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conflicts, err := s.merge.ListConflicts(r.Context(), org, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request, org string) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var request struct {
		Resolution  models.Resolution `json:"resolution"`
		MergedValue json.RawMessage   `json:"merged_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}

	res, err := s.merge.ResolveConflict(r.Context(), mirror.ResolveRequest{
		OrganizationID: org,
		ConflictID:     id,
		Resolution:     request.Resolution,
		MergedValue:    request.MergedValue,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outcome":      res.Outcome,
		"conflict":     res.Conflict,
		"modification": viewOf(res.Modification),
	})
}
