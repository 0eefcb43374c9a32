package conflict

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

func newMod(base int64, delta models.Fields) *models.Modification {
	m := &models.Modification{
		ID:             "mod-1",
		MirrorID:       "mirror-1",
		OrganizationID: "ORG1",
		ExternalID:     "R1",
		UserID:         "u1",
		BaseVersion:    base,
		CurrentVersion: base,
		State:          models.Syncing{},
	}
	m.ApplyEdit(delta, "")
	return m
}

// =====================================================
// Detect
// =====================================================

func TestDetect_currentBase(t *testing.T) {
	m := newMod(3, models.Fields{"cost": 100.0})
	mirror := &models.MirrorRecord{Version: 3, Payload: models.Fields{"cost": 50.0}}

	if got := Detect(m, mirror, []string{"cost"}); got != nil {
		t.Errorf("Detect() on current base = %v, want nil", got)
	}
}

func TestDetect_disjointFields(t *testing.T) {
	m := newMod(1, models.Fields{"cost": 100.0})
	mirror := &models.MirrorRecord{Version: 2, Payload: models.Fields{"cost": 50.0, "status": "closed"}}

	if got := Detect(m, mirror, []string{"status"}); len(got) != 0 {
		t.Errorf("Detect() with disjoint fields = %d conflicts, want 0", len(got))
	}
}

func TestDetect_oneConflictPerIntersectingField(t *testing.T) {
	m := newMod(1, models.Fields{"cost": 100.0, "status": "open", "notes": "x"})
	mirror := &models.MirrorRecord{
		Version: 4,
		Payload: models.Fields{"cost": 75.0, "status": "open", "notes": "y", "owner": "z"},
	}

	got := Detect(m, mirror, []string{"status", "cost", "owner"})
	if len(got) != 2 {
		t.Fatalf("Detect() = %d conflicts, want 2", len(got))
	}

	// Sorted by field; equal values still conflict.
	if got[0].FieldName != "cost" || got[1].FieldName != "status" {
		t.Errorf("fields = %s,%s, want cost,status", got[0].FieldName, got[1].FieldName)
	}
	if string(got[0].LocalValue) != "100" || string(got[0].RemoteValue) != "75" {
		t.Errorf("cost values = %s/%s, want 100/75", got[0].LocalValue, got[0].RemoteValue)
	}
	for _, c := range got {
		if c.RemoteVersion != 4 {
			t.Errorf("RemoteVersion = %d, want 4", c.RemoteVersion)
		}
		if c.ModificationID != m.ID {
			t.Errorf("ModificationID = %s, want %s", c.ModificationID, m.ID)
		}
	}
}

func TestDetect_fieldMissingRemotely(t *testing.T) {
	m := newMod(1, models.Fields{"cost": 100.0})
	mirror := &models.MirrorRecord{Version: 2, Payload: models.Fields{}}

	got := Detect(m, mirror, []string{"cost"})
	if len(got) != 1 {
		t.Fatalf("Detect() = %d conflicts, want 1", len(got))
	}
	if string(got[0].RemoteValue) != "null" {
		t.Errorf("RemoteValue = %s, want null", got[0].RemoteValue)
	}
}

// =====================================================
// Apply
// =====================================================

func conflictedMod(t *testing.T) (*models.Modification, []*models.Conflict) {
	t.Helper()
	m := newMod(1, models.Fields{"cost": 100.0, "status": "open"})
	mirror := &models.MirrorRecord{Version: 3, Payload: models.Fields{"cost": 75.0, "status": "closed"}}
	all := Detect(m, mirror, []string{"cost", "status"})
	for i, c := range all {
		c.ID = models.UUID([]string{"c-cost", "c-status"}[i])
	}
	m.State = models.Conflicted{Fields: []string{"cost", "status"}}
	return m, all
}

func TestApply_pendingUntilAllResolved(t *testing.T) {
	m, all := conflictedMod(t)
	now := time.Unix(1700000000, 0)

	outcome, err := Apply(m, all[0], all, models.ResolveUseLocal, nil, now)
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if outcome != OutcomePending {
		t.Errorf("outcome = %s, want %s", outcome, OutcomePending)
	}
	state, ok := m.State.(models.Conflicted)
	if !ok || len(state.Fields) != 1 || state.Fields[0] != "status" {
		t.Errorf("state = %#v, want conflict on status", m.State)
	}
	if !all[0].Resolved || all[0].ResolvedAt != now.Unix() || all[0].Resolution != models.ResolveUseLocal {
		t.Errorf("target not marked resolved: %+v", all[0])
	}
	if m.BaseVersion != 1 {
		t.Errorf("BaseVersion = %d, want 1 while pending", m.BaseVersion)
	}
}

func TestApply_requeuesRebased(t *testing.T) {
	m, all := conflictedMod(t)
	now := time.Now()

	if _, err := Apply(m, all[0], all, models.ResolveUseLocal, nil, now); err != nil {
		t.Fatalf("Apply(cost) failed: %v", err)
	}
	outcome, err := Apply(m, all[1], all, models.ResolveUseRemote, nil, now)
	if err != nil {
		t.Fatalf("Apply(status) failed: %v", err)
	}

	if outcome != OutcomeRequeued {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeRequeued)
	}
	if m.Status() != models.StatusCommitted {
		t.Errorf("status = %s, want committed", m.Status())
	}
	if m.BaseVersion != 3 || m.CurrentVersion != 3 {
		t.Errorf("versions = %d/%d, want 3/3", m.BaseVersion, m.CurrentVersion)
	}
	if _, ok := m.Delta["status"]; ok {
		t.Error("use_remote should drop status from the delta")
	}
	if m.Delta["cost"] != 100.0 {
		t.Errorf("cost = %v, want 100", m.Delta["cost"])
	}
	if m.ModifiedFields.Contains("status") {
		t.Error("status should leave modified fields")
	}
}

func TestApply_mergeWritesValue(t *testing.T) {
	m, all := conflictedMod(t)

	merged := json.RawMessage(`87.5`)
	if _, err := Apply(m, all[0], all, models.ResolveMerge, merged, time.Now()); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if m.Delta["cost"] != 87.5 {
		t.Errorf("cost = %v, want 87.5", m.Delta["cost"])
	}
	if string(all[0].MergedValue) != "87.5" {
		t.Errorf("MergedValue = %s, want 87.5", all[0].MergedValue)
	}
}

func TestApply_allRemoteAbsorbs(t *testing.T) {
	m, all := conflictedMod(t)

	for _, c := range all {
		if _, err := Apply(m, c, all, models.ResolveUseRemote, nil, time.Now()); err != nil {
			t.Fatalf("Apply(%s) failed: %v", c.FieldName, err)
		}
	}
	if m.Status() != models.StatusSuccess {
		t.Errorf("status = %s, want success", m.Status())
	}
	if len(m.Delta) != 0 {
		t.Errorf("delta = %v, want empty", m.Delta)
	}
}

func TestApply_rejects(t *testing.T) {
	tests := []struct {
		name       string
		resolution models.Resolution
		merged     json.RawMessage
		resolved   bool
		code       apperrors.ErrorCode
	}{
		{"unknown resolution", "keep_both", nil, false, apperrors.ErrValidation},
		{"merge without value", models.ResolveMerge, nil, false, apperrors.ErrValidation},
		{"merge with invalid json", models.ResolveMerge, json.RawMessage(`{`), false, apperrors.ErrValidation},
		{"already resolved", models.ResolveUseLocal, nil, true, apperrors.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, all := conflictedMod(t)
			all[0].Resolved = tt.resolved

			_, err := Apply(m, all[0], all, tt.resolution, tt.merged, time.Now())
			if !apperrors.Is(err, tt.code) {
				t.Errorf("Apply() error = %v, want %s", err, tt.code)
			}
		})
	}
}
