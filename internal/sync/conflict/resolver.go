// Package conflict detects field-level collisions between a user's delta
// and concurrent mirror changes, and applies per-field resolutions.
package conflict

import (
	"encoding/json"
	"sort"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// Detect returns one Conflict per delta field that also changed on the
// mirror after the modification's base version. It returns nil when the
// base version is current or the field sets are disjoint, in which case
// the push may rebase and proceed.
func Detect(m *models.Modification, mirror *models.MirrorRecord, changedSince []string) []*models.Conflict {
	if m.BaseVersion >= mirror.Version {
		return nil
	}

	changed := make(map[string]bool, len(changedSince))
	for _, f := range changedSince {
		changed[f] = true
	}

	fields := m.Delta.Keys()
	sort.Strings(fields)

	var out []*models.Conflict
	for _, field := range fields {
		if !changed[field] {
			continue
		}
		out = append(out, &models.Conflict{
			ModificationID: m.ID,
			FieldName:      field,
			LocalValue:     mustJSON(m.Delta[field]),
			RemoteValue:    mustJSON(mirror.Payload[field]),
			RemoteVersion:  mirror.Version,
		})
	}

	if len(out) > 0 {
		logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
			"modification_id": m.ID.String(),
			"external_id":     m.ExternalID,
			"base_version":    m.BaseVersion,
			"mirror_version":  mirror.Version,
			"fields":          len(out),
		})
	}
	return out
}

// mustJSON encodes a value that came from decoded JSON and so always
// re-encodes.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// Outcome says where a resolution left the modification.
type Outcome string

const (
	// OutcomePending means other conflicts of the modification remain.
	OutcomePending Outcome = "pending"
	// OutcomeRequeued means every conflict is resolved and the rebased
	// delta is committed again.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeAbsorbed means every field was given up to the remote value,
	// leaving nothing to write.
	OutcomeAbsorbed Outcome = "absorbed"
)

// Apply resolves target on m. all holds every conflict of m, target
// included. use_local keeps the delta's value, use_remote drops the field
// from the delta and merge writes merged into it. Once nothing is
// unresolved the modification is rebased onto the remote version the
// conflicts were raised against and returns to committed, or is retired
// when its delta is empty.
func Apply(m *models.Modification, target *models.Conflict, all []*models.Conflict, resolution models.Resolution, merged json.RawMessage, now time.Time) (Outcome, error) {
	if !resolution.Valid() {
		return "", apperrors.Newf(apperrors.ErrValidation, "unknown resolution %q", resolution)
	}
	if target.Resolved {
		return "", apperrors.Newf(apperrors.ErrInvalidTransition, "conflict on %s is already resolved", target.FieldName)
	}

	switch resolution {
	case models.ResolveUseLocal:
		if _, ok := m.Delta[target.FieldName]; !ok {
			var local interface{}
			if err := json.Unmarshal(target.LocalValue, &local); err != nil {
				return "", apperrors.Wrap(apperrors.ErrInternal, "decode local value", err)
			}
			m.ApplyEdit(models.Fields{target.FieldName: local}, "")
		}
	case models.ResolveUseRemote:
		m.DropField(target.FieldName)
	case models.ResolveMerge:
		if len(merged) == 0 || !json.Valid(merged) {
			return "", apperrors.New(apperrors.ErrValidation, "merge resolution requires a JSON merged value")
		}
		var value interface{}
		if err := json.Unmarshal(merged, &value); err != nil {
			return "", apperrors.Wrap(apperrors.ErrValidation, "decode merged value", err)
		}
		m.ApplyEdit(models.Fields{target.FieldName: value}, "")
		target.MergedValue = merged
	}

	target.Resolution = resolution
	target.Resolved = true
	target.ResolvedAt = now.Unix()

	var (
		remaining     []string
		remoteVersion = m.BaseVersion
	)
	for _, c := range all {
		if !c.Resolved {
			remaining = append(remaining, c.FieldName)
		}
		if c.RemoteVersion > remoteVersion {
			remoteVersion = c.RemoteVersion
		}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"modification_id": m.ID.String(),
		"field":           target.FieldName,
		"resolution":      string(resolution),
		"remaining":       len(remaining),
	})

	if len(remaining) > 0 {
		m.State = models.Conflicted{Fields: remaining}
		return OutcomePending, nil
	}

	m.BaseVersion = remoteVersion
	m.CurrentVersion = remoteVersion
	if len(m.Delta) == 0 {
		m.State = models.Succeeded{Version: remoteVersion}
		return OutcomeAbsorbed, nil
	}
	m.State = models.Committed{}
	return OutcomeRequeued, nil
}
