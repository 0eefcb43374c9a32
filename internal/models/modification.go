package models

// Modification is one user's draft delta layered on a mirror record.
// At most one open modification exists per (mirror, user).
type Modification struct {
	ID             UUID       `db:"id" json:"id"`
	MirrorID       UUID       `db:"mirror_id" json:"mirror_id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	ExternalID     string     `db:"external_id" json:"external_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Delta          Fields     `db:"delta" json:"delta"`
	ModifiedFields StringList `db:"modified_fields" json:"modified_fields"`
	ChangeReason   string     `db:"change_reason" json:"change_reason,omitempty"`
	State          SyncState  `db:"-" json:"-"`
	BaseVersion    int64      `db:"base_version" json:"base_version"`
	CurrentVersion int64      `db:"current_version" json:"current_version"`
	CreatedAt      int64      `db:"created_at" json:"created_at"`
	UpdatedAt      int64      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Modification.
func (Modification) TableName() string {
	return "modifications"
}

// Status returns the discriminator of the current state.
func (m *Modification) Status() SyncStatus {
	if m.State == nil {
		return StatusDraft
	}
	return m.State.Status()
}

// RetryCount returns the failure count carried by a sync_error state.
func (m *Modification) RetryCount() int {
	if f, ok := m.State.(SyncFailed); ok {
		return f.RetryCount
	}
	return 0
}

// ApplyEdit merges fields into the delta and records them as modified.
func (m *Modification) ApplyEdit(fields Fields, reason string) {
	if m.Delta == nil {
		m.Delta = Fields{}
	}
	for k, v := range fields {
		m.Delta[k] = v
	}
	m.ModifiedFields = m.ModifiedFields.Union(fields.Keys())
	if reason != "" {
		m.ChangeReason = reason
	}
}

// DropField removes name from the delta.
func (m *Modification) DropField(name string) {
	delete(m.Delta, name)
	kept := m.ModifiedFields[:0:0]
	for _, f := range m.ModifiedFields {
		if f != name {
			kept = append(kept, f)
		}
	}
	m.ModifiedFields = kept
}
