package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// Normalizer turns one raw source record into a mirror upsert.
type Normalizer interface {
	Normalize(organizationID, entityType string, raw json.RawMessage) (models.MirrorUpsert, error)
}

// FieldNormalizer reads the external id from a top-level field of a JSON
// object record. The payload is the object itself.
type FieldNormalizer struct {
	IDField string
}

// Normalize implements Normalizer.
func (n FieldNormalizer) Normalize(organizationID, entityType string, raw json.RawMessage) (models.MirrorUpsert, error) {
	field := n.IDField
	if field == "" {
		field = "id"
	}

	var payload models.Fields
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return models.MirrorUpsert{}, apperrors.Wrap(apperrors.ErrValidation, "record is not a JSON object", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return models.MirrorUpsert{}, apperrors.New(apperrors.ErrValidation, "record has trailing data")
	}
	if payload == nil {
		return models.MirrorUpsert{}, apperrors.New(apperrors.ErrValidation, "record is null")
	}
	externalID, err := idString(payload[field])
	if err != nil {
		return models.MirrorUpsert{}, apperrors.Wrap(apperrors.ErrValidation, "record field "+field, err)
	}
	models.ExactNumbers(payload)

	return models.MirrorUpsert{
		OrganizationID:    organizationID,
		ExternalID:        externalID,
		EntityType:        entityType,
		Payload:           payload,
		SourceFingerprint: Fingerprint(raw),
	}, nil
}

func idString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", apperrors.New(apperrors.ErrValidation, "is empty")
		}
		return t, nil
	case json.Number:
		return t.String(), nil
	case nil:
		return "", apperrors.New(apperrors.ErrValidation, "is missing")
	default:
		return "", apperrors.Newf(apperrors.ErrValidation, "has unsupported type %T", v)
	}
}

// Fingerprint hashes the compacted record so whitespace changes in the
// source do not count as new data.
func Fingerprint(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
