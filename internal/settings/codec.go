package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/boxset/internal/profile"
)

// backupKind tags every backup document so unrelated JSON is rejected.
const backupKind = "boxset/containers-backup"

// BackupDocument is an ordered snapshot of the profile set.
type BackupDocument struct {
	CreatedAt time.Time
	Profiles  []profile.Profile
}

type backupEnvelope struct {
	Kind      string             `json:"kind"`
	CreatedAt time.Time          `json:"created_at"`
	Profiles  *[]profile.Profile `json:"profiles"`
}

// EncodeBackup serializes doc. The output always decodes with DecodeBackup.
func EncodeBackup(doc BackupDocument) ([]byte, error) {
	profiles := doc.Profiles
	if profiles == nil {
		profiles = []profile.Profile{}
	}
	data, err := json.MarshalIndent(backupEnvelope{
		Kind:      backupKind,
		CreatedAt: doc.CreatedAt.UTC(),
		Profiles:  &profiles,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeBackup parses a document produced by EncodeBackup. It checks
// structure only: unknown fields, a foreign kind, a missing profile list or
// trailing data are errors; profile contents are not validated.
func DecodeBackup(data []byte) (BackupDocument, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env backupEnvelope
	if err := dec.Decode(&env); err != nil {
		return BackupDocument{}, fmt.Errorf("decoding backup: %w", err)
	}
	if env.Kind != backupKind {
		return BackupDocument{}, fmt.Errorf("unexpected document kind %q", env.Kind)
	}
	if env.Profiles == nil {
		return BackupDocument{}, errors.New("document has no profile list")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return BackupDocument{}, errors.New("trailing data after document")
	}
	return BackupDocument{CreatedAt: env.CreatedAt, Profiles: *env.Profiles}, nil
}
