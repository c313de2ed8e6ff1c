// Package checkpoint persists optimizer state between generations so an
// interrupted campaign can resume.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

// FormatVersion is bumped when the envelope layout changes.
const FormatVersion = 1

// Snapshot is the durable state of a campaign. State is opaque to this
// package; it belongs to the optimizer that produced it. Nothing
// process-local (locks, pools, open files) is ever part of a snapshot.
type Snapshot struct {
	Version    int             `json:"version"`
	Parameters []string        `json:"parameters"`
	Generation int             `json:"generation"`
	Evaluated  int             `json:"evaluated"`
	SavedAt    time.Time       `json:"saved_at"`
	State      json.RawMessage `json:"state"`
}

// Store reads and writes one checkpoint file.
type Store struct {
	path string
}

// NewStore returns a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint location.
func (s *Store) Path() string { return s.path }

// Save writes snap atomically: the data goes to a temporary file in the same
// directory, is synced, and then renamed over the previous checkpoint.
func (s *Store) Save(snap Snapshot) error {
	snap.Version = FormatVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return apperr.E(apperr.KindLedger, "checkpoint", "Save", err)
	}
	return nil
}

// Load reads the checkpoint. found is false when no checkpoint exists.
func (s *Store) Load() (snap Snapshot, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, apperr.E(apperr.KindConfiguration, "checkpoint", "Load", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, apperr.E(apperr.KindConfiguration, "checkpoint", "Load", err).
			WithMessage("corrupt checkpoint")
	}
	if snap.Version != FormatVersion {
		return Snapshot{}, false, apperr.Configuration("checkpoint",
			"unsupported checkpoint version %d", snap.Version)
	}
	return snap, true, nil
}

// Remove deletes the checkpoint if present.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CheckParameters verifies that a snapshot was taken with the same
// parameter ordering as the current campaign.
func (snap Snapshot) CheckParameters(names []string) error {
	if !slices.Equal(snap.Parameters, names) {
		return apperr.Configuration("checkpoint",
			"checkpoint parameters differ from the calibration document (%d saved, %d now)%s",
			len(snap.Parameters), len(names), firstDifference(snap.Parameters, names))
	}
	return nil
}

func firstDifference(a, b []string) string {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return fmt.Sprintf(": index %d was %q, now %q", i, a[i], b[i])
		}
	}
	return ""
}
