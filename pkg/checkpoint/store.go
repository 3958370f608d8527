package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Store persists the checkpoint to a single file path.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a checkpoint store for the given path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Path returns the canonical checkpoint path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the checkpoint. A missing file returns (nil, nil).
// A structurally invalid checkpoint is treated as absent with a warning
// rather than aborting the run: restarting from scratch is always safe,
// losing the run to an unreadable file is not.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", s.path).
			Msg("Checkpoint is not valid JSON, starting fresh")
		return nil, nil
	}

	if err := state.Validate(); err != nil {
		s.logger.Warn().
			Err(err).
			Str("path", s.path).
			Msg("Checkpoint failed validation, starting fresh")
		return nil, nil
	}

	s.logger.Info().
		Int("processed", state.ProcessedCount).
		Int("total", state.TotalCount).
		Time("saved_at", state.SavedAt).
		Msg("Checkpoint loaded")

	return &state, nil
}

// Save persists the state atomically: the document is written to a
// temporary file in the same directory, synced, and renamed over the
// canonical path. A crash mid-save leaves either the previous checkpoint or
// none, never a truncated one.
func (s *Store) Save(state *State) error {
	state.normalize()
	state.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	s.logger.Debug().
		Int("processed", state.ProcessedCount).
		Int("total", state.TotalCount).
		Str("path", s.path).
		Msg("Checkpoint saved")

	return nil
}

// Delete removes the checkpoint. Called only once the run has completed and
// the final artifact is on disk. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
