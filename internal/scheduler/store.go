package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Store persists the schedule set as a single JSON snapshot file (spec §6
// "JSON snapshot files for ... schedules"), written via a temp-file-then-
// rename so a crash mid-write never leaves a truncated snapshot — the
// same durability shape as the event log's segment rotation.
type Store struct {
	path string
	mu   sync.Mutex
}

// OpenStore returns a Store backed by path. The file need not exist yet;
// Load returns an empty set in that case.
func OpenStore(path string) *Store {
	return &Store{path: path}
}

type snapshot struct {
	Schedules []models.Schedule `json:"schedules"`
}

// Load reads the persisted schedule set, or an empty one if no snapshot
// has been written yet.
func (s *Store) Load() ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("scheduler: decode snapshot: %w", err)
	}
	return snap.Schedules, nil
}

// Save overwrites the snapshot with the given schedule set.
func (s *Store) Save(schedules []models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{Schedules: schedules}, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".schedules-*.tmp")
	if err != nil {
		return fmt.Errorf("scheduler: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("scheduler: write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("scheduler: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("scheduler: rename snapshot: %w", err)
	}
	return nil
}
