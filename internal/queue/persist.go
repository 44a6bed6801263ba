package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

const stateVersion = 1

// persistedState is the on-disk queue snapshot
type persistedState struct {
	Version int                            `json:"version"`
	SavedAt time.Time                      `json:"saved_at"`
	Queues  map[string][]domain.QueuedItem `json:"queues"`
}

// stateFile persists queues as JSON with an advisory lock so two
// orchestrator processes never share a data directory.
type stateFile struct {
	path string
	lock *fileLock
}

func newStateFile(dataDir string) (*stateFile, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	lock, err := acquireLock(filepath.Join(dataDir, "queue.lock"))
	if err != nil {
		return nil, err
	}

	return &stateFile{
		path: filepath.Join(dataDir, "queue.json"),
		lock: lock,
	}, nil
}

func (s *stateFile) load() (map[string][]domain.QueuedItem, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]domain.QueuedItem), nil
		}
		return nil, err
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt queue state: %w", err)
	}
	if state.Queues == nil {
		state.Queues = make(map[string][]domain.QueuedItem)
	}
	return state.Queues, nil
}

// save writes the state atomically: temp file in the same directory, then
// rename over the old file.
func (s *stateFile) save(queues map[string][]domain.QueuedItem) error {
	state := persistedState{
		Version: stateVersion,
		SavedAt: time.Now(),
		Queues:  queues,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *stateFile) close() error {
	return s.lock.release()
}
