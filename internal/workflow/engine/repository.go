package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/reconflow/internal/workflow"
)

// StateFileName is the per-run snapshot written inside the run directory.
const StateFileName = "state.json"

// ErrStateNotFound is returned when no persisted state exists for a run.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore persists run snapshots.
type StateStore interface {
	Load(runID string) (workflow.WorkflowRun, error)
	Save(run workflow.WorkflowRun) error
}

// Repository stores each run's state under <dir>/<run-id>/state.json.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at the runs directory.
func NewRepository(runsDir string) *Repository {
	return &Repository{dir: runsDir}
}

// Path returns the state file for a run.
func (r *Repository) Path(runID string) string {
	return filepath.Join(r.dir, runID, StateFileName)
}

// Load reads the persisted state if present.
func (r *Repository) Load(runID string) (workflow.WorkflowRun, error) {
	data, err := os.ReadFile(r.Path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return workflow.WorkflowRun{}, fmt.Errorf("%w: %s", ErrStateNotFound, runID)
		}
		return workflow.WorkflowRun{}, err
	}
	var run workflow.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return workflow.WorkflowRun{}, fmt.Errorf("workflow engine: decode state for %s: %w", runID, err)
	}
	return run, nil
}

// Save writes the run state, replacing the previous file atomically.
func (r *Repository) Save(run workflow.WorkflowRun) error {
	if run.RunID == "" {
		return fmt.Errorf("workflow engine: run id is required")
	}
	path := r.Path(run.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
