package logbook

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// Recorder writes lifecycle events into one logbook per run. It is meant to
// sit behind a router subscription.
type Recorder struct {
	runsDir string
	mu      sync.Mutex
	books   map[string]*Logbook
}

// NewRecorder journals runs under runsDir/<run-id>/logbook.log.
func NewRecorder(runsDir string) *Recorder {
	return &Recorder{runsDir: runsDir, books: map[string]*Logbook{}}
}

// Book returns the logbook for a run, creating it on first use.
func (r *Recorder) Book(runID string) (*Logbook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if book, ok := r.books[runID]; ok {
		return book, nil
	}
	book, err := New(filepath.Join(r.runsDir, runID, FileName))
	if err != nil {
		return nil, fmt.Errorf("logbook: %w", err)
	}
	r.books[runID] = book
	return book, nil
}

// HandleEvent appends a line describing the event. Progress events are
// skipped; the task lines already convey them.
func (r *Recorder) HandleEvent(event lifecycle.Event) error {
	if event.RunID == "" || event.Kind == lifecycle.KindProgress {
		return nil
	}
	book, err := r.Book(event.RunID)
	if err != nil {
		return err
	}
	book.AppendAt(event.Time, levelFor(event), lineFor(event))
	if event.Kind.Terminal() {
		r.mu.Lock()
		delete(r.books, event.RunID)
		r.mu.Unlock()
	}
	return nil
}

func levelFor(event lifecycle.Event) Level {
	switch event.Kind {
	case lifecycle.KindTaskFailed:
		return LevelError
	case lifecycle.KindTaskBlocked, lifecycle.KindTaskCancelled:
		return LevelWarn
	case lifecycle.KindDiagnostic:
		if event.Level == lifecycle.LevelWarn {
			return LevelWarn
		}
	}
	return LevelInfo
}

func lineFor(event lifecycle.Event) string {
	if event.Kind == lifecycle.KindWorkflowFinished && event.Run != nil {
		return fmt.Sprintf("[%s] workflow %s %s: %d completed, %d failed, %d blocked, %d cancelled",
			event.Kind, event.Run.WorkflowID, event.Run.Status,
			event.Run.Completed, event.Run.Failed, event.Run.Blocked, event.Run.Cancelled)
	}
	return fmt.Sprintf("[%s] %s", event.Kind, event.Message)
}
