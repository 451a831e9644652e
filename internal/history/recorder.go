package history

import (
	"context"
	"time"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

const writeTimeout = 5 * time.Second

// Recorder writes lifecycle events into a Store. It satisfies
// eventbridge.Sink.
type Recorder struct {
	store *Store
}

// NewRecorder returns a sink backed by store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// HandleEvent records the event and refreshes the run and task rows it
// carries snapshots for.
func (r *Recorder) HandleEvent(event lifecycle.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.EnsureRun(ctx, event.RunID, event.WorkflowID, event.Time); err != nil {
		return err
	}
	if event.Task != nil {
		if err := r.store.SaveTask(ctx, event.RunID, *event.Task); err != nil {
			return err
		}
	}
	switch {
	case event.Run != nil:
		if err := r.store.SaveRun(ctx, *event.Run); err != nil {
			return err
		}
	case event.Kind == lifecycle.KindProgress && event.Progress != nil:
		if err := r.store.SaveProgress(ctx, event.RunID, *event.Progress); err != nil {
			return err
		}
	}
	return r.store.AppendEvent(ctx, event)
}
