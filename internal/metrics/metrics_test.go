package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

func TestHandleEventCountsTasksAndRuns(t *testing.T) {
	m := New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []lifecycle.Event{
		{RunID: "r1", Kind: lifecycle.KindTaskStarted, Task: &lifecycle.TaskSnapshot{Executor: "command", Status: workflow.TaskRunning}},
		{RunID: "r1", Kind: lifecycle.KindDiagnostic, Level: lifecycle.LevelWarn},
		{RunID: "r1", Kind: lifecycle.KindTaskCompleted, Task: &lifecycle.TaskSnapshot{
			Executor: "command", Status: workflow.TaskCompleted, StartedAt: start, FinishedAt: start.Add(2 * time.Second),
		}},
		{RunID: "r1", Kind: lifecycle.KindTaskBlocked, Task: &lifecycle.TaskSnapshot{Executor: "merge", Status: workflow.TaskBlocked}},
	}
	for _, e := range events {
		require.NoError(t, m.HandleEvent(e))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("command", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("merge", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warnings))

	require.NoError(t, m.HandleEvent(lifecycle.Event{
		RunID: "r1", Kind: lifecycle.KindWorkflowFinished,
		Run: &lifecycle.RunSnapshot{Status: workflow.RunFailed},
	}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflows.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	require.NoError(t, m.HandleEvent(lifecycle.Event{RunID: "r", Kind: lifecycle.KindProgress}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "reconflow_workflows_running 1"), body)
	assert.True(t, strings.Contains(body, `reconflow_events_total{kind="progress"} 1`), body)
}
