package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/reconflow/internal/catalog"
	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/history"
	"github.com/kingrea/reconflow/internal/metrics"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/engine"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

type harness struct {
	server  *Server
	engine  *engine.Engine
	history *history.Store
	release chan struct{}
}

const catalogYAML = `id: enum
name: Enumeration
tasks:
  - id: find
    executor: echo
    parameters:
      domain: example.com
  - id: report
    executor: echo
    depends_on: [find]
    parameters:
      domain: ${find.domain}
`

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := executor.NewRegistry()
	require.NoError(t, reg.RegisterExecutor(executor.Echo{}))
	release := make(chan struct{})
	require.NoError(t, reg.RegisterExecutor(executor.Func{
		Meta: executor.Info{Name: "wait"},
		Fn: func(context.Context, executor.Invocation) (executor.Result, error) {
			<-release
			return executor.Succeeded(nil), nil
		},
	}))
	eng, err := engine.New(reg)
	require.NoError(t, err)
	t.Cleanup(eng.Router().Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enum.yaml"), []byte(catalogYAML), 0o644))
	cat := catalog.New(dir)
	require.NoError(t, cat.Reload())

	store, err := history.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.New()
	settings := DefaultSettings()
	settings.MetricsPath = "/metrics"
	settings.PingInterval = 50 * time.Millisecond
	srv := NewServer(settings, eng, WithCatalog(cat), WithHistory(store), WithMetrics(m.Handler()))
	return &harness{server: srv, engine: eng, history: store, release: release}
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (h *harness) waitRun(t *testing.T, runID string) workflow.WorkflowRun {
	t.Helper()
	handle, err := h.engine.Lookup(runID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := h.engine.Wait(ctx, handle)
	require.NoError(t, err)
	return run
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStartInlineRun(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"inline","target":"example.com","tasks":[{"id":"a","executor":"echo","parameters":{"x":1}}]}`
	rec := h.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[startResponse](t, rec)
	assert.Equal(t, "inline", resp.WorkflowID)
	assert.Equal(t, "/v1/runs/"+resp.RunID+"/events", resp.EventsURL)

	run := h.waitRun(t, resp.RunID)
	assert.Equal(t, workflow.RunCompleted, run.Status)

	rec = h.do(t, http.MethodGet, "/v1/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[workflow.WorkflowRun](t, rec)
	assert.Equal(t, workflow.RunCompleted, got.Status)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "example.com", got.Tasks[0].Result["target"].AsString())
}

func TestStartRunRejectsInvalidGraph(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"bad","tasks":[{"id":"a","executor":"echo","depends_on":["b"]},{"id":"b","executor":"echo","depends_on":["a"]}]}`
	rec := h.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "circular_dependency", resp.Kind)
	assert.Empty(t, h.engine.Runs())

	rec = h.do(t, http.MethodPost, "/v1/runs", `{"id":"bad","tasks":[{"id":"a","executor":"echo","depends_on":["ghost"]}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unknown_dependency", decode[errorResponse](t, rec).Kind)

	rec = h.do(t, http.MethodPost, "/v1/runs", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunFromCatalog(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/runs", `{"workflow":"enum","target":"corp.example"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[startResponse](t, rec)
	run := h.waitRun(t, resp.RunID)
	assert.Equal(t, workflow.RunCompleted, run.Status)
	assert.Equal(t, "corp.example", run.Target)
	report, ok := run.Task("report")
	require.True(t, ok)
	assert.Equal(t, "example.com", report.ResolvedParameters["domain"].AsString())

	rec = h.do(t, http.MethodPost, "/v1/runs", `{"workflow":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsReplaysFinishedRun(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/runs", `{"workflow":"enum"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[startResponse](t, rec)
	h.waitRun(t, resp.RunID)

	rec = h.do(t, http.MethodGet, "/v1/runs/"+resp.RunID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	first := strings.Index(body, "event: task_started")
	last := strings.Index(body, "event: workflow_finished")
	require.True(t, first >= 0 && last > first, body)
	assert.True(t, strings.HasPrefix(body, "id: 1\n"), body)
	assert.Equal(t, 2, strings.Count(body, "event: task_completed"))
}

func TestStreamEventsFromHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.history.EnsureRun(ctx, "old-run", "enum", time.Now()))
	require.NoError(t, h.history.AppendEvent(ctx, lifecycle.Event{
		EventID: "e1", Seq: 1, RunID: "old-run", WorkflowID: "enum", Kind: lifecycle.KindWorkflowFinished, Time: time.Now(),
	}))
	rec := h.do(t, http.MethodGet, "/v1/runs/old-run/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: workflow_finished")

	rec = h.do(t, http.MethodGet, "/v1/runs/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsForPrunedRun(t *testing.T) {
	reg := executor.NewRegistry()
	require.NoError(t, reg.RegisterExecutor(executor.Echo{}))
	router := eventbridge.NewRouter(eventbridge.RouterWithFinishedLimit(1))
	eng, err := engine.New(reg, engine.WithRouter(router))
	require.NoError(t, err)
	t.Cleanup(router.Close)
	store, err := history.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv := NewServer(DefaultSettings(), eng, WithHistory(store))

	graph := workflow.Graph{ID: "enum", Tasks: []workflow.TaskSpec{{ID: "a", Executor: "echo"}}}
	var ids []string
	for i := 0; i < 2; i++ {
		handle, err := eng.Start(context.Background(), graph)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = eng.Wait(ctx, handle)
		cancel()
		require.NoError(t, err)
		ids = append(ids, handle.RunID)
	}
	require.False(t, router.Known(ids[0]))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+ids[0]+"/events", nil))
		done <- rec
	}()
	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "event: workflow_finished")
	case <-time.After(5 * time.Second):
		t.Fatal("event stream for a pruned run never ended")
	}
}

func TestGetRunFallsBackToHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.history.SaveRun(ctx, lifecycle.RunSnapshot{
		RunID: "old", WorkflowID: "enum", Status: workflow.RunFailed, StartedAt: time.Now(),
	}))
	rec := h.do(t, http.MethodGet, "/v1/runs/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[history.RunDetail](t, rec)
	assert.Equal(t, workflow.RunFailed, detail.Run.Status)

	rec = h.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]runSummary](t, rec)
	require.Len(t, list["runs"], 1)
	assert.False(t, list["runs"][0].Live)

	rec = h.do(t, http.MethodGet, "/v1/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"slow","tasks":[{"id":"a","executor":"wait"},{"id":"b","executor":"echo","depends_on":["a"]}]}`
	rec := h.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[startResponse](t, rec)

	rec = h.do(t, http.MethodPost, "/v1/runs/"+resp.RunID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	close(h.release)
	run := h.waitRun(t, resp.RunID)
	assert.Equal(t, workflow.RunCancelled, run.Status)
	b, _ := run.Task("b")
	assert.Equal(t, workflow.TaskCancelled, b.Status)

	rec = h.do(t, http.MethodPost, "/v1/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateWorkflow(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/workflows/validate", catalogYAML)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[validateResponse](t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, []string{"find", "report"}, resp.Order)

	hcl := `
workflow "ports" {
  task "scan" {
    executor = "echo"
  }
}
`
	rec = h.do(t, http.MethodPost, "/v1/workflows/validate?format=hcl", hcl)
	resp = decode[validateResponse](t, rec)
	assert.True(t, resp.Valid, resp.Error)
	assert.Equal(t, "ports", resp.ID)

	rec = h.do(t, http.MethodPost, "/v1/workflows/validate", `{"id":"dup","tasks":[{"id":"a","executor":"echo"},{"id":"a","executor":"echo"}]}`)
	resp = decode[validateResponse](t, rec)
	assert.False(t, resp.Valid)
	assert.Equal(t, "duplicate_task_id", resp.Kind)
}

func TestListWorkflowsAndExecutors(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"enum"`)

	rec = h.do(t, http.MethodGet, "/v1/executors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]executorInfo](t, rec)
	require.Len(t, list["executors"], 2)
	assert.Equal(t, "echo", list["executors"][0].Name)
	assert.Equal(t, "wait", list["executors"][1].Name)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconflow_workflows_running")
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server.Echo())
	defer ts.Close()

	rec := h.do(t, http.MethodPost, "/v1/runs", `{"workflow":"enum"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[startResponse](t, rec)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + resp.RunID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var events []lifecycle.Event
	for {
		var event lifecycle.Event
		if err := conn.ReadJSON(&event); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		events = append(events, event)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, lifecycle.KindTaskStarted, events[0].Kind)
	assert.Equal(t, lifecycle.KindWorkflowFinished, events[len(events)-1].Kind)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	h := newHarness(t)
	h.server.settings.Port = 0
	require.NoError(t, h.server.Start(context.Background()))
	defer h.server.Shutdown(context.Background())
	require.NotEmpty(t, h.server.Addr())

	res, err := http.Get(h.server.BaseURL() + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
