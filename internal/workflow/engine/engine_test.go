package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/executor"
	"github.com/kingrea/reconflow/internal/policy"
	"github.com/kingrea/reconflow/internal/value"
	"github.com/kingrea/reconflow/internal/workflow"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// recorder is an executor registry whose executors log every call.
type recorder struct {
	mu    sync.Mutex
	calls []executor.Invocation
}

func (r *recorder) record(inv executor.Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, inv)
}

func (r *recorder) taskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.calls))
	for i, call := range r.calls {
		ids[i] = call.TaskID
	}
	return ids
}

func (r *recorder) call(taskID string) (executor.Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if call.TaskID == taskID {
			return call, true
		}
	}
	return executor.Invocation{}, false
}

func (r *recorder) register(t *testing.T, reg *executor.Registry, name string, schema map[string]cty.Type, fn func(context.Context, executor.Invocation) (executor.Result, error)) {
	t.Helper()
	exec := executor.Func{
		Meta: executor.Info{Name: name, Schema: schema},
		Fn: func(ctx context.Context, inv executor.Invocation) (executor.Result, error) {
			r.record(inv)
			return fn(ctx, inv)
		},
	}
	if err := reg.RegisterExecutor(exec); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func ok(output map[string]any) func(context.Context, executor.Invocation) (executor.Result, error) {
	return func(context.Context, executor.Invocation) (executor.Result, error) {
		m, err := value.MapFromGo(output)
		if err != nil {
			return executor.Result{}, err
		}
		return executor.Succeeded(m), nil
	}
}

func newTestEngine(t *testing.T, reg *executor.Registry, opts ...Option) *Engine {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%d", n)
	}
	opts = append([]Option{WithIDGenerator(ids)}, opts...)
	eng, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Router().Close)
	return eng
}

func wait(t *testing.T, eng *Engine, h *Handle) workflow.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := eng.Wait(ctx, h)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return run
}

func drain(t *testing.T, eng *Engine, h *Handle) []lifecycle.Event {
	t.Helper()
	sub := eng.Subscribe(h)
	defer sub.Close()
	var events []lifecycle.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-sub.Events:
			if !open {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(events))
		}
	}
}

func kinds(events []lifecycle.Event) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		if event.TaskID != "" {
			out = append(out, string(event.Kind)+":"+event.TaskID)
			continue
		}
		out = append(out, string(event.Kind))
	}
	return out
}

func task(id, exec string, deps ...string) workflow.TaskSpec {
	return workflow.TaskSpec{ID: id, Executor: exec, DependsOn: deps}
}

func TestFailedTaskBlocksDependentsWithoutDispatch(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "enum", nil, func(context.Context, executor.Invocation) (executor.Result, error) {
		return executor.Failed("resolver timeout"), nil
	})
	rec.register(t, reg, "scan", nil, ok(nil))
	rec.register(t, reg, "report", nil, ok(nil))
	eng := newTestEngine(t, reg)

	h, err := eng.Start(context.Background(), workflow.Graph{
		ID: "recon",
		Tasks: []workflow.TaskSpec{
			task("enum", "enum"),
			task("scan", "scan", "enum"),
			task("report", "report", "scan"),
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	events := drain(t, eng, h)

	if run.Status != workflow.RunFailed {
		t.Fatalf("run status = %s", run.Status)
	}
	if got := rec.taskIDs(); len(got) != 1 || got[0] != "enum" {
		t.Fatalf("executor calls = %v", got)
	}
	enum, _ := run.Task("enum")
	if enum.Status != workflow.TaskFailed || enum.Error != "resolver timeout" {
		t.Fatalf("enum = %+v", enum)
	}
	for _, id := range []string{"scan", "report"} {
		tr, _ := run.Task(id)
		if tr.Status != workflow.TaskBlocked {
			t.Fatalf("%s status = %s", id, tr.Status)
		}
		if !tr.StartedAt.IsZero() || tr.Result != nil {
			t.Fatalf("%s should never have started: %+v", id, tr)
		}
	}
	if run.Failed != 1 || run.Blocked != 2 || run.Completed != 0 {
		t.Fatalf("counters = %+v", run)
	}
	want := []string{
		"task_started:enum", "task_failed:enum", "progress",
		"task_blocked:scan", "progress",
		"task_blocked:report", "progress",
		"workflow_finished",
	}
	if got := kinds(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v\nwant %v", got, want)
	}
	started := 0
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, event.Seq)
		}
		if event.Kind == lifecycle.KindTaskStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("task_started count = %d", started)
	}
	last := events[len(events)-1]
	if last.Run == nil || last.Run.Status != workflow.RunFailed || last.Progress.Done != 3 {
		t.Fatalf("final event = %+v", last)
	}
}

func TestFailureLeavesIndependentTasksRunning(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "enum", nil, func(context.Context, executor.Invocation) (executor.Result, error) {
		return executor.Failed("wordlist missing"), nil
	})
	rec.register(t, reg, "httpx", nil, ok(nil))
	rec.register(t, reg, "whois", nil, ok(map[string]any{"registrar": "example"}))
	eng := newTestEngine(t, reg)

	h, err := eng.Start(context.Background(), workflow.Graph{
		ID: "recon",
		Tasks: []workflow.TaskSpec{
			task("a", "enum"),
			task("b", "httpx", "a"),
			task("c", "whois"),
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)

	if run.Status != workflow.RunFailed {
		t.Fatalf("run status = %s", run.Status)
	}
	if _, called := rec.call("c"); !called {
		t.Fatalf("independent task c was not dispatched: %v", rec.taskIDs())
	}
	if _, called := rec.call("b"); called {
		t.Fatalf("dependent task b was dispatched: %v", rec.taskIDs())
	}
	c, _ := run.Task("c")
	if c.Status != workflow.TaskCompleted {
		t.Fatalf("c status = %s", c.Status)
	}
	b, _ := run.Task("b")
	if b.Status != workflow.TaskBlocked || !b.StartedAt.IsZero() {
		t.Fatalf("b = %+v", b)
	}
	if run.Completed != 1 || run.Failed != 1 || run.Blocked != 1 {
		t.Fatalf("counters = %+v", run)
	}
}

func TestSubscribeToPrunedRunCloses(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "enum", nil, ok(nil))
	router := eventbridge.NewRouter(eventbridge.RouterWithFinishedLimit(1))
	eng := newTestEngine(t, reg, WithRouter(router))

	graph := workflow.Graph{ID: "recon", Tasks: []workflow.TaskSpec{task("enum", "enum")}}
	h1, err := eng.Start(context.Background(), graph)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wait(t, eng, h1)
	h2, err := eng.Start(context.Background(), graph)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wait(t, eng, h2)
	if router.Known(h1.RunID) {
		t.Fatalf("router should have pruned %s", h1.RunID)
	}

	events := drain(t, eng, h1)
	if len(events) != 1 || events[0].Kind != lifecycle.KindWorkflowFinished {
		t.Fatalf("events = %v", kinds(events))
	}
	last := events[0]
	if last.RunID != h1.RunID || last.Run == nil || last.Run.Status != workflow.RunCompleted {
		t.Fatalf("final event = %+v", last)
	}
	if router.Known(h1.RunID) {
		t.Fatalf("subscribing must not recreate the pruned stream")
	}
	if got := kinds(drain(t, eng, h2)); len(got) == 0 || got[len(got)-1] != "workflow_finished" {
		t.Fatalf("retained run events = %v", got)
	}
}

func TestReferencesFlowBetweenTasks(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "enum", nil, ok(map[string]any{
		"subdomains": []any{"a.example.com", "b.example.com"},
	}))
	rec.register(t, reg, "scan", nil, func(_ context.Context, inv executor.Invocation) (executor.Result, error) {
		hosts := value.ToGo(inv.Parameters["hosts"]).([]any)
		return executor.Succeeded(value.Map{
			"open": value.MustFromGo([]any{fmt.Sprintf("%s:443", hosts[0])}),
		}), nil
	})
	rec.register(t, reg, "report", nil, ok(nil))
	eng := newTestEngine(t, reg)

	g := workflow.Graph{
		ID:     "recon",
		Target: "example.com",
		Tasks: []workflow.TaskSpec{
			task("enum", "enum"),
			{ID: "scan", Executor: "scan", DependsOn: []string{"enum"}, Parameters: value.Map{
				"hosts": cty.StringVal("${enum.subdomains}"),
			}},
			{ID: "report", Executor: "report", DependsOn: []string{"scan"}, Parameters: value.Map{
				"summary": cty.StringVal("open: ${scan.open}"),
			}},
		},
	}
	h, err := eng.Start(context.Background(), g)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	if run.Status != workflow.RunCompleted || run.Completed != 3 {
		t.Fatalf("run = %+v", run)
	}
	report, _ := rec.call("report")
	if got := report.Parameters["summary"].AsString(); got != `open: ["a.example.com:443"]` {
		t.Fatalf("summary = %q", got)
	}
	if report.Target != "example.com" || report.RunID != h.RunID || report.Timeout != workflow.DefaultTaskTimeout {
		t.Fatalf("invocation = %+v", report)
	}
	scan, _ := run.Task("scan")
	if scan.ResolvedParameters["hosts"].LengthInt() != 2 {
		t.Fatalf("resolved hosts = %#v", scan.ResolvedParameters["hosts"])
	}
	if scan.Result == nil || scan.Error != "" {
		t.Fatalf("scan = %+v", scan)
	}
}

func TestUnresolvedReferenceEmitsDiagnostic(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "enum", nil, ok(map[string]any{"subdomains": []any{}}))
	rec.register(t, reg, "scan", map[string]cty.Type{"ports": cty.List(cty.Number), "label": cty.String}, ok(nil))
	eng := newTestEngine(t, reg)

	h, err := eng.Start(context.Background(), workflow.Graph{
		ID: "recon",
		Tasks: []workflow.TaskSpec{
			task("enum", "enum"),
			{ID: "scan", Executor: "scan", DependsOn: []string{"enum"}, Parameters: value.Map{
				"hosts": cty.StringVal("${enum.hosts}"),
				"ports": cty.StringVal("${enum.ports}"),
				"label": cty.StringVal("${enum.label}"),
			}},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	events := drain(t, eng, h)
	if run.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
	call, _ := rec.call("scan")
	if hosts := call.Parameters["hosts"]; !hosts.Type().IsTupleType() || hosts.LengthInt() != 0 {
		t.Fatalf("hosts = %#v", hosts)
	}
	if ports := call.Parameters["ports"]; !ports.Type().Equals(cty.List(cty.Number)) {
		t.Fatalf("ports = %#v", ports)
	}
	if label := call.Parameters["label"]; !label.IsNull() {
		t.Fatalf("label = %#v", label)
	}
	var diagnostics []lifecycle.Event
	for _, event := range events {
		if event.Kind == lifecycle.KindDiagnostic {
			diagnostics = append(diagnostics, event)
		}
	}
	if len(diagnostics) != 3 {
		t.Fatalf("diagnostics = %+v", diagnostics)
	}
	if diagnostics[0].TaskID != "scan" || diagnostics[0].Level != lifecycle.LevelWarn || !strings.Contains(diagnostics[0].Message, "${enum.hosts}") {
		t.Fatalf("first diagnostic = %+v", diagnostics[0])
	}
}

func TestPriorityOrdersDispatch(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg)

	h, err := eng.Start(context.Background(), workflow.Graph{
		ID: "prio",
		Tasks: []workflow.TaskSpec{
			{ID: "low", Executor: "noop", Priority: 1},
			{ID: "high", Executor: "noop", Priority: 10},
			{ID: "mid-a", Executor: "noop", Priority: 5},
			{ID: "mid-b", Executor: "noop", Priority: 5},
			{ID: "after-low", Executor: "noop", Priority: 100, DependsOn: []string{"low"}},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wait(t, eng, h)
	want := "high,mid-a,mid-b,low,after-low"
	if got := strings.Join(rec.taskIDs(), ","); got != want {
		t.Fatalf("dispatch order = %s, want %s", got, want)
	}
}

func TestCancelDuringSecondTask(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var inFlightErr error
	rec.register(t, reg, "quick", nil, ok(nil))
	rec.register(t, reg, "slow", nil, func(ctx context.Context, _ executor.Invocation) (executor.Result, error) {
		close(entered)
		<-release
		inFlightErr = ctx.Err()
		return executor.Succeeded(value.Map{"done": cty.True}), nil
	})
	eng := newTestEngine(t, reg)

	h, err := eng.Start(context.Background(), workflow.Graph{
		ID: "cancel",
		Tasks: []workflow.TaskSpec{
			task("one", "quick"),
			task("two", "slow", "one"),
			task("three", "quick", "two"),
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	eng.Cancel(h)
	eng.Cancel(h)
	close(release)
	run := wait(t, eng, h)
	events := drain(t, eng, h)

	if run.Status != workflow.RunCancelled {
		t.Fatalf("run status = %s", run.Status)
	}
	if inFlightErr != nil {
		t.Fatalf("in-flight executor saw %v", inFlightErr)
	}
	two, _ := run.Task("two")
	three, _ := run.Task("three")
	if two.Status != workflow.TaskCompleted || three.Status != workflow.TaskCancelled {
		t.Fatalf("two=%s three=%s", two.Status, three.Status)
	}
	if got := strings.Join(rec.taskIDs(), ","); got != "one,two" {
		t.Fatalf("calls = %s", got)
	}
	got := kinds(events)
	if got[len(got)-1] != "workflow_finished" || got[len(got)-3] != "task_cancelled:three" {
		t.Fatalf("events = %v", got)
	}
}

func TestCancelWithNothingPendingFinishesNormally(t *testing.T) {
	reg := executor.NewRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	rec.register(t, reg, "slow", nil, func(context.Context, executor.Invocation) (executor.Result, error) {
		close(entered)
		<-release
		return executor.Succeeded(nil), nil
	})
	eng := newTestEngine(t, reg)
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "solo", Tasks: []workflow.TaskSpec{task("only", "slow")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	eng.Cancel(h)
	close(release)
	run := wait(t, eng, h)
	if run.Status != workflow.RunCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestContextCancellationStopsRun(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	rec.register(t, reg, "stop", nil, func(context.Context, executor.Invocation) (executor.Result, error) {
		cancel()
		return executor.Succeeded(nil), nil
	})
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg)
	h, err := eng.Start(ctx, workflow.Graph{ID: "ctx", Tasks: []workflow.TaskSpec{task("a", "stop"), task("b", "noop", "a")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	if run.Status != workflow.RunCancelled || run.Cancelled != 1 {
		t.Fatalf("run = %+v", run)
	}
}

func TestInvalidGraphsCreateNoRun(t *testing.T) {
	reg := executor.NewRegistry()
	eng := newTestEngine(t, reg)
	cases := []struct {
		name  string
		graph workflow.Graph
		check func(error) bool
	}{
		{
			name: "cycle",
			graph: workflow.Graph{ID: "g", Tasks: []workflow.TaskSpec{
				task("a", "noop", "c"), task("b", "noop", "a"), task("c", "noop", "b"),
			}},
			check: func(err error) bool {
				var target *workflow.CircularDependencyError
				return errors.As(err, &target) && len(target.Path) > 0
			},
		},
		{
			name:  "unknown dependency",
			graph: workflow.Graph{ID: "g", Tasks: []workflow.TaskSpec{task("a", "noop", "ghost")}},
			check: func(err error) bool {
				var target *workflow.UnknownDependencyError
				return errors.As(err, &target) && target.MissingID == "ghost"
			},
		},
		{
			name:  "duplicate",
			graph: workflow.Graph{ID: "g", Tasks: []workflow.TaskSpec{task("a", "noop"), task("a", "noop")}},
			check: func(err error) bool {
				var target *workflow.DuplicateTaskIDError
				return errors.As(err, &target)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := eng.Start(context.Background(), tc.graph)
			if err == nil || h != nil {
				t.Fatalf("expected rejection, got handle %v", h)
			}
			if !tc.check(err) || !errors.Is(err, workflow.ErrInvalidGraph) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if runs := eng.Runs(); len(runs) != 0 {
		t.Fatalf("runs = %d", len(runs))
	}
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "boom", nil, func(context.Context, executor.Invocation) (executor.Result, error) {
		panic("kaboom")
	})
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg)
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "p", Tasks: []workflow.TaskSpec{
		task("bad", "boom"), task("fine", "noop"),
	}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	bad, _ := run.Task("bad")
	if bad.Status != workflow.TaskFailed || !strings.Contains(bad.Error, "kaboom") {
		t.Fatalf("bad = %+v", bad)
	}
	fine, _ := run.Task("fine")
	if fine.Status != workflow.TaskCompleted || run.Status != workflow.RunFailed {
		t.Fatalf("fine=%s run=%s", fine.Status, run.Status)
	}
}

func TestUnknownExecutorFailsTask(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg)
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "u", Tasks: []workflow.TaskSpec{
		task("a", "missing"), task("b", "noop", "a"),
	}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	a, _ := run.Task("a")
	if a.Status != workflow.TaskFailed || !strings.Contains(a.Diagnostic, "missing") {
		t.Fatalf("a = %+v", a)
	}
	b, _ := run.Task("b")
	if b.Status != workflow.TaskBlocked || !strings.Contains(b.Diagnostic, "a") {
		t.Fatalf("b = %+v", b)
	}
}

func TestTaskTimeout(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "hang", nil, func(ctx context.Context, _ executor.Invocation) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	eng := newTestEngine(t, reg)
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "t", Tasks: []workflow.TaskSpec{
		{ID: "slow", Executor: "hang", Timeout: 20 * time.Millisecond},
	}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	slow, _ := run.Task("slow")
	if slow.Status != workflow.TaskFailed || !strings.Contains(slow.Error, "timed out") {
		t.Fatalf("slow = %+v", slow)
	}
}

type denyAll struct{ reason string }

func (d denyAll) Authorize(context.Context, policy.Input) (policy.Decision, error) {
	return policy.Decision{Decision: policy.DecisionDeny, Reason: d.reason}, nil
}

func TestPolicyDenialFailsTask(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg, WithPolicy(denyAll{reason: "out of scope"}))
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "d", Tasks: []workflow.TaskSpec{task("a", "noop")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, eng, h)
	a, _ := run.Task("a")
	if a.Status != workflow.TaskFailed || a.Error != "denied by policy: out of scope" {
		t.Fatalf("a = %+v", a)
	}
	if len(rec.taskIDs()) != 0 {
		t.Fatalf("executor should not be called")
	}
}

func TestStatePersistedAfterEveryTransition(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "noop", nil, ok(map[string]any{"n": 1}))
	dir := t.TempDir()
	repo := NewRepository(dir)
	eng := newTestEngine(t, reg, WithStateStore(repo), WithRunsDir(dir))
	h, err := eng.Start(context.Background(), workflow.Graph{ID: "s", Tasks: []workflow.TaskSpec{task("a", "noop")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wait(t, eng, h)
	stored, err := repo.Load(h.RunID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != workflow.RunCompleted || stored.Completed != 1 {
		t.Fatalf("stored = %+v", stored)
	}
	a, _ := stored.Task("a")
	if value.ToGo(a.Result["n"]) != int64(1) {
		t.Fatalf("stored result = %#v", a.Result)
	}
	call, _ := rec.call("a")
	if !strings.HasPrefix(call.WorkDir, dir) {
		t.Fatalf("work dir = %q", call.WorkDir)
	}
	if _, err := repo.Load("nope"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestLookupAndRuns(t *testing.T) {
	reg := executor.NewRegistry()
	rec := &recorder{}
	rec.register(t, reg, "noop", nil, ok(nil))
	eng := newTestEngine(t, reg)
	first, err := eng.Start(context.Background(), workflow.Graph{ID: "one", Tasks: []workflow.TaskSpec{task("a", "noop")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := eng.Start(context.Background(), workflow.Graph{ID: "two", Tasks: []workflow.TaskSpec{task("a", "noop")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wait(t, eng, first)
	wait(t, eng, second)
	found, err := eng.Lookup(second.RunID)
	if err != nil || found != second {
		t.Fatalf("lookup = %v %v", found, err)
	}
	if _, err := eng.Lookup("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	runs := eng.Runs()
	if len(runs) != 2 || runs[0].WorkflowID != "one" || runs[1].WorkflowID != "two" {
		t.Fatalf("runs = %+v", runs)
	}
	snapshot := eng.Status(first)
	snapshot.Tasks[0].Status = workflow.TaskFailed
	if eng.Status(first).Tasks[0].Status != workflow.TaskCompleted {
		t.Fatalf("status snapshot aliases engine state")
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error")
	}
}
