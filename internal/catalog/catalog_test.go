package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const enumYAML = `id: enum
name: Subdomain enumeration
tasks:
  - id: find
    executor: echo
`

const portsHCL = `
workflow "ports" {
  task "scan" {
    executor = "echo"
  }
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReloadIndexesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "enum.yaml"), enumYAML)
	writeFile(t, filepath.Join(dir, "nested", "ports.hcl"), portsHCL)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	c := New(dir)
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := c.List()
	if len(entries) != 2 || entries[0].ID != "enum" || entries[1].ID != "ports" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Name != "Subdomain enumeration" || entries[0].Tasks != 1 {
		t.Fatalf("enum entry = %+v", entries[0])
	}
	g, err := c.Get("ports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(g.Tasks) != 1 || g.Tasks[0].ID != "scan" {
		t.Fatalf("ports graph = %+v", g)
	}
	if _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReloadReportsProblems(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), enumYAML)
	writeFile(t, filepath.Join(dir, "b.yaml"), enumYAML)
	writeFile(t, filepath.Join(dir, "broken.yaml"), "tasks: [")
	writeFile(t, filepath.Join(dir, "cycle.yaml"), `id: cycle
tasks:
  - id: a
    executor: echo
    depends_on: [b]
  - id: b
    executor: echo
    depends_on: [a]
`)
	c := New(dir)
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	problems := c.Problems()
	if len(problems) != 3 {
		t.Fatalf("problems = %v", problems)
	}
	if msg := problems[filepath.Join(dir, "b.yaml")]; !strings.Contains(msg, "already defined") {
		t.Fatalf("duplicate problem = %q", msg)
	}
	if msg := problems[filepath.Join(dir, "cycle.yaml")]; !strings.Contains(msg, "circular") && !strings.Contains(msg, "cycle") {
		t.Fatalf("cycle problem = %q", msg)
	}
	if entries := c.List(); len(entries) != 1 || entries[0].Path != filepath.Join(dir, "a.yaml") {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	var (
		mu      sync.Mutex
		reloads [][]Entry
	)
	c := New(dir, WithDebounce(20*time.Millisecond), OnReload(func(entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		reloads = append(reloads, entries)
	}))
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "enum.yaml"), enumYAML)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloads)
		mu.Unlock()
		if _, err := c.Get("enum"); err == nil && n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("catalog never picked up enum.yaml")
}

func TestBundledWorkflowsLoad(t *testing.T) {
	c := New(filepath.Join("..", "..", "workflows"))
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if problems := c.Problems(); len(problems) != 0 {
		t.Fatalf("bundled workflows have problems: %v", problems)
	}
	ids := make([]string, 0)
	for _, entry := range c.List() {
		ids = append(ids, entry.ID)
	}
	want := "port-scan,port-scan-yaml,subdomain-enum,subdomain-enum-hcl"
	if got := strings.Join(ids, ","); got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}
	g, err := c.Get("port-scan")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	services, _ := g.Task("services")
	if got := services.Parameters["stdin"].AsString(); got != "${ports.stdout}" {
		t.Fatalf("hcl traversal not converted to a token: %q", got)
	}
}
