package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/reconflow/internal/executor"
)

const sampleDefinition = `id: httpx
name: httpx
category: probe
version: 1.6.0
executable: httpx
args: ["-silent", "-json"]
stdin: hosts
parameters:
  hosts:
    type: list
    required: true
output:
  format: jsonl
  field: url
  unique: true
timeout: 5m
`

const sampleYAML = `id: echo-target
version: 1.0.0
description: print the target
executable: sh
args: ["-c", "echo {target}"]
`

func TestRegisterTools(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "naabu.go"), []byte(goPluginSource), 0644); err != nil {
		t.Fatalf("write go plugin: %v", err)
	}
	reg := executor.NewBuiltinRegistry(executor.BuiltinOptions{})
	defs, err := RegisterTools(reg, dir)
	if err != nil {
		t.Fatalf("register tools: %v", err)
	}
	if len(defs) != 2 || !reg.Has("echo-target") || !reg.Has("naabu") {
		t.Fatalf("unexpected registration: %v %v", defs, reg.Names())
	}
	exec, err := reg.Resolve("echo-target")
	if err != nil {
		t.Fatalf("resolve tool: %v", err)
	}
	res, err := exec.Execute(context.Background(), executor.Invocation{Target: "example.com", WorkDir: t.TempDir()})
	if err != nil || !res.Success {
		t.Fatalf("execute: %+v %v", res, err)
	}
	if res.Output["stdout"].AsString() != "example.com\n" {
		t.Fatalf("stdout = %q", res.Output["stdout"].AsString())
	}
}

func TestRegisterToolsHonoursConfigure(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	reg := executor.NewRegistry()
	if _, err := RegisterTools(reg, dir); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	reg.Configure("echo-target", executor.Config{"allow": []any{"nmap"}})
	exec, err := reg.Resolve("echo-target")
	if err != nil {
		t.Fatalf("resolve tool: %v", err)
	}
	res, _ := exec.Execute(context.Background(), executor.Invocation{Target: "example.com"})
	if res.Success || !strings.Contains(res.Diagnostic, "allow list") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRegisterToolsRejectsCollisions(t *testing.T) {
	dir := t.TempDir()
	clash := strings.Replace(sampleYAML, "echo-target", "merge", 1)
	if err := os.WriteFile(filepath.Join(dir, "merge.yaml"), []byte(clash), 0644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	reg := executor.NewBuiltinRegistry(executor.BuiltinOptions{})
	if _, err := RegisterTools(reg, dir); err == nil {
		t.Fatalf("expected builtin name collision to fail")
	}
	if err := os.WriteFile(filepath.Join(dir, "merge.yaml"), []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("rewrite plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}
	if _, err := RegisterTools(executor.NewRegistry(), dir); err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestParseDefinitionYAML(t *testing.T) {
	defs, err := ParseDefinitionYAML([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	def := defs[0]
	if def.ID != "httpx" || def.Stdin != "hosts" || def.Output.Format != FormatJSONL {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if !def.Parameters["hosts"].Required {
		t.Fatalf("expected hosts to be required: %+v", def.Parameters)
	}
}

func TestParseDefinitionYAMLErrors(t *testing.T) {
	if _, err := ParseDefinitionYAML([]byte("")); err == nil {
		t.Fatalf("expected empty payload to fail")
	}
	_, err := ParseDefinitionYAML([]byte("id: x\nversion: 1\nexecutable: x\ncomand: typo\n"))
	if err == nil || !strings.Contains(err.Error(), "comand") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	_, err = ParseDefinitionYAML([]byte(sampleYAML + "---\nid: second\nversion: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "document 2") {
		t.Fatalf("expected error naming the second document, got %v", err)
	}
}

func TestLoadAllYAML(t *testing.T) {
	root := t.TempDir()
	single := filepath.Join(root, "httpx.yaml")
	if err := os.WriteFile(single, []byte(sampleDefinition), 0644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	multi := filepath.Join(root, "pair.yml")
	pair := sampleYAML + "---\n" + strings.Replace(sampleYAML, "echo-target", "echo-again", 1)
	if err := os.WriteFile(multi, []byte(pair), 0644); err != nil {
		t.Fatalf("write pair: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("notes"), 0644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "nested.yaml"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defs, err := LoadAll(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var got []string
	for _, file := range defs {
		got = append(got, file.Definition.ID+"@"+file.Path)
	}
	want := []string{
		"httpx@" + single,
		"echo-target@" + multi + "#1",
		"echo-again@" + multi + "#2",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("definitions = %v\nwant %v", got, want)
	}
}

func TestRegisterToolsMissingDir(t *testing.T) {
	defs, err := RegisterTools(executor.NewRegistry(), filepath.Join(t.TempDir(), "none"))
	if err != nil || defs != nil {
		t.Fatalf("missing dir should register nothing: %v %v", defs, err)
	}
}

func TestBundledToolsLoad(t *testing.T) {
	reg := executor.NewBuiltinRegistry(executor.BuiltinOptions{})
	defs, err := RegisterTools(reg, filepath.Join("..", "tools"))
	if err != nil {
		t.Fatalf("register bundled tools: %v", err)
	}
	var ids []string
	for _, file := range defs {
		ids = append(ids, file.Definition.ID)
	}
	if strings.Join(ids, ",") != "httpx,nmap-top,nmap-full,subfinder" {
		t.Fatalf("unexpected bundled tools: %v", ids)
	}
	exec, err := reg.Resolve("httpx")
	if err != nil {
		t.Fatalf("resolve httpx: %v", err)
	}
	if exec.Info().Schema["hosts"].FriendlyName() != "list of string" {
		t.Fatalf("unexpected schema: %#v", exec.Info().Schema)
	}
}
