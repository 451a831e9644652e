package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/reconflow/internal/executor"
)

// DefinitionFile is a tool definition and where it was read from. Files that
// hold several definitions are addressed as <path>#<n>.
type DefinitionFile struct {
	Definition ToolDefinition
	Path       string
}

// loaders maps a file extension to the reader for that kind of tools file.
var loaders = map[string]func(path string) ([]DefinitionFile, error){
	".yaml": loadYAMLDefinitionFile,
	".yml":  loadYAMLDefinitionFile,
	".go":   loadGoDefinitionFile,
}

// RegisterTools discovers the tool definitions under dir and registers each
// as an executor factory. Settings configured for a tool's name through
// Registry.Configure (allow, shell, default_timeout) reach its command runner.
func RegisterTools(reg *executor.Registry, dir string) ([]DefinitionFile, error) {
	if reg == nil {
		return nil, nil
	}
	defs, err := LoadAll(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(defs))
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("tool: duplicate id %s (%s and %s)", def.ID, existing, file.Path)
		}
		seen[def.ID] = file.Path
		if err := reg.Register(def.ID, func(cfg executor.Config) (executor.Executor, error) {
			return NewTool(def, executor.CommandSettingsFromConfig(cfg))
		}); err != nil {
			return nil, fmt.Errorf("tool: register %s from %s: %w", def.ID, file.Path, err)
		}
	}
	return defs, nil
}

// LoadAll reads every YAML (.yaml, .yml) and Go (.go) tools file directly in
// dir. Definitions come back ordered by file name, then by position within
// the file. Other files and subdirectories are ignored, and a missing dir
// holds no tools.
func LoadAll(dir string) ([]DefinitionFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("tool: scan %s: %w", dir, err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		load, ok := loaders[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		files, err := load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, files...)
	}
	return defs, nil
}

// ParseDefinitionYAML decodes one or more tool definitions separated by
// "---". Unknown keys are rejected so a misspelt field does not silently
// drop an argument.
func ParseDefinitionYAML(data []byte) ([]ToolDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("tool: no definitions")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var defs []ToolDefinition
	for n := 1; ; n++ {
		var def ToolDefinition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tool: document %d: %w", n, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", n, err)
		}
		defs = append(defs, def.Normalized())
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("tool: no definitions")
	}
	return defs, nil
}

func loadYAMLDefinitionFile(path string) ([]DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tool: read %s: %w", path, err)
	}
	defs, err := ParseDefinitionYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return definitionFiles(path, defs), nil
}

// definitionFiles keeps a lone definition's plain path and numbers the rest.
func definitionFiles(path string, defs []ToolDefinition) []DefinitionFile {
	path = filepath.Clean(path)
	out := make([]DefinitionFile, len(defs))
	for i, def := range defs {
		out[i] = DefinitionFile{Definition: def, Path: path}
		if len(defs) > 1 {
			out[i].Path = fmt.Sprintf("%s#%d", path, i+1)
		}
	}
	return out
}
