package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/reconflow/internal/value"
)

// DefaultWorkflowDir points to the conventional location for workflow
// definitions when loading from disk.
const DefaultWorkflowDir = "workflows"

// Extensions lists the definition file extensions the loader understands.
var Extensions = []string{".yaml", ".yml", ".json", ".hcl"}

type graphDocument struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Target      string            `yaml:"target"`
	Metadata    map[string]string `yaml:"metadata"`
	Tasks       []taskDocument    `yaml:"tasks"`
}

type taskDocument struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Executor    string         `yaml:"executor"`
	Tool        string         `yaml:"tool"`
	Parameters  map[string]any `yaml:"parameters"`
	DependsOn   []string       `yaml:"depends_on"`
	Priority    int            `yaml:"priority"`
	Timeout     any            `yaml:"timeout"`
}

// ParseGraphYAML decodes a workflow graph from YAML or JSON bytes.
func ParseGraphYAML(data []byte) (Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Graph{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var doc graphDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Graph{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	g, err := doc.graph()
	if err != nil {
		return Graph{}, err
	}
	return g.Normalized()
}

// LoadGraphReader reads YAML or JSON definition data from an io.Reader.
func LoadGraphReader(r io.Reader) (Graph, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Graph{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseGraphYAML(content)
}

// LoadGraphFile loads a workflow graph from an explicit file path. The format
// follows the file extension.
func LoadGraphFile(path string) (Graph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	var (
		g        Graph
		parseErr error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		g, parseErr = ParseGraphHCL(content, path)
	default:
		g, parseErr = ParseGraphYAML(content)
	}
	if parseErr != nil {
		return Graph{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	g.Source = path
	return g, nil
}

// LoadGraphRelative loads a definition from the workflows directory (or a
// custom baseDir if provided).
func LoadGraphRelative(baseDir, name string) (Graph, error) {
	if baseDir == "" {
		baseDir = DefaultWorkflowDir
	}
	return LoadGraphFile(filepath.Join(baseDir, name))
}

// IsDefinitionFile reports whether the path has a supported extension.
func IsDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range Extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func (doc graphDocument) graph() (Graph, error) {
	g := Graph{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Target:      doc.Target,
		Metadata:    doc.Metadata,
	}
	for i, raw := range doc.Tasks {
		task, err := raw.task()
		if err != nil {
			return Graph{}, fmt.Errorf("workflow: tasks[%d]: %w", i, err)
		}
		g.Tasks = append(g.Tasks, task)
	}
	return g, nil
}

func (doc taskDocument) task() (TaskSpec, error) {
	params, err := value.MapFromGo(doc.Parameters)
	if err != nil {
		return TaskSpec{}, err
	}
	timeout, err := parseTimeout(doc.Timeout)
	if err != nil {
		return TaskSpec{}, err
	}
	executor := doc.Executor
	if executor == "" {
		executor = doc.Tool
	}
	return TaskSpec{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Executor:    executor,
		Parameters:  params,
		DependsOn:   doc.DependsOn,
		Priority:    doc.Priority,
		Timeout:     timeout,
	}, nil
}

// parseTimeout accepts Go duration strings ("90s", "5m") or a bare number of
// seconds.
func parseTimeout(raw any) (time.Duration, error) {
	switch typed := raw.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(typed) * time.Second, nil
	case int64:
		return time.Duration(typed) * time.Second, nil
	case float64:
		return time.Duration(typed * float64(time.Second)), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", typed, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("invalid timeout %v", raw)
}
