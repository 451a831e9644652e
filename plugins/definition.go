package plugins

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// Parameter types accepted in tool definitions.
const (
	TypeString = "string"
	TypeBool   = "bool"
	TypeNumber = "number"
	TypeList   = "list"
)

// Output formats a tool's stdout can be parsed as.
const (
	FormatLines = "lines"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatRaw   = "raw"
)

var (
	idPattern          = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)
)

// ToolDefinition describes a recon tool loaded from .reconflow/tools. Each
// definition is registered as an executor named after its id.
//
// Args and Options entries are templates: {target} expands to the run target
// and {name} to the value of parameter name. An argument that is exactly one
// placeholder bound to a list expands to one argument per element.
type ToolDefinition struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string                   `json:"category,omitempty" yaml:"category,omitempty"`
	Version     string                   `json:"version" yaml:"version"`
	Executable  string                   `json:"executable" yaml:"executable"`
	Args        []string                 `json:"args,omitempty" yaml:"args,omitempty"`
	Options     map[string][]string      `json:"options,omitempty" yaml:"options,omitempty"`
	Stdin       string                   `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	Parameters  map[string]ParameterSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Output      OutputSpec               `json:"output,omitempty" yaml:"output,omitempty"`
	Timeout     string                   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ParameterSpec declares one tool parameter.
type ParameterSpec struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// OutputSpec controls how stdout becomes the "items" output.
type OutputSpec struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// Field picks a dotted path out of each decoded JSON record.
	Field  string `json:"field,omitempty" yaml:"field,omitempty"`
	Unique bool   `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def ToolDefinition) Normalized() ToolDefinition {
	clone := ToolDefinition{
		ID:          strings.TrimSpace(def.ID),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Category:    strings.TrimSpace(def.Category),
		Version:     strings.TrimSpace(def.Version),
		Executable:  strings.TrimSpace(def.Executable),
		Stdin:       strings.TrimSpace(def.Stdin),
		Timeout:     strings.TrimSpace(def.Timeout),
		Output: OutputSpec{
			Format: strings.ToLower(strings.TrimSpace(def.Output.Format)),
			Field:  strings.TrimSpace(def.Output.Field),
			Unique: def.Output.Unique,
		},
	}
	if clone.Output.Format == "" {
		clone.Output.Format = FormatLines
	}
	if len(def.Args) > 0 {
		clone.Args = append([]string(nil), def.Args...)
	}
	if len(def.Options) > 0 {
		clone.Options = make(map[string][]string, len(def.Options))
		for key, args := range def.Options {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Options[trimmed] = append([]string(nil), args...)
		}
	}
	if len(def.Parameters) > 0 {
		clone.Parameters = make(map[string]ParameterSpec, len(def.Parameters))
		for key, spec := range def.Parameters {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
			if spec.Type == "" {
				spec.Type = TypeString
			}
			spec.Description = strings.TrimSpace(spec.Description)
			clone.Parameters[trimmed] = spec
		}
	}
	return clone
}

// Validate ensures the definition can be turned into an executor.
func (def ToolDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("tool: id is required")
	}
	if !idPattern.MatchString(normalized.ID) {
		return fmt.Errorf("tool %s: id may only contain letters, digits, '.', '_' and '-'", normalized.ID)
	}
	if normalized.Version == "" {
		return fmt.Errorf("tool %s: version is required", normalized.ID)
	}
	if normalized.Executable == "" {
		return fmt.Errorf("tool %s: executable is required", normalized.ID)
	}
	if _, err := normalized.TimeoutDuration(); err != nil {
		return fmt.Errorf("tool %s: %w", normalized.ID, err)
	}
	for _, name := range sortedKeys(normalized.Parameters) {
		if name == "target" {
			return fmt.Errorf("tool %s: parameter name target is reserved", normalized.ID)
		}
		if _, ok := paramType(normalized.Parameters[name].Type); !ok {
			return fmt.Errorf("tool %s: parameter %s: unknown type %q", normalized.ID, name, normalized.Parameters[name].Type)
		}
	}
	for _, arg := range normalized.Args {
		if err := normalized.checkPlaceholders(arg); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(normalized.Options) {
		if _, ok := normalized.Parameters[name]; !ok {
			return fmt.Errorf("tool %s: option %s names no declared parameter", normalized.ID, name)
		}
		for _, arg := range normalized.Options[name] {
			if err := normalized.checkPlaceholders(arg); err != nil {
				return err
			}
		}
	}
	if normalized.Stdin != "" {
		if _, ok := normalized.Parameters[normalized.Stdin]; !ok {
			return fmt.Errorf("tool %s: stdin names undeclared parameter %s", normalized.ID, normalized.Stdin)
		}
	}
	switch normalized.Output.Format {
	case FormatLines, FormatJSON, FormatJSONL, FormatRaw:
	default:
		return fmt.Errorf("tool %s: unknown output format %q", normalized.ID, normalized.Output.Format)
	}
	return nil
}

// TimeoutDuration parses the declared timeout, an upper bound on one run of
// the tool that applies on top of the task's own timeout. Zero means none.
func (def ToolDefinition) TimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(def.Timeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	return d, nil
}

// Schema maps parameter names to the types the resolver should expect.
func (def ToolDefinition) Schema() map[string]cty.Type {
	normalized := def.Normalized()
	if len(normalized.Parameters) == 0 {
		return nil
	}
	schema := make(map[string]cty.Type, len(normalized.Parameters))
	for name, spec := range normalized.Parameters {
		if ty, ok := paramType(spec.Type); ok {
			schema[name] = ty
		}
	}
	return schema
}

func (def ToolDefinition) checkPlaceholders(arg string) error {
	for _, match := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
		name := match[1]
		if name == "target" {
			continue
		}
		if _, ok := def.Parameters[name]; !ok {
			return fmt.Errorf("tool %s: argument %q references undeclared parameter %s", def.ID, arg, name)
		}
	}
	return nil
}

func paramType(name string) (cty.Type, bool) {
	switch name {
	case TypeString:
		return cty.String, true
	case TypeBool:
		return cty.Bool, true
	case TypeNumber:
		return cty.Number, true
	case TypeList:
		return cty.List(cty.String), true
	}
	return cty.NilType, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
