// internal/config/config.go
//
// This package handles configuration and the .reconflow directory structure.
// Every project that runs workflows gets a .reconflow/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectDirName is the name of the directory we create in each project
	ProjectDirName = ".reconflow"

	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultHistoryFile   = "history.db"
	defaultMetricsPath   = "/metrics"
	defaultSubjectPrefix = "reconflow.events"
	defaultPolicyFile    = "policy.rego"
	defaultWorkflowsDir  = "workflows"
	defaultToolsDir      = "tools"
)

const defaultProjectConfigYAML = `# reconflow project configuration
version: 1

log:
  level: info     # debug, info, warn, error
  format: text    # text or json

# Run history recorded in a local sqlite database.
history:
  enabled: true
  # path: .reconflow/history.db

# HTTP API used by "reconflow serve".
api:
  host: 127.0.0.1
  port: 8765

metrics:
  enabled: true
  path: /metrics

# Publish lifecycle events to NATS.
nats:
  enabled: false
  url: nats://127.0.0.1:4222
  subject_prefix: reconflow.events

# Dispatch policy evaluated before every task.
policy:
  enabled: false
  # file: .reconflow/policy.rego

workflows:
  dir: workflows
  watch: true

# Tool plugins (*.yaml, *.go) registered as executors.
tools:
  # dir: .reconflow/tools

executors:
  command:
    # allow: [subfinder, nmap, httpx]
    shell: /bin/sh
    default_timeout: 5m
`

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistoryConfig controls the sqlite run history.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	ReadTimeout  string `yaml:"read_timeout,omitempty"`
	WriteTimeout string `yaml:"write_timeout,omitempty"`
	IdleTimeout  string `yaml:"idle_timeout,omitempty"`
}

// MetricsConfig controls the Prometheus collector and endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// NATSConfig controls lifecycle event publishing.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// PolicyConfig points at a rego dispatch policy.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file,omitempty"`
}

// WorkflowConfig captures where workflow definitions live.
type WorkflowConfig struct {
	Dir     string `yaml:"dir,omitempty"`
	Watch   bool   `yaml:"watch"`
	Default string `yaml:"default,omitempty"`
}

// ToolsConfig points at tool plugin definitions.
type ToolsConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// ProjectConfig models .reconflow/config.yaml.
type ProjectConfig struct {
	Version   int                       `yaml:"version"`
	Log       LogConfig                 `yaml:"log"`
	History   HistoryConfig             `yaml:"history"`
	API       APIConfig                 `yaml:"api"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	NATS      NATSConfig                `yaml:"nats"`
	Policy    PolicyConfig              `yaml:"policy"`
	Workflows WorkflowConfig            `yaml:"workflows"`
	Tools     ToolsConfig               `yaml:"tools"`
	Executors map[string]map[string]any `yaml:"executors,omitempty"`
}

// Config holds the runtime configuration.
type Config struct {
	// ProjectDir is the directory reconflow was started from
	ProjectDir string

	// StateDir is ProjectDir/.reconflow
	StateDir string

	Project ProjectConfig
}

// InitProjectDir creates the .reconflow directory structure in the given
// project directory.
//
// Structure created:
// .reconflow/
// ├── config.yaml
// ├── logs/       <- reconflow.log
// ├── runs/       <- one directory per run (state.json, logbook, artifacts)
// └── tools/      <- tool plugins registered as executors
// workflows/      <- workflow definitions indexed by the catalog
func InitProjectDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, ProjectDirName)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "runs"),
		filepath.Join(stateDir, defaultToolsDir),
		filepath.Join(projectDir, defaultWorkflowsDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// Load reads .reconflow/config.yaml (if present) and applies RECONFLOW_*
// environment overrides.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize(cfg.ProjectDir, cfg.StateDir)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no project directory applies.
func Default(projectDir string) *Config {
	cfg := &Config{
		ProjectDir: projectDir,
		StateDir:   filepath.Join(projectDir, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	cfg.Project.normalize(cfg.ProjectDir, cfg.StateDir)
	return cfg
}

// ConfigPath returns the on-disk location for the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// RunsDir returns the directory holding per-run state
func (c *Config) RunsDir() string {
	return filepath.Join(c.StateDir, "runs")
}

// RunDir returns the directory for one run
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.RunsDir(), runID)
}

// WorkflowsDir returns the directory scanned for workflow definitions
func (c *Config) WorkflowsDir() string {
	return c.Project.Workflows.Dir
}

// ToolsDir returns the directory scanned for tool plugins
func (c *Config) ToolsDir() string {
	return c.Project.Tools.Dir
}

// HistoryEnabled reports whether runs are recorded in sqlite.
func (c *Config) HistoryEnabled() bool {
	return boolOr(c.Project.History.Enabled, true)
}

// HistoryPath returns the sqlite database path
func (c *Config) HistoryPath() string {
	return c.Project.History.Path
}

// MetricsEnabled reports whether Prometheus collectors are registered.
func (c *Config) MetricsEnabled() bool {
	return boolOr(c.Project.Metrics.Enabled, true)
}

// ExecutorConfig returns the settings block for one executor.
func (c *Config) ExecutorConfig(name string) map[string]any {
	return c.Project.Executors[name]
}

func (c *Config) loadProjectConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Log:     LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Metrics: MetricsConfig{Path: defaultMetricsPath},
		NATS:    NATSConfig{SubjectPrefix: defaultSubjectPrefix},
		Workflows: WorkflowConfig{
			Dir:   defaultWorkflowsDir,
			Watch: true,
		},
		Executors: map[string]map[string]any{},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Executors == nil {
		pc.Executors = map[string]map[string]any{}
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if v := env("RECONFLOW_LOG_LEVEL"); v != "" {
		pc.Log.Level = v
	}
	if v := env("RECONFLOW_LOG_FORMAT"); v != "" {
		pc.Log.Format = v
	}
	if v := env("RECONFLOW_HISTORY_PATH"); v != "" {
		pc.History.Path = v
	}
	if v := env("RECONFLOW_API_HOST"); v != "" {
		pc.API.Host = v
	}
	if v := env("RECONFLOW_API_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			pc.API.Port = parsed
		}
	}
	if v := env("RECONFLOW_NATS_URL"); v != "" {
		pc.NATS.URL = v
		pc.NATS.Enabled = true
	}
	if v := env("RECONFLOW_POLICY_FILE"); v != "" {
		pc.Policy.File = v
		pc.Policy.Enabled = true
	}
	if v := env("RECONFLOW_WORKFLOWS_DIR"); v != "" {
		pc.Workflows.Dir = v
	}
	if v := env("RECONFLOW_TOOLS_DIR"); v != "" {
		pc.Tools.Dir = v
	}
}

func (pc *ProjectConfig) normalize(base, stateDir string) {
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
	if pc.Log.Level == "" {
		pc.Log.Level = defaultLogLevel
	}
	pc.Log.Format = strings.ToLower(strings.TrimSpace(pc.Log.Format))
	if pc.Log.Format == "" {
		pc.Log.Format = defaultLogFormat
	}
	pc.History.Path = resolvePath(base, pc.History.Path)
	if pc.History.Path == "" {
		pc.History.Path = filepath.Join(stateDir, defaultHistoryFile)
	}
	pc.API.Host = strings.TrimSpace(pc.API.Host)
	pc.Metrics.Path = strings.TrimSpace(pc.Metrics.Path)
	if pc.Metrics.Path == "" {
		pc.Metrics.Path = defaultMetricsPath
	}
	if !strings.HasPrefix(pc.Metrics.Path, "/") {
		pc.Metrics.Path = "/" + pc.Metrics.Path
	}
	pc.NATS.URL = strings.TrimSpace(pc.NATS.URL)
	pc.NATS.SubjectPrefix = strings.Trim(strings.TrimSpace(pc.NATS.SubjectPrefix), ".")
	if pc.NATS.SubjectPrefix == "" {
		pc.NATS.SubjectPrefix = defaultSubjectPrefix
	}
	pc.Policy.File = resolvePath(base, pc.Policy.File)
	if pc.Policy.File == "" {
		pc.Policy.File = filepath.Join(stateDir, defaultPolicyFile)
	}
	pc.Workflows.Dir = resolvePath(base, pc.Workflows.Dir)
	if pc.Workflows.Dir == "" {
		pc.Workflows.Dir = filepath.Join(base, defaultWorkflowsDir)
	}
	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	pc.Tools.Dir = resolvePath(base, pc.Tools.Dir)
	if pc.Tools.Dir == "" {
		pc.Tools.Dir = filepath.Join(stateDir, defaultToolsDir)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch pc.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch pc.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if pc.API.Port < 0 || pc.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 0 and 65535")
	}
	if pc.NATS.Enabled && pc.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
