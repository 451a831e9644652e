// Package catalog indexes the workflow definitions found under a directory
// and keeps the index current as files change.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/reconflow/internal/logging"
	"github.com/kingrea/reconflow/internal/workflow"
)

// DefaultPattern matches every supported definition format at any depth.
const DefaultPattern = "**/*.{yaml,yml,json,hcl}"

const defaultDebounce = 250 * time.Millisecond

// ErrNotFound is returned by Get for unknown workflow ids.
var ErrNotFound = errors.New("catalog: workflow not found")

// Entry summarizes one definition file.
type Entry struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Path        string         `json:"path"`
	Tasks       int            `json:"tasks"`
	Graph       workflow.Graph `json:"-"`
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithLogger routes catalog logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPattern replaces DefaultPattern.
func WithPattern(pattern string) Option {
	return func(c *Catalog) {
		if pattern != "" {
			c.pattern = pattern
		}
	}
}

// WithDebounce sets how long Watch waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(c *Catalog) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// OnReload registers a callback invoked after every reload triggered by Watch.
func OnReload(fn func([]Entry)) Option {
	return func(c *Catalog) {
		c.onReload = fn
	}
}

// Catalog is a concurrency-safe index of workflow definitions.
type Catalog struct {
	dir      string
	pattern  string
	debounce time.Duration
	logger   *slog.Logger
	onReload func([]Entry)

	mu       sync.RWMutex
	entries  map[string]Entry
	problems map[string]string
}

// New creates a catalog for dir. Call Reload to populate it.
func New(dir string, opts ...Option) *Catalog {
	c := &Catalog{
		dir:      dir,
		pattern:  DefaultPattern,
		debounce: defaultDebounce,
		logger:   logging.Discard(),
		entries:  map[string]Entry{},
		problems: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the indexed directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Reload rescans the directory and replaces the index. Files that fail to
// parse or validate, and files whose id is already taken, are reported by
// Problems instead.
func (c *Catalog) Reload() error {
	matches, err := doublestar.FilepathGlob(filepath.Join(c.dir, c.pattern))
	if err != nil {
		return fmt.Errorf("catalog: glob %s: %w", c.dir, err)
	}
	sort.Strings(matches)
	entries := make(map[string]Entry, len(matches))
	problems := map[string]string{}
	for _, path := range matches {
		g, err := workflow.LoadGraphFile(path)
		if err != nil {
			problems[path] = err.Error()
			continue
		}
		if prev, dup := entries[g.ID]; dup {
			problems[path] = fmt.Sprintf("workflow id %q already defined in %s", g.ID, prev.Path)
			continue
		}
		entry := Entry{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			Path:        path,
			Tasks:       len(g.Tasks),
			Graph:       g,
		}
		entries[g.ID] = entry
	}

	c.mu.Lock()
	c.entries = entries
	c.problems = problems
	c.mu.Unlock()
	c.logger.Debug("catalog reloaded", "dir", c.dir, "workflows", len(entries), "problems", len(problems))
	return nil
}

// Get returns a copy of the graph registered under id.
func (c *Catalog) Get(id string) (workflow.Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return workflow.Graph{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry.Graph.Clone(), nil
}

// List returns every entry sorted by id.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		entry.Graph = entry.Graph.Clone()
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Problems maps unreadable definition files to the reason.
func (c *Catalog) Problems() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.problems))
	for path, msg := range c.problems {
		out[path] = msg
	}
	return out
}

// Watch reloads the catalog whenever a definition file under the directory
// changes. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("catalog: create %s: %w", c.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: watcher: %w", err)
	}
	defer watcher.Close()
	if err := c.addDirs(watcher, c.dir); err != nil {
		return err
	}
	c.logger.Info("watching workflows", "dir", c.dir, "debounce", c.debounce)

	ticker := time.NewTicker(c.debounce)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := c.addDirs(watcher, event.Name); err != nil {
						c.logger.Warn("watch new directory", "path", event.Name, "error", err)
					}
					dirty = true
					continue
				}
			}
			if workflow.IsDefinitionFile(event.Name) {
				dirty = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("catalog watcher error", "error", err)
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := c.Reload(); err != nil {
				c.logger.Error("catalog reload failed", "error", err)
				continue
			}
			if c.onReload != nil {
				c.onReload(c.List())
			}
		}
	}
}

func (c *Catalog) addDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("catalog: watch %s: %w", path, err)
		}
		return nil
	})
}
