package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownExecutor is returned when a name has no registered factory.
var ErrUnknownExecutor = errors.New("executor: unknown executor")

// Config carries executor-specific settings (opaque to the engine).
type Config map[string]any

// Factory constructs an executor with the provided configuration.
type Factory func(Config) (Executor, error)

// Registry maintains known executor factories and the instances built from
// them. Instances are built lazily on first use and reused afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	configs   map[string]Config
	instances map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		configs:   map[string]Config{},
		instances: map[string]Executor{},
	}
}

// Register installs an executor factory. Returns an error if the name already exists.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("executor: name is required")
	}
	if factory == nil {
		return fmt.Errorf("executor: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("executor: %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// RegisterExecutor installs an already constructed executor under its own name.
func (r *Registry) RegisterExecutor(exec Executor) error {
	if exec == nil {
		return fmt.Errorf("executor: executor is required")
	}
	info := exec.Info()
	if err := info.Validate(); err != nil {
		return err
	}
	return r.Register(info.Name, func(Config) (Executor, error) { return exec, nil })
}

// Configure sets the configuration passed to a factory. A cached instance is
// discarded so the next Resolve rebuilds it.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
	delete(r.instances, name)
}

// Resolve returns the executor registered under name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	if exec, ok := r.instances[name]; ok {
		r.mu.RUnlock()
		return exec, nil
	}
	factory, ok := r.factories[name]
	cfg := r.configs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownExecutor, name)
	}
	exec, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("executor: build %s: %w", name, err)
	}
	if exec == nil {
		return nil, fmt.Errorf("executor: factory for %s returned nil", name)
	}
	if err := exec.Info().Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing, ok := r.instances[name]; ok {
		exec = existing
	} else {
		r.instances[name] = exec
	}
	r.mu.Unlock()
	return exec, nil
}

// Has reports whether a factory exists for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns a sorted list of registered executor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe resolves every registered executor and returns its info, sorted by
// name. Executors that fail to build are reported through the error.
func (r *Registry) Describe() ([]Info, error) {
	var (
		infos []Info
		errs  []error
	)
	for _, name := range r.Names() {
		exec, err := r.Resolve(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		infos = append(infos, exec.Info())
	}
	return infos, errors.Join(errs...)
}
