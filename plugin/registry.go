package plugin

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
)

// EntitySpec declares a data product: the task in the same plugin that
// produces it and the entities (from any plugin) it is derived from.
type EntitySpec struct {
	Name     string
	Producer string
	Imports  []string
}

// Plugin bundles the tasks and entities of one external system.
type Plugin struct {
	// Name is the plugin identifier used in "plugin/task" references
	Name string

	// Version is the plugin version (semver)
	Version string

	// CoreVersion is the required lake version (semver constraint), empty for any
	CoreVersion string

	Description string

	Entities []EntitySpec
	Tasks    []Task

	// Preflight validates plugin configuration. The executor calls it for every
	// plugin in a plan before any step runs. Nil means always ready.
	Preflight func() error
}

type entry struct {
	plugin Plugin
	tasks  map[string]Task
}

// Registry holds registered plugins and the global entity → producer table.
// It is built once at startup and passed to the resolver and executor.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]*entry
	producers map[string]TaskRef
	imports   map[string][]string
	version   string // lake version
	logger    *zap.SugaredLogger
}

// NewRegistry creates an empty registry for the given lake version
func NewRegistry(coreVersion string, log *zap.SugaredLogger) *Registry {
	return &Registry{
		plugins:   make(map[string]*entry),
		producers: make(map[string]TaskRef),
		imports:   make(map[string][]string),
		version:   coreVersion,
		logger:    logger.OrComponent(log, "plugin"),
	}
}

// Register adds a plugin.
// Returns error on name conflicts, duplicate tasks or entities, producers naming
// unknown tasks, and incompatible version constraints.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" {
		return errors.NewInvalidRequestError("plugin name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Name]; exists {
		return errors.Mark(errors.Newf("plugin already registered: %s", p.Name), errors.ErrConflict)
	}

	if err := r.validateVersion(p); err != nil {
		return errors.Wrapf(err, "version incompatible for %s", p.Name)
	}

	tasks := make(map[string]Task, len(p.Tasks))
	for _, t := range p.Tasks {
		if _, err := KindOf(t); err != nil {
			return errors.Wrapf(err, "plugin %s", p.Name)
		}
		if _, dup := tasks[t.Name()]; dup {
			return errors.Mark(errors.Newf("plugin %s declares task %s twice", p.Name, t.Name()), errors.ErrConflict)
		}
		tasks[t.Name()] = t
	}

	seen := make(map[string]bool, len(p.Entities))
	for _, e := range p.Entities {
		if e.Name == "" {
			return errors.NewInvalidRequestError("plugin %s declares an unnamed entity", p.Name)
		}
		if _, ok := tasks[e.Producer]; !ok {
			return errors.NewInvalidRequestError("entity %s: producer %s is not a task of plugin %s", e.Name, e.Producer, p.Name)
		}
		if owner, taken := r.producers[e.Name]; taken || seen[e.Name] {
			if !taken {
				owner = TaskRef{Plugin: p.Name, Task: e.Producer}
			}
			return errors.Mark(errors.Newf("entity %s already produced by %s", e.Name, owner), errors.ErrConflict)
		}
		seen[e.Name] = true
	}

	for _, e := range p.Entities {
		r.producers[e.Name] = TaskRef{Plugin: p.Name, Task: e.Producer}
		r.imports[e.Name] = append([]string(nil), e.Imports...)
	}
	r.plugins[p.Name] = &entry{plugin: p, tasks: tasks}

	r.logger.Debugw("Registered plugin",
		logger.FieldPlugin, p.Name,
		"version", p.Version,
		"tasks", len(tasks),
		"entities", len(p.Entities),
	)
	return nil
}

// Plugin returns the registered plugin by name
func (r *Registry) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[name]
	if !ok {
		return Plugin{}, false
	}
	return e.plugin, true
}

// Task returns the task a reference points to
func (r *Registry) Task(ref TaskRef) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[ref.Plugin]
	if !ok {
		return nil, false
	}
	t, ok := e.tasks[ref.Task]
	return t, ok
}

// TaskByKey resolves "plugin/task" to a registered task
func (r *Registry) TaskByKey(key string) (TaskRef, Task, error) {
	ref, err := ParseRef(key, "")
	if err != nil {
		return TaskRef{}, nil, err
	}
	t, ok := r.Task(ref)
	if !ok {
		return ref, nil, errors.NewNotFoundError("task %s is not registered", ref)
	}
	return ref, t, nil
}

// Producer returns the task producing entity
func (r *Registry) Producer(entity string) (TaskRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.producers[entity]
	return ref, ok
}

// Imports returns the entities entity is derived from
func (r *Registry) Imports(entity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.imports[entity]...)
}

// List returns all registered plugin names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entities returns every registered entity name in sorted order
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.producers))
	for name := range r.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preflight runs the named plugin's configuration check
func (r *Registry) Preflight(pluginName string) error {
	p, ok := r.Plugin(pluginName)
	if !ok {
		return errors.NewNotFoundError("plugin %s is not registered", pluginName)
	}
	if p.Preflight == nil {
		return nil
	}
	return errors.Wrapf(p.Preflight(), "plugin %s", pluginName)
}

// validateVersion checks if plugin constraint is satisfied by the lake version
func (r *Registry) validateVersion(p Plugin) error {
	if p.CoreVersion == "" {
		return nil
	}

	coreVer, err := semver.NewVersion(r.version)
	if err != nil {
		return errors.Wrapf(err, "invalid lake version %s", r.version)
	}

	constraint, err := semver.NewConstraint(p.CoreVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid version constraint %s", p.CoreVersion)
	}

	if !constraint.Check(coreVer) {
		return errors.Newf("plugin requires lake %s, but running %s", p.CoreVersion, r.version)
	}

	return nil
}
