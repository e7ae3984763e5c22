// Package plugin defines the task contracts collectors and enrichers implement,
// the Plugin value bundling them with the entities they produce, and the Registry
// the dependency resolver and executor look them up in.
//
// Architecture:
//   - A Collector pulls remote data into the raw store (may use the network)
//   - An Enricher derives normalized records from raw records (never uses the network)
//   - Every entity has exactly one producer task; entities import other entities
//   - Dependencies between tasks are keyed "task" (same plugin) or "plugin/task"
package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/lake/errors"
)

// Task is the behaviour shared by collectors and enrichers.
type Task interface {
	// Name is unique within the owning plugin
	Name() string

	// Dependencies returns the tasks this invocation depends on, keyed by
	// "task" or "plugin/task", each with the primary keys to invoke it with.
	Dependencies(pk PrimaryKeys) map[string]PrimaryKeys

	// IsDataPrepared reports whether this task's output for pk already exists,
	// in which case the executor skips it unless forced.
	IsDataPrepared(ctx context.Context, pk PrimaryKeys) (bool, error)

	// CleanData removes this task's output for pk, or for every scope when pk is nil.
	// Returns whether anything was removed.
	CleanData(ctx context.Context, pk *PrimaryKeys) (bool, error)
}

// Collector pulls data from an external system into the raw store.
type Collector interface {
	Task
	CollectData(ctx context.Context, pk PrimaryKeys) error
}

// Enricher turns raw records into enriched records without network access.
type Enricher interface {
	Task
	CalData(ctx context.Context, pk PrimaryKeys) error

	// QueryData returns the enriched records for pk
	QueryData(ctx context.Context, pk PrimaryKeys) (any, error)

	// SupportsLazy reports whether CalData may be deferred until QueryData is called
	SupportsLazy() bool

	// SelfCheck verifies enriched output for pk. A failed check returns an
	// error wrapping *SelfCheckError; it never reports failure silently.
	SelfCheck(ctx context.Context, pk PrimaryKeys) error
}

// Kind discriminates the two task variants
type Kind string

const (
	KindCollector Kind = "collector"
	KindEnricher  Kind = "enricher"
)

// KindOf returns the variant of t. A task implementing both or neither contract is invalid.
func KindOf(t Task) (Kind, error) {
	_, isCollector := t.(Collector)
	_, isEnricher := t.(Enricher)
	switch {
	case isCollector && !isEnricher:
		return KindCollector, nil
	case isEnricher && !isCollector:
		return KindEnricher, nil
	case isCollector && isEnricher:
		return "", errors.Newf("task %s implements both Collector and Enricher", t.Name())
	default:
		return "", errors.Newf("task %s implements neither Collector nor Enricher", t.Name())
	}
}

// TaskRef identifies a task across plugins
type TaskRef struct {
	Plugin string
	Task   string
}

// String returns the "plugin/task" form
func (r TaskRef) String() string {
	return r.Plugin + "/" + r.Task
}

// ParseRef resolves a dependency key. A bare "task" refers to defaultPlugin;
// "plugin/task" refers to another plugin.
func ParseRef(key, defaultPlugin string) (TaskRef, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return TaskRef{}, errors.NewInvalidRequestError("empty task reference")
	}
	pluginName, taskName, cross := strings.Cut(key, "/")
	if !cross {
		if defaultPlugin == "" {
			return TaskRef{}, errors.NewInvalidRequestError("task reference %q needs a plugin/ prefix", key)
		}
		return TaskRef{Plugin: defaultPlugin, Task: key}, nil
	}
	if pluginName == "" || taskName == "" || strings.Contains(taskName, "/") {
		return TaskRef{}, errors.NewInvalidRequestError("malformed task reference %q", key)
	}
	return TaskRef{Plugin: pluginName, Task: taskName}, nil
}

// SelfCheckError reports enriched output that failed its consistency check
type SelfCheckError struct {
	Ref    TaskRef
	Scope  string
	Reason string
}

func (e *SelfCheckError) Error() string {
	return fmt.Sprintf("self check failed for %s %s: %s", e.Ref, e.Scope, e.Reason)
}

// NewSelfCheckError builds a stack-carrying self check failure
func NewSelfCheckError(ref TaskRef, pk PrimaryKeys, format string, args ...any) error {
	return errors.WithStack(&SelfCheckError{
		Ref:    ref,
		Scope:  pk.Identity(),
		Reason: fmt.Sprintf(format, args...),
	})
}
