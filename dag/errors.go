package dag

import (
	"fmt"
	"strings"
)

// MissingProducerError is returned when an entity (or a task dependency key)
// has no registered producer.
type MissingProducerError struct {
	Entity     string
	RequiredBy string // entity or task that asked for it, empty for the requested target
}

func (e *MissingProducerError) Error() string {
	if e.RequiredBy == "" {
		return fmt.Sprintf("no producer registered for %q", e.Entity)
	}
	return fmt.Sprintf("no producer registered for %q (required by %s)", e.Entity, e.RequiredBy)
}

// CyclicDependencyError is returned when resolution revisits a node on its own path.
// Path starts and ends with the repeated node.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}
