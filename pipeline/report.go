package pipeline

import (
	"fmt"
	"time"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
)

// Skip reasons
const (
	ReasonPrepared         = "data prepared"
	ReasonDependencyFailed = "dependency failed"
	ReasonAborted          = "run aborted"
	ReasonLazy             = "deferred until queried"
)

// StepResult is the outcome of one plan step
type StepResult struct {
	Index    int
	ID       string // task run id
	Ref      plugin.TaskRef
	Kind     plugin.Kind
	Keys     plugin.PrimaryKeys
	State    plugin.State
	Reason   string
	Err      error
	Started  time.Time
	Finished time.Time
}

// Duration is the wall time spent running, zero for skipped steps
func (r StepResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

func (r StepResult) String() string {
	s := fmt.Sprintf("%s %s: %s", r.Ref, r.Keys.Identity(), r.State)
	switch {
	case r.Err != nil:
		s += ": " + r.Err.Error()
	case r.Reason != "":
		s += " (" + r.Reason + ")"
	}
	return s
}

// Report collects step results in plan order
type Report struct {
	RunID string
	Steps []StepResult
}

// Failed returns the failed steps
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.State == plugin.StateFailed {
			out = append(out, s)
		}
	}
	return out
}

// Counts tallies steps by final state
func (r *Report) Counts() map[plugin.State]int {
	counts := make(map[plugin.State]int)
	for _, s := range r.Steps {
		counts[s.State]++
	}
	return counts
}

// Err joins the errors of failed steps, nil when every step completed or was skipped
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, errors.Wrapf(s.Err, "%s %s", s.Ref, s.Keys.Identity()))
	}
	return errors.Join(errs...)
}
