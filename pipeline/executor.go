// Package pipeline executes resolved plans.
//
// Each step moves through the task state machine exactly once:
//
//	PENDING → SKIPPED                  (data prepared, dependency failed, aborted, lazy)
//	PENDING → RUNNING → COMPLETED | FAILED
//
// Steps start in plan order. With more than one worker, independent steps run
// concurrently; a step never starts before every step it depends on has finished.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/db"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
)

// Options control one execution
type Options struct {
	// Force re-runs prepared steps, cleaning their previous output first
	Force bool
	// ContinueOnError keeps starting independent steps after a failure
	ContinueOnError bool
	// Workers bounds concurrently running steps; values below 1 mean 1
	Workers int
	// Lazy defers enrichers that support it when no later step needs their output
	Lazy bool
}

// Executor runs plans against a registry
type Executor struct {
	registry *plugin.Registry
	store    *RunStore
	observer Observer
	now      func() time.Time
	newID    func() string
	logger   *zap.SugaredLogger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithRunStore persists every task invocation
func WithRunStore(store *RunStore) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

// WithObserver receives step events
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the executor logger
func WithLogger(l *zap.SugaredLogger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor
func NewExecutor(registry *plugin.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		observer: nopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrComponent(e.logger, "pipeline")
	return e
}

// run is the mutable state of one Execute call
type run struct {
	id      string
	plan    *dag.Plan
	opts    Options
	results []StepResult
	done    []chan struct{}
	// blocked marks failed steps and steps skipped because a dependency failed
	blocked []atomic.Bool
	aborted atomic.Bool
	needed  []bool
	mu      sync.Mutex
}

// Execute runs plan. Every plugin's preflight check runs first, so a
// configuration error returns before any step starts. Step failures are
// reported in the Report, not as the returned error; the error covers
// preflight and run-store failures.
func (e *Executor) Execute(ctx context.Context, plan *dag.Plan, opts Options) (*Report, error) {
	for _, name := range plan.Plugins() {
		if err := e.registry.Preflight(name); err != nil {
			return nil, errors.Wrap(err, "preflight")
		}
	}

	r := &run{
		id:      e.newID(),
		plan:    plan,
		opts:    opts,
		results: make([]StepResult, plan.Len()),
		done:    make([]chan struct{}, plan.Len()),
		blocked: make([]atomic.Bool, plan.Len()),
		needed:  make([]bool, plan.Len()),
	}
	for i, step := range plan.Steps {
		r.done[i] = make(chan struct{})
		for _, dep := range step.DependsOn {
			r.needed[dep] = true
		}
	}

	ctx = logger.WithRunID(ctx, r.id)
	ctx = plugin.WithForce(ctx, opts.Force)
	log := logger.LoggerFromContext(ctx, e.logger)
	log.Infow("Pipeline run started", "steps", plan.Len(), "force", opts.Force, "workers", opts.Workers)

	if err := e.recordPending(ctx, r); err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range plan.Steps {
		g.Go(func() error {
			defer close(r.done[i])
			for _, dep := range plan.Steps[i].DependsOn {
				select {
				case <-r.done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return e.runStep(gctx, r, i)
		})
	}
	if err := g.Wait(); err != nil {
		return e.report(r), err
	}

	rep := e.report(r)
	counts := rep.Counts()
	log.Infow("Pipeline run finished",
		"completed", counts[plugin.StateCompleted],
		"skipped", counts[plugin.StateSkipped],
		logger.FieldFailed, counts[plugin.StateFailed],
	)
	return rep, nil
}

func (e *Executor) report(r *run) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Report{RunID: r.id, Steps: append([]StepResult(nil), r.results...)}
}

// recordPending creates the PENDING result (and task run row) of every step
func (e *Executor) recordPending(ctx context.Context, r *run) error {
	for i, step := range r.plan.Steps {
		res := StepResult{
			Index: i,
			ID:    e.newID(),
			Ref:   step.Ref,
			Keys:  step.Keys,
			State: plugin.StatePending,
		}
		if t, ok := e.registry.Task(step.Ref); ok {
			res.Kind, _ = plugin.KindOf(t)
		}
		r.results[i] = res

		if e.store != nil {
			err := e.store.Create(ctx, &TaskRun{
				ID:        res.ID,
				RunID:     r.id,
				Plugin:    step.Ref.Plugin,
				Task:      step.Ref.Task,
				Kind:      res.Kind,
				Scope:     step.Keys.Identity(),
				State:     plugin.StatePending,
				CreatedAt: e.now(),
			})
			if err != nil {
				return errors.Wrap(err, "record pending step")
			}
		}
	}
	return nil
}

// runStep drives step i through the state machine. It returns an error only
// when the run store fails; task failures end in StateFailed.
func (e *Executor) runStep(ctx context.Context, r *run, i int) error {
	step := r.plan.Steps[i]
	ctx = logger.WithTask(ctx, step.Ref.String())
	log := logger.LoggerFromContext(ctx, e.logger).With(logger.FieldScope, step.Keys.Identity())

	for _, dep := range step.DependsOn {
		if r.blocked[dep].Load() {
			return e.skip(ctx, r, i, ReasonDependencyFailed)
		}
	}
	if r.aborted.Load() && !r.opts.ContinueOnError {
		return e.skip(ctx, r, i, ReasonAborted)
	}

	task, ok := e.registry.Task(step.Ref)
	if !ok {
		return e.fail(ctx, r, i, errors.NewNotFoundError("task %s is not registered", step.Ref))
	}

	if !r.opts.Force {
		prepared, err := task.IsDataPrepared(ctx, step.Keys)
		if err != nil {
			return e.fail(ctx, r, i, errors.Wrap(err, "check prepared data"))
		}
		if prepared {
			log.Debugw("Step skipped, data prepared")
			return e.skip(ctx, r, i, ReasonPrepared)
		}
	}

	enricher, isEnricher := task.(plugin.Enricher)
	if r.opts.Lazy && isEnricher && enricher.SupportsLazy() && !r.needed[i] {
		return e.skip(ctx, r, i, ReasonLazy)
	}

	if err := e.start(ctx, r, i); err != nil {
		return err
	}

	if err := e.invoke(ctx, task, step.Keys, r.opts.Force); err != nil {
		log.Warnw("Step failed", logger.FieldError, err.Error())
		return e.fail(ctx, r, i, err)
	}
	return e.finish(ctx, r, i, plugin.StateCompleted, "", nil)
}

// invoke runs the task body of a RUNNING step
func (e *Executor) invoke(ctx context.Context, task plugin.Task, pk plugin.PrimaryKeys, force bool) error {
	if force {
		if _, err := task.CleanData(ctx, &pk); err != nil {
			return errors.Wrap(err, "clean data")
		}
	}

	switch t := task.(type) {
	case plugin.Collector:
		return errors.Wrap(t.CollectData(ctx, pk), "collect data")
	case plugin.Enricher:
		if err := t.CalData(ctx, pk); err != nil {
			return errors.Wrap(err, "calculate data")
		}
		return t.SelfCheck(ctx, pk)
	default:
		_, err := plugin.KindOf(task)
		return err
	}
}

func (e *Executor) skip(ctx context.Context, r *run, i int, reason string) error {
	r.blocked[i].Store(reason == ReasonDependencyFailed)
	return e.finish(ctx, r, i, plugin.StateSkipped, reason, nil)
}

// fail moves a step to FAILED, entering RUNNING first when it never started
func (e *Executor) fail(ctx context.Context, r *run, i int, cause error) error {
	r.mu.Lock()
	pending := r.results[i].State == plugin.StatePending
	r.mu.Unlock()
	if pending {
		if err := e.start(ctx, r, i); err != nil {
			return err
		}
	}

	r.blocked[i].Store(true)
	r.aborted.Store(true)
	return e.finish(ctx, r, i, plugin.StateFailed, "", cause)
}

func (e *Executor) start(ctx context.Context, r *run, i int) error {
	res, err := e.transition(r, i, plugin.StateRunning, "", nil)
	if err != nil {
		return err
	}
	e.observer.StepStarted(res)
	return e.persist(ctx, r.id, res)
}

func (e *Executor) finish(ctx context.Context, r *run, i int, to plugin.State, reason string, cause error) error {
	res, err := e.transition(r, i, to, reason, cause)
	if err != nil {
		return err
	}
	e.observer.StepFinished(res)

	logger.LoggerFromContext(ctx, e.logger).Debugw("Step finished",
		logger.FieldScope, res.Keys.Identity(),
		logger.FieldState, string(res.State),
		"reason", res.Reason,
		logger.FieldDurationMS, res.Duration().Milliseconds(),
	)
	return e.persist(ctx, r.id, res)
}

// transition applies a legal state change and returns the updated result
func (e *Executor) transition(r *run, i int, to plugin.State, reason string, cause error) (StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &r.results[i]
	if !plugin.CanTransition(res.State, to) {
		return *res, errors.AssertionFailedf("illegal transition %s -> %s for %s", res.State, to, res.Ref)
	}
	res.State = to
	res.Reason = reason
	res.Err = cause
	switch to {
	case plugin.StateRunning:
		res.Started = e.now()
	case plugin.StateCompleted, plugin.StateFailed:
		res.Finished = e.now()
	}
	return *res, nil
}

func (e *Executor) persist(ctx context.Context, runID string, res StepResult) error {
	if e.store == nil {
		return nil
	}
	tr := &TaskRun{
		ID:     res.ID,
		RunID:  runID,
		State:  res.State,
		Reason: res.Reason,
	}
	if res.Err != nil {
		tr.Error = res.Err.Error()
	}
	if !res.Started.IsZero() {
		tr.StartedAt = &res.Started
	}
	if !res.Finished.IsZero() {
		tr.FinishedAt = &res.Finished
	}
	// step bookkeeping outlives caller cancellation
	err := e.store.Update(context.WithoutCancel(ctx), tr)
	if errors.Is(err, db.ErrDatabaseClosed) {
		e.logger.Warnw("Task run not recorded, database closed",
			logger.FieldRunID, runID,
			logger.FieldTask, res.Ref.String(),
			logger.FieldState, string(res.State),
		)
		return nil
	}
	return errors.Wrapf(err, "persist %s", res.Ref)
}
