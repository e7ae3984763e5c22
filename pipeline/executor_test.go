package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/errors"
	laketest "github.com/teranos/lake/internal/testing"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugin/plugintest"
)

type demo struct {
	calls    *plugintest.Calls
	collect  *plugintest.Collector
	enrich   *plugintest.Enricher
	other    *plugintest.Collector
	registry *plugin.Registry
	plan     *dag.Plan
}

func newDemo(t *testing.T, preflight func() error) *demo {
	t.Helper()
	calls := &plugintest.Calls{}
	d := &demo{
		calls:   calls,
		collect: plugintest.NewCollector("collect", calls, nil),
		enrich: plugintest.NewEnricher("enrich", calls, map[string]plugin.PrimaryKeys{
			"collect": plugin.Keys("boardId", 8),
		}),
		other:    plugintest.NewCollector("other", calls, nil),
		registry: plugin.NewRegistry("1.0.0", zap.NewNop().Sugar()),
	}
	require.NoError(t, d.registry.Register(plugin.Plugin{
		Name: "demo",
		Entities: []plugin.EntitySpec{
			{Name: "raw", Producer: "collect"},
			{Name: "enriched", Producer: "enrich", Imports: []string{"raw"}},
			{Name: "other", Producer: "other"},
		},
		Tasks:     []plugin.Task{d.collect, d.enrich, d.other},
		Preflight: preflight,
	}))

	pk := plugin.Keys("boardId", 8)
	d.plan = &dag.Plan{Steps: []dag.Step{
		{Ref: plugin.TaskRef{Plugin: "demo", Task: "collect"}, Keys: pk},
		{Ref: plugin.TaskRef{Plugin: "demo", Task: "enrich"}, Keys: pk, DependsOn: []int{0}},
		{Ref: plugin.TaskRef{Plugin: "demo", Task: "other"}, Keys: pk},
	}}
	return d
}

func states(rep *Report) []plugin.State {
	out := make([]plugin.State, len(rep.Steps))
	for i, s := range rep.Steps {
		out[i] = s.State
	}
	return out
}

func TestExecuteRunsStepsInPlanOrder(t *testing.T) {
	d := newDemo(t, nil)
	exec := NewExecutor(d.registry, WithLogger(zap.NewNop().Sugar()))

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, rep.RunID)

	assert.Equal(t, []plugin.State{plugin.StateCompleted, plugin.StateCompleted, plugin.StateCompleted}, states(rep))
	assert.Equal(t, []string{
		"collect.IsDataPrepared", "collect.CollectData",
		"enrich.IsDataPrepared", "enrich.CalData", "enrich.SelfCheck",
		"other.IsDataPrepared", "other.CollectData",
	}, d.calls.All())
	assert.NoError(t, rep.Err())
	assert.Equal(t, plugin.KindEnricher, rep.Steps[1].Kind)
	assert.False(t, rep.Steps[0].Started.IsZero())
}

func TestExecuteSkipsPreparedUnlessForced(t *testing.T) {
	d := newDemo(t, nil)
	d.collect.Prepared = true
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.NoError(t, err)
	assert.Equal(t, plugin.StateSkipped, rep.Steps[0].State)
	assert.Equal(t, ReasonPrepared, rep.Steps[0].Reason)
	assert.Equal(t, plugin.StateCompleted, rep.Steps[1].State, "a prepared dependency does not block")
	assert.Zero(t, d.collect.Runs())

	rep, err = exec.Execute(context.Background(), d.plan, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, plugin.StateCompleted, rep.Steps[0].State)
	assert.Equal(t, 1, d.collect.Runs())
	assert.Equal(t, 1, d.collect.Cleaned())
	assert.Equal(t, 1, d.enrich.Cleaned())
}

func TestExecuteSkipsDependentsOfFailedStep(t *testing.T) {
	d := newDemo(t, nil)
	d.collect.Err = errors.New("remote down")
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.NoError(t, err)

	assert.Equal(t, []plugin.State{plugin.StateFailed, plugin.StateSkipped, plugin.StateSkipped}, states(rep))
	assert.Equal(t, ReasonDependencyFailed, rep.Steps[1].Reason)
	assert.Equal(t, ReasonAborted, rep.Steps[2].Reason)
	assert.Zero(t, d.enrich.Runs())
	assert.Zero(t, d.other.Runs())

	require.Len(t, rep.Failed(), 1)
	assert.ErrorContains(t, rep.Err(), "remote down")
}

func TestExecuteContinueOnError(t *testing.T) {
	d := newDemo(t, nil)
	d.collect.Err = errors.New("remote down")
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{ContinueOnError: true})
	require.NoError(t, err)

	assert.Equal(t, []plugin.State{plugin.StateFailed, plugin.StateSkipped, plugin.StateCompleted}, states(rep))
	assert.Equal(t, ReasonDependencyFailed, rep.Steps[1].Reason)
	assert.Equal(t, 1, d.other.Runs())
}

func TestExecuteSurfacesSelfCheckFailure(t *testing.T) {
	d := newDemo(t, nil)
	ref := plugin.TaskRef{Plugin: "demo", Task: "enrich"}
	d.enrich.CheckErr = plugin.NewSelfCheckError(ref, plugin.Keys("boardId", 8), "%d issues without board link", 2)
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{ContinueOnError: true})
	require.NoError(t, err)

	step := rep.Steps[1]
	assert.Equal(t, plugin.StateFailed, step.State)
	var checkErr *plugin.SelfCheckError
	require.True(t, errors.As(step.Err, &checkErr))
	assert.Equal(t, ref, checkErr.Ref)
	assert.Equal(t, `{"boardId":8}`, checkErr.Scope)
}

func TestExecutePreflightFailsBeforeAnyStep(t *testing.T) {
	d := newDemo(t, func() error { return errors.New("sources.demo.token is required") })
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Empty(t, d.calls.All())
}

func TestExecuteLazyDefersUnneededEnrichers(t *testing.T) {
	d := newDemo(t, nil)
	d.enrich.Lazy = true
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{Lazy: true})
	require.NoError(t, err)
	assert.Equal(t, plugin.StateSkipped, rep.Steps[1].State)
	assert.Equal(t, ReasonLazy, rep.Steps[1].Reason)
	assert.Zero(t, d.enrich.Runs())
}

func TestExecuteConcurrentWorkersKeepDependencyOrder(t *testing.T) {
	d := newDemo(t, nil)

	var mu sync.Mutex
	var events []string
	observer := ObserverFuncs{
		OnStart: func(s StepResult) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "start "+s.Ref.Task)
		},
		OnFinish: func(s StepResult) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "finish "+s.Ref.Task)
		},
	}
	exec := NewExecutor(d.registry, WithObserver(observer))

	rep, err := exec.Execute(context.Background(), d.plan, Options{Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, []plugin.State{plugin.StateCompleted, plugin.StateCompleted, plugin.StateCompleted}, states(rep))

	index := func(event string) int {
		for i, e := range events {
			if e == event {
				return i
			}
		}
		t.Fatalf("missing event %q in %v", event, events)
		return -1
	}
	assert.Less(t, index("finish collect"), index("start enrich"))
	assert.Len(t, events, 6)
}

func TestExecutePersistsTaskRuns(t *testing.T) {
	d := newDemo(t, nil)
	d.other.Prepared = true
	store := NewRunStore(laketest.CreateTestDB(t))
	exec := NewExecutor(d.registry, WithRunStore(store))

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.NoError(t, err)

	runs, err := store.ListByRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, "collect", runs[0].Task)
	assert.Equal(t, plugin.StateCompleted, runs[0].State)
	assert.Equal(t, plugin.KindCollector, runs[0].Kind)
	assert.Equal(t, `{"boardId":8}`, runs[0].Scope)
	assert.NotNil(t, runs[0].StartedAt)
	assert.NotNil(t, runs[0].FinishedAt)

	assert.Equal(t, plugin.StateSkipped, runs[2].State)
	assert.Equal(t, ReasonPrepared, runs[2].Reason)
	assert.Nil(t, runs[2].StartedAt)

	summaries, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, RunSummary{RunID: rep.RunID, Steps: 3, Skipped: 1, StartedAt: summaries[0].StartedAt}, summaries[0])
}

func TestExecuteCancelledContextFailsSteps(t *testing.T) {
	d := newDemo(t, nil)
	d.collect.Err = context.Canceled
	exec := NewExecutor(d.registry)

	rep, err := exec.Execute(context.Background(), d.plan, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Steps[0].Err, context.Canceled)
}
