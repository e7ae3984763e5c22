package commands

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/errors"
	laketest "github.com/teranos/lake/internal/testing"
	"github.com/teranos/lake/pipeline"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugin/plugintest"
	"github.com/teranos/lake/plugins/gitlab"
	"github.com/teranos/lake/plugins/jira"
)

func testRegistry(t *testing.T, cfg *am.Config) *plugin.Registry {
	t.Helper()
	registry, err := buildRegistry(cfg, laketest.CreateTestDB(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	return registry
}

func TestBuildRegistry(t *testing.T) {
	registry := testRegistry(t, &am.Config{})

	assert.Equal(t, []string{gitlab.Name, jira.Name}, registry.List())
	ref, ok := registry.Producer(gitlab.EntityIssueLinks)
	require.True(t, ok)
	assert.Equal(t, plugin.TaskRef{Plugin: gitlab.Name, Task: gitlab.TaskLinkIssues}, ref)

	err := registry.Preflight(jira.Name)
	assert.True(t, errors.Is(err, am.ErrInvalidConfig), "unconfigured source fails preflight only")
}

func TestBuildRegistryRejectsBadEnrichConfig(t *testing.T) {
	_, err := buildRegistry(&am.Config{Enrich: am.EnrichConfig{LeadTimeUnit: "fortnights"}},
		laketest.CreateTestDB(t), zap.NewNop().Sugar())
	assert.True(t, errors.Is(err, am.ErrInvalidConfig))

	_, err = buildRegistry(&am.Config{Enrich: am.EnrichConfig{MappingsFile: "/nonexistent/mappings.yaml"}},
		laketest.CreateTestDB(t), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestPluginRows(t *testing.T) {
	rows := pluginRows(testRegistry(t, &am.Config{}))

	require.Len(t, rows, 7, "header plus four gitlab and two jira tasks")
	assert.Equal(t, []string{"Plugin", "Version", "Task", "Kind", "Produces"}, rows[0])
	assert.Equal(t, []string{"gitlab", "1.0.0", "collectCommits", "collector", "gitlab_raw_commits"}, rows[1])
	assert.Equal(t, []string{"jira", "1.0.0", "enrichIssues", "enricher", "jira_issues"}, rows[6])
}

func TestPlanRows(t *testing.T) {
	registry := testRegistry(t, &am.Config{})
	plan, err := dag.NewResolver(registry).ResolveTarget(jira.EntityIssues, plugin.Keys("boardId", 8))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"#", "Task", "Scope", "After"},
		{"1", "jira/collectIssues", `{"boardId":8}`, ""},
		{"2", "jira/enrichIssues", `{"boardId":8}`, "1"},
	}, planRows(plan))

	assert.Equal(t, []planStep{
		{Step: 1, Task: "jira/collectIssues", Scope: `{"boardId":8}`, DependsOn: []int{}},
		{Step: 2, Task: "jira/enrichIssues", Scope: `{"boardId":8}`, DependsOn: []int{1}},
	}, planSteps(plan))
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run"}
	addScopeFlag(cmd)
	cmd.Flags().Bool("force", false, "")
	cmd.Flags().Bool("continue-on-error", false, "")
	cmd.Flags().Int("workers", 0, "")
	cmd.Flags().Bool("lazy", false, "")
	return cmd
}

func TestRunOptions(t *testing.T) {
	a := &app{cfg: &am.Config{Pipeline: am.PipelineConfig{Workers: 3, ContinueOnError: true}}}

	cmd := newRunCmd()
	opts, err := runOptions(cmd, a)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Options{Workers: 3, ContinueOnError: true}, opts)

	cmd = newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--force", "--continue-on-error=false", "--workers", "2", "--lazy"}))
	opts, err = runOptions(cmd, a)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Options{Force: true, Workers: 2, Lazy: true}, opts)

	cmd = newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--workers", "0"}))
	_, err = runOptions(cmd, a)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScopeFromFlags(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-s", "projectId=42", "--scope", "boardId=8"}))
	pk, err := scopeFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, `{"projectId":42,"boardId":8}`, pk.Identity())

	cmd = newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-s", "boardId"}))
	_, err = scopeFromFlags(cmd)
	assert.Error(t, err)
}

func TestTaskRunRows(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)
	rows := taskRunRows([]*pipeline.TaskRun{
		{Plugin: "jira", Task: "collectIssues", Scope: `{"boardId":8}`, State: plugin.StateCompleted,
			StartedAt: &started, FinishedAt: &finished},
		{Plugin: "jira", Task: "enrichIssues", Scope: `{"boardId":8}`, State: plugin.StateSkipped,
			Reason: pipeline.ReasonDependencyFailed},
	})
	assert.Equal(t, []string{"jira/collectIssues", `{"boardId":8}`, "completed", "", "1.5s"}, rows[1])
	assert.Equal(t, []string{"jira/enrichIssues", `{"boardId":8}`, "skipped", "dependency failed", ""}, rows[2])
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(errors.Mark(errors.New("3 failed"), ErrStepsFailed)))
	assert.Equal(t, 130, ExitCode(errors.Wrap(context.Canceled, "run")))
	assert.Equal(t, 130, ExitCode(errors.Mark(errors.Wrap(context.Canceled, "step"), ErrStepsFailed)))
}

// interruptingCollector cancels the run while its step is in progress
type interruptingCollector struct {
	*plugintest.Collector
	cancel context.CancelFunc
}

func (c *interruptingCollector) CollectData(ctx context.Context, pk plugin.PrimaryKeys) error {
	c.cancel()
	return ctx.Err()
}

func TestRunOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := plugin.NewRegistry("0.1.0", zap.NewNop().Sugar())
	first := &interruptingCollector{Collector: plugintest.NewCollector("first", nil, nil), cancel: cancel}
	second := plugintest.NewCollector("second", nil, map[string]plugin.PrimaryKeys{"first": {}})
	require.NoError(t, registry.Register(plugin.Plugin{
		Name:  "fake",
		Tasks: []plugin.Task{first, second},
	}))
	plan, err := dag.NewResolver(registry).ResolveTask(plugin.TaskRef{Plugin: "fake", Task: "second"}, plugin.Keys())
	require.NoError(t, err)

	report, err := pipeline.NewExecutor(registry, pipeline.WithLogger(zap.NewNop().Sugar())).
		Execute(ctx, plan, pipeline.Options{Workers: 1})
	if err != nil {
		require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
	}
	require.NotNil(t, report)
	require.NotEmpty(t, report.Failed())

	err = runOutcome(ctx, report)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 130, ExitCode(err))
}

func TestRunOutcomeFailedSteps(t *testing.T) {
	report := &pipeline.Report{RunID: "r1", Steps: []pipeline.StepResult{
		{State: plugin.StateCompleted},
		{State: plugin.StateFailed, Err: errors.New("boom")},
	}}
	err := runOutcome(context.Background(), report)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, err.Error(), "1 of 2 steps failed")

	report.Steps = report.Steps[:1]
	assert.NoError(t, runOutcome(context.Background(), report))
}
