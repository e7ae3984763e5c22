package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugin/plugintest"
)

func newJiraLike() plugin.Plugin {
	return plugin.Plugin{
		Name:    "jira",
		Version: "1.0.0",
		Entities: []plugin.EntitySpec{
			{Name: "jira_raw_issues", Producer: "collectIssues"},
			{Name: "jira_issues", Producer: "enrichIssues", Imports: []string{"jira_raw_issues"}},
		},
		Tasks: []plugin.Task{
			plugintest.NewCollector("collectIssues", nil, nil),
			plugintest.NewEnricher("enrichIssues", nil, map[string]plugin.PrimaryKeys{
				"collectIssues": plugin.Keys("boardId", 8),
			}),
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("registers plugin and entities", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		require.NoError(t, r.Register(newJiraLike()))

		assert.Equal(t, []string{"jira"}, r.List())
		assert.Equal(t, []string{"jira_issues", "jira_raw_issues"}, r.Entities())

		ref, ok := r.Producer("jira_issues")
		require.True(t, ok)
		assert.Equal(t, plugin.TaskRef{Plugin: "jira", Task: "enrichIssues"}, ref)
		assert.Equal(t, []string{"jira_raw_issues"}, r.Imports("jira_issues"))

		task, ok := r.Task(ref)
		require.True(t, ok)
		assert.Equal(t, "enrichIssues", task.Name())
	})

	t.Run("rejects duplicate plugin", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		require.NoError(t, r.Register(newJiraLike()))

		err := r.Register(newJiraLike())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	t.Run("rejects entity produced by two plugins", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		require.NoError(t, r.Register(newJiraLike()))

		err := r.Register(plugin.Plugin{
			Name:     "mirror",
			Entities: []plugin.EntitySpec{{Name: "jira_issues", Producer: "copy"}},
			Tasks:    []plugin.Task{plugintest.NewEnricher("copy", nil, nil)},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConflict))
		assert.Contains(t, err.Error(), "jira/enrichIssues")

		_, registered := r.Plugin("mirror")
		assert.False(t, registered, "failed registration leaves no trace")
	})

	t.Run("rejects duplicate task names", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		err := r.Register(plugin.Plugin{
			Name: "dup",
			Tasks: []plugin.Task{
				plugintest.NewCollector("collect", nil, nil),
				plugintest.NewCollector("collect", nil, nil),
			},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	t.Run("rejects producer that is not a task", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		err := r.Register(plugin.Plugin{
			Name:     "broken",
			Entities: []plugin.EntitySpec{{Name: "things", Producer: "missing"}},
		})
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("rejects empty name", func(t *testing.T) {
		r := plugin.NewRegistry("1.0.0", nil)
		assert.Error(t, r.Register(plugin.Plugin{}))
	})
}

func TestRegistry_VersionConstraint(t *testing.T) {
	tests := []struct {
		name       string
		core       string
		constraint string
		wantErr    bool
	}{
		{name: "no constraint", core: "1.0.0", constraint: ""},
		{name: "satisfied", core: "1.4.2", constraint: ">= 1.2.0, < 2.0.0"},
		{name: "too old", core: "0.9.0", constraint: ">= 1.0.0", wantErr: true},
		{name: "bad constraint", core: "1.0.0", constraint: "not-a-constraint", wantErr: true},
		{name: "bad core version", core: "dev", constraint: ">= 1.0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := plugin.NewRegistry(tt.core, nil)
			p := newJiraLike()
			p.CoreVersion = tt.constraint

			err := r.Register(p)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_TaskByKey(t *testing.T) {
	r := plugin.NewRegistry("1.0.0", nil)
	require.NoError(t, r.Register(newJiraLike()))

	ref, task, err := r.TaskByKey("jira/collectIssues")
	require.NoError(t, err)
	assert.Equal(t, "jira/collectIssues", ref.String())
	assert.Equal(t, "collectIssues", task.Name())

	_, _, err = r.TaskByKey("jira/nope")
	assert.True(t, errors.IsNotFoundError(err))

	_, _, err = r.TaskByKey("collectIssues")
	assert.True(t, errors.IsInvalidRequestError(err), "bare names need a plugin prefix here")
}

func TestRegistry_Preflight(t *testing.T) {
	r := plugin.NewRegistry("1.0.0", nil)

	p := newJiraLike()
	p.Preflight = func() error { return errors.New("sources.jira.token is required") }
	require.NoError(t, r.Register(p))

	err := r.Preflight("jira")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin jira")

	assert.True(t, errors.IsNotFoundError(r.Preflight("gitlab")))
}
