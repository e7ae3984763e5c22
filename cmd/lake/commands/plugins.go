package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
)

// PluginsCmd lists registered plugins
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List registered plugins, tasks and entities",
	Long: `List every registered plugin with its tasks and the entities they produce.

Examples:
  lake plugins`,
	RunE: runPlugins,
}

func runPlugins(cmd *cobra.Command, args []string) error {
	a, err := openApp(logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return pterm.DefaultTable.WithHasHeader().WithData(pluginRows(a.registry)).Render()
}

// pluginRows renders one row per task with the entities it produces
func pluginRows(registry *plugin.Registry) [][]string {
	produces := make(map[plugin.TaskRef][]string)
	for _, entity := range registry.Entities() {
		if ref, ok := registry.Producer(entity); ok {
			produces[ref] = append(produces[ref], entity)
		}
	}

	rows := [][]string{{"Plugin", "Version", "Task", "Kind", "Produces"}}
	for _, name := range registry.List() {
		p, _ := registry.Plugin(name)
		tasks := append([]plugin.Task(nil), p.Tasks...)
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Name() < tasks[j].Name() })
		for _, t := range tasks {
			kind, _ := plugin.KindOf(t)
			ref := plugin.TaskRef{Plugin: name, Task: t.Name()}
			rows = append(rows, []string{
				name, p.Version, t.Name(), string(kind), strings.Join(produces[ref], ", "),
			})
		}
	}
	return rows
}

// addScopeFlag registers the repeatable --scope key=value flag
func addScopeFlag(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("scope", "s", nil, "Primary key as key=value (repeatable), e.g. boardId=8")
}

func scopeFromFlags(cmd *cobra.Command) (plugin.PrimaryKeys, error) {
	pairs, err := cmd.Flags().GetStringArray("scope")
	if err != nil {
		return plugin.PrimaryKeys{}, err
	}
	pk, err := plugin.ParseKeys(pairs)
	if err != nil {
		return plugin.PrimaryKeys{}, fmt.Errorf("invalid --scope: %w", err)
	}
	return pk, nil
}
