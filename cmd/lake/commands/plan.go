package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/display"
	"github.com/teranos/lake/logger"
)

// PlanCmd prints the plan for a target without running it
var PlanCmd = &cobra.Command{
	Use:   "plan <entity|plugin/task>",
	Short: "Show the steps needed to produce an entity or run a task",
	Long: `Resolve a target into an ordered plan and print it.

The target is an entity name (jira_issues) or a task reference
(gitlab/linkIssues). Dependencies are planned first; entities are
planned through the entities they import.

Examples:
  lake plan jira_issues --scope boardId=8
  lake plan gitlab/linkIssues -s projectId=42 -s boardId=8`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	addScopeFlag(PlanCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	pk, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := dag.NewResolver(a.registry).ResolveTarget(args[0], pk)
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), planSteps(plan))
	}

	pterm.DefaultSection.Printf("Plan for %s (%d steps)", args[0], plan.Len())
	return pterm.DefaultTable.WithHasHeader().WithData(planRows(plan)).Render()
}

func planRows(plan *dag.Plan) [][]string {
	rows := [][]string{{"#", "Task", "Scope", "After"}}
	for i, step := range plan.Steps {
		after := ""
		for j, dep := range step.DependsOn {
			if j > 0 {
				after += ", "
			}
			after += fmt.Sprint(dep + 1)
		}
		rows = append(rows, []string{fmt.Sprint(i + 1), step.Ref.String(), step.Keys.Identity(), after})
	}
	return rows
}

type planStep struct {
	Step      int    `json:"step"`
	Task      string `json:"task"`
	Scope     string `json:"scope"`
	DependsOn []int  `json:"depends_on"`
}

// planSteps numbers steps and dependencies from 1, like the table
func planSteps(plan *dag.Plan) []planStep {
	steps := make([]planStep, 0, plan.Len())
	for i, step := range plan.Steps {
		deps := make([]int, len(step.DependsOn))
		for j, dep := range step.DependsOn {
			deps[j] = dep + 1
		}
		steps = append(steps, planStep{Step: i + 1, Task: step.Ref.String(), Scope: step.Keys.Identity(), DependsOn: deps})
	}
	return steps
}
