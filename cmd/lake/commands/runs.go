package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/lake/display"
	"github.com/teranos/lake/pipeline"
)

// RunsCmd shows recorded pipeline runs
var RunsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show recorded runs",
	Long: `List recent pipeline runs, or the steps of one run.

Examples:
  lake runs               # Recent runs, newest first
  lake runs --limit 5
  lake runs 3f1c...       # Steps of one run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	RunsCmd.Flags().Int("limit", 20, "Number of runs to list")
}

func runRuns(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	store := pipeline.NewRunStore(database)

	if len(args) == 1 {
		steps, err := store.ListByRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return fmt.Errorf("no steps recorded for run %s", args[0])
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(cmd.OutOrStdout(), steps)
		}
		return pterm.DefaultTable.WithHasHeader().WithData(taskRunRows(steps)).Render()
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), runs)
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs recorded yet")
		return nil
	}
	rows := [][]string{{"Run", "Started", "Steps", "Failed", "Skipped"}}
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID, r.StartedAt.Local().Format(time.DateTime),
			fmt.Sprint(r.Steps), fmt.Sprint(r.Failed), fmt.Sprint(r.Skipped),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func taskRunRows(steps []*pipeline.TaskRun) [][]string {
	rows := [][]string{{"Task", "Scope", "State", "Detail", "Duration"}}
	for _, s := range steps {
		detail := s.Reason
		if s.Error != "" {
			detail = s.Error
		}
		duration := ""
		if s.StartedAt != nil && s.FinishedAt != nil {
			duration = s.FinishedAt.Sub(*s.StartedAt).Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			s.Plugin + "/" + s.Task, s.Scope, string(s.State), detail, duration,
		})
	}
	return rows
}
