package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/cmd/lake/commands"
	"github.com/teranos/lake/logger"
)

var rootCmd = &cobra.Command{
	Use:   "lake",
	Short: "lake - collect and enrich engineering data",
	Long: `lake - collect and enrich engineering data.

lake pulls issues and merge requests from Jira and GitLab into a raw store,
then derives normalized records (types, statuses, lead times, links) from them.
Every task declares its dependencies; lake plans and runs them in order.

Available commands:
  plugins - List registered plugins, tasks and entities
  plan    - Show the steps needed to produce an entity or run a task
  run     - Resolve and execute a plan
  runs    - Show recorded runs
  db      - Manage the lake database
  am      - Show and validate configuration
  version - Show version information

Examples:
  lake plan jira_issues --scope boardId=8
  lake run jira_issues --scope boardId=8 -v
  lake run gitlab/linkIssues --scope projectId=42 --scope boardId=8 --force
  lake runs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")

		jsonOutput, level := false, ""
		if cfg, err := am.Load(); err == nil {
			jsonOutput, level = cfg.Log.JSON, cfg.Log.Level
		}
		if verbosity > 0 || level == "" {
			level = logger.VerbosityToLevel(verbosity).String()
		}
		if err := logger.Initialize(jsonOutput, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v steps, -vv requests and records)")
	rootCmd.PersistentFlags().Bool("json", false, "Print command results as JSON")

	rootCmd.AddCommand(commands.PluginsCmd)
	rootCmd.AddCommand(commands.PlanCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
