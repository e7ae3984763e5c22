package commands

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/pipeline"
	"github.com/teranos/lake/plugin"
)

// ErrStepsFailed marks a run that finished with failed steps
var ErrStepsFailed = errors.New("steps failed")

// RunCmd resolves and executes a plan
var RunCmd = &cobra.Command{
	Use:   "run <entity|plugin/task>",
	Short: "Resolve and execute a plan",
	Long: `Resolve a target into a plan and execute it.

Steps whose data is already prepared are skipped unless --force is given,
in which case each task's data for the scope is cleaned and rebuilt.
A failed step skips everything depending on it; without
--continue-on-error the remaining steps are skipped as well.

Examples:
  lake run jira_issues --scope boardId=8
  lake run gitlab/linkIssues -s projectId=42 -s boardId=8 --workers 4
  lake run jira/collectIssues -s boardId=8 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	addScopeFlag(RunCmd)
	RunCmd.Flags().Bool("force", false, "Clean and rebuild data even when already prepared")
	RunCmd.Flags().Bool("continue-on-error", false, "Keep running steps that do not depend on a failed one")
	RunCmd.Flags().Int("workers", 0, "Concurrent independent steps (default from pipeline.workers)")
	RunCmd.Flags().Bool("lazy", false, "Defer lazy enrichers nothing else in the plan needs")
}

func runRun(cmd *cobra.Command, args []string) error {
	pk, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := runOptions(cmd, a)
	if err != nil {
		return err
	}

	plan, err := dag.NewResolver(a.registry).ResolveTarget(args[0], pk)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	exec := pipeline.NewExecutor(a.registry,
		pipeline.WithRunStore(pipeline.NewRunStore(a.db)),
		pipeline.WithObserver(newStepPrinter(plan.Len())),
		pipeline.WithLogger(logger.Logger.Named("pipeline")),
	)
	start := time.Now()
	report, err := exec.Execute(ctx, plan, opts)
	if err != nil {
		return err
	}

	printSummary(report, time.Since(start))
	return runOutcome(ctx, report)
}

// runOutcome turns a finished report into the command error. An interrupt
// wins over the step failures it caused.
func runOutcome(ctx context.Context, report *pipeline.Report) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "run %s interrupted", report.RunID)
	}
	if failed := report.Failed(); len(failed) > 0 {
		return errors.Mark(errors.Wrapf(report.Err(), "run %s: %d of %d steps failed",
			report.RunID, len(failed), len(report.Steps)), ErrStepsFailed)
	}
	return nil
}

func runOptions(cmd *cobra.Command, a *app) (pipeline.Options, error) {
	flags := cmd.Flags()
	opts := pipeline.Options{
		Workers:         a.cfg.GetWorkers(),
		ContinueOnError: a.cfg.Pipeline.ContinueOnError,
	}
	var err error
	if opts.Force, err = flags.GetBool("force"); err != nil {
		return opts, err
	}
	if opts.Lazy, err = flags.GetBool("lazy"); err != nil {
		return opts, err
	}
	if flags.Changed("continue-on-error") {
		if opts.ContinueOnError, err = flags.GetBool("continue-on-error"); err != nil {
			return opts, err
		}
	}
	if flags.Changed("workers") {
		if opts.Workers, err = flags.GetInt("workers"); err != nil {
			return opts, err
		}
		if opts.Workers < 1 {
			return opts, errors.NewInvalidRequestError("--workers must be >= 1")
		}
	}
	return opts, nil
}

// stepPrinter renders step events as they happen
type stepPrinter struct {
	total int
}

func newStepPrinter(total int) *stepPrinter {
	return &stepPrinter{total: total}
}

func (p *stepPrinter) StepStarted(step pipeline.StepResult) {
	pterm.Info.Printfln("[%d/%d] %s %s", step.Index+1, p.total, step.Ref, step.Keys.Identity())
}

func (p *stepPrinter) StepFinished(step pipeline.StepResult) {
	prefix := pterm.Sprintf("[%d/%d] %s", step.Index+1, p.total, step.Ref)
	switch step.State {
	case plugin.StateCompleted:
		pterm.Success.Printfln("%s completed in %s", prefix, step.Duration().Round(time.Millisecond))
	case plugin.StateSkipped:
		pterm.Warning.Printfln("%s skipped: %s", prefix, step.Reason)
	case plugin.StateFailed:
		pterm.Error.Printfln("%s failed: %v", prefix, step.Err)
	}
}

var _ pipeline.Observer = (*stepPrinter)(nil)

func printSummary(report *pipeline.Report, elapsed time.Duration) {
	counts := report.Counts()
	pterm.Println()
	pterm.DefaultSection.Printf("Run %s", report.RunID)
	pterm.Printfln("  Completed: %d", counts[plugin.StateCompleted])
	pterm.Printfln("  Skipped:   %d", counts[plugin.StateSkipped])
	pterm.Printfln("  Failed:    %d", counts[plugin.StateFailed])
	pterm.Printfln("  Elapsed:   %s", elapsed.Round(time.Millisecond))
}

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, ErrStepsFailed):
		return 2
	default:
		return 1
	}
}
