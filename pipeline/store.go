package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/lake/db"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
)

// TaskRun is the persisted record of one task invocation
type TaskRun struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Plugin     string       `json:"plugin"`
	Task       string       `json:"task"`
	Kind       plugin.Kind  `json:"kind"`
	Scope      string       `json:"scope"`
	State      plugin.State `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// RunSummary aggregates the task runs of one pipeline run
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Steps     int       `json:"steps"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
}

// RunStore handles persistence of task runs
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a task run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const taskRunColumns = `id, run_id, plugin, task, kind, scope, state, reason, error, created_at, started_at, finished_at`

// Create inserts a new task run
func (s *RunStore) Create(ctx context.Context, run *TaskRun) error {
	if !plugin.IsValidState(string(run.State)) {
		return errors.NewInvalidRequestError("invalid task run state %q", run.State)
	}
	query := `INSERT INTO task_runs (` + taskRunColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.RunID,
		run.Plugin,
		run.Task,
		string(run.Kind),
		run.Scope,
		string(run.State),
		run.Reason,
		run.Error,
		run.CreatedAt.UnixMilli(),
		nullMillis(run.StartedAt),
		nullMillis(run.FinishedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task run")
	}
	return nil
}

// Update writes the mutable fields of an existing task run
func (s *RunStore) Update(ctx context.Context, run *TaskRun) error {
	query := `
		UPDATE task_runs
		SET state = ?,
		    reason = ?,
		    error = ?,
		    started_at = ?,
		    finished_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(run.State),
		run.Reason,
		run.Error,
		nullMillis(run.StartedAt),
		nullMillis(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return errors.Wrap(db.MarkClosed(err), "failed to update task run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("task run not found: %s", run.ID)
	}
	return nil
}

// Get retrieves a task run by ID
func (s *RunStore) Get(ctx context.Context, id string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?`, id)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task run not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task run")
	}
	return run, nil
}

// ListByRun returns the task runs of one pipeline run in creation order
func (s *RunStore) ListByRun(ctx context.Context, runID string) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task runs")
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task runs")
	}
	return runs, nil
}

// ListRuns summarizes the most recent pipeline runs, newest first
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id,
		       COUNT(*),
		       SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'skipped' THEN 1 ELSE 0 END),
		       MIN(created_at)
		FROM task_runs
		GROUP BY run_id
		ORDER BY MIN(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			sum     RunSummary
			started int64
		)
		if err := rows.Scan(&sum.RunID, &sum.Steps, &sum.Failed, &sum.Skipped, &started); err != nil {
			return nil, errors.Wrap(err, "failed to scan run summary")
		}
		sum.StartedAt = time.UnixMilli(started).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (*TaskRun, error) {
	var (
		run               TaskRun
		kind, state       string
		created           int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.RunID, &run.Plugin, &run.Task, &kind, &run.Scope,
		&state, &run.Reason, &run.Error, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	run.Kind = plugin.Kind(kind)
	run.State = plugin.State(state)
	run.CreatedAt = time.UnixMilli(created).UTC()
	run.StartedAt = fromNullMillis(started)
	run.FinishedAt = fromNullMillis(finished)
	return &run, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
